package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/config"
	"github.com/parley/chat-app/internal/gateway"
	"github.com/parley/chat-app/internal/messaging"
	"github.com/parley/chat-app/internal/presence"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/ws"
)

func main() {
	var cfg config.Gateway
	if err := config.Load(&cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		RequireAuth:    cfg.RequireAuth,
		MaxFrameSize:   cfg.MaxFrameSize,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}

	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		log.Fatalf("failed to create token issuer: %v", err)
	}

	serverName := cfg.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "ws-1"
	}

	// --- Redis (presence + rate limits) ---
	var (
		registry presence.Registry
		limiter  ratelimit.Allower = ratelimit.Unlimited{}
	)
	if cfg.RedisAddr != "" {
		redisRegistry, err := presence.NewRedisRegistry(cfg.RedisAddr, serverName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		registry = redisRegistry
		limiter = ratelimit.NewLimiter(redisRegistry.Client())
	} else {
		registry = presence.NewMemoryRegistry()
	}

	// --- NATS ---
	var bus messaging.Bus
	natsConfig := messaging.DefaultNATSConfig()
	if cfg.NATSURL != "" {
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "parley-gateway-" + serverName
		natsClient, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		bus = natsClient
	} else {
		bus = messaging.NewLocalBus()
	}

	log.Printf("Parley gateway starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  read_timeout:    %s", serverConfig.ReadTimeout)
	log.Printf("  write_timeout:   %s", serverConfig.WriteTimeout)
	log.Printf("  max_frame_size:  %d", serverConfig.MaxFrameSize)
	log.Printf("  heartbeat:       %s/%s", serverConfig.Heartbeat.Interval, serverConfig.Heartbeat.Timeout)
	log.Printf("  require_auth:    %v", serverConfig.RequireAuth)
	log.Printf("  nats_url:        %s", orNone(cfg.NATSURL))
	log.Printf("  redis_addr:      %s", orNone(cfg.RedisAddr))
	log.Printf("  server_name:     %s", serverName)

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(serverConfig, dispatcher.Dispatch)
	server.SetAuthenticator(issuer.UserID)
	server.SetConnectLimiter(limiter)

	hub, err := gateway.NewHub(server, registry, bus, limiter)
	if err != nil {
		log.Fatalf("failed to start hub: %v", err)
	}

	hub.Mount(server, dispatcher)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		bus.Close()
		if err := registry.Close(); err != nil {
			log.Printf("presence registry close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
