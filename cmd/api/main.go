package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parley/chat-app/internal/api"
	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/config"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/store"
	"github.com/parley/chat-app/internal/store/postgres"
)

func main() {
	log.Println("Starting Parley REST service...")

	var cfg config.API
	if err := config.Load(&cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		log.Fatalf("failed to create token issuer: %v", err)
	}

	// Store setup.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		st = pg
		log.Printf("  store:           postgres")
	} else {
		st = store.NewMemoryStore()
		log.Printf("  store:           memory (data is lost on restart)")
	}

	// Redis setup.
	var (
		limiter ratelimit.Allower = ratelimit.Unlimited{}
		rdb     *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		cancel()
		limiter = ratelimit.NewLimiter(rdb)
	}

	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  token_ttl:       %s", cfg.TokenTTL)
	log.Printf("  allowed_origins: %v", cfg.AllowedOrigins)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(st, issuer, limiter, cfg.AllowedOrigins).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}

	if err := st.Close(); err != nil {
		log.Printf("store close error: %v", err)
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Println("REST service stopped")
}
