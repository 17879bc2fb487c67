package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/client"
	"github.com/parley/chat-app/internal/loadtest"
	"github.com/parley/chat-app/internal/protocol"
)

// runChat connects pairs of users and has both sides of every pair send
// direct messages to each other for a fixed duration. Relay latency is
// measured from the message timestamp to its arrival.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	secret := fs.String("secret", secretFromEnv(), "JWT secret shared with the gateway")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Gateway metrics endpoint")
	_ = fs.Parse(args)

	issuer, err := auth.NewIssuer(*secret, time.Hour)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	fmt.Printf("Chat test: %d pairs to %s (chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, *url, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadtest.NewCollector()
	scraper := loadtest.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	payload := strings.Repeat("x", max(*msgSize, 1))
	run := time.Now().UnixNano()
	sem := make(chan struct{}, *concurrency)

	var wg sync.WaitGroup
	for p := 0; p < *pairs; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			a := fmt.Sprintf("load-%d-%d-a", run, p)
			b := fmt.Sprintf("load-%d-%d-b", run, p)

			sem <- struct{}{}
			sa, sb, err := connectPair(ctx, issuer, *url, a, b, collector)
			<-sem
			if err != nil {
				collector.AddError()
				return
			}
			defer sa.Close()
			defer sb.Close()

			chatCtx, cancel := context.WithTimeout(ctx, *chatDuration)
			defer cancel()

			var inner sync.WaitGroup
			inner.Add(2)
			go func() {
				defer inner.Done()
				chatLoop(chatCtx, sa, a, b, payload, *msgInterval, collector)
			}()
			go func() {
				defer inner.Done()
				chatLoop(chatCtx, sb, b, a, payload, *msgInterval, collector)
			}()
			inner.Wait()

			// Let in-flight relays land before closing.
			time.Sleep(500 * time.Millisecond)
		}(p)
	}
	wg.Wait()

	scraper.Stop()
	collector.Report(os.Stdout)
}

func connectPair(ctx context.Context, issuer *auth.Issuer, url, a, b string, collector *loadtest.Collector) (*client.Socket, *client.Socket, error) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sa, la, err := connectUser(connCtx, issuer, url, a)
	if err != nil {
		return nil, nil, err
	}
	sb, lb, err := connectUser(connCtx, issuer, url, b)
	if err != nil {
		_ = sa.Close()
		return nil, nil, err
	}
	collector.AddConnect(la)
	collector.AddConnect(lb)

	for _, s := range []*client.Socket{sa, sb} {
		s.On(protocol.TypeReceiveMessage, func(data json.RawMessage) {
			var m protocol.Message
			if err := json.Unmarshal(data, &m); err != nil {
				collector.AddError()
				return
			}
			collector.AddRelay(time.Since(m.Timestamp))
		})
		s.On(protocol.TypeError, func(json.RawMessage) { collector.AddError() })
	}
	return sa, sb, nil
}

func chatLoop(ctx context.Context, s *client.Socket, from, to, content string, every time.Duration, collector *loadtest.Collector) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m := protocol.Message{Sender: from, Receiver: to, Content: content, Timestamp: time.Now()}
		if err := s.Emit(protocol.TypeSendMessage, m); err != nil {
			collector.AddError()
			continue
		}
		collector.AddSent()
	}
}
