// Package main is the gateway load test binary. It simulates authenticated
// dashboard clients by minting tokens with the shared JWT secret.
//
//   - saturate: open N idle sockets and hold them
//   - chat:     pairs of users exchanging direct messages
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/client"
	"github.com/parley/chat-app/internal/protocol"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N idle sockets")
	fmt.Println("  chat        Direct message test, pairs of users exchange messages")
	fmt.Println()
	fmt.Println("Both commands read the JWT secret from -secret or JWT_SECRET.")
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// connectUser dials the gateway as userID, waits for the greeting and
// announces presence. It returns the socket and the time to greeting.
func connectUser(ctx context.Context, issuer *auth.Issuer, url, userID string) (*client.Socket, time.Duration, error) {
	token, err := issuer.Issue(userID, userID)
	if err != nil {
		return nil, 0, err
	}

	start := time.Now()
	s, err := client.Dial(ctx, client.SocketConfig{URL: url, Token: token})
	if err != nil {
		return nil, 0, err
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !s.Connected() {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return nil, 0, ctx.Err()
		case <-ticker.C:
		}
	}
	latency := time.Since(start)

	if err := s.Emit(protocol.TypeUserOnline, protocol.PresenceEntry{SocketID: s.SocketID(), UserID: userID}); err != nil {
		_ = s.Close()
		return nil, 0, err
	}
	return s, latency, nil
}

func secretFromEnv() string {
	return os.Getenv("JWT_SECRET")
}
