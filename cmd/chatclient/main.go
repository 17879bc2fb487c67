// Package main is a line-oriented terminal client for the chat backend.
//
// Usage:
//
//	chatclient register -email a@b.c -username alice -password secret
//	chatclient login -username alice -password secret
//	chatclient chat
//	chatclient logout
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/parley/chat-app/internal/client"
	"github.com/parley/chat-app/internal/config"
	"github.com/parley/chat-app/internal/dashboard"
	"github.com/parley/chat-app/internal/protocol"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var cfg config.Client
	if err := config.Load(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	tokens := client.FileTokenStore{Path: cfg.TokenFile}
	rest, err := client.NewREST(cfg.APIURL, tokens, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "register":
		err = runRegister(rest, os.Args[2:])
	case "login":
		err = runLogin(rest, os.Args[2:])
	case "logout":
		err = tokens.Clear()
	case "chat":
		err = runChat(cfg, rest, tokens)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: chatclient <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  register    Create an account and sign in")
	fmt.Println("  login       Sign in and store the access token")
	fmt.Println("  chat        Open the dashboard")
	fmt.Println("  logout      Forget the stored access token")
	fmt.Println()
	fmt.Println("Run 'chatclient <command> -h' for command-specific options.")
}

func runRegister(rest *client.REST, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	email := fs.String("email", "", "email address")
	username := fs.String("username", "", "username")
	password := fs.String("password", "", "password")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rest.Register(ctx, *email, *username, *password); err != nil {
		return err
	}
	fmt.Println("Registered and signed in.")
	return nil
}

func runLogin(rest *client.REST, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	username := fs.String("username", "", "username")
	password := fs.String("password", "", "password")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rest.Login(ctx, *username, *password); err != nil {
		return err
	}
	fmt.Println("Signed in.")
	return nil
}

func runChat(cfg config.Client, rest *client.REST, tokens client.TokenStore) error {
	token, err := tokens.Load()
	if err != nil {
		return err
	}
	if token == "" {
		return errors.New("not signed in, run 'chatclient login' first")
	}

	ctx := context.Background()
	socket, err := client.Dial(ctx, client.SocketConfig{URL: cfg.SocketURL, Token: token})
	if err != nil {
		return err
	}
	defer socket.Close()

	session := dashboard.NewSession(rest, socket, tokens)
	defer session.Close()

	r := &renderer{}
	session.OnChange(r.render)

	if err := session.Start(ctx); err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			_ = tokens.Clear()
			return errors.New("session expired, sign in again")
		}
		return err
	}
	printHelp()
	r.printUsers(session.View())

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return nil
		case line == "/logout":
			return session.Logout()
		case line == "/help":
			printHelp()
		case line == "/users":
			r.printUsers(session.View())
		case strings.HasPrefix(line, "/open "):
			name := strings.TrimSpace(strings.TrimPrefix(line, "/open "))
			id, ok := lookupUser(session.View(), name)
			if !ok {
				fmt.Printf("! no user named %q\n", name)
				continue
			}
			if err := session.Select(ctx, id); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case strings.HasPrefix(line, "/"):
			fmt.Printf("! unknown command %s\n", line)
		default:
			if err := session.Send(ctx, line); err != nil {
				fmt.Printf("! message not sent: %v\n", err)
			}
		}
	}
	return scanner.Err()
}

func printHelp() {
	fmt.Println("Commands: /users, /open <username>, /logout, /quit. Any other line is sent.")
}

func lookupUser(v dashboard.View, name string) (string, bool) {
	for _, u := range v.Users {
		if strings.EqualFold(u.Username, name) {
			return u.ID, true
		}
	}
	return "", false
}

// renderer prints what changed between consecutive views.
type renderer struct {
	mu        sync.Mutex
	selected  string
	printed   int
	connected bool
	typing    map[string]bool
}

func (r *renderer) render(v dashboard.View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v.Connected != r.connected {
		r.connected = v.Connected
		if v.Connected {
			fmt.Println("* connected")
		} else {
			fmt.Println("* disconnected, reconnecting...")
		}
	}

	if v.Selected != r.selected {
		r.selected = v.Selected
		r.printed = 0
		fmt.Printf("=== Chat with %s ===\n", v.SelectedName)
	}
	if !v.Loading {
		for _, m := range v.Thread[min(r.printed, len(v.Thread)):] {
			printMessage(v, m)
		}
		r.printed = len(v.Thread)
	}

	typing := make(map[string]bool)
	for _, u := range v.Users {
		if u.Typing {
			typing[u.ID] = true
			if !r.typing[u.ID] {
				fmt.Printf("* %s is typing...\n", u.Username)
			}
		}
	}
	r.typing = typing
}

func (r *renderer) printUsers(v dashboard.View) {
	fmt.Printf("Welcome %s (%d online)\n", v.Me.Username, v.OnlineUsers)
	for _, u := range v.Users {
		line := fmt.Sprintf("  [%s] %s", dashboard.StatusColor(u.Status), u.Username)
		if u.IsMe {
			line += " - me"
		}
		if u.Selected {
			line += " *"
		}
		if u.Unread > 0 {
			line += fmt.Sprintf(" (%d unread)", u.Unread)
		}
		if u.Typing {
			line += " Typing..."
		}
		fmt.Println(line)
	}
}

func printMessage(v dashboard.View, m protocol.Message) {
	from := v.SelectedName
	if m.Sender == v.Me.UserID {
		from = "you"
	}
	fmt.Printf("[%s] %s: %s\n", dashboard.FormatTimestamp(m.Timestamp, nil), from, m.Content)
}
