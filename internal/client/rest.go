// Package client talks to the chat backend: a typed REST client, a
// push-channel socket with reconnects, and token persistence.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/parley/chat-app/internal/protocol"
)

// APIError is a non-2xx REST response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// User is an entry of GET auth/users.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Details is the response of GET auth/details.
type Details struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// REST is a typed client for the REST service. Every request carries the
// stored token as a bearer token when there is one.
type REST struct {
	base   *url.URL
	http   *http.Client
	tokens TokenStore
}

// NewREST creates a REST client for baseURL. A nil httpClient uses a
// client with a 10 second timeout.
func NewREST(baseURL string, tokens TokenStore, httpClient *http.Client) (*REST, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("client: base url %q must be absolute", baseURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &REST{base: u, http: httpClient, tokens: tokens}, nil
}

// Register creates an account and stores the returned token.
func (c *REST) Register(ctx context.Context, email, username, password string) error {
	return c.authenticate(ctx, "auth/register", map[string]string{
		"email": email, "username": username, "password": password,
	})
}

// Login stores a fresh token for the given credentials.
func (c *REST) Login(ctx context.Context, username, password string) error {
	return c.authenticate(ctx, "auth/login", map[string]string{
		"username": username, "password": password,
	})
}

func (c *REST) authenticate(ctx context.Context, path string, body interface{}) error {
	var resp struct {
		AccessToken string `json:"accessToken"`
	}
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return err
	}
	if resp.AccessToken == "" {
		return fmt.Errorf("client: %s returned no token", path)
	}
	return c.tokens.Save(resp.AccessToken)
}

// Token returns the stored token.
func (c *REST) Token() (string, error) {
	return c.tokens.Load()
}

// Details returns the authenticated user.
func (c *REST) Details(ctx context.Context) (Details, error) {
	var d Details
	err := c.do(ctx, http.MethodGet, "auth/details", nil, &d)
	return d, err
}

// Users lists every registered user.
func (c *REST) Users(ctx context.Context) ([]User, error) {
	var users []User
	err := c.do(ctx, http.MethodGet, "auth/users", nil, &users)
	return users, err
}

// Messages returns the conversation between sender and receiver, oldest
// first.
func (c *REST) Messages(ctx context.Context, sender, receiver string) ([]protocol.Message, error) {
	var msgs []protocol.Message
	path := "messages/" + url.PathEscape(sender) + "/" + url.PathEscape(receiver)
	err := c.do(ctx, http.MethodGet, path, nil, &msgs)
	return msgs, err
}

// SaveMessage persists m and returns it with its assigned ID.
func (c *REST) SaveMessage(ctx context.Context, m protocol.Message) (protocol.Message, error) {
	var saved protocol.Message
	err := c.do(ctx, http.MethodPost, "messages", m, &saved)
	return saved, err
}

func (c *REST) do(ctx context.Context, method, path string, body, out interface{}) error {
	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("client: bad path %q: %w", path, err)
	}
	target := c.base.ResolveReference(ref)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("client: build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, err := c.tokens.Load(); err == nil && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("client: read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var body struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &body) == nil && body.Message != "" {
			apiErr.Message = body.Message
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("client: decode %s response: %w", path, err)
	}
	return nil
}
