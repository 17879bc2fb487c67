// Package protocol defines the push-channel events exchanged between the
// dashboard client and the gateway. Every frame is a JSON envelope with a
// type discriminator and a payload:
//
//	{"type": "receiveMessage", "data": {...}}
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	TypeUserOnline  = "userOnline"
	TypeSendMessage = "sendMessage"
	TypeTyping      = "typing"
	TypeStopTyping  = "stopTyping"
	TypePing        = "ping"
)

// Server -> Client events.
const (
	TypeConnect         = "connect"
	TypeOnlineUsers     = "GetOnlineUser"
	TypeReceiveMessage  = "receiveMessage"
	TypeTypingIndicator = "typingIndicator"
	TypeError           = "error"
	TypePong            = "pong"
)

// TypeDisconnect never travels on the wire. Clients synthesize it when the
// channel drops so that handlers can react to both ends of the lifecycle.
const TypeDisconnect = "disconnect"

// Error codes carried in ErrorMsg.Code.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeNotIdentified   = "not_identified"
	CodeForbidden       = "forbidden"
	CodeInvalidMessage  = "invalid_message"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw payload for deferred decoding.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON extracts the type discriminator and keeps a private copy of
// the payload so that it can be decoded later into the concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var partial struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	if len(partial.Data) > 0 {
		e.Data = make(json.RawMessage, len(partial.Data))
		copy(e.Data, partial.Data)
	} else {
		e.Data = nil
	}
	return nil
}

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

// Message is a direct message between two users.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// PresenceEntry binds a socket to the user that announced itself on it.
type PresenceEntry struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId"`
}

// TypingIndicator tells the receiver whether the sender is composing.
type TypingIndicator struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Typing   bool   `json:"typing"`
}

// ConnectMsg is the first frame on every socket.
type ConnectMsg struct {
	SocketID string `json:"socketId"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Codec
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type, the decoded payload and any error. Unknown and
// server-only event types are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeUserOnline:
		var m PresenceEntry
		err = decodeData(env.Data, &m)
		msg = m
	case TypeSendMessage:
		var m Message
		err = decodeData(env.Data, &m)
		msg = m
	case TypeTyping, TypeStopTyping:
		var m TypingIndicator
		err = decodeData(env.Data, &m)
		msg = m
	case TypePing:
		msg = PingMsg{}
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage wraps payload in an envelope of the given type and
// returns the encoded frame.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return Encode(msgType, payload)
}

// Encode builds an envelope frame for any event type. A nil payload
// produces an envelope without data.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
		env.Data = raw
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q envelope: %w", msgType, err)
	}
	return out, nil
}

// Decode unmarshals an envelope payload into v.
func Decode(data json.RawMessage, v interface{}) error {
	if err := decodeData(data, v); err != nil {
		return fmt.Errorf("protocol: decode payload: %w", err)
	}
	return nil
}

func decodeData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("missing \"data\" field")
	}
	return json.Unmarshal(data, v)
}
