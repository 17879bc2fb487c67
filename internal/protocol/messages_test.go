package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid sendMessage event
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"sendMessage","data":{"sender":"u1","receiver":"u2","content":"Hello!","timestamp":"2024-03-01T10:00:00Z"}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	m, ok := msg.(Message)
	if !ok {
		t.Fatalf("expected Message, got %T", msg)
	}
	if m.Sender != "u1" || m.Receiver != "u2" {
		t.Errorf("unexpected participants: %+v", m)
	}
	if m.Content != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", m.Content)
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !m.Timestamp.Equal(want) {
		t.Errorf("expected timestamp %s, got %s", want, m.Timestamp)
	}
}

// ---------------------------------------------------------------------------
// Test: typing and stopTyping share the indicator payload
// ---------------------------------------------------------------------------

func TestParseClientMessage_TypingVariants(t *testing.T) {
	for _, typ := range []string{TypeTyping, TypeStopTyping} {
		input := []byte(`{"type":"` + typ + `","data":{"sender":"a","receiver":"b","typing":true}}`)
		msgType, msg, err := ParseClientMessage(input)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", typ, err)
		}
		if msgType != typ {
			t.Errorf("expected type %q, got %q", typ, msgType)
		}
		ind, ok := msg.(TypingIndicator)
		if !ok {
			t.Fatalf("%s: expected TypingIndicator, got %T", typ, msg)
		}
		if ind.Sender != "a" || ind.Receiver != "b" || !ind.Typing {
			t.Errorf("%s: unexpected indicator %+v", typ, ind)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: GetOnlineUser carries an array payload
// ---------------------------------------------------------------------------

func TestNewServerMessage_OnlineUsers(t *testing.T) {
	data, err := NewServerMessage(TypeOnlineUsers, []PresenceEntry{
		{SocketID: "s1", UserID: "u1"},
		{SocketID: "s2", UserID: "u2"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeOnlineUsers {
		t.Errorf("expected type %q, got %v", TypeOnlineUsers, result["type"])
	}

	entries, ok := result["data"].([]interface{})
	if !ok {
		t.Fatalf("expected data to be an array, got %T", result["data"])
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first := entries[0].(map[string]interface{})
	if first["socketId"] != "s1" || first["userId"] != "u1" {
		t.Errorf("unexpected first entry: %v", first)
	}
}

func TestEncode_NilPayloadOmitsData(t *testing.T) {
	data, err := Encode(TypePong, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("unexpected frame: %s", data)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and server-only types are rejected
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	input := []byte(`{"type":"receiveMessage","data":{"sender":"a"}}`)
	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected an error for a server-only type, got nil")
	}
}

func TestParseClientMessage_MissingData(t *testing.T) {
	input := []byte(`{"type":"userOnline"}`)
	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected an error for missing payload, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Server frames decode back into the client-side structs
// ---------------------------------------------------------------------------

func TestDecode_ReceiveMessage(t *testing.T) {
	sent := Message{
		ID:        "m-1",
		Sender:    "u1",
		Receiver:  "u2",
		Content:   "hi",
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := NewServerMessage(TypeReceiveMessage, sent)
	if err != nil {
		t.Fatalf("failed to create server message: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("failed to unmarshal envelope: %v", err)
	}
	if env.Type != TypeReceiveMessage {
		t.Fatalf("expected type %q, got %q", TypeReceiveMessage, env.Type)
	}

	var got Message
	if err := Decode(env.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != sent.ID || got.Content != sent.Content || !got.Timestamp.Equal(sent.Timestamp) {
		t.Errorf("decoded message mismatch: got %+v, want %+v", got, sent)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client event types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"userOnline", `{"type":"userOnline","data":{"socketId":"s1","userId":"u1"}}`, TypeUserOnline},
		{"sendMessage", `{"type":"sendMessage","data":{"receiver":"u2","content":"hi"}}`, TypeSendMessage},
		{"typing", `{"type":"typing","data":{"sender":"u1","receiver":"u2","typing":true}}`, TypeTyping},
		{"stopTyping", `{"type":"stopTyping","data":{"sender":"u1","receiver":"u2","typing":false}}`, TypeStopTyping},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
