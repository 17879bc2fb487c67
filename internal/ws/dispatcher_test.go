package ws

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley/chat-app/internal/protocol"
)

// dispatchAndRead runs Dispatch in the background (net.Pipe writes block
// until read) and returns the first frame the server wrote back.
func dispatchAndRead(t *testing.T, d *MessageDispatcher, c *Connection, client net.Conn, data string) protocol.Envelope {
	t.Helper()
	go d.Dispatch(c, []byte(data))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw, err := wsutil.ReadServerText(client)
	require.NoError(t, err)

	var env protocol.Envelope
	require.NoError(t, protocol.Decode(raw, &env))
	return env
}

func TestDispatch_PingAnsweredWithPong(t *testing.T) {
	d := NewMessageDispatcher()
	c, client := pipeConnection(t, "s1")

	env := dispatchAndRead(t, d, c, client, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypePong, env.Type)
}

func TestDispatch_MalformedFrame(t *testing.T) {
	d := NewMessageDispatcher()
	c, client := pipeConnection(t, "s1")

	env := dispatchAndRead(t, d, c, client, `not json`)
	require.Equal(t, protocol.TypeError, env.Type)

	var e protocol.ErrorMsg
	require.NoError(t, protocol.Decode(env.Data, &e))
	assert.Equal(t, protocol.CodeParseError, e.Code)
}

func TestDispatch_UnregisteredType(t *testing.T) {
	d := NewMessageDispatcher()
	c, client := pipeConnection(t, "s1")

	env := dispatchAndRead(t, d, c, client,
		`{"type":"typing","data":{"sender":"a","receiver":"b"}}`)
	require.Equal(t, protocol.TypeError, env.Type)

	var e protocol.ErrorMsg
	require.NoError(t, protocol.Decode(env.Data, &e))
	assert.Equal(t, protocol.CodeUnsupportedType, e.Code)
}

func TestDispatch_RoutesToHandler(t *testing.T) {
	d := NewMessageDispatcher()
	c, _ := pipeConnection(t, "s1")

	got := make(chan interface{}, 1)
	d.Register(protocol.TypeSendMessage, func(conn *Connection, msg interface{}) {
		assert.Same(t, c, conn)
		got <- msg
	})

	d.Dispatch(c, []byte(`{"type":"sendMessage","data":{"sender":"a","receiver":"b","content":"hi"}}`))

	select {
	case msg := <-got:
		m, ok := msg.(protocol.Message)
		require.True(t, ok, "handler got %T", msg)
		assert.Equal(t, "hi", m.Content)
	default:
		t.Fatal("handler not called")
	}
}
