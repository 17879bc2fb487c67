package gateway

import (
	"context"
	"time"

	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/ws"
)

// handlerTimeout bounds the registry and rate-limit calls of one event.
const handlerTimeout = 3 * time.Second

// Mount routes the client events of dispatcher to the hub and hooks the
// hub into the server's connection lifecycle.
func (h *Hub) Mount(server *ws.Server, dispatcher *ws.MessageDispatcher) {
	// userOnline: bind the socket to a user and rebroadcast presence
	dispatcher.Register(protocol.TypeUserOnline, func(conn *ws.Connection, msg interface{}) {
		entry, ok := msg.(protocol.PresenceEntry)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		h.UserOnline(ctx, conn, entry)
	})

	// sendMessage: relay a direct message to the receiver's sockets
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.Message)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		h.SendMessage(ctx, conn, m)
	})

	// typing / stopTyping: relay as typingIndicator
	dispatcher.Register(protocol.TypeTyping, h.typingHandler(true))
	dispatcher.Register(protocol.TypeStopTyping, h.typingHandler(false))

	server.SetOnConnect(func(conn *ws.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		h.Connected(ctx, conn)
	})
	server.SetOnDisconnect(func(conn *ws.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		h.Disconnected(ctx, conn.ID)
	})
	server.SetOnHeartbeat(func() {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		h.Refresh(ctx)
	})
}

func (h *Hub) typingHandler(typing bool) ws.MessageHandler {
	return func(conn *ws.Connection, msg interface{}) {
		ind, ok := msg.(protocol.TypingIndicator)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		h.Typing(ctx, conn, ind, typing)
	}
}
