// Package messaging carries gateway deliveries between the socket that
// produced an event and the sockets that must receive it. LocalBus keeps
// everything in process; NATSClient lets several gateway processes share
// the same user subjects.
package messaging

// UserHandler receives a delivery addressed to userID.
type UserHandler func(userID string, data []byte)

// PresenceHandler receives a presence-change notification.
type PresenceHandler func(data []byte)

// Bus is the delivery fabric used by the gateway hub.
type Bus interface {
	PublishToUser(userID string, data []byte) error
	SubscribeUsers(handler UserHandler) error
	PublishPresence(data []byte) error
	SubscribePresence(handler PresenceHandler) error
	Close()
}

var (
	_ Bus = (*LocalBus)(nil)
	_ Bus = (*NATSClient)(nil)
)
