package messaging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalBus_UserDelivery(t *testing.T) {
	bus := NewLocalBus()

	type delivery struct {
		user string
		data string
	}
	var got []delivery
	require.NoError(t, bus.SubscribeUsers(func(userID string, data []byte) {
		got = append(got, delivery{userID, string(data)})
	}))

	require.NoError(t, bus.PublishToUser("alice", []byte("one")))
	require.NoError(t, bus.PublishToUser("bob", []byte("two")))

	require.Equal(t, []delivery{{"alice", "one"}, {"bob", "two"}}, got)
}

func TestLocalBus_PresenceFanOut(t *testing.T) {
	bus := NewLocalBus()

	calls := 0
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.SubscribePresence(func([]byte) { calls++ }))
	}

	require.NoError(t, bus.PublishPresence(nil))
	require.Equal(t, 3, calls)
}

func TestLocalBus_Closed(t *testing.T) {
	bus := NewLocalBus()
	bus.Close()

	require.ErrorIs(t, bus.PublishToUser("alice", nil), ErrClosed)
	require.ErrorIs(t, bus.PublishPresence(nil), ErrClosed)
	require.ErrorIs(t, bus.SubscribeUsers(func(string, []byte) {}), ErrClosed)
	require.ErrorIs(t, bus.SubscribePresence(func([]byte) {}), ErrClosed)
}
