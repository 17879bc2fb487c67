package presence

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newTestRegistry returns a registry for serverName backed by a local Redis
// on localhost:6379. The test is skipped when Redis is not running.
func newTestRegistry(t *testing.T, client *redis.Client, serverName string) *RedisRegistry {
	t.Helper()
	ctx := context.Background()
	client.Del(ctx, KeyPrefix+serverName)
	client.SRem(ctx, ServersKey, serverName)
	t.Cleanup(func() {
		client.Del(ctx, KeyPrefix+serverName)
		client.SRem(ctx, ServersKey, serverName)
	})
	return NewRedisRegistryWithClient(client, serverName)
}

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisRegistry_ListAcrossServers(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	a := newTestRegistry(t, client, "test_gw_a")
	b := newTestRegistry(t, client, "test_gw_b")

	require.NoError(t, a.Add(ctx, Entry{SocketID: "test_s1", UserID: "test_alice"}))
	require.NoError(t, b.Add(ctx, Entry{SocketID: "test_s2", UserID: "test_bob"}))

	entries, err := a.List(ctx)
	require.NoError(t, err)
	require.Contains(t, entries, Entry{SocketID: "test_s1", UserID: "test_alice"})
	require.Contains(t, entries, Entry{SocketID: "test_s2", UserID: "test_bob"})

	require.NoError(t, b.Remove(ctx, "test_s2"))
	entries, err = a.List(ctx)
	require.NoError(t, err)
	require.NotContains(t, entries, Entry{SocketID: "test_s2", UserID: "test_bob"})
}

func TestRedisRegistry_PrunesExpiredServers(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	a := newTestRegistry(t, client, "test_gw_live")
	_ = newTestRegistry(t, client, "test_gw_dead")

	// A server listed in the set without a hash is a crashed gateway.
	require.NoError(t, client.SAdd(ctx, ServersKey, "test_gw_dead").Err())

	_, err := a.List(ctx)
	require.NoError(t, err)

	member, err := client.SIsMember(ctx, ServersKey, "test_gw_dead").Result()
	require.NoError(t, err)
	require.False(t, member)
}

func TestRedisRegistry_RefreshSetsTTL(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	r := newTestRegistry(t, client, "test_gw_ttl")

	require.NoError(t, r.Add(ctx, Entry{SocketID: "test_s1", UserID: "test_alice"}))
	require.NoError(t, r.Refresh(ctx))

	ttl, err := client.TTL(ctx, KeyPrefix+"test_gw_ttl").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, EntryTTL/2)
}
