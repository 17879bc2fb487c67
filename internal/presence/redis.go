package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for per-gateway presence hashes.
	KeyPrefix = "presence:"

	// ServersKey is the set of gateway names that currently hold presence.
	ServersKey = "presence:servers"

	// EntryTTL bounds how long a crashed gateway's sockets stay visible.
	// Live gateways refresh it on every heartbeat tick.
	EntryTTL = 2 * time.Minute
)

// RedisRegistry stores presence in Redis so that every gateway instance
// broadcasts the same list. Each gateway owns one hash:
//
//	Key:   presence:<server>
//	Field: <socket_id>
//	Value: <user_id>
//	TTL:   EntryTTL, refreshed by Refresh
type RedisRegistry struct {
	client     *redis.Client
	serverName string
}

// NewRedisRegistry connects to Redis and verifies the connection.
func NewRedisRegistry(redisAddr string, serverName string) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return NewRedisRegistryWithClient(client, serverName), nil
}

// NewRedisRegistryWithClient wraps an existing client.
func NewRedisRegistryWithClient(client *redis.Client, serverName string) *RedisRegistry {
	return &RedisRegistry{client: client, serverName: serverName}
}

func (r *RedisRegistry) key() string {
	return KeyPrefix + r.serverName
}

// Add implements Registry.
func (r *RedisRegistry) Add(ctx context.Context, entry Entry) error {
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, r.key(), entry.SocketID, entry.UserID)
	pipe.Expire(ctx, r.key(), EntryTTL)
	pipe.SAdd(ctx, ServersKey, r.serverName)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: add %s: %w", entry.SocketID, err)
	}
	return nil
}

// Remove implements Registry.
func (r *RedisRegistry) Remove(ctx context.Context, socketID string) error {
	if err := r.client.HDel(ctx, r.key(), socketID).Err(); err != nil {
		return fmt.Errorf("presence: remove %s: %w", socketID, err)
	}
	return nil
}

// List implements Registry. Gateways whose hash has expired are pruned from
// the server set on the way.
func (r *RedisRegistry) List(ctx context.Context) ([]Entry, error) {
	servers, err := r.client.SMembers(ctx, ServersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list servers: %w", err)
	}

	entries := make([]Entry, 0)
	for _, server := range servers {
		sockets, err := r.client.HGetAll(ctx, KeyPrefix+server).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("presence: list %s: %w", server, err)
		}
		if len(sockets) == 0 {
			if server != r.serverName {
				r.client.SRem(ctx, ServersKey, server)
			}
			continue
		}
		for socketID, userID := range sockets {
			entries = append(entries, Entry{SocketID: socketID, UserID: userID})
		}
	}

	sortEntries(entries)
	return entries, nil
}

// Refresh implements Registry.
func (r *RedisRegistry) Refresh(ctx context.Context) error {
	pipe := r.client.Pipeline()
	pipe.Expire(ctx, r.key(), EntryTTL)
	pipe.SAdd(ctx, ServersKey, r.serverName)
	_, err := pipe.Exec(ctx)
	return err
}

// Close drops this gateway's entries and closes the Redis connection.
func (r *RedisRegistry) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.key())
	pipe.SRem(ctx, ServersKey, r.serverName)
	_, _ = pipe.Exec(ctx)

	return r.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (r *RedisRegistry) Client() *redis.Client {
	return r.client
}
