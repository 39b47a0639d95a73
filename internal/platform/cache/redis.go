// Package cache wraps the Redis client used for short-lived markers.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// New creates a new Redis client.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("platform/cache: ping: %w", err)
	}

	return client, nil
}

// Marker records that something happened within a TTL window.
type Marker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewMarker builds a Marker storing keys under prefix.
func NewMarker(client *redis.Client, prefix string, ttl time.Duration) *Marker {
	return &Marker{client: client, prefix: prefix, ttl: ttl}
}

// Mark sets the marker for id and reports whether it was newly set. A false
// result means the marker is still live from an earlier call.
func (m *Marker) Mark(ctx context.Context, id string) (bool, error) {
	ok, err := m.client.SetNX(ctx, m.prefix+id, time.Now().UTC().Format(time.RFC3339), m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("platform/cache: mark %s: %w", id, err)
	}
	return ok, nil
}

// Clear removes the marker for id.
func (m *Marker) Clear(ctx context.Context, id string) error {
	if err := m.client.Del(ctx, m.prefix+id).Err(); err != nil {
		return fmt.Errorf("platform/cache: clear %s: %w", id, err)
	}
	return nil
}
