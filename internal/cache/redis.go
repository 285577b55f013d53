// Package cache provides the Redis-backed presence fast path. Heartbeats are
// written through to the SQL store as well; the cache only shortens lookups.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient creates a client and verifies the connection with PING.
func NewRedisClient(ctx context.Context, o Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Presence stores last-seen stamps as unix milliseconds under
// "<prefix><identity>". Keys expire after TTL, so a missing key reads as a
// cache miss rather than "offline".
type Presence struct {
	Client redis.Cmdable
	Prefix string
	TTL    time.Duration
}

// NewPresence returns a cache whose keys outlive the presence window.
func NewPresence(c redis.Cmdable, window time.Duration) *Presence {
	return &Presence{Client: c, Prefix: "presence:", TTL: 2 * window}
}

func (p *Presence) key(identity string) string { return p.Prefix + identity }

// Touch records identity as seen at.
func (p *Presence) Touch(ctx context.Context, identity string, at time.Time) error {
	return p.Client.Set(ctx, p.key(identity), at.UTC().UnixMilli(), p.TTL).Err()
}

// LastSeen returns the cached stamp. ok is false on a miss.
func (p *Presence) LastSeen(ctx context.Context, identity string) (time.Time, bool, error) {
	v, err := p.Client.Get(ctx, p.key(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("presence %q: %w", identity, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}
