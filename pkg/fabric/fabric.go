// Package fabric wraps the Redis connection shared by the orchestration
// components. It provides the two primitives the system coordinates on:
//   - single-attempt mutual exclusion via SET NX with expiry
//   - best-effort pub/sub fan-out of progress messages
//
// The Client is constructed once at process start and passed explicitly to
// every component; there is no package-level instance.
package fabric

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds the fabric connection parameters.
type Config struct {
	Addr     string
	DB       int
	Password string
	TLS      bool
}

// Client manages the connection to Redis. All operations are context-aware.
// Connection loss surfaces as errors from the individual calls; callers are
// expected to degrade (a failed TryLock is treated the same as a held lock,
// a failed Publish is logged and swallowed) rather than crash.
type Client struct {
	rdb    *redis.Client
	holder string
	log    zerolog.Logger
}

// Connect opens the Redis connection and verifies it with a ping.
func Connect(ctx context.Context, cfg Config, log zerolog.Logger) (*Client, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("fabric ping %s: %w", cfg.Addr, err)
	}

	return &Client{
		rdb:    rdb,
		holder: uuid.NewString(),
		log:    log.With().Str("component", "fabric").Logger(),
	}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// TryLock attempts to acquire the named lock with the given TTL. It makes a
// single atomic set-if-absent attempt and never blocks waiting for the lock:
// false means someone else currently holds it. The TTL self-heals the lock
// if the holder crashes without releasing.
func (c *Client) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, c.holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// Unlock deletes the named lock. Idempotent: returns false if nothing was
// held.
func (c *Client) Unlock(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	return n > 0, nil
}

// Publish serializes v to JSON and publishes it on the channel. Delivery is
// fire-and-forget: at most once per currently connected subscriber, no
// confirmation, and messages published while nobody listens are lost. State
// is recovered through the task store, never through this stream.
func (c *Client) Publish(ctx context.Context, channel string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", channel, err)
	}
	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish on %s: %w", channel, err)
	}
	return nil
}

// Subscribe receives messages on the channel and invokes handler once per
// message until the context is cancelled. Handler panics are recovered so a
// bad message cannot kill the receive loop.
func (c *Client) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	sub := c.rdb.Subscribe(ctx, channel)
	defer sub.Close()

	// Wait for the subscription to be established before reading.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription %s closed", channel)
			}
			c.dispatch(channel, handler, []byte(msg.Payload))
		}
	}
}

func (c *Client) dispatch(channel string, handler func([]byte), payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("channel", channel).Msg("message handler panicked")
		}
	}()
	handler(payload)
}
