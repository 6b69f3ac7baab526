package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultPingTimeout    = 2 * time.Second
)

var (
	// ErrConnectionFailed is returned when the initial ping fails.
	ErrConnectionFailed = errors.New("redis: connection failed")

	// ErrNotConnected is returned by HealthCheck after Close.
	ErrNotConnected = errors.New("redis: not connected")
)

// Client owns a go-redis client built from the hub configuration.
type Client struct {
	rdb *goredis.Client
	cfg config.RedisConfig
}

// Connect dials Redis and verifies it answers PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close() //nolint:errcheck // the ping error is the one worth returning
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.Addr, err)
	}
	return &Client{rdb: rdb, cfg: cfg}, nil
}

// Redis returns the underlying client.
func (c *Client) Redis() *goredis.Client { return c.rdb }

// KeyPrefix returns the configured state key prefix.
func (c *Client) KeyPrefix() string { return c.cfg.KeyPrefix }

// HealthCheck pings Redis.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return ErrNotConnected
	}
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := c.rdb.Ping(pingCtx).Err(); err != nil {
		if errors.Is(err, goredis.ErrClosed) {
			return ErrNotConnected
		}
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
