package influxdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
)

var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	ErrConnectionFailed = errors.New("influxdb: connection failed")
	ErrNotConnected     = errors.New("influxdb: not connected")
	ErrUnhealthy        = errors.New("influxdb: server not healthy")
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second

	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second
)

// Client writes points through a batched, non-blocking write API.
type Client struct {
	raw    influxdb2.Client
	writer api.WriteAPI

	closed    atomic.Bool
	closeOnce sync.Once

	onError atomic.Pointer[func(error)]
}

// clientOptions applies the batching settings, substituting defaults for
// values that are not positive.
func clientOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds()))
}

// Connect pings the server before opening the write API.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	raw := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := ping(ctx, raw); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{raw: raw, writer: raw.WriteAPI(cfg.Org, cfg.Bucket)}
	go c.forwardErrors(c.writer.Errors())
	return c, nil
}

func ping(ctx context.Context, raw influxdb2.Client) error {
	ok, err := raw.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnhealthy
	}
	return nil
}

// forwardErrors hands batch failures to the SetOnError callback. It ends
// when the write API is closed.
func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		if fn := c.onError.Load(); fn != nil {
			(*fn)(err)
		}
	}
}

// SetOnError sets the callback for asynchronous batch write failures.
func (c *Client) SetOnError(fn func(err error)) {
	if fn == nil {
		c.onError.Store(nil)
		return
	}
	c.onError.Store(&fn)
}

// IsConnected reports false once Close has been called. Use HealthCheck
// for an active probe.
func (c *Client) IsConnected() bool {
	return c.raw != nil && !c.closed.Load()
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(ctx, c.raw); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// Flush blocks until buffered points are written. It does nothing after
// Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.writer.Flush()
	}
}

// Close flushes pending points and releases the client. Later writes are
// dropped.
func (c *Client) Close() error {
	if c.raw == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writer.Flush()
		c.raw.Close()
	})
	return nil
}
