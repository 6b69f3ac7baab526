package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
)

// MessageHandler receives one message. Handlers run on paho's goroutines
// and should hand work off quickly. A returned error is logged only.
type MessageHandler func(topic string, payload []byte) error

// Logger is the subset of logging.Logger the client needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Client is the hub's broker connection. It is safe for concurrent use and
// replays its subscriptions after every reconnect.
type Client struct {
	cfg  config.MQTTConfig
	paho pahomqtt.Client
	up   atomic.Bool

	routes routeTable

	mu           sync.RWMutex
	logger       Logger
	onConnect    []func()
	onDisconnect []func(error)
}

func newClient(cfg config.MQTTConfig) *Client {
	return &Client{cfg: cfg, logger: noopLogger{}}
}

// Connect dials the broker and waits for the first session. If the broker
// cannot be reached in time the background retry is stopped and an error
// wrapping ErrConnectionFailed is returned.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := newClient(cfg)
	opts := newOptions(cfg).
		SetOnConnectHandler(func(pahomqtt.Client) { c.sessionUp() }).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.sessionLost(err) }).
		SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
			c.log().Info("reconnecting to MQTT broker", "broker", brokerURL(cfg.Broker))
		})

	c.paho = pahomqtt.NewClient(opts)
	if err := await(c.paho.Connect(), connectTimeout, ErrConnectionFailed); err != nil {
		c.paho.Disconnect(0)
		return nil, err
	}
	// paho runs the connect handler asynchronously; callers may subscribe
	// as soon as Connect returns.
	c.up.Store(true)
	return c, nil
}

func (c *Client) sessionUp() {
	c.up.Store(true)

	for filter, r := range c.routes.snapshot() {
		if err := await(c.paho.Subscribe(filter, r.qos, c.dispatch(r.handler)), operationTimeout, ErrSubscribeFailed); err != nil {
			c.log().Warn("restoring MQTT subscription failed", "filter", filter, "error", err)
		}
	}
	c.paho.Publish(Topics{}.SystemStatus(), c.QoS(), true, statusDocument(c.cfg.Broker.ClientID, statusOnline, ""))

	c.mu.RLock()
	callbacks := append([]func(){}, c.onConnect...)
	c.mu.RUnlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (c *Client) sessionLost(err error) {
	c.up.Store(false)
	c.log().Warn("MQTT connection lost", "error", err)

	c.mu.RLock()
	callbacks := append([]func(error){}, c.onDisconnect...)
	c.mu.RUnlock()
	for _, fn := range callbacks {
		fn(err)
	}
}

// Close marks the hub offline on the status topic and disconnects.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}
	if c.IsConnected() {
		token := c.paho.Publish(Topics{}.SystemStatus(), c.QoS(), true,
			statusDocument(c.cfg.Broker.ClientID, statusOffline, "graceful_shutdown"))
		if err := await(token, operationTimeout, ErrPublishFailed); err != nil {
			c.log().Warn("publishing offline status failed", "error", err)
		}
	}
	c.paho.Disconnect(quiesceMillis)
	c.up.Store(false)
	return nil
}

// HealthCheck fails with ErrNotConnected while the session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether a session is currently established.
func (c *Client) IsConnected() bool {
	return c.up.Load() && c.paho != nil && c.paho.IsConnected()
}

// QoS returns the configured default QoS.
func (c *Client) QoS() byte { return byte(c.cfg.QoS) }

// OnConnect adds a callback run after every reconnect, once subscriptions
// have been replayed.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

// OnDisconnect adds a callback run when the connection drops.
func (c *Client) OnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.mu.Unlock()
}

// SetLogger sets the logger for handler failures and reconnects.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.logger == nil {
		return noopLogger{}
	}
	return c.logger
}
