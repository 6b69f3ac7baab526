package mqtt

import (
	"fmt"
	"maps"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

type route struct {
	qos     byte
	handler MessageHandler
}

// routeTable remembers live subscriptions so they survive reconnects.
type routeTable struct {
	mu sync.RWMutex
	m  map[string]route
}

func (t *routeTable) set(filter string, r route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		t.m = make(map[string]route)
	}
	t.m[filter] = r
}

func (t *routeTable) remove(filter string) {
	t.mu.Lock()
	delete(t.m, filter)
	t.mu.Unlock()
}

func (t *routeTable) snapshot() map[string]route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.m)
}

func (t *routeTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// Subscribe registers handler for filter, which may use + and # wildcards.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	switch {
	case filter == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case handler == nil:
		return fmt.Errorf("%w: nil handler", ErrSubscribeFailed)
	case !c.IsConnected():
		return ErrNotConnected
	}

	c.routes.set(filter, route{qos: qos, handler: handler})
	if err := await(c.paho.Subscribe(filter, qos, c.dispatch(handler)), operationTimeout, ErrSubscribeFailed); err != nil {
		c.routes.remove(filter)
		return err
	}
	return nil
}

// Unsubscribe drops filter. It is forgotten even if the broker call fails,
// so it will not come back on reconnect.
func (c *Client) Unsubscribe(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.routes.remove(filter)
	return await(c.paho.Unsubscribe(filter), operationTimeout, ErrUnsubscribeFailed)
}

// SubscriptionCount returns how many filters are replayed on reconnect.
func (c *Client) SubscriptionCount() int { return c.routes.len() }

func (c *Client) dispatch(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.deliver(handler, msg.Topic(), msg.Payload())
	}
}

// deliver runs handler, logging its error or panic instead of letting either
// reach paho.
func (c *Client) deliver(handler MessageHandler, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log().Error("MQTT handler panicked", "topic", topic, "panic", r)
		}
	}()
	if err := handler(topic, payload); err != nil {
		c.log().Warn("MQTT handler returned error", "topic", topic, "error", err)
	}
}
