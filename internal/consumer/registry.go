package consumer

import (
	"context"
	"sync"
)

// Handler consumes a message. It reports whether it took responsibility for
// it; a returned error means it did and failed.
type Handler func(ctx context.Context, msg Message) (handled bool, err error)

// Registry maps each message kind to an ordered list of handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind][]Handler)}
}

// Register appends h to the handlers of each kind.
func (r *Registry) Register(h Handler, kinds ...Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range kinds {
		r.handlers[k] = append(r.handlers[k], h)
	}
}

// Dispatch offers msg to the handlers of its kind in registration order until
// one handles it.
func (r *Registry) Dispatch(ctx context.Context, msg Message) error {
	r.mu.RLock()
	handlers := r.handlers[msg.Kind()]
	r.mu.RUnlock()

	for _, h := range handlers {
		handled, err := h(ctx, msg)
		if err != nil {
			return err
		}
		if handled {
			return nil
		}
	}
	return ErrUnhandled
}
