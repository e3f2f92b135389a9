package mcu

import (
	"sync"

	"klipper-vpin/pkg/errors"
)

type handlerKey struct {
	name string
	oid  int
}

// Dispatcher routes responses to handlers registered by name and oid.
// Several handlers may share a key; they run in registration order.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[handlerKey][]MessageHandler

	// OnError receives handler failures, including panics.
	OnError func(msg *Message, err error)
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[handlerKey][]MessageHandler)}
}

// Register appends a handler for (name, oid).
func (d *Dispatcher) Register(name string, oid int, handler MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := handlerKey{name: name, oid: oid}
	d.handlers[key] = append(d.handlers[key], handler)
}

// Count returns the number of handlers registered for (name, oid).
func (d *Dispatcher) Count(name string, oid int) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[handlerKey{name: name, oid: oid}])
}

// Dispatch delivers msg to every matching handler, returning how many ran.
// Handler failures go to OnError and never stop the remaining handlers.
func (d *Dispatcher) Dispatch(msg *Message) int {
	d.mu.RLock()
	handlers := append([]MessageHandler(nil), d.handlers[handlerKey{name: msg.Name, oid: msg.OID}]...)
	d.mu.RUnlock()

	for _, h := range handlers {
		h := h
		if err := errors.CallSafely(func() error { return h(msg) }); err != nil && d.OnError != nil {
			d.OnError(msg, err)
		}
	}
	return len(handlers)
}
