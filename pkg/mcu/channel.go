// Package mcu defines the host side of a microcontroller channel: the calls
// that button, endstop and sensor code make when attaching to a chip.
// Virtual chips implement Channel without any wire protocol behind it.
package mcu

import "fmt"

// ResponseButtonsState is the message a button channel reports pin
// levels with.
const ResponseButtonsState = "buttons_state"

// Message is a decoded response from a channel.
type Message struct {
	// Name is the response name (e.g. "buttons_state")
	Name string

	// OID is the object id the response belongs to
	OID int

	// Params contains the response parameters
	Params map[string]interface{}

	// ReceiveTime is the host time the response arrived
	ReceiveTime float64
}

// Int returns an integer parameter.
func (m *Message) Int(name string) (int, error) {
	switch v := m.Params[name].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint32:
		return int(v), nil
	default:
		return 0, fmt.Errorf("mcu: %s: parameter %q is %T, not an integer", m.Name, name, m.Params[name])
	}
}

// Bytes returns a byte string parameter.
func (m *Message) Bytes(name string) ([]byte, error) {
	v, ok := m.Params[name].([]byte)
	if !ok {
		return nil, fmt.Errorf("mcu: %s: parameter %q is %T, not bytes", m.Name, name, m.Params[name])
	}
	return v, nil
}

// MessageHandler is called when a response is received. A returned error
// is logged by the channel and does not stop delivery to other handlers.
type MessageHandler func(msg *Message) error

// Command is a looked up command ready to be sent.
type Command interface {
	Send(args ...interface{}) error
}

// CommandQueue orders commands sent to a channel. Channels without real
// transport return nil.
type CommandQueue interface{}

// Channel is the surface a button or sensor consumer needs from a chip.
type Channel interface {
	// CreateOID allocates an object id. Virtual channels reset their
	// acknowledgement stream here.
	CreateOID() int
	AddConfigCmd(cmd string, isInit, onRestart bool)
	AllocCommandQueue() CommandQueue
	LookupCommand(template string, cq CommandQueue) (Command, error)
	GetQuerySlot(oid int) uint64
	SecondsToClock(seconds float64) uint64
	// RegisterResponse attaches handler to responses named name for oid.
	RegisterResponse(handler MessageHandler, name string, oid int)
	// RegisterConfigCallback defers cb until the channel is configured.
	RegisterConfigCallback(cb func() error)
}

// ButtonLimiter is implemented by channels that report fewer than eight
// buttons per buttons_state byte.
type ButtonLimiter interface {
	MaxButtons() int
}
