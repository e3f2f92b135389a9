package vpin

import (
	"sync"

	"klipper-vpin/pkg/errors"
	"klipper-vpin/pkg/mcu"
)

// sessionOID is the only object id a virtual channel hands out; each pin
// has a channel of its own.
const sessionOID = 0

// ProtocolEmulator makes a virtual pin look like a button channel of a
// chip. Level changes become buttons_state responses carrying a wrapping
// acknowledgement counter, and the remaining channel calls are inert.
type ProtocolEmulator struct {
	mu              sync.Mutex
	ackCount        int
	configCmds      []string
	configCallbacks []func() error
	configured      bool

	dispatcher *mcu.Dispatcher
	now        func() float64
	level      func() bool
	onFault    FaultFunc
}

var _ mcu.Channel = (*ProtocolEmulator)(nil)

// NewProtocolEmulator creates an emulator. now supplies receive times and
// level the current pin state.
func NewProtocolEmulator(now func() float64, level func() bool, onFault FaultFunc) *ProtocolEmulator {
	e := &ProtocolEmulator{
		dispatcher: mcu.NewDispatcher(),
		now:        now,
		level:      level,
		onFault:    onFault,
	}
	e.dispatcher.OnError = func(_ *mcu.Message, err error) { e.fault(err) }
	return e
}

func (e *ProtocolEmulator) fault(err error) {
	if e.onFault != nil {
		e.onFault(err)
	}
}

// CreateOID restarts the acknowledgement stream and returns the session oid.
func (e *ProtocolEmulator) CreateOID() int {
	e.mu.Lock()
	e.ackCount = 0
	e.mu.Unlock()
	return sessionOID
}

// AddConfigCmd records cmd. Nothing is sent anywhere.
func (e *ProtocolEmulator) AddConfigCmd(cmd string, isInit, onRestart bool) {
	e.mu.Lock()
	e.configCmds = append(e.configCmds, cmd)
	e.mu.Unlock()
}

// ConfigCmds returns the config commands consumers added.
func (e *ProtocolEmulator) ConfigCmds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.configCmds...)
}

// AllocCommandQueue returns nil; there is no transport to order.
func (e *ProtocolEmulator) AllocCommandQueue() mcu.CommandQueue { return nil }

type nopCommand struct{}

func (nopCommand) Send(args ...interface{}) error { return nil }

// LookupCommand returns a command whose Send does nothing.
func (e *ProtocolEmulator) LookupCommand(template string, cq mcu.CommandQueue) (mcu.Command, error) {
	return nopCommand{}, nil
}

// MaxButtons returns 1: the level is always reported in bit 0.
func (e *ProtocolEmulator) MaxButtons() int { return 1 }

// GetQuerySlot returns 0.
func (e *ProtocolEmulator) GetQuerySlot(oid int) uint64 { return 0 }

// SecondsToClock returns 0.
func (e *ProtocolEmulator) SecondsToClock(seconds float64) uint64 { return 0 }

// RegisterResponse attaches handler to the session. A buttons_state
// handler is sent the current level right away.
func (e *ProtocolEmulator) RegisterResponse(handler mcu.MessageHandler, name string, oid int) {
	e.dispatcher.Register(name, sessionOID, handler)
	if name != mcu.ResponseButtonsState {
		return
	}
	msg := e.nextState(e.level())
	if err := errors.CallSafely(func() error { return handler(msg) }); err != nil {
		e.fault(err)
	}
}

// Handlers returns the number of buttons_state handlers.
func (e *ProtocolEmulator) Handlers() int {
	return e.dispatcher.Count(mcu.ResponseButtonsState, sessionOID)
}

// NotifyTransition delivers a buttons_state response for level to every
// registered handler. Without handlers the counter does not move.
func (e *ProtocolEmulator) NotifyTransition(level bool) {
	if e.Handlers() == 0 {
		return
	}
	e.dispatcher.Dispatch(e.nextState(level))
}

func (e *ProtocolEmulator) nextState(level bool) *mcu.Message {
	var state byte
	if level {
		state = 1
	}
	e.mu.Lock()
	ack := e.ackCount & 0xff
	e.ackCount++
	e.mu.Unlock()
	return &mcu.Message{
		Name: mcu.ResponseButtonsState,
		OID:  sessionOID,
		Params: map[string]interface{}{
			"ack_count": ack,
			"state":     []byte{state},
		},
		ReceiveTime: e.now(),
	}
}

// AckCount returns the number of responses synthesized since CreateOID.
func (e *ProtocolEmulator) AckCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ackCount
}

// RegisterConfigCallback defers cb until RunConfigCallbacks. Once the
// channel is configured callbacks run immediately.
func (e *ProtocolEmulator) RegisterConfigCallback(cb func() error) {
	e.mu.Lock()
	if !e.configured {
		e.configCallbacks = append(e.configCallbacks, cb)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.runConfigCallback(cb)
}

// RunConfigCallbacks runs the deferred config callbacks. It is called once
// the host is ready.
func (e *ProtocolEmulator) RunConfigCallbacks() {
	e.mu.Lock()
	cbs := e.configCallbacks
	e.configCallbacks = nil
	e.configured = true
	e.mu.Unlock()

	for _, cb := range cbs {
		e.runConfigCallback(cb)
	}
}

func (e *ProtocolEmulator) runConfigCallback(cb func() error) {
	if err := errors.CallSafely(cb); err != nil {
		e.fault(err)
	}
}
