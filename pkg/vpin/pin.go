package vpin

import (
	"sync"

	"klipper-vpin/pkg/log"
	"klipper-vpin/pkg/reactor"
)

// Observer is told about pin activity, typically to feed metrics.
type Observer interface {
	PinChanged(pin string, value bool)
	PinFault(pin string, err error)
}

// VirtualPin is a software driven input pin. It owns the level, the
// watchers subscribed to it and the button channel it emulates.
type VirtualPin struct {
	mu    sync.Mutex
	chip  string
	state *PinState
	gen   uint64 // bumped on every accepted transition

	watchers *WatcherRegistry
	emu      *ProtocolEmulator
	reactor  *reactor.Reactor
	observer Observer
	log      *log.Logger
}

// NewVirtualPin creates pin name of chip at level initial. observer may be nil.
func NewVirtualPin(chip, name string, initial bool, r *reactor.Reactor, observer Observer) *VirtualPin {
	p := &VirtualPin{
		chip:     chip,
		state:    NewPinState(name, initial),
		reactor:  r,
		observer: observer,
		log:      log.GetLogger("vpin"),
	}
	p.watchers = NewWatcherRegistry(p.fault)
	p.emu = NewProtocolEmulator(r.Monotonic, p.Query, p.fault)
	return p
}

func (p *VirtualPin) fault(err error) {
	p.log.WithField("pin", p.FullName()).WithError(err).Error("Virtual pin callback error")
	if p.observer != nil {
		p.observer.PinFault(p.FullName(), err)
	}
}

// Name returns the pin name within its chip.
func (p *VirtualPin) Name() string { return p.state.Name() }

// FullName returns "chip:name".
func (p *VirtualPin) FullName() string { return p.chip + ":" + p.state.Name() }

// InitialValue returns the configured start level.
func (p *VirtualPin) InitialValue() bool { return p.state.InitialValue() }

// SetValue drives the pin. Nothing happens when the level is unchanged;
// otherwise watchers and then channel handlers are told before SetValue
// returns. Their failures are logged and never reach the caller.
//
// A watcher may call SetValue itself. The nested call delivers the newer
// level, and the outer call stops delivering its own from then on.
func (p *VirtualPin) SetValue(v bool) {
	p.mu.Lock()
	changed := p.state.Set(v)
	if changed {
		p.gen++
	}
	gen := p.gen
	p.mu.Unlock()
	if !changed {
		return
	}

	p.log.Debug("%s -> %d", p.FullName(), boolToInt(v))
	if p.observer != nil {
		p.observer.PinChanged(p.FullName(), v)
	}
	superseded := func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.gen != gen
	}
	p.watchers.NotifyUntil(v, superseded)
	if superseded() {
		return
	}
	p.emu.NotifyTransition(v)
}

// Query returns the current level.
func (p *VirtualPin) Query() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Value()
}

// GetStatus returns {"value": 0|1}.
func (p *VirtualPin) GetStatus(eventtime float64) map[string]interface{} {
	return map[string]interface{}{"value": boolToInt(p.Query())}
}

// Subscribe registers w and calls it with the current level.
func (p *VirtualPin) Subscribe(w Watcher) bool {
	return p.watchers.Subscribe(w, p.Query())
}

// Unsubscribe removes w.
func (p *VirtualPin) Unsubscribe(w Watcher) bool {
	return p.watchers.Unsubscribe(w)
}

// Watchers returns the watcher registry.
func (p *VirtualPin) Watchers() *WatcherRegistry { return p.watchers }

// Channel returns the emulated button channel of the pin.
func (p *VirtualPin) Channel() *ProtocolEmulator { return p.emu }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// setInitial replaces the start level of a pin defined in its own config
// section. Watchers already subscribed see the change.
func (p *VirtualPin) setInitial(v bool) {
	p.mu.Lock()
	p.state.initial = v
	p.mu.Unlock()
	p.SetValue(v)
}

// GetName returns the config section name of the pin.
func (p *VirtualPin) GetName() string { return p.chip + " " + p.state.Name() }
