// Printer object registry and lifecycle
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package printer is the composition root of the host. It owns the
// reactor, the G-code dispatcher, the pin registry and the module
// registry, and it drives the connect/ready/shutdown lifecycle.
package printer

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/errors"
	"klipper-vpin/pkg/gcode"
	"klipper-vpin/pkg/log"
	"klipper-vpin/pkg/pins"
	"klipper-vpin/pkg/reactor"
)

// Lifecycle events.
const (
	EventConnect  = "klippy:connect"
	EventReady    = "klippy:ready"
	EventShutdown = "klippy:shutdown"
)

// State is the lifecycle state of the printer.
type State string

const (
	StateStartup  State = "startup"
	StateReady    State = "ready"
	StateShutdown State = "shutdown"
)

// StatusReporter is implemented by objects that publish status.
type StatusReporter interface {
	GetStatus(eventtime float64) map[string]interface{}
}

// EventHandler handles a lifecycle event.
type EventHandler func() error

// Printer holds every host object by name.
type Printer struct {
	mu       sync.RWMutex
	objects  map[string]interface{}
	order    []string
	handlers map[string][]EventHandler
	state    State
	message  string

	reactor *reactor.Reactor
	gcode   *gcode.Dispatcher
	pins    *pins.Registry
	modules *config.Registry
	cfg     *config.Config
	log     *log.Logger
}

// New creates a printer around r.
func New(r *reactor.Reactor) *Printer {
	p := &Printer{
		objects:  make(map[string]interface{}),
		handlers: make(map[string][]EventHandler),
		state:    StateStartup,
		reactor:  r,
		gcode:    gcode.New(),
		pins:     pins.NewRegistry(),
		modules:  config.NewRegistry(),
		cfg:      config.New(),
		log:      log.GetLogger("printer"),
	}
	p.AddObject("gcode", p.gcode)
	p.AddObject("pins", p.pins)
	p.modules.Register("board_pins", func(sec *config.Section) (config.Module, error) {
		bp, err := pins.NewBoardPins(sec, p.pins)
		if err != nil {
			return nil, err
		}
		return bp, nil
	})
	return p
}

// Reactor returns the event loop.
func (p *Printer) Reactor() *reactor.Reactor { return p.reactor }

// GCode returns the command dispatcher.
func (p *Printer) GCode() *gcode.Dispatcher { return p.gcode }

// Pins returns the pin registry.
func (p *Printer) Pins() *pins.Registry { return p.pins }

// Modules returns the section factory registry.
func (p *Printer) Modules() *config.Registry { return p.modules }

// Config returns the loaded configuration.
func (p *Printer) Config() *config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// AddObject registers obj under name.
func (p *Printer) AddObject(name string, obj interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.objects[name]; ok {
		return fmt.Errorf("Printer object '%s' already created", name)
	}
	p.objects[name] = obj
	p.order = append(p.order, name)
	return nil
}

// LookupObject returns the object registered under name.
func (p *Printer) LookupObject(name string) (interface{}, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	obj, ok := p.objects[name]
	return obj, ok
}

// ObjectNames returns object names in creation order.
func (p *Printer) ObjectNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.order...)
}

// LookupPrefix returns the names of objects starting with prefix + " ".
func (p *Printer) LookupPrefix(prefix string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for _, name := range p.order {
		if strings.HasPrefix(name, prefix+" ") {
			out = append(out, name)
		}
	}
	return out
}

// LoadObject returns the object for a config section, building it from the
// loaded config or, when the config has no such section, from an empty one.
//
// An object added before its section was loaded (such as a default
// virtual pin) still has its section factory run, and keeps its identity.
func (p *Printer) LoadObject(name string) (interface{}, error) {
	if obj, ok := p.LookupObject(name); ok {
		if !p.modules.HasFactory(name) || p.modules.GetModule(name) != nil {
			return obj, nil
		}
	}
	cfg := p.Config()
	sec := cfg.GetSectionOptional(name)
	if sec == nil {
		sec = config.NewSection(name, nil)
	}
	module, err := p.modules.LoadSection(sec)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if obj, ok := p.objects[name]; ok {
		return obj, nil
	}
	p.objects[name] = module
	p.order = append(p.order, name)
	return module, nil
}

// Load builds every section of cfg that has a factory, in file order, and
// rejects sections and options nothing consumed.
func (p *Printer) Load(cfg *config.Config) error {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()

	for _, sec := range cfg.GetSections() {
		name := sec.GetName()
		if !p.modules.HasFactory(name) {
			continue
		}
		cfg.MarkAccessed(name)
		if _, err := p.LoadObject(name); err != nil {
			return err
		}
	}
	if unused := cfg.GetUnusedSections(); len(unused) > 0 {
		return errors.Newf(errors.ErrConfigSection, "Section '%s' is not a valid config section", unused[0]).
			SetSection(unused[0])
	}
	return cfg.CheckUnusedOptions()
}

// RegisterEventHandler adds h for event.
func (p *Printer) RegisterEventHandler(event string, h EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[event] = append(p.handlers[event], h)
}

// SendEvent runs the handlers of event in registration order and stops at
// the first failure.
func (p *Printer) SendEvent(event string) error {
	p.mu.RLock()
	handlers := append([]EventHandler(nil), p.handlers[event]...)
	p.mu.RUnlock()

	for _, h := range handlers {
		if err := errors.CallSafely(func() error { return h() }); err != nil {
			return fmt.Errorf("%s: %w", event, err)
		}
	}
	return nil
}

// Start sends connect and then ready. A failing handler shuts the printer
// down and its error is returned.
func (p *Printer) Start() error {
	if err := p.SendEvent(EventConnect); err != nil {
		p.InvokeShutdown(err.Error())
		return err
	}
	p.mu.Lock()
	p.state = StateReady
	p.message = "Printer is ready"
	p.mu.Unlock()
	if err := p.SendEvent(EventReady); err != nil {
		p.InvokeShutdown(err.Error())
		return err
	}
	p.log.Info("Printer is ready")
	return nil
}

// InvokeShutdown moves the printer to the shutdown state once.
func (p *Printer) InvokeShutdown(reason string) {
	p.mu.Lock()
	if p.state == StateShutdown {
		p.mu.Unlock()
		return
	}
	p.state = StateShutdown
	p.message = reason
	p.mu.Unlock()

	p.log.Error("Shutdown: %s", reason)
	if err := p.SendEvent(EventShutdown); err != nil {
		p.log.WithError(err).Error("shutdown handler failed")
	}
}

// State returns the lifecycle state and its message.
func (p *Printer) State() (State, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state, p.message
}

// IsReady reports whether startup completed.
func (p *Printer) IsReady() bool {
	s, _ := p.State()
	return s == StateReady
}

// StatusObjects returns the names of objects that report status, sorted.
func (p *Printer) StatusObjects() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var names []string
	for _, name := range p.order {
		if _, ok := p.objects[name].(StatusReporter); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// GetStatus returns the status of the named objects, or of every object
// that reports status when names is empty. Unknown names are skipped.
func (p *Printer) GetStatus(eventtime float64, names ...string) map[string]map[string]interface{} {
	if len(names) == 0 {
		names = p.StatusObjects()
	}
	out := make(map[string]map[string]interface{}, len(names))
	for _, name := range names {
		obj, ok := p.LookupObject(name)
		if !ok {
			continue
		}
		if sr, ok := obj.(StatusReporter); ok {
			out[name] = sr.GetStatus(eventtime)
		}
	}
	return out
}

// ObjectStatus returns one object's status.
func (p *Printer) ObjectStatus(name string, eventtime float64) (map[string]interface{}, bool) {
	obj, ok := p.LookupObject(name)
	if !ok {
		return nil, false
	}
	sr, ok := obj.(StatusReporter)
	if !ok {
		return nil, false
	}
	return sr.GetStatus(eventtime), true
}
