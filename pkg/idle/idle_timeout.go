// Idle timeout and print run-state
//
// Copyright (C) 2018  Kevin O'Connor <kevin@koconnor.net>
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package idle tracks whether the host is printing and runs the idle
// G-code once it has been ready without printing for the timeout.
package idle

import (
	"fmt"
	"sync"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/errors"
	"klipper-vpin/pkg/gcode"
	"klipper-vpin/pkg/log"
	"klipper-vpin/pkg/macro"
	"klipper-vpin/pkg/printer"
	"klipper-vpin/pkg/reactor"
)

// State is the run state reported as idle_timeout.state.
type State string

const (
	StateIdle     State = "Idle"
	StateReady    State = "Ready"
	StatePrinting State = "Printing"
)

// Events sent on state changes.
const (
	EventPrinting = "idle_timeout:printing"
	EventReady    = "idle_timeout:ready"
	EventIdle     = "idle_timeout:idle"
)

const (
	defaultTimeout   = 600.0
	defaultIdleGCode = "M84"
)

// IdleTimeout is the [idle_timeout] object.
type IdleTimeout struct {
	p         *printer.Printer
	reactor   *reactor.Reactor
	gcode     *gcode.Dispatcher
	idleGCode *macro.Template
	timer     *reactor.Timer
	log       *log.Logger

	mu         sync.Mutex
	timeout    float64
	state      State
	printStart float64
}

// New builds the idle_timeout object from sec.
func New(p *printer.Printer, sec *config.Section) (*IdleTimeout, error) {
	timeout, err := sec.GetFloatWithBounds("timeout", config.FloatBounds{Above: config.Float(0)}, defaultTimeout)
	if err != nil {
		return nil, err
	}
	pgm, err := macro.Load(p)
	if err != nil {
		return nil, err
	}
	tmpl, err := pgm.LoadTemplate(sec, "gcode", defaultIdleGCode)
	if err != nil {
		return nil, err
	}
	it := &IdleTimeout{
		p:         p,
		reactor:   p.Reactor(),
		gcode:     p.GCode(),
		idleGCode: tmpl,
		log:       log.GetLogger("idle_timeout"),
		timeout:   timeout,
		state:     StateIdle,
	}
	it.timer = it.reactor.RegisterTimer(it.timeoutHandler, reactor.NEVER)

	if err := p.GCode().RegisterCommand("SET_IDLE_TIMEOUT", it.cmdSetIdleTimeout,
		"Set the idle timeout in seconds"); err != nil {
		return nil, err
	}
	if err := p.GCode().RegisterCommand("SET_PRINT_STATE", it.cmdSetPrintState,
		"Mark a print job as started (PRINTING=1) or finished (PRINTING=0)"); err != nil {
		return nil, err
	}
	return it, nil
}

// GetName returns "idle_timeout".
func (it *IdleTimeout) GetName() string { return "idle_timeout" }

// State returns the current run state.
func (it *IdleTimeout) State() State {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.state
}

// IsPrinting reports whether a print job is running.
func (it *IdleTimeout) IsPrinting() bool { return it.State() == StatePrinting }

// SetPrinting starts or finishes a print job. Finishing moves to Ready and
// arms the idle timer.
func (it *IdleTimeout) SetPrinting(printing bool) {
	now := it.reactor.Monotonic()
	it.mu.Lock()
	var event string
	switch {
	case printing && it.state != StatePrinting:
		it.state = StatePrinting
		it.printStart = now
		event = EventPrinting
	case !printing && it.state == StatePrinting:
		it.state = StateReady
		event = EventReady
	}
	timeout := it.timeout
	it.mu.Unlock()
	if event == "" {
		return
	}

	if printing {
		it.reactor.UpdateTimer(it.timer, reactor.NEVER)
	} else {
		it.reactor.UpdateTimer(it.timer, now+timeout)
	}
	it.log.Debug("state change: %s", event)
	if err := it.p.SendEvent(event); err != nil {
		it.log.WithError(err).Warn("state change handler failed")
	}
}

func (it *IdleTimeout) timeoutHandler(eventtime float64) float64 {
	it.mu.Lock()
	if it.state != StateReady {
		it.mu.Unlock()
		return reactor.NEVER
	}
	it.state = StateIdle
	it.mu.Unlock()

	it.log.Info("Idle timeout reached")
	script, err := it.idleGCode.Render()
	if err == nil {
		err = it.gcode.RunScript(script)
	}
	switch {
	case errors.Is(err, errors.ErrGCodeUnknownCmd):
		it.log.Debug("idle gcode: %v", err)
	case err != nil:
		it.log.WithError(err).Error("idle timeout gcode execution failed")
	}
	if err := it.p.SendEvent(EventIdle); err != nil {
		it.log.WithError(err).Warn("idle handler failed")
	}
	return reactor.NEVER
}

func (it *IdleTimeout) cmdSetIdleTimeout(cmd *gcode.Command) error {
	it.mu.Lock()
	current := it.timeout
	it.mu.Unlock()
	timeout, err := cmd.GetFloat("TIMEOUT", current)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		return errors.GCodeInvalidParameterError(cmd.Name, "TIMEOUT", fmt.Sprint(timeout), "must be above 0")
	}
	it.mu.Lock()
	it.timeout = timeout
	ready := it.state == StateReady
	it.mu.Unlock()
	if ready {
		it.reactor.UpdateTimer(it.timer, it.reactor.Monotonic()+timeout)
	}
	cmd.RespondInfo(fmt.Sprintf("idle_timeout: Timeout set to %.2f s", timeout))
	return nil
}

func (it *IdleTimeout) cmdSetPrintState(cmd *gcode.Command) error {
	v, err := cmd.GetInt("PRINTING", 1)
	if err != nil {
		return err
	}
	it.SetPrinting(v != 0)
	return nil
}

// GetStatus returns {"state", "printing_time"}.
func (it *IdleTimeout) GetStatus(eventtime float64) map[string]interface{} {
	it.mu.Lock()
	defer it.mu.Unlock()
	printingTime := 0.0
	if it.state == StatePrinting {
		printingTime = eventtime - it.printStart
	}
	return map[string]interface{}{
		"state":         string(it.state),
		"printing_time": printingTime,
	}
}

// Load returns the printer's idle_timeout object, creating it on first use.
func Load(p *printer.Printer) (*IdleTimeout, error) {
	obj, err := p.LoadObject("idle_timeout")
	if err != nil {
		return nil, err
	}
	it, ok := obj.(*IdleTimeout)
	if !ok {
		return nil, fmt.Errorf("object idle_timeout is %T", obj)
	}
	return it, nil
}

// Register installs the [idle_timeout] factory.
func Register(p *printer.Printer) {
	p.Modules().Register("idle_timeout", func(sec *config.Section) (config.Module, error) {
		return New(p, sec)
	})
}
