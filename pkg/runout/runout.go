// Filament runout detection
//
// Copyright (C) 2019  Eric Callahan <arksine.code@gmail.com>
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package runout turns filament presence changes into runout and insert
// actions. At most one action is pending at a time; after it ran the
// helper waits event_delay seconds before acting on another change.
package runout

import (
	"fmt"
	"sync"
	"time"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/errors"
	"klipper-vpin/pkg/gcode"
	"klipper-vpin/pkg/log"
	"klipper-vpin/pkg/macro"
	"klipper-vpin/pkg/pauseresume"
	"klipper-vpin/pkg/printer"
	"klipper-vpin/pkg/reactor"
)

// startupGrace is how long after ready presence changes are only recorded.
const startupGrace = 2.0

// Presence is the filament state seen by a sensor.
type Presence int

const (
	Unknown Presence = iota
	Present
	Absent
)

func (p Presence) String() string {
	switch p {
	case Present:
		return "present"
	case Absent:
		return "absent"
	}
	return "unknown"
}

// Action names passed to Observer.
const (
	ActionRunout = "runout"
	ActionInsert = "insert"
)

// Reasons a presence change did not schedule an action.
const (
	GatedStartup  = "startup"
	GatedPending  = "pending"
	GatedDelay    = "event_delay"
	GatedDisabled = "disabled"
	GatedNoAction = "no_action"
)

// Observer is told about scheduled actions and gated changes.
type Observer interface {
	ActionScheduled(sensor, action string)
	TransitionGated(sensor, reason string)
}

// ScriptObserver is optionally implemented by an Observer that times the
// runout and insert scripts.
type ScriptObserver interface {
	ScriptFinished(sensor string, seconds float64)
}

// Pauser pauses the print ahead of the runout script.
type Pauser interface {
	SendPauseCommand()
}

// RunState reports whether a print job is running.
type RunState interface {
	IsPrinting() bool
}

// Helper is the runout state machine shared by all sensor front ends.
type Helper struct {
	name     string
	reactor  *reactor.Reactor
	gcode    *gcode.Dispatcher
	runState RunState
	pauser   Pauser
	observer Observer
	log      *log.Logger

	runoutPause bool
	runoutGCode *macro.Template
	insertGCode *macro.Template
	pauseDelay  float64
	eventDelay  float64

	mu              sync.Mutex
	observed        bool
	filamentPresent bool
	sensorEnabled   bool
	minEventSystime float64
	ready           bool
	actionRan       bool
}

// NewHelper reads the runout options of sec and registers the
// QUERY_FILAMENT_SENSOR and SET_FILAMENT_SENSOR commands for it.
func NewHelper(p *printer.Printer, sec *config.Section, runState RunState, observer Observer) (*Helper, error) {
	h := &Helper{
		name:            sec.ShortName(),
		reactor:         p.Reactor(),
		gcode:           p.GCode(),
		runState:        runState,
		observer:        observer,
		log:             log.GetLogger("runout"),
		sensorEnabled:   true,
		minEventSystime: reactor.NEVER,
	}

	var err error
	if h.runoutPause, err = sec.GetBool("pause_on_runout", true); err != nil {
		return nil, err
	}
	if h.runoutPause {
		pr, err := pauseresume.Load(p)
		if err != nil {
			return nil, err
		}
		h.pauser = pr
	}
	pgm, err := macro.Load(p)
	if err != nil {
		return nil, err
	}
	if h.runoutPause || sec.HasOption("runout_gcode") {
		if h.runoutGCode, err = pgm.LoadTemplate(sec, "runout_gcode", ""); err != nil {
			return nil, err
		}
	}
	if sec.HasOption("insert_gcode") {
		if h.insertGCode, err = pgm.LoadTemplate(sec, "insert_gcode"); err != nil {
			return nil, err
		}
	}
	if h.pauseDelay, err = sec.GetFloatWithBounds("pause_delay", config.FloatBounds{Above: config.Float(0)}, 0.5); err != nil {
		return nil, err
	}
	if h.eventDelay, err = sec.GetFloatWithBounds("event_delay", config.FloatBounds{MinVal: config.Float(0)}, 3.0); err != nil {
		return nil, err
	}

	p.RegisterEventHandler(printer.EventReady, h.handleReady)
	if err := p.GCode().RegisterMuxCommand("QUERY_FILAMENT_SENSOR", "SENSOR", h.name, h.cmdQuery,
		"Query the status of the Filament Sensor"); err != nil {
		return nil, err
	}
	if err := p.GCode().RegisterMuxCommand("SET_FILAMENT_SENSOR", "SENSOR", h.name, h.cmdSet,
		"Sets the filament sensor on/off"); err != nil {
		return nil, err
	}
	return h, nil
}

// Name returns the sensor name.
func (h *Helper) Name() string { return h.name }

func (h *Helper) handleReady() error {
	h.mu.Lock()
	h.minEventSystime = h.reactor.Monotonic() + startupGrace
	h.ready = true
	h.mu.Unlock()
	return nil
}

// NoteFilamentPresent records a presence reading and schedules a runout
// or insert action when the change is actionable.
func (h *Helper) NoteFilamentPresent(eventtime float64, present bool) {
	h.mu.Lock()
	h.observed = true
	if present == h.filamentPresent {
		h.mu.Unlock()
		return
	}
	h.filamentPresent = present

	var reason string
	switch {
	case !h.sensorEnabled:
		reason = GatedDisabled
	case eventtime < h.minEventSystime:
		switch {
		case !h.ready:
			reason = GatedStartup
		case h.minEventSystime >= reactor.NEVER:
			reason = GatedPending
		case !h.actionRan:
			reason = GatedStartup
		default:
			reason = GatedDelay
		}
	}
	if reason != "" {
		h.mu.Unlock()
		h.gated(present, reason)
		return
	}

	printing := h.runState != nil && h.runState.IsPrinting()
	var (
		action  string
		handler func(float64) interface{}
	)
	switch {
	case present && !printing && h.insertGCode != nil:
		action, handler = ActionInsert, h.insertEventHandler
	case !present && printing && h.runoutGCode != nil:
		action, handler = ActionRunout, h.runoutEventHandler
	}
	if handler == nil {
		h.mu.Unlock()
		h.gated(present, GatedNoAction)
		return
	}
	h.minEventSystime = reactor.NEVER
	h.mu.Unlock()

	now := h.reactor.Monotonic()
	if action == ActionInsert {
		h.log.Info("Filament Sensor %s: insert event detected, Time %.2f", h.name, now)
	} else {
		h.log.Info("Filament Sensor %s: runout event detected, Time %.2f", h.name, now)
	}
	if h.observer != nil {
		h.observer.ActionScheduled(h.name, action)
	}
	h.reactor.RegisterCallback(handler, reactor.NOW)
}

func (h *Helper) gated(present bool, reason string) {
	h.log.Debug("presence change to %v not acted on: %s", present, reason)
	if h.observer != nil {
		h.observer.TransitionGated(h.name, reason)
	}
}

func (h *Helper) runoutEventHandler(eventtime float64) interface{} {
	prefix := ""
	if h.runoutPause {
		h.pauser.SendPauseCommand()
		prefix = "PAUSE\n"
		h.reactor.Pause(eventtime + h.pauseDelay)
	}
	h.execGCode(prefix, h.runoutGCode)
	return nil
}

func (h *Helper) insertEventHandler(eventtime float64) interface{} {
	h.execGCode("", h.insertGCode)
	return nil
}

func (h *Helper) execGCode(prefix string, tmpl *macro.Template) {
	if so, ok := h.observer.(ScriptObserver); ok {
		start := time.Now()
		defer func() { so.ScriptFinished(h.name, time.Since(start).Seconds()) }()
	}
	err := errors.CallSafely(func() error {
		script, err := tmpl.Render()
		if err != nil {
			return err
		}
		return h.gcode.RunScript(prefix + script + "\nM400")
	})
	if err != nil {
		h.log.WithError(err).Error("Script running error")
	}
	h.mu.Lock()
	h.minEventSystime = h.reactor.Monotonic() + h.eventDelay
	h.actionRan = true
	h.mu.Unlock()
}

// Presence returns Unknown until the first reading.
func (h *Helper) Presence() Presence {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case !h.observed:
		return Unknown
	case h.filamentPresent:
		return Present
	}
	return Absent
}

// Enabled reports whether presence changes may trigger actions.
func (h *Helper) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sensorEnabled
}

// SetEnabled turns action scheduling on or off. Readings are still
// recorded while disabled.
func (h *Helper) SetEnabled(enabled bool) {
	h.mu.Lock()
	h.sensorEnabled = enabled
	h.mu.Unlock()
}

// MinEventSystime returns the time before which changes are not acted on.
func (h *Helper) MinEventSystime() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.minEventSystime
}

// GetStatus returns {"filament_detected", "enabled"}.
func (h *Helper) GetStatus(eventtime float64) map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]interface{}{
		"filament_detected": h.filamentPresent,
		"enabled":           h.sensorEnabled,
	}
}

func (h *Helper) cmdQuery(cmd *gcode.Command) error {
	h.mu.Lock()
	present := h.filamentPresent
	h.mu.Unlock()
	msg := fmt.Sprintf("Filament Sensor %s: filament not detected", h.name)
	if present {
		msg = fmt.Sprintf("Filament Sensor %s: filament detected", h.name)
	}
	cmd.RespondInfo(msg)
	return nil
}

func (h *Helper) cmdSet(cmd *gcode.Command) error {
	v, err := cmd.GetInt("ENABLE", 1)
	if err != nil {
		return err
	}
	h.SetEnabled(v != 0)
	return nil
}
