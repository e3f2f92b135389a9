// G-code command dispatch
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package gcode parses G-code lines and routes them to the handlers that
// host modules register.
package gcode

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"klipper-vpin/pkg/errors"
	"klipper-vpin/pkg/log"
)

// Handler runs one command. A returned error is reported to the operator.
type Handler func(cmd *Command) error

type entry struct {
	handler Handler
	desc    string
}

// muxEntry routes one command name to handlers keyed by a parameter
// value, such as SET_AMS_PIN PIN=pin1.
type muxEntry struct {
	key    string
	values map[string]Handler
}

// Dispatcher holds the command table.
type Dispatcher struct {
	mu       sync.RWMutex
	commands map[string]*entry
	mux      map[string]*muxEntry

	outMu    sync.Mutex
	outputs  []func(msg string)
	captures []*[]string

	log *log.Logger
}

// New creates a dispatcher with the built-in HELP and M400 commands.
func New() *Dispatcher {
	d := &Dispatcher{
		commands: make(map[string]*entry),
		mux:      make(map[string]*muxEntry),
		log:      log.GetLogger("gcode"),
	}
	d.RegisterCommand("HELP", d.cmdHelp, "Report the list of available extended G-Code commands")
	// Virtual pins never queue motion, so there is nothing to wait for.
	d.RegisterCommand("M400", func(*Command) error { return nil }, "")
	return d
}

// RegisterCommand adds a handler. A nil handler removes the command.
func (d *Dispatcher) RegisterCommand(name string, h Handler, desc string) error {
	name = strings.ToUpper(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.commands, name)
		delete(d.mux, name)
		return nil
	}
	if _, ok := d.commands[name]; ok {
		return fmt.Errorf("gcode command %s already registered", name)
	}
	d.commands[name] = &entry{handler: h, desc: desc}
	return nil
}

// RegisterMuxCommand adds a handler for cmd that runs when parameter key
// equals value. An empty value registers the handler used when the
// parameter is missing.
func (d *Dispatcher) RegisterMuxCommand(cmd, key, value string, h Handler, desc string) error {
	cmd = strings.ToUpper(cmd)
	key = strings.ToUpper(key)

	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.mux[cmd]
	if !ok {
		if _, exists := d.commands[cmd]; exists {
			return fmt.Errorf("gcode command %s already registered", cmd)
		}
		m = &muxEntry{key: key, values: make(map[string]Handler)}
		d.mux[cmd] = m
		d.commands[cmd] = &entry{handler: d.muxHandler(m), desc: desc}
	}
	if m.key != key {
		return fmt.Errorf("mux command %s %s %s may have only one key (%s)", cmd, key, value, m.key)
	}
	if _, exists := m.values[value]; exists {
		return fmt.Errorf("mux command %s %s %s already registered", cmd, key, value)
	}
	m.values[value] = h
	return nil
}

func (d *Dispatcher) muxHandler(m *muxEntry) Handler {
	return func(cmd *Command) error {
		d.mu.RLock()
		value, given := cmd.Params[m.key]
		h, ok := m.values[value]
		if !given {
			h, ok = m.values[""]
		}
		d.mu.RUnlock()

		if !ok {
			if !given {
				return errors.GCodeMissingParameterError(cmd.Name, m.key)
			}
			return errors.Newf(errors.ErrGCodeInvalidParam, "The value '%s' is not valid for %s", value, m.key).
				SetSection(cmd.Name).SetOption(m.key)
		}
		return h(cmd)
	}
}

// HasCommand reports whether name is registered.
func (d *Dispatcher) HasCommand(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.commands[strings.ToUpper(name)]
	return ok
}

// Commands returns the registered command names, sorted.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.commands))
	for n := range d.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run parses and executes one line.
func (d *Dispatcher) Run(line string) error {
	cmd := parseLine(line)
	if cmd == nil {
		return nil
	}
	cmd.d = d

	d.mu.RLock()
	e, ok := d.commands[cmd.Name]
	d.mu.RUnlock()
	if !ok {
		return errors.GCodeUnknownCommandError(cmd.Name)
	}
	d.log.Debug("Executing: %s", cmd.Raw)
	return e.handler(cmd)
}

// RunScript runs newline separated commands, stopping at the first error.
func (d *Dispatcher) RunScript(script string) error {
	for _, line := range strings.Split(script, "\n") {
		if err := d.Run(line); err != nil {
			return err
		}
	}
	return nil
}

// Process runs an operator supplied script and reports a failure as an
// error response. The error is also returned.
func (d *Dispatcher) Process(script string) error {
	err := d.RunScript(script)
	if err != nil {
		d.RespondError(err.Error())
	}
	return err
}

// RegisterOutputHandler adds a sink for responses.
func (d *Dispatcher) RegisterOutputHandler(fn func(msg string)) {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	d.outputs = append(d.outputs, fn)
}

// RespondRaw sends msg to every output sink and active capture.
func (d *Dispatcher) RespondRaw(msg string) {
	d.outMu.Lock()
	outputs := append([]func(string){}, d.outputs...)
	for _, c := range d.captures {
		*c = append(*c, msg)
	}
	d.outMu.Unlock()

	for _, out := range outputs {
		out(msg)
	}
}

// RespondInfo sends msg with every line prefixed by "// ".
func (d *Dispatcher) RespondInfo(msg string) {
	lines := strings.Split(strings.TrimSpace(msg), "\n")
	for i, l := range lines {
		lines[i] = "// " + l
	}
	d.RespondRaw(strings.Join(lines, "\n"))
}

// RespondError sends msg as an error response.
func (d *Dispatcher) RespondError(msg string) {
	d.log.Warn("%s", msg)
	lines := strings.Split(strings.TrimSpace(msg), "\n")
	d.RespondRaw("!! " + strings.Join(lines, "\n!! "))
}

// Capture runs fn and returns the responses sent while it ran.
func (d *Dispatcher) Capture(fn func() error) ([]string, error) {
	var buf []string
	d.outMu.Lock()
	d.captures = append(d.captures, &buf)
	d.outMu.Unlock()

	err := fn()

	d.outMu.Lock()
	for i, c := range d.captures {
		if c == &buf {
			d.captures = append(d.captures[:i], d.captures[i+1:]...)
			break
		}
	}
	out := buf
	d.outMu.Unlock()
	return out, err
}

func (d *Dispatcher) cmdHelp(cmd *Command) error {
	d.mu.RLock()
	names := make([]string, 0, len(d.commands))
	for n, e := range d.commands {
		if e.desc != "" {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	lines := []string{"Available extended commands:"}
	for _, n := range names {
		lines = append(lines, fmt.Sprintf("%-10s: %s", n, d.commands[n].desc))
	}
	d.mu.RUnlock()
	cmd.RespondInfo(strings.Join(lines, "\n"))
	return nil
}
