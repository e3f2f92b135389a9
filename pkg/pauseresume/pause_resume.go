// Pause/Resume functionality
//
// Copyright (C) 2019  Eric Callahan <arksine.code@gmail.com>
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package pauseresume provides PAUSE, RESUME and CLEAR_PAUSE.
package pauseresume

import (
	"fmt"
	"sync"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/gcode"
	"klipper-vpin/pkg/log"
	"klipper-vpin/pkg/printer"
)

// Events sent when a pause or resume is requested.
const (
	EventPause  = "pause_resume:pause"
	EventResume = "pause_resume:resume"
)

// PauseResume tracks whether the print is paused.
type PauseResume struct {
	p     *printer.Printer
	gcode *gcode.Dispatcher
	log   *log.Logger

	mu               sync.Mutex
	isPaused         bool
	pauseCommandSent bool
}

// New creates the pause_resume object and its commands.
func New(p *printer.Printer) (*PauseResume, error) {
	pr := &PauseResume{
		p:     p,
		gcode: p.GCode(),
		log:   log.GetLogger("pause_resume"),
	}
	cmds := []struct {
		name string
		fn   gcode.Handler
		desc string
	}{
		{"PAUSE", pr.cmdPause, "Pauses the current print"},
		{"RESUME", pr.cmdResume, "Resumes the print from a pause"},
		{"CLEAR_PAUSE", pr.cmdClearPause, "Clears the current paused state without resuming the print"},
	}
	for _, c := range cmds {
		if err := p.GCode().RegisterCommand(c.name, c.fn, c.desc); err != nil {
			return nil, err
		}
	}
	return pr, nil
}

// GetName returns "pause_resume".
func (pr *PauseResume) GetName() string { return "pause_resume" }

// SendPauseCommand announces a pause once until the next resume.
func (pr *PauseResume) SendPauseCommand() {
	pr.mu.Lock()
	if pr.pauseCommandSent {
		pr.mu.Unlock()
		return
	}
	pr.pauseCommandSent = true
	pr.mu.Unlock()

	if err := pr.p.SendEvent(EventPause); err != nil {
		pr.log.WithError(err).Warn("pause handler failed")
	}
	pr.gcode.RespondInfo("action:paused")
}

// SendResumeCommand announces a resume if a pause was announced.
func (pr *PauseResume) SendResumeCommand() {
	pr.mu.Lock()
	if !pr.pauseCommandSent {
		pr.mu.Unlock()
		return
	}
	pr.pauseCommandSent = false
	pr.mu.Unlock()

	if err := pr.p.SendEvent(EventResume); err != nil {
		pr.log.WithError(err).Warn("resume handler failed")
	}
	pr.gcode.RespondInfo("action:resumed")
}

// IsPaused reports whether PAUSE ran without a later RESUME.
func (pr *PauseResume) IsPaused() bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.isPaused
}

func (pr *PauseResume) cmdPause(cmd *gcode.Command) error {
	if pr.IsPaused() {
		cmd.RespondInfo("Print already paused")
		return nil
	}
	pr.SendPauseCommand()
	pr.mu.Lock()
	pr.isPaused = true
	pr.mu.Unlock()
	pr.log.Info("Print paused")
	return nil
}

func (pr *PauseResume) cmdResume(cmd *gcode.Command) error {
	if !pr.IsPaused() {
		cmd.RespondInfo("Print is not paused, resume aborted")
		return nil
	}
	pr.SendResumeCommand()
	pr.mu.Lock()
	pr.isPaused = false
	pr.mu.Unlock()
	pr.log.Info("Print resumed")
	return nil
}

func (pr *PauseResume) cmdClearPause(cmd *gcode.Command) error {
	pr.mu.Lock()
	pr.isPaused = false
	pr.pauseCommandSent = false
	pr.mu.Unlock()
	return nil
}

// GetStatus returns {"is_paused": bool}.
func (pr *PauseResume) GetStatus(eventtime float64) map[string]interface{} {
	return map[string]interface{}{"is_paused": pr.IsPaused()}
}

// Load returns the printer's pause_resume object, creating it on first use.
func Load(p *printer.Printer) (*PauseResume, error) {
	obj, err := p.LoadObject("pause_resume")
	if err != nil {
		return nil, err
	}
	pr, ok := obj.(*PauseResume)
	if !ok {
		return nil, fmt.Errorf("object pause_resume is %T", obj)
	}
	return pr, nil
}

// Register installs the [pause_resume] factory.
func Register(p *printer.Printer) {
	p.Modules().Register("pause_resume", func(sec *config.Section) (config.Module, error) {
		return New(p)
	})
}
