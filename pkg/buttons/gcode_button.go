// G-code triggered buttons
//
// Copyright (C) 2019  Florian Heilmann <Florian.Heilmann@gmx.net>
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package buttons

import (
	"sync"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/gcode"
	"klipper-vpin/pkg/log"
	"klipper-vpin/pkg/macro"
	"klipper-vpin/pkg/printer"
)

// GCodeButton runs press_gcode and release_gcode when its pin changes.
type GCodeButton struct {
	name    string
	short   string
	pin     string
	press   *macro.Template
	release *macro.Template
	gcode   *gcode.Dispatcher
	log     *log.Logger

	mu        sync.Mutex
	lastState int
}

// NewGCodeButton builds a [gcode_button NAME] section.
func NewGCodeButton(p *printer.Printer, sec *config.Section) (*GCodeButton, error) {
	pin, err := sec.Get("pin")
	if err != nil {
		return nil, err
	}
	delay, err := sec.GetFloatWithBounds("debounce_delay", config.FloatBounds{MinVal: config.Float(0)}, 0)
	if err != nil {
		return nil, err
	}
	pgm, err := macro.Load(p)
	if err != nil {
		return nil, err
	}
	press, err := pgm.LoadTemplate(sec, "press_gcode")
	if err != nil {
		return nil, err
	}
	release, err := pgm.LoadTemplate(sec, "release_gcode", "")
	if err != nil {
		return nil, err
	}
	pb, err := Load(p)
	if err != nil {
		return nil, err
	}

	gb := &GCodeButton{
		name:    sec.GetName(),
		short:   sec.ShortName(),
		pin:     pin,
		press:   press,
		release: release,
		gcode:   p.GCode(),
		log:     log.GetLogger("gcode_button"),
	}
	if err := pb.RegisterDebounceButton(pin, gb.buttonCallback, delay); err != nil {
		return nil, config.WrapError(sec.GetName(), "pin", err)
	}
	if err := p.GCode().RegisterMuxCommand("QUERY_BUTTON", "BUTTON", gb.short, gb.cmdQueryButton,
		"Report on the state of a button"); err != nil {
		return nil, err
	}
	return gb, nil
}

// GetName returns the section name.
func (gb *GCodeButton) GetName() string { return gb.name }

func (gb *GCodeButton) stateName() string {
	gb.mu.Lock()
	defer gb.mu.Unlock()
	if gb.lastState != 0 {
		return "PRESSED"
	}
	return "RELEASED"
}

func (gb *GCodeButton) cmdQueryButton(cmd *gcode.Command) error {
	cmd.RespondInfo(gb.short + ": " + gb.stateName())
	return nil
}

func (gb *GCodeButton) buttonCallback(eventtime float64, state int) {
	gb.mu.Lock()
	gb.lastState = state
	gb.mu.Unlock()

	tmpl := gb.press
	if state == 0 {
		tmpl = gb.release
	}
	script, err := tmpl.Render()
	if err == nil {
		err = gb.gcode.RunScript(script)
	}
	if err != nil {
		gb.log.WithError(err).WithField("button", gb.short).Error("Script running error")
	}
}

// GetStatus returns {"state": "PRESSED"|"RELEASED"}.
func (gb *GCodeButton) GetStatus(eventtime float64) map[string]interface{} {
	return map[string]interface{}{"state": gb.stateName()}
}
