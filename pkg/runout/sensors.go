// Filament sensor front ends
//
// Copyright (C) 2019  Eric Callahan <arksine.code@gmail.com>
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package runout

import (
	"fmt"
	"strings"

	"klipper-vpin/pkg/buttons"
	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/idle"
	"klipper-vpin/pkg/printer"
	"klipper-vpin/pkg/vpin"
)

// VirtualSensor is a [virtual_filament_sensor NAME] section. It watches a
// virtual pin directly:
//
//	[virtual_filament_sensor lane1]
//	pin: ams_pin:pin1    # or just pin1
type VirtualSensor struct {
	*Helper
	section string
	pin     *vpin.VirtualPin
	invert  bool
}

// NewVirtualSensor builds a virtual_filament_sensor section.
func NewVirtualSensor(p *printer.Printer, sec *config.Section, observer Observer) (*VirtualSensor, error) {
	pin, err := sec.GetPin("pin", config.PinOptions{CanInvert: true})
	if err != nil {
		return nil, err
	}
	if pin.Chip != config.DefaultChip && !strings.EqualFold(pin.Chip, vpin.ChipName) {
		return nil, config.NewConfigError(sec.GetName(), "pin",
			fmt.Sprintf("pin %s is not on %s", pin.FullName(), vpin.ChipName))
	}
	vp, err := vpin.LoadPin(p, pin.Name)
	if err != nil {
		return nil, config.WrapError(sec.GetName(), "pin", err)
	}
	runState, err := idle.Load(p)
	if err != nil {
		return nil, err
	}
	h, err := NewHelper(p, sec, runState, observer)
	if err != nil {
		return nil, err
	}

	s := &VirtualSensor{Helper: h, section: sec.GetName(), pin: vp, invert: pin.Invert}
	r := p.Reactor()
	vp.Subscribe(vpin.WatcherFunc(func(value bool) error {
		s.NoteFilamentPresent(r.Monotonic(), value != s.invert)
		return nil
	}))
	return s, nil
}

// GetName returns the section name.
func (s *VirtualSensor) GetName() string { return s.section }

// Pin returns the watched pin.
func (s *VirtualSensor) Pin() *vpin.VirtualPin { return s.pin }

// SwitchSensor is a [filament_switch_sensor NAME] section, fed through the
// button channel of its switch_pin.
type SwitchSensor struct {
	*Helper
	section string
}

// NewSwitchSensor builds a filament_switch_sensor section.
func NewSwitchSensor(p *printer.Printer, sec *config.Section, observer Observer) (*SwitchSensor, error) {
	switchPin, err := sec.Get("switch_pin")
	if err != nil {
		return nil, err
	}
	delay, err := sec.GetFloatWithBounds("debounce_delay", config.FloatBounds{MinVal: config.Float(0)}, 0)
	if err != nil {
		return nil, err
	}
	runState, err := idle.Load(p)
	if err != nil {
		return nil, err
	}
	h, err := NewHelper(p, sec, runState, observer)
	if err != nil {
		return nil, err
	}
	pb, err := buttons.Load(p)
	if err != nil {
		return nil, err
	}
	s := &SwitchSensor{Helper: h, section: sec.GetName()}
	if err := pb.RegisterDebounceButton(switchPin, s.buttonHandler, delay); err != nil {
		return nil, config.WrapError(sec.GetName(), "switch_pin", err)
	}
	return s, nil
}

func (s *SwitchSensor) buttonHandler(eventtime float64, state int) {
	s.NoteFilamentPresent(eventtime, state != 0)
}

// GetName returns the section name.
func (s *SwitchSensor) GetName() string { return s.section }

// Register installs the filament sensor factories. observer may be nil.
func Register(p *printer.Printer, observer Observer) {
	p.Modules().RegisterPrefix("virtual_filament_sensor", func(sec *config.Section) (config.Module, error) {
		return NewVirtualSensor(p, sec, observer)
	})
	p.Modules().RegisterPrefix("filament_switch_sensor", func(sec *config.Section) (config.Module, error) {
		return NewSwitchSensor(p, sec, observer)
	})
}
