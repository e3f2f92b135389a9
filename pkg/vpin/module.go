package vpin

import (
	"fmt"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/errors"
	"klipper-vpin/pkg/pins"
	"klipper-vpin/pkg/printer"
)

// Register creates the virtual chip with its default pins and installs
// the [ams_pin] section handlers:
//
//	[ams_pin]            # optional, the chip always exists
//	[ams_pin pin3]
//	initial_value: 1     # default pins take a start level
//	[ams_pin lane_exit]  # other names add a pin
func Register(p *printer.Printer, observer Observer) (*Chip, error) {
	chip := NewChip(ChipName, p.Reactor(), observer)
	if err := chip.AddDefaultPins(); err != nil {
		return nil, err
	}
	if p.Pins().RegisterChip(ChipName, chip) == pins.AlreadyRegistered {
		return nil, errors.Newf(errors.ErrPinChip, "pin chip %s already registered", ChipName)
	}
	if err := chip.RegisterCommands(p.GCode()); err != nil {
		return nil, err
	}
	if err := p.AddObject(ChipName, chip); err != nil {
		return nil, err
	}
	for _, pin := range chip.Pins() {
		if err := p.AddObject(pin.GetName(), pin); err != nil {
			return nil, err
		}
	}
	p.RegisterEventHandler(printer.EventReady, chip.HandleReady)

	p.Modules().Register(ChipName, func(sec *config.Section) (config.Module, error) {
		return chip, nil
	})
	p.Modules().RegisterPrefix(ChipName, func(sec *config.Section) (config.Module, error) {
		initial, err := sec.GetBool("initial_value", false)
		if err != nil {
			return nil, err
		}
		pin, err := chip.DefinePin(sec.ShortName(), initial)
		if err != nil {
			return nil, config.WrapError(sec.GetName(), "", err)
		}
		return pin, nil
	})
	return chip, nil
}

// LoadPin returns a pin of the chip registered on p. A pin defined by an
// [ams_pin NAME] section later in the file is built first.
func LoadPin(p *printer.Printer, name string) (*VirtualPin, error) {
	obj, ok := p.LookupObject(ChipName)
	if !ok {
		return nil, fmt.Errorf("pin chip %s not available", ChipName)
	}
	chip, ok := obj.(*Chip)
	if !ok {
		return nil, fmt.Errorf("object %s is %T", ChipName, obj)
	}
	if section := ChipName + " " + name; p.Config().HasSection(section) {
		if _, err := p.LoadObject(section); err != nil {
			return nil, err
		}
	}
	return chip.Lookup(name)
}
