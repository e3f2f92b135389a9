package config

import (
	"fmt"
	"strings"
)

// DefaultChip is the chip a pin belongs to when the description has no
// "chip:" prefix.
const DefaultChip = "mcu"

// Pin is a pin description split into its parts.
type Pin struct {
	Name   string
	Chip   string
	Invert bool
	Pullup int // 1 for ^, -1 for ~
}

// FullName is chip:name, or just name on the default chip.
func (p Pin) FullName() string {
	if p.Chip == "" || p.Chip == DefaultChip {
		return p.Name
	}
	return p.Chip + ":" + p.Name
}

// String renders the pin back into config syntax.
func (p Pin) String() string {
	prefix := ""
	if p.Pullup > 0 {
		prefix = "^"
	} else if p.Pullup < 0 {
		prefix = "~"
	}
	if p.Invert {
		prefix += "!"
	}
	return prefix + p.FullName()
}

// PinOptions lists the modifiers a pin option accepts.
type PinOptions struct {
	CanInvert bool
	CanPullup bool
}

// ParsePin parses "[^|~][!][chip:]name", e.g. "^!ams_pin:pin3".
func ParsePin(desc string, opts PinOptions) (Pin, error) {
	invalid := func() (Pin, error) {
		return Pin{}, NewConfigError("", "", fmt.Sprintf("Invalid pin description '%s'", desc))
	}
	rest := strings.TrimSpace(desc)
	if rest == "" {
		return Pin{}, NewConfigError("", "", "empty pin specification")
	}

	p := Pin{Chip: DefaultChip}
	if opts.CanPullup && (rest[0] == '^' || rest[0] == '~') {
		p.Pullup = 1
		if rest[0] == '~' {
			p.Pullup = -1
		}
		rest = strings.TrimSpace(rest[1:])
	}
	if opts.CanInvert && strings.HasPrefix(rest, "!") {
		p.Invert = true
		rest = strings.TrimSpace(rest[1:])
	}

	if chip, name, ok := strings.Cut(rest, ":"); ok {
		chip = strings.TrimSpace(chip)
		if chip == "" || strings.ContainsAny(chip, "^~! ") {
			return invalid()
		}
		p.Chip, rest = chip, strings.TrimSpace(name)
	}
	switch {
	case rest == "":
		return Pin{}, NewConfigError("", "", "empty pin name in specification: "+desc)
	case strings.ContainsAny(rest, "^~!: "):
		return invalid()
	}
	p.Name = rest
	return p, nil
}

// GetPin parses a pin option of the section.
func (s *Section) GetPin(option string, opts PinOptions) (Pin, error) {
	v, err := s.Get(option)
	if err != nil {
		return Pin{}, err
	}
	pin, err := ParsePin(v, opts)
	if err != nil {
		return Pin{}, WrapError(s.name, option, err)
	}
	return pin, nil
}
