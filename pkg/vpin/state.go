// Package vpin implements software driven input pins. A virtual pin can be
// used wherever the host expects a chip pin: as a homing endstop, as the
// input of a button or filament switch, or as a plain watched value.
package vpin

// PinState is the boolean cell behind a virtual pin.
type PinState struct {
	name    string
	value   bool
	initial bool
}

// NewPinState creates a cell holding initial.
func NewPinState(name string, initial bool) *PinState {
	return &PinState{name: name, value: initial, initial: initial}
}

// Name returns the pin name.
func (s *PinState) Name() string { return s.name }

// Value returns the current level.
func (s *PinState) Value() bool { return s.value }

// InitialValue returns the level the pin was created with.
func (s *PinState) InitialValue() bool { return s.initial }

// Set stores v and reports whether the level changed.
func (s *PinState) Set(v bool) bool {
	if s.value == v {
		return false
	}
	s.value = v
	return true
}
