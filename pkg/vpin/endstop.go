package vpin

import (
	"klipper-vpin/pkg/endstop"
	"klipper-vpin/pkg/mcu"
	"klipper-vpin/pkg/reactor"
)

// Endstop exposes a virtual pin to homing code. There is no sampling on a
// chip, so homing resolves at once from the current level.
type Endstop struct {
	pin     *VirtualPin
	invert  bool
	reactor *reactor.Reactor
}

var _ endstop.MCUEndstop = (*Endstop)(nil)

// NewEndstop wraps pin as an endstop, optionally inverted.
func NewEndstop(pin *VirtualPin, invert bool, r *reactor.Reactor) *Endstop {
	return &Endstop{pin: pin, invert: invert, reactor: r}
}

// Pin returns the virtual pin behind the endstop.
func (e *Endstop) Pin() *VirtualPin { return e.pin }

// GetMCU returns nil; a virtual endstop is not attached to a chip.
func (e *Endstop) GetMCU() mcu.Channel { return nil }

// AddStepper is a no-op. Virtual endstops drive no steppers.
func (e *Endstop) AddStepper(s endstop.Stepper) {}

// GetSteppers returns an empty list.
func (e *Endstop) GetSteppers() []endstop.Stepper { return []endstop.Stepper{} }

// HomeStart returns a completion already resolved with the trigger state.
func (e *Endstop) HomeStart(printTime, sampleTime float64, sampleCount int, restTime float64, triggered bool) *reactor.Completion {
	c := e.reactor.Completion()
	c.Complete(e.QueryEndstop(printTime))
	return c
}

// HomeWait returns homeEndTime if the endstop is triggered, else 0.
func (e *Endstop) HomeWait(homeEndTime float64) (float64, error) {
	if e.QueryEndstop(homeEndTime) {
		return homeEndTime, nil
	}
	return 0, nil
}

// QueryEndstop returns the pin level XOR invert.
func (e *Endstop) QueryEndstop(printTime float64) bool {
	return e.pin.Query() != e.invert
}
