package endstop

import (
	"klipper-vpin/pkg/mcu"
	"klipper-vpin/pkg/reactor"
)

// Stepper is the part of a stepper a homing endstop keeps track of.
type Stepper interface {
	GetName() string
}

// MCUEndstop is the capability set homing code uses on an endstop pin.
// Hardware endstops sample on the chip; virtual ones answer immediately.
type MCUEndstop interface {
	// GetMCU returns the channel the endstop lives on, or nil.
	GetMCU() mcu.Channel
	AddStepper(s Stepper)
	GetSteppers() []Stepper

	// HomeStart arms the endstop and returns a completion that resolves
	// with the trigger state.
	HomeStart(printTime, sampleTime float64, sampleCount int, restTime float64, triggered bool) *reactor.Completion
	// HomeWait returns the trigger time, or 0 when the endstop never
	// triggered before homeEndTime.
	HomeWait(homeEndTime float64) (float64, error)
	QueryEndstop(printTime float64) bool
}
