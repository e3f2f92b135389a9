// Homing helpers for endstops
//
// Copyright (C) 2016-2024  Kevin O'Connor <kevin@koconnor.net>
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package endstop

import (
	"fmt"

	"klipper-vpin/pkg/log"
	"klipper-vpin/pkg/reactor"
)

const (
	sampleTime  = 0.000015
	sampleCount = 4
)

// Homing runs endstop-terminated moves. The move itself belongs to the
// caller; Homing arms the endstops, waits for the move to end and
// collects the trigger times.
type Homing struct {
	reactor  *reactor.Reactor
	restTime float64
	log      *log.Logger
}

// NewHoming creates a homing helper on r.
func NewHoming(r *reactor.Reactor) *Homing {
	return &Homing{reactor: r, restTime: 0.001, log: log.GetLogger("homing")}
}

// HomingMove arms every endstop, waits until moveEndTime and returns the
// trigger time of each endstop by name. An endstop that never triggered
// fails the move.
func (h *Homing) HomingMove(endstops []Named, moveEndTime float64) (map[string]float64, error) {
	printTime := h.reactor.Monotonic()
	completions := make([]*reactor.Completion, len(endstops))
	for i, n := range endstops {
		completions[i] = n.Endstop.HomeStart(printTime, sampleTime, sampleCount, h.restTime, true)
	}
	for i, c := range completions {
		if res, _ := c.WaitUntil(moveEndTime, false).(bool); res {
			h.log.Debug("endstop %s triggered during move", endstops[i].Name)
		}
	}

	triggers := make(map[string]float64, len(endstops))
	var firstErr error
	for _, n := range endstops {
		t, err := n.Endstop.HomeWait(moveEndTime)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("endstop %s: %w", n.Name, err)
			}
			continue
		}
		if t > 0 {
			triggers[n.Name] = t
		} else if firstErr == nil {
			firstErr = fmt.Errorf("No trigger on %s after full movement", n.Name)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return triggers, nil
}

// CheckRetract fails if any endstop is still triggered after moving away.
func (h *Homing) CheckRetract(endstops []Named) error {
	printTime := h.reactor.Monotonic()
	for _, n := range endstops {
		if n.Endstop.QueryEndstop(printTime) {
			return fmt.Errorf("Endstop %s still triggered after retract", n.Name)
		}
	}
	return nil
}
