package host

import (
	"klipper-vpin/pkg/runout"
	"klipper-vpin/pkg/vpin"
)

// Observer sees pin changes and runout decisions. The host metrics are
// always one; Options.Observer adds another.
type Observer interface {
	vpin.Observer
	runout.Observer
}

type fanout []Observer

func (f fanout) PinChanged(pin string, value bool) {
	for _, o := range f {
		o.PinChanged(pin, value)
	}
}

func (f fanout) PinFault(pin string, err error) {
	for _, o := range f {
		o.PinFault(pin, err)
	}
}

func (f fanout) ActionScheduled(sensor, action string) {
	for _, o := range f {
		o.ActionScheduled(sensor, action)
	}
}

func (f fanout) TransitionGated(sensor, reason string) {
	for _, o := range f {
		o.TransitionGated(sensor, reason)
	}
}

func (f fanout) ScriptFinished(sensor string, seconds float64) {
	for _, o := range f {
		if so, ok := o.(runout.ScriptObserver); ok {
			so.ScriptFinished(sensor, seconds)
		}
	}
}
