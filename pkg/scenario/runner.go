package scenario

import (
	"fmt"
	"strings"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/host"
	"klipper-vpin/pkg/idle"
	"klipper-vpin/pkg/reactor"
	"klipper-vpin/pkg/vpin"
)

// Result is the trace of a replay.
type Result struct {
	Name  string
	Trace []string
}

// String returns the trace, one event per line.
func (r *Result) String() string {
	if len(r.Trace) == 0 {
		return ""
	}
	return strings.Join(r.Trace, "\n") + "\n"
}

type runner struct {
	clock     *reactor.ManualClock
	host      *host.Host
	res       *Result
	responses []string
}

func (rn *runner) trace(format string, args ...interface{}) {
	rn.res.Trace = append(rn.res.Trace,
		fmt.Sprintf("[%.3f] ", rn.clock.Now())+fmt.Sprintf(format, args...))
}

func (rn *runner) PinChanged(pin string, value bool) {
	rn.trace("pin %s=%d", pin, level(value))
}

func (rn *runner) PinFault(pin string, err error) {
	rn.trace("fault %s: %v", pin, err)
}

func (rn *runner) ActionScheduled(sensor, action string) {
	rn.trace("action %s %s", sensor, action)
}

func (rn *runner) TransitionGated(sensor, reason string) {
	rn.trace("gated %s %s", sensor, reason)
}

func (rn *runner) respond(msg string) {
	for _, line := range strings.Split(msg, "\n") {
		rn.responses = append(rn.responses, line)
		rn.trace("< %s", line)
	}
}

func level(v bool) int {
	if v {
		return 1
	}
	return 0
}

// Run replays s on a fresh host. The trace collected up to a failing step
// is returned with the error.
func Run(s *Scenario) (*Result, error) {
	rn := &runner{
		clock: reactor.NewManualClock(s.Start),
		res:   &Result{Name: s.Name},
	}
	h, err := host.New(host.Options{Clock: rn.clock, Observer: rn})
	if err != nil {
		return rn.res, err
	}
	rn.host = h
	defer h.Reactor().End()

	cfg, err := config.LoadString(s.Config)
	if err != nil {
		return rn.res, err
	}
	if err := h.Load(cfg); err != nil {
		return rn.res, err
	}
	h.Printer().GCode().RegisterOutputHandler(rn.respond)
	if err := h.Start(); err != nil {
		return rn.res, err
	}
	h.Reactor().RunPending()
	rn.trace("ready")

	for i, st := range s.Steps {
		if err := rn.step(st); err != nil {
			return rn.res, fmt.Errorf("step %d: %w", i+1, err)
		}
		if !st.Hold {
			h.Reactor().RunPending()
		}
	}
	return rn.res, nil
}

func (rn *runner) step(st Step) error {
	p := rn.host.Printer()
	switch {
	case st.GCode != "":
		rn.responses = nil
		rn.trace("> %s", st.GCode)
		// failures are traced as error responses
		_ = p.GCode().Process(st.GCode)
	case st.Advance > 0:
		rn.clock.Advance(st.Advance)
		rn.trace("advance %.3f", st.Advance)
	case st.SetPrinting != nil:
		it, err := idle.Load(p)
		if err != nil {
			return err
		}
		rn.trace("printing=%d", level(*st.SetPrinting))
		it.SetPrinting(*st.SetPrinting)
	case st.Set != nil:
		pin, err := rn.host.Chip().Lookup(st.Set.Pin)
		if err != nil {
			return err
		}
		rn.trace("set %s=%d", st.Set.Pin, st.Set.Value)
		pin.SetValue(st.Set.Value != 0)
	case st.Watch != "":
		pin, err := rn.host.Chip().Lookup(st.Watch)
		if err != nil {
			return err
		}
		name := st.Watch
		pin.Subscribe(vpin.WatcherFunc(func(value bool) error {
			rn.trace("watch %s=%d", name, level(value))
			return nil
		}))
	case st.Expect != nil:
		return rn.expect(st.Expect)
	case st.Response != "":
		for _, r := range rn.responses {
			if strings.Contains(r, st.Response) {
				return nil
			}
		}
		return fmt.Errorf("no response contains %q in %q", st.Response, rn.responses)
	case st.Run:
		rn.trace("run")
	case st.Comment != "":
		rn.trace("# %s", st.Comment)
	}
	return nil
}

func (rn *runner) expect(e *Expect) error {
	status, ok := rn.host.Printer().ObjectStatus(e.Object, rn.clock.Now())
	if !ok {
		return fmt.Errorf("object %q has no status", e.Object)
	}
	got, ok := status[e.Field]
	if !ok {
		return fmt.Errorf("object %q has no field %q", e.Object, e.Field)
	}
	if fmt.Sprint(got) != fmt.Sprint(e.Value) {
		return fmt.Errorf("%s.%s = %v, want %v", e.Object, e.Field, got, e.Value)
	}
	rn.trace("expect %s.%s=%v", e.Object, e.Field, got)
	return nil
}
