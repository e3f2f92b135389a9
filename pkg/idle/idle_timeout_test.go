package idle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/gcode"
	"klipper-vpin/pkg/macro"
	"klipper-vpin/pkg/printer"
	"klipper-vpin/pkg/reactor"
)

func setup(t *testing.T, cfgText string) (*printer.Printer, *reactor.ManualClock, *IdleTimeout) {
	t.Helper()
	clock := reactor.NewManualClock(100)
	r := reactor.NewWithClock(clock)
	t.Cleanup(r.End)
	p := printer.New(r)
	macro.Register(p)
	Register(p)
	cfg, err := config.LoadString(cfgText)
	require.NoError(t, err)
	require.NoError(t, p.Load(cfg))
	it, err := Load(p)
	require.NoError(t, err)
	return p, clock, it
}

func TestIdleTimeoutStates(t *testing.T) {
	p, clock, it := setup(t, "[idle_timeout]\ntimeout: 30\ngcode: MARK\n")
	var marks int
	require.NoError(t, p.GCode().RegisterCommand("MARK", func(*gcode.Command) error { marks++; return nil }, ""))
	var events []string
	for _, ev := range []string{EventPrinting, EventReady, EventIdle} {
		ev := ev
		p.RegisterEventHandler(ev, func() error { events = append(events, ev); return nil })
	}

	assert.Equal(t, StateIdle, it.State())
	require.NoError(t, p.GCode().Run("SET_PRINT_STATE PRINTING=1"))
	assert.True(t, it.IsPrinting())

	clock.Advance(12)
	st := it.GetStatus(clock.Now())
	assert.Equal(t, "Printing", st["state"])
	assert.InDelta(t, 12.0, st["printing_time"], 1e-9)

	it.SetPrinting(false)
	assert.Equal(t, StateReady, it.State())
	clock.Advance(29)
	p.Reactor().RunPending()
	assert.Equal(t, StateReady, it.State())

	clock.Advance(1)
	p.Reactor().RunPending()
	assert.Equal(t, StateIdle, it.State())
	assert.Equal(t, 1, marks)
	assert.Equal(t, []string{EventPrinting, EventReady, EventIdle}, events)
	assert.Equal(t, 0.0, it.GetStatus(clock.Now())["printing_time"])
}

func TestPrintingCancelsIdleTimer(t *testing.T) {
	p, clock, it := setup(t, "")
	it.SetPrinting(true)
	it.SetPrinting(false)
	clock.Advance(300)
	it.SetPrinting(true)
	clock.Advance(600)
	p.Reactor().RunPending()
	assert.Equal(t, StatePrinting, it.State())
}

func TestDefaultIdleGCodeIsTolerated(t *testing.T) {
	p, clock, it := setup(t, "")
	it.SetPrinting(true)
	it.SetPrinting(false)
	clock.Advance(600)
	// M84 is not a command of this host
	p.Reactor().RunPending()
	assert.Equal(t, StateIdle, it.State())
}

func TestSetIdleTimeout(t *testing.T) {
	p, clock, it := setup(t, "")
	var out []string
	p.GCode().RegisterOutputHandler(func(msg string) { out = append(out, msg) })

	it.SetPrinting(true)
	it.SetPrinting(false)
	require.NoError(t, p.GCode().Run("SET_IDLE_TIMEOUT TIMEOUT=5"))
	assert.Equal(t, []string{"// idle_timeout: Timeout set to 5.00 s"}, out)
	clock.Advance(5)
	p.Reactor().RunPending()
	assert.Equal(t, StateIdle, it.State())

	assert.Error(t, p.GCode().Run("SET_IDLE_TIMEOUT TIMEOUT=0"))
	assert.Error(t, p.GCode().Run("SET_IDLE_TIMEOUT TIMEOUT=abc"))
}

func TestIdleTimeoutRejectsBadTimeout(t *testing.T) {
	r := reactor.NewWithClock(reactor.NewManualClock(0))
	defer r.End()
	p := printer.New(r)
	macro.Register(p)
	Register(p)
	cfg, err := config.LoadString("[idle_timeout]\ntimeout: 0\n")
	require.NoError(t, err)
	assert.Error(t, p.Load(cfg))
}
