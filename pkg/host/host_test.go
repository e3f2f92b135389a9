package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/idle"
	"klipper-vpin/pkg/metrics"
	"klipper-vpin/pkg/reactor"
)

const hostConfig = `
[virtual_filament_sensor lane1]
pin: ams_pin:pin1
pause_on_runout: False
runout_gcode: M400

[endstop lane1]
pin: ams_pin:pin1

[query_endstops]
`

func newHost(t *testing.T, text string) (*Host, *reactor.ManualClock) {
	t.Helper()
	clock := reactor.NewManualClock(10)
	h, err := New(Options{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(h.Reactor().End)
	cfg, err := config.LoadString(text)
	require.NoError(t, err)
	require.NoError(t, h.Load(cfg))
	return h, clock
}

func TestHostWiresMetrics(t *testing.T) {
	h, clock := newHost(t, hostConfig)
	require.NoError(t, h.Start())
	h.Reactor().RunPending()

	it, err := idle.Load(h.Printer())
	require.NoError(t, err)
	it.SetPrinting(true)
	clock.Set(13)

	gc := h.Printer().GCode()
	require.NoError(t, gc.Run("SET_AMS_PIN PIN=pin1 VALUE=1"))
	h.Reactor().RunPending()
	require.NoError(t, gc.Run("SET_AMS_PIN PIN=pin1 VALUE=0"))
	h.Reactor().RunPending()

	hm := h.Metrics()
	pin := metrics.Labels{"pin": "ams_pin:pin1"}
	assert.Equal(t, 0.0, hm.PinValue.Get(pin))
	assert.Equal(t, 2.0, hm.PinTransitions.Get(pin))
	assert.Equal(t, 1.0, hm.RunoutActions.Get(metrics.Labels{"sensor": "lane1", "action": "runout"}))
	assert.Equal(t, uint64(1), hm.ScriptDuration.Count(metrics.Labels{"sensor": "lane1"}))
	assert.Contains(t, hm.Gather(), `vpin_pin_transitions_total{pin="ams_pin:pin1"} 2`)
}

func TestHostObjects(t *testing.T) {
	h, _ := newHost(t, hostConfig)
	names := h.Printer().ObjectNames()
	for _, want := range []string{"ams_pin", "virtual_filament_sensor lane1", "endstop lane1", "query_endstops", "idle_timeout"} {
		assert.Contains(t, names, want)
	}
	assert.Len(t, h.Chip().Pins(), 8)
}

func TestHostRejectsUnknownSection(t *testing.T) {
	h, err := New(Options{Clock: reactor.NewManualClock(0)})
	require.NoError(t, err)
	t.Cleanup(h.Reactor().End)
	cfg, err := config.LoadString("[no_such_module]\n")
	require.NoError(t, err)
	assert.ErrorContains(t, h.Load(cfg), "Section 'no_such_module' is not a valid config section")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printer.cfg")
	require.NoError(t, os.WriteFile(path, []byte("[ams_pin lane_exit]\ninitial_value: 1\n"), 0o644))
	h, err := New(Options{Clock: reactor.NewManualClock(0)})
	require.NoError(t, err)
	t.Cleanup(h.Reactor().End)
	require.NoError(t, h.LoadFile(path))
	pin, ok := h.Chip().Pin("lane_exit")
	require.True(t, ok)
	assert.True(t, pin.Query())

	assert.Error(t, h.LoadFile(filepath.Join(t.TempDir(), "missing.cfg")))
}

func TestRunStopsOnCancel(t *testing.T) {
	h, _ := newHost(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, h.Printer().IsReady, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	_, msg := h.Printer().State()
	assert.Equal(t, "host stopped", msg)
}

func TestRunReportsShutdown(t *testing.T) {
	h, _ := newHost(t, "")
	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()
	require.Eventually(t, h.Printer().IsReady, time.Second, time.Millisecond)

	c := h.Reactor().RegisterAsyncCallback(func(eventtime float64) interface{} {
		h.Printer().InvokeShutdown("lost lane")
		return nil
	}, reactor.NOW)
	c.Wait(time.Second, nil)
	select {
	case err := <-done:
		assert.EqualError(t, err, "shutdown: lost lane")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestHostRecordsHistory(t *testing.T) {
	h, _ := newHost(t, "[pin_history]\n")
	require.NoError(t, h.Start())
	gc := h.Printer().GCode()
	require.NoError(t, gc.Run("SET_AMS_PIN PIN=pin2 VALUE=1"))

	out, err := gc.Capture(func() error { return gc.Run("QUERY_PIN_HISTORY PIN=pin2") })
	require.NoError(t, err)
	assert.Equal(t, []string{"// 10.000 pin ams_pin:pin2 1"}, out)
	events, err := h.History().Recent("", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
