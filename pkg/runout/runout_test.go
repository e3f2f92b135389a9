package runout

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-vpin/pkg/buttons"
	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/gcode"
	"klipper-vpin/pkg/idle"
	"klipper-vpin/pkg/log"
	"klipper-vpin/pkg/macro"
	"klipper-vpin/pkg/pauseresume"
	"klipper-vpin/pkg/printer"
	"klipper-vpin/pkg/reactor"
	"klipper-vpin/pkg/vpin"
)

type recorder struct {
	scheduled []string
	gated     []string
}

func (r *recorder) ActionScheduled(sensor, action string) {
	r.scheduled = append(r.scheduled, sensor+":"+action)
}

func (r *recorder) TransitionGated(sensor, reason string) {
	r.gated = append(r.gated, sensor+":"+reason)
}

type harness struct {
	p     *printer.Printer
	clock *reactor.ManualClock
	chip  *vpin.Chip
	idle  *idle.IdleTimeout
	rec   *recorder
	marks []string
	out   []string
}

func build(t *testing.T, cfgText string) (*harness, error) {
	t.Helper()
	h := &harness{clock: reactor.NewManualClock(10), rec: &recorder{}}
	r := reactor.NewWithClock(h.clock)
	t.Cleanup(r.End)
	h.p = printer.New(r)
	chip, err := vpin.Register(h.p, nil)
	require.NoError(t, err)
	h.chip = chip
	macro.Register(h.p)
	buttons.Register(h.p)
	idle.Register(h.p)
	pauseresume.Register(h.p)
	Register(h.p, h.rec)
	require.NoError(t, h.p.GCode().RegisterCommand("MARK", func(cmd *gcode.Command) error {
		h.marks = append(h.marks, cmd.Params["X"])
		return nil
	}, ""))
	h.p.GCode().RegisterOutputHandler(func(msg string) { h.out = append(h.out, msg) })

	cfg, err := config.LoadString(cfgText)
	require.NoError(t, err)
	if err := h.p.Load(cfg); err != nil {
		return nil, err
	}
	h.idle, err = idle.Load(h.p)
	require.NoError(t, err)
	return h, nil
}

func newHarness(t *testing.T, cfgText string) *harness {
	t.Helper()
	h, err := build(t, cfgText)
	require.NoError(t, err)
	require.NoError(t, h.p.Start())
	h.p.Reactor().RunPending()
	return h
}

// set changes a pin and runs whatever that scheduled.
func (h *harness) set(t *testing.T, name string, v bool) {
	t.Helper()
	h.setOnly(t, name, v)
	h.p.Reactor().RunPending()
}

func (h *harness) setOnly(t *testing.T, name string, v bool) {
	t.Helper()
	pin, ok := h.chip.Pin(name)
	require.True(t, ok, name)
	pin.SetValue(v)
}

func (h *harness) sensor(t *testing.T, name string) map[string]interface{} {
	t.Helper()
	st, ok := h.p.ObjectStatus(name, h.clock.Now())
	require.True(t, ok, name)
	return st
}

const laneConfig = `
[virtual_filament_sensor lane1]
pin: ams_pin:pin1
runout_gcode: MARK X=runout
insert_gcode: MARK X=insert
`

func TestRunoutSchedulesOneAction(t *testing.T) {
	h := newHarness(t, laneConfig)
	h.idle.SetPrinting(true)
	h.set(t, "pin1", true)
	assert.Empty(t, h.marks)

	h.clock.Set(13)
	h.setOnly(t, "pin1", false)
	// toggles while the runout is pending only update the state
	h.setOnly(t, "pin1", true)
	h.setOnly(t, "pin1", false)
	h.p.Reactor().RunPending()

	assert.Equal(t, []string{"runout"}, h.marks)
	assert.Equal(t, []string{"lane1:runout"}, h.rec.scheduled)
	assert.Equal(t, []string{"lane1:startup", "lane1:pending", "lane1:pending"}, h.rec.gated)
	assert.Contains(t, h.out, "// action:paused")

	pr, err := pauseresume.Load(h.p)
	require.NoError(t, err)
	assert.True(t, pr.IsPaused())
	// pause_delay elapsed before the script, then event_delay re-arms
	assert.Equal(t, 13.5, h.clock.Now())
	lane, ok := h.p.LookupObject("virtual_filament_sensor lane1")
	require.True(t, ok)
	assert.Equal(t, 16.5, lane.(*VirtualSensor).MinEventSystime())
	assert.Equal(t, map[string]interface{}{"filament_detected": false, "enabled": true},
		h.sensor(t, "virtual_filament_sensor lane1"))
}

func TestDisabledSensorSchedulesNothing(t *testing.T) {
	h := newHarness(t, laneConfig)
	h.idle.SetPrinting(true)
	h.clock.Set(13)

	require.NoError(t, h.p.GCode().Run("SET_FILAMENT_SENSOR SENSOR=lane1 ENABLE=0"))
	h.set(t, "pin1", true)
	h.set(t, "pin1", false)
	assert.Empty(t, h.marks)
	assert.Equal(t, []string{"lane1:disabled", "lane1:disabled"}, h.rec.gated)
	assert.Equal(t, false, h.sensor(t, "virtual_filament_sensor lane1")["enabled"])

	require.NoError(t, h.p.GCode().Run("SET_FILAMENT_SENSOR SENSOR=lane1"))
	h.set(t, "pin1", true)
	require.NoError(t, h.p.GCode().Run("QUERY_FILAMENT_SENSOR SENSOR=lane1"))
	h.set(t, "pin1", false)
	assert.Equal(t, []string{"runout"}, h.marks)
	assert.Contains(t, h.out, "// Filament Sensor lane1: filament detected")
}

func TestStartupGracePeriod(t *testing.T) {
	h, err := build(t, laneConfig)
	require.NoError(t, err)
	h.idle.SetPrinting(true)
	// before ready nothing is acted on
	h.setOnly(t, "pin1", true)
	h.setOnly(t, "pin1", false)
	require.NoError(t, h.p.Start())
	h.p.Reactor().RunPending()

	h.clock.Set(11.5)
	h.set(t, "pin1", true)
	h.set(t, "pin1", false)
	assert.Empty(t, h.marks)
	assert.Equal(t, []string{"lane1:startup", "lane1:startup", "lane1:startup", "lane1:startup"}, h.rec.gated)

	h.clock.Set(12)
	h.set(t, "pin1", true)
	h.set(t, "pin1", false)
	assert.Equal(t, []string{"runout"}, h.marks)
}

func TestInsertWhileNotPrinting(t *testing.T) {
	h := newHarness(t, laneConfig)
	h.clock.Set(13)
	h.set(t, "pin1", true)
	assert.Equal(t, []string{"insert"}, h.marks)
	// runout while not printing is not actionable, and event_delay holds anyway
	h.clock.Set(14)
	h.set(t, "pin1", false)
	h.clock.Set(17)
	h.set(t, "pin1", true)
	h.clock.Set(21)
	h.set(t, "pin1", false)
	assert.Equal(t, []string{"insert", "insert"}, h.marks)
	assert.Equal(t, []string{"lane1:event_delay", "lane1:no_action"}, h.rec.gated)
}

func TestFailingScriptStillRearms(t *testing.T) {
	h := newHarness(t, `
[virtual_filament_sensor lane1]
pin: pin1
pause_on_runout: False
runout_gcode: NO_SUCH_COMMAND
event_delay: 1
`)
	h.idle.SetPrinting(true)
	h.clock.Set(13)
	h.set(t, "pin1", true)
	h.set(t, "pin1", false)

	h.clock.Set(13.5)
	h.set(t, "pin1", true)
	h.clock.Set(14)
	h.set(t, "pin1", false)
	assert.Equal(t, []string{"lane1:runout", "lane1:runout"}, h.rec.scheduled)
	_, ok := h.p.LookupObject("pause_resume")
	assert.False(t, ok)
}

func TestPanickingScriptStillRearms(t *testing.T) {
	h := newHarness(t, `
[virtual_filament_sensor lane1]
pin: pin1
pause_on_runout: False
runout_gcode: BOOM
event_delay: 1
`)
	var table map[string]int
	require.NoError(t, h.p.GCode().RegisterCommand("BOOM", func(cmd *gcode.Command) error {
		table["x"] = 1
		return nil
	}, ""))
	h.idle.SetPrinting(true)
	h.clock.Set(13)
	h.set(t, "pin1", true)
	assert.NotPanics(t, func() { h.set(t, "pin1", false) })

	lane, ok := h.p.LookupObject("virtual_filament_sensor lane1")
	require.True(t, ok)
	assert.Equal(t, 14.0, lane.(*VirtualSensor).MinEventSystime())

	h.clock.Set(14)
	h.set(t, "pin1", true)
	assert.NotPanics(t, func() { h.set(t, "pin1", false) })
	assert.Equal(t, []string{"lane1:runout", "lane1:runout"}, h.rec.scheduled)
}

func TestEventLogUsesDecisionTime(t *testing.T) {
	var buf bytes.Buffer
	log.Default().SetWriter(&buf)
	t.Cleanup(func() { log.Default().SetWriter(os.Stderr) })

	h := newHarness(t, laneConfig)
	h.idle.SetPrinting(true)
	h.clock.Set(13)
	h.set(t, "pin1", true)
	lane, ok := h.p.LookupObject("virtual_filament_sensor lane1")
	require.True(t, ok)
	lane.(*VirtualSensor).NoteFilamentPresent(100, false)
	h.p.Reactor().RunPending()

	assert.Contains(t, buf.String(), "Filament Sensor lane1: runout event detected, Time 13.00")
}

func TestNoRunoutActionConfigured(t *testing.T) {
	h := newHarness(t, `
[virtual_filament_sensor lane1]
pin: ams_pin:pin1
pause_on_runout: False
`)
	h.idle.SetPrinting(true)
	h.clock.Set(13)
	h.set(t, "pin1", true)
	h.set(t, "pin1", false)
	assert.Empty(t, h.rec.scheduled)
}

func TestInvertedVirtualSensor(t *testing.T) {
	h := newHarness(t, `
[virtual_filament_sensor lane1]
pin: !ams_pin:lane_exit

[ams_pin lane_exit]
initial_value: 1
`)
	assert.Equal(t, false, h.sensor(t, "virtual_filament_sensor lane1")["filament_detected"])
	lane, _ := h.p.LookupObject("virtual_filament_sensor lane1")
	assert.Equal(t, Absent, lane.(*VirtualSensor).Presence())
	h.set(t, "lane_exit", false)
	assert.Equal(t, Present, lane.(*VirtualSensor).Presence())
}

func TestSwitchSensorThroughButtons(t *testing.T) {
	h := newHarness(t, `
[filament_switch_sensor s1]
switch_pin: ams_pin:pin2
pause_on_runout: False
runout_gcode: MARK X=runout
`)
	h.idle.SetPrinting(true)
	h.clock.Set(13)
	h.set(t, "pin2", true)
	assert.Equal(t, true, h.sensor(t, "filament_switch_sensor s1")["filament_detected"])
	h.set(t, "pin2", false)
	assert.Equal(t, []string{"runout"}, h.marks)
}

func TestPresenceUnknownUntilFirstReading(t *testing.T) {
	h := newHarness(t, `
[filament_switch_sensor s1]
switch_pin: ams_pin:pin2
`)
	obj, _ := h.p.LookupObject("filament_switch_sensor s1")
	s := obj.(*SwitchSensor)
	// a low switch never reports a change
	assert.Equal(t, Unknown, s.Presence())
	h.set(t, "pin2", true)
	assert.Equal(t, Present, s.Presence())
}

func TestSensorConfigErrors(t *testing.T) {
	for name, text := range map[string]string{
		"unknown pin":      "[virtual_filament_sensor a]\npin: pin9\n",
		"other chip":       "[virtual_filament_sensor a]\npin: mcu2:pin1\n",
		"zero pause delay": "[virtual_filament_sensor a]\npin: pin1\npause_delay: 0\n",
		"negative delay":   "[virtual_filament_sensor a]\npin: pin1\nevent_delay: -1\n",
		"missing pin":      "[virtual_filament_sensor a]\n",
		"switch no pin":    "[filament_switch_sensor a]\n",
		"switch bad chip":  "[filament_switch_sensor a]\nswitch_pin: nochip:x\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := build(t, text)
			assert.Error(t, err)
		})
	}
}
