package vpin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/errors"
	"klipper-vpin/pkg/printer"
	"klipper-vpin/pkg/reactor"
)

func newTestPrinter(t *testing.T) (*printer.Printer, *Chip, *[]string) {
	t.Helper()
	r := reactor.NewWithClock(reactor.NewManualClock(10))
	t.Cleanup(r.End)
	p := printer.New(r)
	chip, err := Register(p, nil)
	require.NoError(t, err)
	var out []string
	p.GCode().RegisterOutputHandler(func(msg string) { out = append(out, msg) })
	return p, chip, &out
}

func TestRegisterCreatesDefaultPins(t *testing.T) {
	p, chip, _ := newTestPrinter(t)
	require.Len(t, chip.Pins(), 8)
	for _, name := range DefaultPinNames {
		obj, ok := p.LookupObject("ams_pin " + name)
		require.True(t, ok, name)
		assert.IsType(t, &VirtualPin{}, obj)
	}
	c, ok := p.Pins().Chip(ChipName)
	require.True(t, ok)
	assert.Same(t, chip, c)

	_, err := Register(p, nil)
	assert.Error(t, err)
}

func TestSetAndQueryCommands(t *testing.T) {
	p, chip, out := newTestPrinter(t)
	pin, err := chip.Lookup("pin1")
	require.NoError(t, err)
	rec := &recorder{}
	pin.Subscribe(rec)

	require.NoError(t, p.GCode().Run("SET_AMS_PIN PIN=pin1 VALUE=1"))
	require.NoError(t, p.GCode().Run("QUERY_AMS_PIN PIN=pin1"))
	assert.Equal(t, []bool{false, true}, rec.values)
	require.Len(t, *out, 1)
	assert.Equal(t, "// ams_pin pin1: 1", (*out)[0])

	require.NoError(t, p.GCode().Run("SET_AMS_PIN PIN=pin1 VALUE=0"))
	assert.False(t, pin.Query())
	// VALUE defaults to 1
	require.NoError(t, p.GCode().Run("SET_AMS_PIN PIN=pin1"))
	assert.True(t, pin.Query())

	err = p.GCode().Run("SET_AMS_PIN PIN=pin9 VALUE=1")
	require.Error(t, err)
	assert.Equal(t, "The value 'pin9' is not valid for PIN", err.Error())

	err = p.GCode().Run("SET_AMS_PIN PIN=pin2 VALUE=x")
	require.Error(t, err)
	assert.True(t, errors.IsGCode(err))
}

func TestSetupPin(t *testing.T) {
	p, chip, _ := newTestPrinter(t)

	obj, err := p.Pins().SetupPin("endstop", "!ams_pin:pin2")
	require.NoError(t, err)
	es, ok := obj.(*Endstop)
	require.True(t, ok)
	assert.True(t, es.QueryEndstop(0))
	pin, _ := chip.Pin("pin2")
	pin.SetValue(true)
	assert.False(t, es.QueryEndstop(0))

	_, err = p.Pins().SetupPin("digital_out", "ams_pin:pin2")
	require.Error(t, err)
	assert.Equal(t, "ams_pin pins only support endstop type", err.Error())
	assert.True(t, errors.Is(err, errors.ErrPinType))

	_, err = p.Pins().SetupPin("endstop", "ams_pin:pin9")
	require.Error(t, err)
	assert.Equal(t, "ams_pin pin9 not configured", err.Error())
	assert.True(t, errors.IsConfig(err))

	// the same pin may back several consumers
	_, err = p.Pins().SetupPin("endstop", "ams_pin:pin2")
	assert.NoError(t, err)
}

func TestPinSectionsFromConfig(t *testing.T) {
	p, chip, _ := newTestPrinter(t)
	cfg, err := config.LoadString(`
[ams_pin]

[ams_pin pin3]
initial_value: 1

[ams_pin lane_exit]
`)
	require.NoError(t, err)
	require.NoError(t, p.Load(cfg))

	pin3, _ := chip.Pin("pin3")
	assert.True(t, pin3.Query())
	assert.True(t, pin3.InitialValue())

	exit, ok := chip.Pin("lane_exit")
	require.True(t, ok)
	assert.False(t, exit.Query())
	obj, ok := p.LookupObject("ams_pin lane_exit")
	require.True(t, ok)
	assert.Same(t, exit, obj)

	require.NoError(t, p.GCode().Run("SET_AMS_PIN PIN=lane_exit VALUE=1"))
	assert.True(t, exit.Query())
}

func TestPinSectionRejectsBadOptions(t *testing.T) {
	p, _, _ := newTestPrinter(t)
	cfg, err := config.LoadString(`
[ams_pin pin3]
initial_valu: 1
`)
	require.NoError(t, err)
	err = p.Load(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial_valu")
}

func TestChipRunsConfigCallbacksOnReady(t *testing.T) {
	p, chip, _ := newTestPrinter(t)
	ch, err := chip.PinChannel("pin4")
	require.NoError(t, err)
	ran := false
	ch.RegisterConfigCallback(func() error { ran = true; return nil })
	assert.False(t, ran)
	require.NoError(t, p.Start())
	assert.True(t, ran)
}
