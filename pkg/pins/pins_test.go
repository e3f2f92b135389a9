package pins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/errors"
	"klipper-vpin/pkg/mcu"
)

type fakeChip struct {
	shared bool
	setups []Params
}

func (c *fakeChip) SetupPin(pinType string, params Params) (interface{}, error) {
	c.setups = append(c.setups, params)
	return pinType + ":" + params.Pin, nil
}

func (c *fakeChip) PinsShareable() bool { return c.shared }

func TestRegisterChip(t *testing.T) {
	reg := NewRegistry()
	chip := &fakeChip{}
	assert.Equal(t, Registered, reg.RegisterChip("Fake", chip))
	assert.Equal(t, AlreadyRegistered, reg.RegisterChip("fake", &fakeChip{}))
	got, ok := reg.Chip("FAKE")
	require.True(t, ok)
	assert.Same(t, chip, got)
	assert.Equal(t, []string{"fake"}, reg.ChipNames())
	assert.Equal(t, "already registered", AlreadyRegistered.String())
}

func TestLookupPin(t *testing.T) {
	reg := NewRegistry()
	chip := &fakeChip{}
	reg.RegisterChip("fake", chip)

	params, err := reg.LookupPin("^!fake:p1", LookupOptions{CanInvert: true, CanPullup: true})
	require.NoError(t, err)
	assert.Equal(t, "fake:p1", params.FullName())
	assert.True(t, params.Invert)
	assert.Equal(t, 1, params.Pullup)

	_, err = reg.LookupPin("fake:p1", LookupOptions{})
	assert.EqualError(t, err, "pin fake:p1 used multiple times in config")
	assert.True(t, errors.Is(err, errors.ErrPinDuplicate))

	_, err = reg.LookupPin("fake:p2", LookupOptions{ShareType: "a"})
	require.NoError(t, err)
	_, err = reg.LookupPin("fake:p2", LookupOptions{ShareType: "a"})
	assert.NoError(t, err)

	_, err = reg.LookupPin("nochip:p1", LookupOptions{})
	assert.EqualError(t, err, "Unknown pin chip name 'nochip'")
	assert.True(t, errors.IsConfig(err))

	_, err = reg.LookupPin("!fake:p3", LookupOptions{})
	assert.Error(t, err)
}

func TestSharedChipPins(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterChip("shared", &fakeChip{shared: true})
	for i := 0; i < 3; i++ {
		_, err := reg.LookupPin("shared:p1", LookupOptions{})
		require.NoError(t, err)
	}
}

func TestSetupPin(t *testing.T) {
	reg := NewRegistry()
	chip := &fakeChip{}
	reg.RegisterChip("fake", chip)

	obj, err := reg.SetupPin("endstop", "^fake:p1")
	require.NoError(t, err)
	assert.Equal(t, "endstop:p1", obj)
	// only endstops take a pullup
	_, err = reg.SetupPin("digital_out", "^fake:p2")
	assert.Error(t, err)

	_, err = reg.ChannelFor(chip.setups[0])
	assert.True(t, errors.Is(err, errors.ErrPinChip))
}

type channelChip struct {
	fakeChip
	ch mcu.Channel
}

func (c *channelChip) PinChannel(pin string) (mcu.Channel, error) { return c.ch, nil }

func TestChannelFor(t *testing.T) {
	reg := NewRegistry()
	chip := &channelChip{}
	reg.RegisterChip("ch", chip)
	params, err := reg.LookupPin("ch:p1", LookupOptions{})
	require.NoError(t, err)
	ch, err := reg.ChannelFor(params)
	require.NoError(t, err)
	assert.Nil(t, ch)
}

func TestBoardPins(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterChip("ams_pin", &fakeChip{shared: true})
	sec := config.NewSection("board_pins", map[string]string{
		"aliases":       "lane1=ams_pin:pin1, lane2=ams_pin:pin2",
		"aliases_spare": "spare=<not wired>",
	})
	bp, err := NewBoardPins(sec, reg)
	require.NoError(t, err)
	assert.Empty(t, sec.GetUnusedOptions())

	params, err := reg.LookupPin("!lane2", LookupOptions{CanInvert: true})
	require.NoError(t, err)
	assert.Equal(t, "ams_pin:pin2", params.FullName())
	assert.True(t, params.Invert)

	_, err = reg.LookupPin("spare", LookupOptions{})
	assert.EqualError(t, err, "pin spare is reserved for not wired")

	st := bp.GetStatus(0)["aliases"].(map[string]interface{})
	assert.Equal(t, "ams_pin:pin1", st["lane1"])
	assert.Len(t, st, 3)

	_, err = NewBoardPins(config.NewSection("board_pins", map[string]string{
		"aliases": "lane1=ams_pin:pin3",
	}), reg)
	assert.Error(t, err)
}
