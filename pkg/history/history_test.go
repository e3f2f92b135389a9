package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/printer"
	"klipper-vpin/pkg/reactor"
	"klipper-vpin/pkg/vpin"
)

func TestStoreWriteRecentPrune(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Write(ctx, Event{Session: "s", Eventtime: float64(i), Kind: KindPin,
			Subject: fmt.Sprintf("ams_pin:pin%d", i%2+1), Detail: "1"}))
	}
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	events, err := s.Recent(ctx, "ams_pin:pin1", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, 4.0, events[0].Eventtime)
	assert.Equal(t, 0.0, events[2].Eventtime)

	events, err = s.Recent(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	removed, err := s.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
	removed, err = s.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
}

func TestStoreReopenKeepsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), Event{Session: "a", Kind: KindAction, Subject: "lane1", Detail: "runout"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	events, err := s.Recent(context.Background(), "lane1", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "runout", events[0].Detail)
}

func setup(t *testing.T, text string) (*printer.Printer, *vpin.Chip, *Recorder) {
	t.Helper()
	r := reactor.NewWithClock(reactor.NewManualClock(5))
	t.Cleanup(r.End)
	p := printer.New(r)
	rec := Register(p)
	chip, err := vpin.Register(p, rec)
	require.NoError(t, err)
	cfg, err := config.LoadString(text)
	require.NoError(t, err)
	require.NoError(t, p.Load(cfg))
	return p, chip, rec
}

func TestRecorderDisabledWithoutSection(t *testing.T) {
	_, chip, rec := setup(t, "")
	pin, _ := chip.Pin("pin1")
	pin.SetValue(true)
	_, err := rec.Recent("", 10)
	assert.Error(t, err)
	assert.Equal(t, false, rec.GetStatus(0)["enabled"])
}

func TestRecorderQuery(t *testing.T) {
	p, chip, rec := setup(t, "[pin_history]\nmax_events: 5\n")
	pin, _ := chip.Pin("pin3")
	pin.SetValue(true)
	pin.SetValue(false)
	rec.ActionScheduled("lane1", "runout")
	rec.TransitionGated("lane1", "pending")
	rec.PinFault("ams_pin:pin3", errors.New("boom"))

	gc := p.GCode()
	out, err := gc.Capture(func() error { return gc.Run("QUERY_PIN_HISTORY PIN=pin3") })
	require.NoError(t, err)
	assert.Equal(t, []string{
		"// 5.000 pin ams_pin:pin3 1\n// 5.000 pin ams_pin:pin3 0\n// 5.000 fault ams_pin:pin3 boom",
	}, out)

	out, err = gc.Capture(func() error { return gc.Run("QUERY_PIN_HISTORY SENSOR=lane1 COUNT=1") })
	require.NoError(t, err)
	assert.Equal(t, []string{"// 5.000 gated lane1 pending"}, out)

	out, err = gc.Capture(func() error { return gc.Run("QUERY_PIN_HISTORY PIN=pin8") })
	require.NoError(t, err)
	assert.Equal(t, []string{"// No events recorded"}, out)

	assert.Error(t, gc.Run("QUERY_PIN_HISTORY COUNT=0"))

	st := rec.GetStatus(0)
	assert.Equal(t, int64(5), st["events"])
	assert.Equal(t, ":memory:", st["path"])
	assert.Equal(t, rec.Session(), st["session"])

	p.InvokeShutdown("done")
	_, err = rec.Recent("", 1)
	assert.Error(t, err)
}

func TestRecorderPrunes(t *testing.T) {
	_, chip, rec := setup(t, "[pin_history]\nmax_events: 10\n")
	pin, _ := chip.Pin("pin1")
	for i := 0; i < pruneEvery; i++ {
		pin.SetValue(i%2 == 0)
	}
	assert.Equal(t, int64(10), rec.GetStatus(0)["events"])
}

func TestRecorderBadConfig(t *testing.T) {
	r := reactor.NewWithClock(reactor.NewManualClock(0))
	t.Cleanup(r.End)
	p := printer.New(r)
	Register(p)
	cfg, err := config.LoadString("[pin_history]\nmax_events: -1\n")
	require.NoError(t, err)
	assert.Error(t, p.Load(cfg))
}
