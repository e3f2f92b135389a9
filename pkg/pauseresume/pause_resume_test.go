package pauseresume

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-vpin/pkg/printer"
	"klipper-vpin/pkg/reactor"
)

func setup(t *testing.T) (*printer.Printer, *PauseResume, *[]string) {
	t.Helper()
	r := reactor.NewWithClock(reactor.NewManualClock(0))
	t.Cleanup(r.End)
	p := printer.New(r)
	Register(p)
	pr, err := Load(p)
	require.NoError(t, err)
	var out []string
	p.GCode().RegisterOutputHandler(func(msg string) { out = append(out, msg) })
	return p, pr, &out
}

func TestPauseResumeCycle(t *testing.T) {
	p, pr, out := setup(t)
	var events []string
	p.RegisterEventHandler(EventPause, func() error { events = append(events, "pause"); return nil })
	p.RegisterEventHandler(EventResume, func() error { events = append(events, "resume"); return nil })

	require.NoError(t, p.GCode().Run("PAUSE"))
	assert.True(t, pr.IsPaused())
	require.NoError(t, p.GCode().Run("PAUSE"))
	require.NoError(t, p.GCode().Run("RESUME"))
	assert.False(t, pr.IsPaused())
	require.NoError(t, p.GCode().Run("RESUME"))

	assert.Equal(t, []string{
		"// action:paused",
		"// Print already paused",
		"// action:resumed",
		"// Print is not paused, resume aborted",
	}, *out)
	assert.Equal(t, []string{"pause", "resume"}, events)
}

func TestSendPauseCommandOnce(t *testing.T) {
	p, pr, out := setup(t)
	pr.SendPauseCommand()
	pr.SendPauseCommand()
	assert.Len(t, *out, 1)
	// the announcement was made, PAUSE only sets the flag
	require.NoError(t, p.GCode().Run("PAUSE"))
	assert.Len(t, *out, 1)
	assert.Equal(t, map[string]interface{}{"is_paused": true}, pr.GetStatus(0))

	require.NoError(t, p.GCode().Run("CLEAR_PAUSE"))
	assert.False(t, pr.IsPaused())
	pr.SendPauseCommand()
	assert.Len(t, *out, 2)
}
