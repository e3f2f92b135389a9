package printer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/errors"
	"klipper-vpin/pkg/reactor"
)

type counter struct {
	name  string
	limit int
	value int
}

func (c *counter) GetName() string { return c.name }

func (c *counter) GetStatus(eventtime float64) map[string]interface{} {
	return map[string]interface{}{"value": c.value}
}

func newTestPrinter(t *testing.T) *Printer {
	t.Helper()
	p := New(reactor.NewWithClock(reactor.NewManualClock(0)))
	p.Modules().RegisterPrefix("counter", func(sec *config.Section) (config.Module, error) {
		limit, err := sec.GetInt("limit", 10)
		if err != nil {
			return nil, err
		}
		return &counter{name: sec.GetName(), limit: limit}, nil
	})
	return p
}

func loadString(t *testing.T, p *Printer, data string) error {
	t.Helper()
	cfg, err := config.LoadString(data)
	require.NoError(t, err)
	return p.Load(cfg)
}

func TestLoadBuildsSections(t *testing.T) {
	p := newTestPrinter(t)
	require.NoError(t, loadString(t, p, "[counter a]\nlimit: 3\n\n[counter b]\n"))

	obj, ok := p.LookupObject("counter a")
	require.True(t, ok)
	assert.Equal(t, 3, obj.(*counter).limit)
	assert.Equal(t, []string{"counter a", "counter b"}, p.LookupPrefix("counter"))

	again, err := p.LoadObject("counter a")
	require.NoError(t, err)
	assert.Same(t, obj, again)

	// sections missing from the config are built from an empty section
	c, err := p.LoadObject("counter c")
	require.NoError(t, err)
	assert.Equal(t, 10, c.(*counter).limit)
}

func TestLoadRejectsUnused(t *testing.T) {
	p := newTestPrinter(t)
	err := loadString(t, p, "[counter a]\n\n[bogus]\nx: 1\n")
	require.Error(t, err)
	assert.Equal(t, "Section 'bogus' is not a valid config section", err.Error())
	assert.True(t, errors.IsConfig(err))

	p = newTestPrinter(t)
	err = loadString(t, p, "[counter a]\nlimt: 3\n")
	assert.EqualError(t, err, "Option 'limt' in section 'counter a': option is not valid in this section")
}

func TestLoadFactoryError(t *testing.T) {
	p := newTestPrinter(t)
	err := loadString(t, p, "[counter a]\nlimit: many\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load module [counter a]")
}

func TestAddObject(t *testing.T) {
	p := newTestPrinter(t)
	require.NoError(t, p.AddObject("thing", 1))
	assert.EqualError(t, p.AddObject("thing", 2), "Printer object 'thing' already created")
	names := p.ObjectNames()
	assert.Equal(t, []string{"gcode", "pins", "thing"}, names)
}

func TestStartSendsEventsInOrder(t *testing.T) {
	p := newTestPrinter(t)
	var seen []string
	for _, ev := range []string{EventReady, EventConnect} {
		ev := ev
		p.RegisterEventHandler(ev, func() error {
			seen = append(seen, ev)
			return nil
		})
	}
	require.NoError(t, p.Start())
	assert.Equal(t, []string{EventConnect, EventReady}, seen)
	assert.True(t, p.IsReady())
	_, msg := p.State()
	assert.Equal(t, "Printer is ready", msg)
}

func TestStartFailureShutsDown(t *testing.T) {
	p := newTestPrinter(t)
	shutdowns := 0
	p.RegisterEventHandler(EventShutdown, func() error {
		shutdowns++
		return nil
	})
	p.RegisterEventHandler(EventConnect, func() error {
		return fmt.Errorf("mcu 'lane' not found")
	})
	err := p.Start()
	assert.EqualError(t, err, "klippy:connect: mcu 'lane' not found")
	state, msg := p.State()
	assert.Equal(t, StateShutdown, state)
	assert.Equal(t, err.Error(), msg)

	p.InvokeShutdown("again")
	assert.Equal(t, 1, shutdowns)
}

func TestEventHandlerPanicIsReturned(t *testing.T) {
	p := newTestPrinter(t)
	p.RegisterEventHandler(EventReady, func() error { panic("boom") })
	err := p.SendEvent(EventReady)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRuntimeCallback))
}

func TestGetStatus(t *testing.T) {
	p := newTestPrinter(t)
	require.NoError(t, loadString(t, p, "[counter a]\n"))
	obj, _ := p.LookupObject("counter a")
	obj.(*counter).value = 4

	assert.Equal(t, []string{"counter a"}, p.StatusObjects())
	all := p.GetStatus(0)
	assert.Equal(t, map[string]interface{}{"value": 4}, all["counter a"])
	assert.Empty(t, p.GetStatus(0, "missing"))

	st, ok := p.ObjectStatus("counter a", 0)
	require.True(t, ok)
	assert.Equal(t, 4, st["value"])
	_, ok = p.ObjectStatus("gcode", 0)
	assert.False(t, ok)
}
