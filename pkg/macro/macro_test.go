package macro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-vpin/pkg/config"
	"klipper-vpin/pkg/gcode"
	"klipper-vpin/pkg/printer"
	"klipper-vpin/pkg/reactor"
)

type fakeStatus map[string]interface{}

func (f fakeStatus) GetStatus(float64) map[string]interface{} { return f }

func setup(t *testing.T, cfgText string) (*printer.Printer, *[]string) {
	t.Helper()
	r := reactor.NewWithClock(reactor.NewManualClock(0))
	t.Cleanup(r.End)
	p := printer.New(r)
	Register(p)
	require.NoError(t, p.AddObject("ams_pin pin1", fakeStatus{"value": 1}))
	require.NoError(t, p.AddObject("idle_timeout", fakeStatus{"state": "Printing", "printing_time": 2.5}))
	cfg, err := config.LoadString(cfgText)
	require.NoError(t, err)
	require.NoError(t, p.Load(cfg))
	var out []string
	require.NoError(t, p.GCode().RegisterCommand("ECHO", func(cmd *gcode.Command) error {
		out = append(out, cmd.Params["MSG"])
		return nil
	}, ""))
	return p, &out
}

func TestTemplateRender(t *testing.T) {
	p, _ := setup(t, "")
	pgm, err := Load(p)
	require.NoError(t, err)

	for script, want := range map[string]string{
		"ECHO MSG={printer.idle_timeout.state}":      "ECHO MSG=Printing",
		`ECHO MSG={printer["ams_pin pin1"].value}`:   "ECHO MSG=1",
		"ECHO MSG={ printer['ams_pin pin1'].value }": "ECHO MSG=1",
		"T={printer.idle_timeout.printing_time}":     "T=2.5",
		"no substitutions":                           "no substitutions",
	} {
		got, err := pgm.NewTemplate("test", script).Render()
		require.NoError(t, err, script)
		assert.Equal(t, want, got)
	}

	_, err = pgm.NewTemplate("test", "{printer.nothing.value}").Render()
	assert.EqualError(t, err, "Error evaluating 'test': 'printer.nothing' is undefined")
	_, err = pgm.NewTemplate("test", "{printer.idle_timeout.bogus}").Render()
	assert.Error(t, err)
	_, err = pgm.NewTemplate("test", "{printer[\"x}").Render()
	assert.Error(t, err)
}

func TestGCodeMacro(t *testing.T) {
	p, out := setup(t, `
[gcode_macro lane_report]
description: Report lane state
variable_count: 3
variable_label: 'lane'
gcode:
  ECHO MSG={label}{count}
  ECHO MSG={params.WHO}
  ECHO MSG={printer["ams_pin pin1"].value}
`)
	require.NoError(t, p.GCode().Run("LANE_REPORT WHO=me"))
	assert.Equal(t, []string{"lane3", "me", "1"}, *out)

	st, ok := p.ObjectStatus("gcode_macro lane_report", 0)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"count": 3, "label": "lane"}, st)

	require.NoError(t, p.GCode().Run("SET_GCODE_VARIABLE MACRO=lane_report VARIABLE=count VALUE=7"))
	*out = nil
	require.NoError(t, p.GCode().Run("LANE_REPORT WHO=you"))
	assert.Equal(t, []string{"lane7", "you", "1"}, *out)

	assert.Error(t, p.GCode().Run("SET_GCODE_VARIABLE MACRO=lane_report VARIABLE=nope VALUE=1"))
	assert.Error(t, p.GCode().Run("SET_GCODE_VARIABLE MACRO=other VARIABLE=count VALUE=1"))
	// a missing parameter fails the render
	assert.Error(t, p.GCode().Run("LANE_REPORT"))

	pgm, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"LANE_REPORT"}, pgm.Macros())
}

func TestMacroRecursionIsRejected(t *testing.T) {
	p, _ := setup(t, `
[gcode_macro loop]
gcode: LOOP
`)
	err := p.GCode().Run("LOOP")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "called recursively")
}

func TestLoadTemplateFallback(t *testing.T) {
	p, _ := setup(t, "")
	pgm, err := Load(p)
	require.NoError(t, err)
	sec := config.NewSection("gcode_button b", map[string]string{"press_gcode": "ECHO MSG=x"})

	tmpl, err := pgm.LoadTemplate(sec, "press_gcode")
	require.NoError(t, err)
	assert.Equal(t, "gcode_button b:press_gcode", tmpl.Name())
	tmpl, err = pgm.LoadTemplate(sec, "release_gcode", "")
	require.NoError(t, err)
	assert.Equal(t, "", tmpl.Script())
	_, err = pgm.LoadTemplate(sec, "other")
	assert.Error(t, err)
}

func TestParseLiteral(t *testing.T) {
	assert.Equal(t, 3, parseLiteral("3"))
	assert.Equal(t, 2.5, parseLiteral(" 2.5 "))
	assert.Equal(t, true, parseLiteral("True"))
	assert.Equal(t, "abc", parseLiteral("'abc'"))
	assert.Equal(t, "abc def", parseLiteral("abc def"))
}
