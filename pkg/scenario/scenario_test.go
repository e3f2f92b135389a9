package scenario

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoldenScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for _, path := range paths {
		s, err := Load(path)
		require.NoError(t, err, path)
		t.Run(s.Name, func(t *testing.T) {
			res, err := Run(s)
			require.NoError(t, err, res.String())
			g.Assert(t, s.Name, []byte(res.String()))
		})
	}
}

func TestParseRejectsBadScenarios(t *testing.T) {
	for name, text := range map[string]string{
		"unknown key":  "name: x\nsteps:\n  - gcode: M400\nbogus: 1\n",
		"no name":      "steps:\n  - gcode: M400\n",
		"no steps":     "name: x\n",
		"two actions":  "name: x\nsteps:\n  - gcode: M400\n    advance: 1\n",
		"no action":    "name: x\nsteps:\n  - hold: true\n",
		"bad advance":  "name: x\nsteps:\n  - advance: -1\n",
		"set no pin":   "name: x\nsteps:\n  - set: {value: 1}\n",
		"expect field": "name: x\nsteps:\n  - expect: {object: ams_pin}\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(text))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestFailedExpectKeepsTrace(t *testing.T) {
	s, err := Parse([]byte(`
name: fail
steps:
  - set: {pin: pin2, value: 1}
  - expect: {object: "ams_pin pin2", field: value, value: 0}
`))
	require.NoError(t, err)
	res, err := Run(s)
	assert.EqualError(t, err, "step 2: ams_pin pin2.value = 1, want 0")
	assert.Equal(t, []string{
		"[0.000] ready",
		"[0.000] set pin2=1",
		"[0.000] pin ams_pin:pin2=1",
	}, res.Trace)
}

func TestGCodeErrorsAreTraced(t *testing.T) {
	s, err := Parse([]byte("name: err\nsteps:\n  - gcode: NOPE\n  - response: NOPE\n"))
	require.NoError(t, err)
	res, err := Run(s)
	require.NoError(t, err)
	last := res.Trace[len(res.Trace)-1]
	assert.True(t, strings.HasPrefix(last, "[0.000] < !! "), last)
}

func TestRunRejectsBadConfig(t *testing.T) {
	for name, s := range map[string]*Scenario{
		"unknown section": {Name: "x", Config: "[nope]\n", Steps: []Step{{Run: true}}},
		"unknown pin":     {Name: "x", Steps: []Step{{Set: &PinSet{Pin: "pin42"}}}},
		"missing object":  {Name: "x", Steps: []Step{{Expect: &Expect{Object: "nope", Field: "x"}}}},
		"missing field":   {Name: "x", Steps: []Step{{Expect: &Expect{Object: "ams_pin pin1", Field: "x"}}}},
		"no response":     {Name: "x", Steps: []Step{{Response: "anything"}}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Run(s)
			assert.Error(t, err)
		})
	}
}
