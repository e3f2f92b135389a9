// Package scenario replays scripted sessions against a host on a manual
// clock and records what happened as a trace:
//
//	name: runout
//	start: 10
//	config: |
//	  [virtual_filament_sensor lane1]
//	  pin: pin1
//	steps:
//	  - set_printing: true
//	  - advance: 3
//	  - gcode: SET_AMS_PIN PIN=pin1 VALUE=1
//	  - set: {pin: pin1, value: 0}
//	    hold: true
//	  - expect: {object: "pause_resume", field: is_paused, value: true}
package scenario

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is one replayable session.
type Scenario struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description,omitempty"`
	Start       float64 `yaml:"start,omitempty"`
	Config      string  `yaml:"config"`
	Steps       []Step  `yaml:"steps"`
}

// Step does exactly one thing. Unless Hold is set, pending reactor work
// runs after the step.
type Step struct {
	GCode       string  `yaml:"gcode,omitempty"`
	Advance     float64 `yaml:"advance,omitempty"`
	SetPrinting *bool   `yaml:"set_printing,omitempty"`
	Set         *PinSet `yaml:"set,omitempty"`
	Watch       string  `yaml:"watch,omitempty"`
	Expect      *Expect `yaml:"expect,omitempty"`
	Run         bool    `yaml:"run,omitempty"`
	Hold        bool    `yaml:"hold,omitempty"`
	Comment     string  `yaml:"comment,omitempty"`
	// Response must be a substring of a response of the last gcode step.
	Response string `yaml:"response,omitempty"`
}

// PinSet drives a virtual pin directly.
type PinSet struct {
	Pin   string `yaml:"pin"`
	Value int    `yaml:"value"`
}

// Expect compares one status field with a value.
type Expect struct {
	Object string      `yaml:"object"`
	Field  string      `yaml:"field"`
	Value  interface{} `yaml:"value"`
}

// Load reads a scenario file. Unknown keys are rejected.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func (s *Scenario) validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, st := range s.Steps {
		if n := st.actions(); n != 1 {
			return fmt.Errorf("step %d: want exactly one action, got %d", i+1, n)
		}
		if st.Advance < 0 {
			return fmt.Errorf("step %d: advance must not be negative", i+1)
		}
		if st.Set != nil && st.Set.Pin == "" {
			return fmt.Errorf("step %d: set needs a pin", i+1)
		}
		if st.Expect != nil && (st.Expect.Object == "" || st.Expect.Field == "") {
			return fmt.Errorf("step %d: expect needs object and field", i+1)
		}
	}
	return nil
}

func (st Step) actions() int {
	n := 0
	for _, set := range []bool{
		st.GCode != "", st.Advance > 0, st.SetPrinting != nil, st.Set != nil,
		st.Watch != "", st.Expect != nil, st.Run, st.Comment != "", st.Response != "",
	} {
		if set {
			n++
		}
	}
	return n
}
