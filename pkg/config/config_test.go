package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleConfig = `
# virtual pins
[ams_pin]

[ams_pin pin2]
initial_value: 1

[virtual_filament_sensor lane1]
pin: ams_pin:pin1   # inline comment
pause_on_runout = False
runout_gcode:
  M117 Runout on lane1
  M118 check spool
event_delay: 3.5

[endstop lane_gate]
pin: ^!ams_pin:pin3
`

func TestLoadString(t *testing.T) {
	cfg, err := LoadString(sampleConfig)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}

	names := cfg.GetSectionNames()
	want := []string{"ams_pin", "ams_pin pin2", "virtual_filament_sensor lane1", "endstop lane_gate"}
	if strings.Join(names, "|") != strings.Join(want, "|") {
		t.Fatalf("section order %v, want %v", names, want)
	}

	sec, err := cfg.GetSection("virtual_filament_sensor lane1")
	if err != nil {
		t.Fatalf("GetSection failed: %v", err)
	}
	if sec.ShortName() != "lane1" || sec.Prefix() != "virtual_filament_sensor" {
		t.Errorf("unexpected name parts %q %q", sec.Prefix(), sec.ShortName())
	}

	pin, err := sec.Get("pin")
	if err != nil || pin != "ams_pin:pin1" {
		t.Errorf("Get(pin) = %q, %v", pin, err)
	}
	pause, err := sec.GetBool("pause_on_runout", true)
	if err != nil || pause {
		t.Errorf("GetBool(pause_on_runout) = %v, %v", pause, err)
	}
	gcode, err := sec.Get("runout_gcode")
	if err != nil {
		t.Fatalf("Get(runout_gcode) failed: %v", err)
	}
	if gcode != "M117 Runout on lane1\nM118 check spool" {
		t.Errorf("multi-line value not joined: %q", gcode)
	}
	delay, err := sec.GetFloatWithBounds("event_delay", FloatBounds{MinVal: Float(0)}, 3.0)
	if err != nil || delay != 3.5 {
		t.Errorf("GetFloatWithBounds(event_delay) = %v, %v", delay, err)
	}
}

func TestFloatBounds(t *testing.T) {
	cfg, err := LoadString("[sensor]\npause_delay: 0\n")
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	sec, _ := cfg.GetSection("sensor")

	_, err = sec.GetFloatWithBounds("pause_delay", FloatBounds{Above: Float(0)}, 0.5)
	if err == nil {
		t.Fatal("expected pause_delay=0 to be rejected")
	}
	if !strings.Contains(err.Error(), "must be above 0") {
		t.Errorf("unexpected error: %v", err)
	}

	v, err := sec.GetFloatWithBounds("missing", FloatBounds{Above: Float(0)}, 0.5)
	if err != nil || v != 0.5 {
		t.Errorf("fallback = %v, %v", v, err)
	}
}

func TestMissingOption(t *testing.T) {
	cfg, _ := LoadString("[endstop x]\n")
	sec, _ := cfg.GetSection("endstop x")

	_, err := sec.Get("pin")
	if err == nil {
		t.Fatal("expected missing option error")
	}
	if err.Error() != "Option 'pin' in section 'endstop x': must be specified" {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestInvalidLines(t *testing.T) {
	if _, err := LoadString("pin: ams_pin:pin1\n"); err == nil {
		t.Error("expected error for option before any section")
	}
	if _, err := LoadString("[ams_pin]\nnot an option\n"); err == nil {
		t.Error("expected error for unparsable line")
	}
	if _, err := LoadString("[]\n"); err == nil {
		t.Error("expected error for empty header")
	}
}

func TestUnusedTracking(t *testing.T) {
	cfg, _ := LoadString("[ams_pin pin1]\ninitial_value: 1\ntypo_value: 2\n\n[unknown_section]\n")
	sec, _ := cfg.GetSection("ams_pin pin1")
	sec.GetBool("initial_value", false)

	unusedSections := cfg.GetUnusedSections()
	if len(unusedSections) != 1 || unusedSections[0] != "unknown_section" {
		t.Errorf("unused sections %v", unusedSections)
	}

	err := cfg.CheckUnusedOptions()
	if err == nil || !strings.Contains(err.Error(), "typo_value") {
		t.Errorf("expected typo_value to be reported, got %v", err)
	}
}

func TestLoadWithInclude(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "printer.cfg")
	os.MkdirAll(filepath.Join(dir, "pins"), 0755)
	os.WriteFile(main, []byte("[include pins/*.cfg]\n\n[ams_pin]\n"), 0644)
	os.WriteFile(filepath.Join(dir, "pins", "a.cfg"), []byte("[ams_pin pin1]\ninitial_value: 1\n"), 0644)
	os.WriteFile(filepath.Join(dir, "pins", "b.cfg"), []byte("[ams_pin pin2]\n"), 0644)

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got := strings.Join(cfg.GetSectionNames(), "|")
	if got != "ams_pin pin1|ams_pin pin2|ams_pin" {
		t.Errorf("unexpected sections %s", got)
	}
}

func TestRecursiveInclude(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loop.cfg")
	os.WriteFile(path, []byte("[include loop.cfg]\n"), 0644)

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "recursive include") {
		t.Errorf("expected recursive include error, got %v", err)
	}
}

func TestParsePin(t *testing.T) {
	opts := PinOptions{CanInvert: true, CanPullup: true}
	tests := []struct {
		desc string
		want Pin
	}{
		{"ams_pin:pin1", Pin{Name: "pin1", Chip: "ams_pin"}},
		{"!ams_pin:pin2", Pin{Name: "pin2", Chip: "ams_pin", Invert: true}},
		{"^!ams_pin:pin3", Pin{Name: "pin3", Chip: "ams_pin", Invert: true, Pullup: 1}},
		{"~PA5", Pin{Name: "PA5", Chip: "mcu", Pullup: -1}},
	}
	for _, tt := range tests {
		got, err := ParsePin(tt.desc, opts)
		if err != nil {
			t.Errorf("ParsePin(%q) failed: %v", tt.desc, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePin(%q) = %+v, want %+v", tt.desc, got, tt.want)
		}
		if got.String() != tt.desc {
			t.Errorf("String() = %q, want %q", got.String(), tt.desc)
		}
	}

	for _, bad := range []string{"", "ams_pin:", ":pin1", "ams_pin:!pin1", "ams_pin:pin 1"} {
		if _, err := ParsePin(bad, opts); err == nil {
			t.Errorf("ParsePin(%q) should fail", bad)
		}
	}
	if _, err := ParsePin("!ams_pin:pin1", PinOptions{}); err == nil {
		t.Error("invert prefix accepted without CanInvert")
	}
}

func TestGetPinWrapsSection(t *testing.T) {
	cfg, _ := LoadString("[endstop x]\npin: ams_pin:\n")
	sec, _ := cfg.GetSection("endstop x")

	_, err := sec.GetPin("pin", PinOptions{CanInvert: true})
	if err == nil || !strings.Contains(err.Error(), "section 'endstop x'") {
		t.Errorf("expected section context, got %v", err)
	}
}
