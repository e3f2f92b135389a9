package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"klipper-vpin/pkg/host"
)

// PinReport is one virtual pin after load.
type PinReport struct {
	Name  string `json:"name" yaml:"name"`
	Value int    `json:"value" yaml:"value"`
}

// CheckReport summarizes a config that loaded cleanly.
type CheckReport struct {
	Config   string      `json:"config" yaml:"config"`
	Pins     []PinReport `json:"pins" yaml:"pins"`
	Sensors  []string    `json:"sensors" yaml:"sensors"`
	Endstops []string    `json:"endstops" yaml:"endstops"`
	Objects  []string    `json:"objects" yaml:"objects"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Load and validate a config",
		Long: `Load the config without starting the host and list what it defines.

Examples:
  vpin-host check -c printer.cfg
  vpin-host check -c printer.cfg -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(rootOpts, cmd)
		},
	}
}

func loadHost(opts *RootOptions) (*host.Host, error) {
	h, err := host.New(host.Options{})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create host", err)
	}
	if err := h.LoadFile(opts.Config); err != nil {
		h.Reactor().End()
		return nil, WrapExitError(ExitFailure, fmt.Sprintf("invalid config %s", opts.Config), err)
	}
	return h, nil
}

func runCheck(opts *RootOptions, cmd *cobra.Command) error {
	h, err := loadHost(opts)
	if err != nil {
		return err
	}
	defer h.Reactor().End()

	p := h.Printer()
	report := CheckReport{
		Config:   opts.Config,
		Sensors:  append(p.LookupPrefix("virtual_filament_sensor"), p.LookupPrefix("filament_switch_sensor")...),
		Endstops: p.LookupPrefix("endstop"),
		Objects:  p.ObjectNames(),
	}
	sort.Strings(report.Sensors)
	for _, pin := range h.Chip().Pins() {
		v := 0
		if pin.Query() {
			v = 1
		}
		report.Pins = append(report.Pins, PinReport{Name: pin.FullName(), Value: v})
	}

	if opts.Output != "text" {
		return writeStructured(cmd.OutOrStdout(), opts.Output, report)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config %s OK\n", report.Config)
	pins := make([]string, 0, len(report.Pins))
	for _, pin := range report.Pins {
		pins = append(pins, fmt.Sprintf("%s=%d", pin.Name, pin.Value))
	}
	fmt.Fprintf(out, "Pins:     %s\n", strings.Join(pins, " "))
	fmt.Fprintf(out, "Sensors:  %s\n", listOrNone(report.Sensors))
	fmt.Fprintf(out, "Endstops: %s\n", listOrNone(report.Endstops))
	return nil
}

func listOrNone(names []string) string {
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, ", ")
}
