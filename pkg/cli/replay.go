package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"klipper-vpin/pkg/scenario"
)

// ReplayResult is the structured output of replay.
type ReplayResult struct {
	Name  string   `json:"name" yaml:"name"`
	Pass  bool     `json:"pass" yaml:"pass"`
	Trace []string `json:"trace" yaml:"trace"`
	Error string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <scenario.yaml>",
		Short: "Replay a scenario on a manual clock and print its trace",
		Long: `Replay a scenario file and print the trace of pin changes, runout
decisions and G-code responses.

The scenario's own config is used unless --config is given explicitly.

Exit codes:
  0 - every step passed
  1 - a step failed
  2 - the scenario could not be read

Examples:
  vpin-host replay testdata/scenario_b.yaml
  vpin-host replay -c printer.cfg steps.yaml -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(rootOpts, args[0], cmd)
		},
	}
}

func runReplay(opts *RootOptions, path string, cmd *cobra.Command) error {
	s, err := scenario.Load(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	if cmd.Flags().Changed("config") {
		data, err := os.ReadFile(opts.Config)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read config", err)
		}
		s.Config = string(data)
	}

	res, runErr := scenario.Run(s)
	result := ReplayResult{Name: s.Name, Pass: runErr == nil, Trace: res.Trace}
	if runErr != nil {
		result.Error = runErr.Error()
	}

	out := cmd.OutOrStdout()
	if opts.Output != "text" {
		if err := writeStructured(out, opts.Output, result); err != nil {
			return err
		}
	} else {
		fmt.Fprint(out, res.String())
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("scenario %s failed", s.Name), runErr)
	}
	return nil
}
