// Package cli implements the vpin-host command line.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"klipper-vpin/pkg/log"
)

// RootOptions holds the flags shared by every command.
type RootOptions struct {
	Config    string
	LogLevel  string
	LogFormat string
	LogFile   string
	Output    string

	logCloser io.Closer
}

// ValidOutputs are the accepted --output values.
var ValidOutputs = []string{"text", "json", "yaml"}

// NewRootCommand creates the vpin-host root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "vpin-host",
		Short: "Virtual input pins for a Klipper-style host",
		Long: `vpin-host runs a printer host whose input pins are software driven.

Pins of the ams_pin chip are set from G-code, the status API, MQTT or a
mirrored GPIO line. Filament sensors, endstops and buttons consume them as
if they were wired to a controller.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidOutput(opts.Output) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid output %q: must be one of %v", opts.Output, ValidOutputs))
			}
			return opts.setupLogging(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logCloser == nil {
				return nil
			}
			log.Default().SetWriter(os.Stderr)
			err := opts.logCloser.Close()
			opts.logCloser = nil
			return err
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.Config, "config", "c", "printer.cfg", "printer configuration file")
	flags.StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	flags.StringVar(&opts.LogFormat, "log-format", "text", "log format (text|json)")
	flags.StringVar(&opts.LogFile, "logfile", "", "write logs to a rotated file instead of stderr")
	flags.StringVarP(&opts.Output, "output", "o", "text", "output format (text|json|yaml)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	return cmd
}

func (o *RootOptions) setupLogging(cmd *cobra.Command) error {
	root := log.Default()
	if cmd.Flags().Changed("log-level") {
		root.SetLevel(log.ParseLevel(o.LogLevel))
	}
	if cmd.Flags().Changed("log-format") {
		root.SetFormat(log.ParseFormat(o.LogFormat))
	}
	if o.LogFile == "" {
		return nil
	}
	w, err := log.NewRotatingFileWriter(log.RotationConfig{
		Filename: o.LogFile,
		Compress: true,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open log file", err)
	}
	root.SetWriter(w)
	root.SetColorize(false)
	o.logCloser = w
	return nil
}

func isValidOutput(format string) bool {
	for _, f := range ValidOutputs {
		if f == format {
			return true
		}
	}
	return false
}
