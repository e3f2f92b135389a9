package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"klipper-vpin/pkg/host"
	"klipper-vpin/pkg/reactor"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	NoInput bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the host",
		Long: `Load the config and run the host until interrupted.

G-code lines read from stdin are executed in order and responses are
printed to stdout. The status server, metrics server, MQTT bridge and GPIO
mirrors start when their sections are configured.

Examples:
  vpin-host run -c printer.cfg
  echo "SET_AMS_PIN PIN=pin1 VALUE=1" | vpin-host run -c printer.cfg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(opts, cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.NoInput, "no-input", false, "do not read G-code from stdin")
	return cmd
}

func runHost(opts *RunOptions, cmd *cobra.Command) error {
	h, err := loadHost(opts.RootOptions)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	h.Printer().GCode().RegisterOutputHandler(func(msg string) {
		fmt.Fprintln(out, msg)
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if !opts.NoInput {
		go readCommands(ctx, h, cmd.InOrStdin())
	}
	if err := h.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "host stopped", err)
	}
	return nil
}

// readCommands runs each line of in on the reactor, one at a time.
func readCommands(ctx context.Context, h *host.Host, in io.Reader) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		c := h.Reactor().RegisterAsyncCallback(func(eventtime float64) interface{} {
			return h.Printer().GCode().Process(line)
		}, reactor.NOW)
		if res := c.Wait(30*time.Second, nil); res == reactor.ErrQueueFull {
			h.Printer().GCode().RespondError("command queue full, dropped: " + line)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
