package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	var objects []string
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print the status of every object after load",
		Long: `Load the config and print the status each object reports.

Examples:
  vpin-host query -c printer.cfg -o yaml
  vpin-host query -c printer.cfg --object "ams_pin pin1"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(rootOpts, objects, cmd)
		},
	}
	cmd.Flags().StringArrayVar(&objects, "object", nil, "only report this object (repeatable)")
	return cmd
}

func runQuery(opts *RootOptions, objects []string, cmd *cobra.Command) error {
	h, err := loadHost(opts)
	if err != nil {
		return err
	}
	defer h.Reactor().End()

	p := h.Printer()
	status := p.GetStatus(h.Reactor().Monotonic(), objects...)
	for _, name := range objects {
		if _, ok := status[name]; !ok {
			return NewExitError(ExitFailure, fmt.Sprintf("object %q has no status", name))
		}
	}
	if opts.Output != "text" {
		return writeStructured(cmd.OutOrStdout(), opts.Output, status)
	}

	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)
	out := cmd.OutOrStdout()
	for _, name := range names {
		fields := status[name]
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
		}
		fmt.Fprintf(out, "%s: %s\n", name, strings.Join(parts, " "))
	}
	return nil
}
