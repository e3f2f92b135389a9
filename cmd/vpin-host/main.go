// vpin-host runs a printer host with software-driven virtual input pins.
//
// Usage:
//
//	vpin-host run -c ~/printer.cfg
//	vpin-host check -c ~/printer.cfg -o json
//	vpin-host replay scenario.yaml
//	vpin-host query -c ~/printer.cfg -o yaml
package main

import (
	"fmt"
	"os"

	"klipper-vpin/pkg/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
