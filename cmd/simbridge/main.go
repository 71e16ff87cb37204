// Command simbridge drives a simulation through a worker backend or its
// in-process fallback.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/simbridge/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
