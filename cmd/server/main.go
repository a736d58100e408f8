package main

import (
	"fmt"
	"os"

	"fleet/internal/cli"
)

// The server binary is the serve subcommand on its own, for deployments
// that run one process per container.
func main() {
	if err := cli.NewServerCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
