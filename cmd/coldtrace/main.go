package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/coldtrace/internal/cli"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

func main() {
	cli.Version = version

	if err := cli.NewRootCommand().Execute(); err != nil {
		// Commands report through their formatter; only exit errors
		// without output of their own reach stderr here.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) || exitErr.Code == cli.ExitCommandError {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
