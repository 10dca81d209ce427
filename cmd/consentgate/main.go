package main

import (
	"os"

	"github.com/gzhole/consentgate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}
