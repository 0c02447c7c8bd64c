// Command autocal calibrates and pre-processes astronomical light frames.
package main

import (
	"fmt"
	"os"

	"autocal/internal/cli"
	"autocal/internal/config"
	"autocal/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "autocal: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "autocal: %v\n", err)
		os.Exit(1)
	}

	if err := cli.NewRootCmd(cfg, log).Execute(); err != nil {
		os.Exit(1)
	}
}
