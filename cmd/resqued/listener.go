package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/erichhsun/resqued/internal/listener"
	"github.com/erichhsun/resqued/internal/log"
)

// runListener implements the internal `listener` subcommand a master
// execs for each new generation; it is never invoked directly by an
// operator (spec.md §6).
func runListener() {
	if err := log.Configure("", log.ModeConsole, zerolog.InfoLevel); err != nil {
		fmt.Fprintf(os.Stderr, "listener: configuring logging: %v\n", err)
		os.Exit(1)
	}

	l, err := listener.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "listener: %v\n", err)
		os.Exit(1)
	}

	if err := l.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "listener: %v\n", err)
		os.Exit(1)
	}
}
