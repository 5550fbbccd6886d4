package main

import (
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"

	"github.com/erichhsun/resqued/internal/config"
	"github.com/erichhsun/resqued/internal/log"
	"github.com/erichhsun/resqued/internal/master"
	"github.com/erichhsun/resqued/internal/pidfile"
	"github.com/erichhsun/resqued/internal/statussink"
)

// runStart parses `resqued start` and runs the master until shutdown.
func runStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)

	var configPaths stringList
	fs.Var(&configPaths, "config", "path to a queue config file (repeatable)")
	pidFlag := fs.String("pidfile", "", "pid file. If empty defaults to a random file in the OS temporary directory")
	execOnHup := fs.Bool("exec-on-hup", false, "re-exec the master on HUP instead of reloading in place (not implemented, falls back to ordinary reload)")
	fastExit := fs.Bool("fast-exit", false, "exit immediately on shutdown signal instead of draining listeners first")
	statusPipeFD := fs.Int("status-pipe", -1, "fd of an already-open pipe to receive lifecycle status lines")
	testFlag := fs.Bool("t", false, "test configuration and exit")
	logMode := fs.String("log-mode", "console", "log output mode: console or json")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	logFile := fs.String("log-file", "", "log file path, defaults to stderr")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if len(configPaths) == 0 {
		fmt.Fprintln(os.Stderr, "start: at least one -config is required")
		os.Exit(1)
	}

	if *testFlag {
		handleTestFlag(configPaths)
		os.Exit(0)
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if err := log.Configure(*logFile, log.Mode(*logMode), level); err != nil {
		fmt.Fprintf(os.Stderr, "start: configuring logging: %v\n", err)
		os.Exit(1)
	}

	pidPath := handlePIDFlag(*pidFlag)
	pf, err := pidfile.Acquire(pidPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}
	defer pf.Release()

	var sink *statussink.Sink
	if *statusPipeFD >= 0 {
		sink = statussink.New(os.NewFile(uintptr(*statusPipeFD), "resqued-status"))
	}

	m := master.New(master.Config{
		ConfigPaths: configPaths,
		PidfilePath: pidPath,
		ExecOnHup:   *execOnHup,
		FastExit:    *fastExit,
		Sink:        sink,
	})

	if err := m.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		pf.Release()
		os.Exit(1)
	}
}

// handleTestFlag implements SPEC_FULL.md's supplement #2 (`start -t`):
// load and validate every config, report the first failure, exit
// 0/1 -- the one-shot entry point the out-of-scope "test-harness that
// merely loads a config" (spec.md §1) needs to drive.
func handleTestFlag(configPaths []string) {
	for _, path := range configPaths {
		cfg, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "start -t: %v\n", err)
			os.Exit(1)
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "start -t: %v\n", err)
			os.Exit(1)
		}
	}
}

// handlePIDFlag resolves the pidfile path, generating a random one
// under the OS temp directory when none was given -- the teacher's
// own handlePIDFlag fallback, naming choice included.
func handlePIDFlag(pidFlag string) string {
	if pidFlag != "" {
		return pidFlag
	}
	id := uuid.Must(uuid.NewV4())
	return path.Join(os.TempDir(), "resqued-"+id.String()+".pid")
}
