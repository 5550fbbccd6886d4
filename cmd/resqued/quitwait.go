package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/erichhsun/resqued/internal/pidfile"
)

// runQuitAndWait implements the `quit-and-wait` helper (spec.md §6): a
// trivial pidfile reader that sends QUIT and polls liveness, exiting 0
// on clean exit or 99 on timeout. Deliberately outside the core
// supervisor -- spec.md §1 lists it as an external collaborator.
func runQuitAndWait(args []string) {
	fs := flag.NewFlagSet("quit-and-wait", flag.ExitOnError)
	gracePeriod := fs.Int("grace-period", 10, "seconds to wait for the master to exit before giving up")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: resqued quit-and-wait PIDFILE [--grace-period SEC]")
		os.Exit(1)
	}
	pidfilePath := fs.Arg(0)
	// Flags may also follow PIDFILE, as the usage line shows.
	if err := fs.Parse(fs.Args()[1:]); err != nil {
		os.Exit(1)
	}

	pid, err := pidfile.ReadPID(pidfilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quit-and-wait: %v\n", err)
		os.Exit(1)
	}

	if err := unix.Kill(pid, unix.SIGQUIT); err != nil && !errors.Is(err, unix.ESRCH) {
		fmt.Fprintf(os.Stderr, "quit-and-wait: %v\n", err)
		os.Exit(1)
	}

	// Poll via kill(pid, 0) until (grace - 5s) elapses, per spec.md §6.
	deadline := time.Now().Add(time.Duration(*gracePeriod)*time.Second - 5*time.Second)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); err != nil {
			os.Exit(0)
		}
		time.Sleep(200 * time.Millisecond)
	}
	os.Exit(99)
}
