// Command resqued is a process supervisor for a pool of background
// job workers: a master process manages a generation of listener
// children, each of which forks and supervises a set of worker
// children draining configured queues.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/erichhsun/resqued/internal/buildinfo"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "-h", "--help", "help":
		usage()
		os.Exit(0)
	case "-v", "--version", "version":
		fmt.Println(buildinfo.String())
		os.Exit(0)
	case "start":
		runStart(os.Args[2:])
	case "listener":
		runListener()
	case "quit-and-wait":
		runQuitAndWait(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "resqued: unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: resqued <start|listener|quit-and-wait> [flags]")
	fmt.Fprintln(os.Stderr, "       resqued -v | -h")
}

// stringList accumulates a repeatable -config flag, the same fan-in a
// single flag.Value implementation buys spec.md §6's "[--config
// PATH]…" without a third-party flags library.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
