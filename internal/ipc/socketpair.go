package ipc

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NewReportingSocket creates the socket pair a master and a freshly
// forked listener use to exchange lifecycle lines (spec.md §2 "Data
// flow", §6 "Reporting socket"). The master keeps masterEnd (read
// side, via ListenerProxy); listenerEnd is passed to the child through
// exec.Cmd.ExtraFiles. The dup2 that places it on the child's fd 3
// clears close-on-exec there, so the listener sets it again on that fd
// at startup (internal/listener's FromEnv) and its workers never
// inherit the socket.
func NewReportingSocket() (masterEnd, listenerEnd *os.File, err error) {
	// SOCK_CLOEXEC: neither end leaks into a child exec'd by this
	// process after this call -- e.g. a listener forked by
	// internal/master while other listener generations' proxy sockets
	// are still open. exec.Cmd.ExtraFiles dup2s listenerEnd into the
	// child regardless of this flag, so the one fd that must survive
	// exec still does.
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "ipc: socketpair")
	}
	masterEnd = os.NewFile(uintptr(fds[0]), "resqued-report-master")
	listenerEnd = os.NewFile(uintptr(fds[1]), "resqued-report-listener")
	return masterEnd, listenerEnd, nil
}
