package ipc

import (
	"bufio"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// WritePeerGone sends a master->listener notification that a worker
// pid from another generation has exited, the downward half of the
// handoff protocol (spec.md §4.6: "master forwards that pid on the new
// listener's socket"). It shares the same full-duplex socket pair as
// the upward Message protocol but uses a distinct bare-decimal format
// so a listener's read loop can never confuse it with its own +/-
// reports, which it never reads back (a listener only writes those).
func WritePeerGone(w io.Writer, pid int) error {
	_, err := fmt.Fprintf(w, "%d\n", pid)
	return errors.Wrap(err, "ipc: writing peer-gone notification")
}

// PeerGoneReader decodes the downward pid-per-line stream a listener
// reads from its master (spec.md §4.4 step 2).
type PeerGoneReader struct {
	s *bufio.Scanner
}

// NewPeerGoneReader wraps r.
func NewPeerGoneReader(r io.Reader) *PeerGoneReader {
	return &PeerGoneReader{s: bufio.NewScanner(r)}
}

// Next reads the next notified pid. ok is false at EOF -- the master
// is gone (spec.md §4.4: "An EOF means master is gone: commit suicide
// by sending QUIT to self").
func (p *PeerGoneReader) Next() (pid int, ok bool, err error) {
	if !p.s.Scan() {
		return 0, false, p.s.Err()
	}
	pid, perr := parseDecimalPID(p.s.Text())
	if perr != nil {
		return 0, true, errors.Wrapf(perr, "ipc: malformed peer-gone line %q", p.s.Text())
	}
	return pid, true, nil
}
