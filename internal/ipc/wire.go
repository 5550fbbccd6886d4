// Package ipc implements the reporting-socket wire protocol between a
// master and one of its listeners (spec.md §6): a UTF-8,
// newline-delimited line protocol carrying RUNNING / +pid,queue / -pid
// records, plus the RESQUED_* environment-variable contract used to
// hand a socket fd, config paths, and inherited worker state across
// fork+exec.
package ipc

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/erichhsun/resqued/internal/queue"
)

// Environment variable names, the Go-side mirror of spec.md §6's
// RESQUED_* contract (master -> listener, set before fork+exec).
const (
	EnvSocket     = "RESQUED_SOCKET"
	EnvConfigPath = "RESQUED_CONFIG_PATH"
	EnvState      = "RESQUED_STATE"
	EnvListenerID = "RESQUED_LISTENER_ID"
	EnvVersion    = "RESQUED_MASTER_VERSION"
)

// OldWorker is one entry of the inherited-state list a new listener
// receives via RESQUED_STATE: a worker from a prior generation that is
// (or was, at fork time) running a given queue.
type OldWorker struct {
	Pid   int
	Queue queue.Key
}

// PackState serializes a list of OldWorkers for RESQUED_STATE:
// '||'-joined items, each item 'pid|queueKey' (spec.md §6).
func PackState(workers []OldWorker) string {
	items := make([]string, 0, len(workers))
	for _, w := range workers {
		items = append(items, fmt.Sprintf("%d|%s", w.Pid, w.Queue))
	}
	return strings.Join(items, "||")
}

// UnpackState parses RESQUED_STATE back into a list of OldWorkers.
// Malformed entries are skipped rather than failing the whole parse --
// spec.md §9 directs "reject malformed with a logged warning and treat
// as empty" for the entry, not the message; skipped/rejected entries
// are returned separately so the caller can log them.
func UnpackState(s string) (workers []OldWorker, rejected []string) {
	if s == "" {
		return nil, nil
	}
	for _, item := range strings.Split(s, "||") {
		pidStr, q, ok := strings.Cut(item, "|")
		if !ok {
			rejected = append(rejected, item)
			continue
		}
		pid, err := parseDecimalPID(pidStr)
		if err != nil {
			rejected = append(rejected, item)
			continue
		}
		workers = append(workers, OldWorker{Pid: pid, Queue: queue.Key(q)})
	}
	return workers, rejected
}

// parseDecimalPID parses a strictly decimal, non-negative pid with no
// leading '+', per spec.md §9's canonicalization rule.
func parseDecimalPID(s string) (int, error) {
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, errors.Errorf("ipc: malformed pid %q", s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.Errorf("ipc: malformed pid %q", s)
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "ipc: malformed pid %q", s)
	}
	return n, nil
}

// Message is one line of the reporting-socket protocol.
type Message struct {
	Running  bool      // RUNNING: first line ever sent, once.
	Started  bool      // +pid,queue: worker began work.
	Finished bool      // -pid: worker exited.
	Pid      int
	Queue    queue.Key
}

// WriteRunning writes the listener's one-time readiness line.
func WriteRunning(w io.Writer) error {
	_, err := io.WriteString(w, "RUNNING\n")
	return errors.Wrap(err, "ipc: writing RUNNING")
}

// WriteStarted reports that a worker began running.
func WriteStarted(w io.Writer, pid int, q queue.Key) error {
	_, err := fmt.Fprintf(w, "+%d,%s\n", pid, q)
	return errors.Wrap(err, "ipc: writing started report")
}

// WriteFinished reports that a worker exited, after it has been
// reaped (spec.md §4.4's ordering guarantee: "-pid is written after
// the child is reaped").
func WriteFinished(w io.Writer, pid int) error {
	_, err := fmt.Fprintf(w, "-%d\n", pid)
	return errors.Wrap(err, "ipc: writing finished report")
}

// Scanner wraps a bufio.Scanner over the reporting socket and decodes
// each line into a Message, the way ListenerProxy parses its read end
// (spec.md §4.5).
type Scanner struct {
	s *bufio.Scanner
}

// NewScanner builds a line-oriented Message decoder over r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{s: bufio.NewScanner(r)}
}

// Next reads and decodes the next line. Returns false at EOF (the
// peer crashed or exited, per spec.md §6) or on a read error. A line
// that does not parse is returned as an error with true, so the caller
// can skip it and keep reading.
func (s *Scanner) Next() (Message, bool, error) {
	if !s.s.Scan() {
		return Message{}, false, s.s.Err()
	}
	msg, err := parseLine(s.s.Text())
	if err != nil {
		return Message{}, true, err
	}
	return msg, true, nil
}

func parseLine(line string) (Message, error) {
	switch {
	case line == "RUNNING":
		return Message{Running: true}, nil
	case strings.HasPrefix(line, "+"):
		rest := line[1:]
		pidStr, q, ok := strings.Cut(rest, ",")
		if !ok {
			return Message{}, errors.Errorf("ipc: malformed started line %q", line)
		}
		pid, err := parseDecimalPID(pidStr)
		if err != nil {
			return Message{}, errors.Wrapf(err, "ipc: malformed started line %q", line)
		}
		return Message{Started: true, Pid: pid, Queue: queue.Key(q)}, nil
	case strings.HasPrefix(line, "-"):
		pid, err := parseDecimalPID(line[1:])
		if err != nil {
			return Message{}, errors.Wrapf(err, "ipc: malformed finished line %q", line)
		}
		return Message{Finished: true, Pid: pid}, nil
	default:
		return Message{}, errors.Errorf("ipc: unrecognized line %q", line)
	}
}
