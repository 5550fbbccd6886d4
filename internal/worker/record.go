// Package worker implements the listener-side bookkeeping for a
// single forked worker process (spec.md §4.3): its queue identity,
// child pid, state machine, and per-worker backoff.
package worker

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/erichhsun/resqued/internal/backoff"
	"github.com/erichhsun/resqued/internal/log"
	"github.com/erichhsun/resqued/internal/queue"
)

// State is a WorkerRecord's position in the state machine described
// in spec.md §4.3: idle -> running (tryStart) -> idle (finished);
// idle <-> blocked on external peer-pid lifecycle; disposed is
// terminal, set only during whole-listener shutdown.
type State int

const (
	Idle State = iota
	Running
	Blocked
	Disposed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Spec is the static description of what this worker runs, supplied
// by internal/config.
type Spec struct {
	Queue     queue.Key
	Command   string
	Args      []string
	Keepalive bool
}

// maxBackoff caps a single worker's restart interval. Distinct workers
// don't share a backoff -- a thrashing queue shouldn't throttle its
// siblings.
const maxBackoff = 60 * time.Second

// Record is one worker slot inside a Listener.
type Record struct {
	mu sync.Mutex

	spec    Spec
	state   State
	pid     int
	cmd     *exec.Cmd
	blocked int // pid this worker is waiting behind, 0 when not blocked
	// oneShotDone marks a non-Keepalive worker that has already run to
	// completion once. spec.md §3 enumerates state ∈ {idle, running,
	// blocked}; "done" for a one-shot worker is represented as idle
	// with this flag set, rather than inventing a fourth state, so it
	// stays out of TryStart's consideration without disturbing the
	// three-state model the invariants are written against.
	oneShotDone bool

	backoff *backoff.Backoff
	log     zerolog.Logger
}

// New builds an idle worker record for spec.
func New(spec Spec) *Record {
	return &Record{
		spec:    spec,
		state:   Idle,
		backoff: backoff.New(maxBackoff),
		log:     log.New("worker").With().Str("queue", string(spec.Queue)).Logger(),
	}
}

// Queue returns the worker's queue key.
func (r *Record) Queue() queue.Key { return r.spec.Queue }

// State returns the current state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// PID returns the running child's pid, or 0 if not running.
func (r *Record) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

// BackingOffFor returns how much longer this worker must wait before
// it is allowed to start, or 0 if it may start now.
func (r *Record) BackingOffFor() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backoff.HowLong()
}

// TryStart forks a child for this worker iff it is idle and its
// backoff permits. Returns the new pid and true on success.
func (r *Record) TryStart() (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Idle || r.oneShotDone {
		return 0, false, nil
	}
	if r.backoff.Wait() {
		return 0, false, nil
	}

	cmd := exec.Command(r.spec.Command, r.spec.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "RESQUED_QUEUE="+string(r.spec.Queue))

	if err := cmd.Start(); err != nil {
		return 0, false, errors.Wrapf(err, "worker: starting queue %q", r.spec.Queue)
	}

	r.cmd = cmd
	r.pid = cmd.Process.Pid
	r.state = Running
	r.backoff.Started()
	r.log.Info().Int("worker_pid", r.pid).Msg("started")
	return r.pid, true, nil
}

// WaitFor transitions this worker to Blocked, waiting behind otherPid
// -- a running worker in another listener generation occupying this
// queue's slot (spec.md §3 invariant).
func (r *Record) WaitFor(otherPid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Blocked
	r.blocked = otherPid
	r.log.Info().Int("blocked_on", otherPid).Msg("blocked behind previous generation")
}

// BlockedOn returns the pid this worker is waiting behind, or 0.
func (r *Record) BlockedOn() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked
}

// NotifyPeerExited releases a Blocked worker once the peer pid it was
// waiting behind has exited. No-op if not blocked on that pid.
func (r *Record) NotifyPeerExited(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Blocked || r.blocked != pid {
		return false
	}
	r.state = Idle
	r.blocked = 0
	r.log.Info().Msg("unblocked, eligible to start")
	return true
}

// Finished transitions Running -> Idle and records the outcome in the
// per-worker backoff: a non-zero/abnormal exit counts as a death for
// backoff purposes, a clean exit does not grow the interval (Started
// already primed the stability-window check for next time).
func (r *Record) Finished(exitCode int, signaled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pid = 0
	r.cmd = nil
	r.state = Idle
	if !r.spec.Keepalive {
		r.oneShotDone = true
	}
	if exitCode != 0 || signaled {
		r.backoff.Died()
	}
	r.log.Info().Int("exit_code", exitCode).Bool("signaled", signaled).Msg("finished")
}

// Kill sends sig to the running child. A no-op if not running; ESRCH
// (already gone) is swallowed per spec.md §4.7's error-kind taxonomy.
func (r *Record) Kill(sig unix.Signal) error {
	r.mu.Lock()
	pid := r.pid
	running := r.state == Running
	r.mu.Unlock()

	if !running || pid == 0 {
		return nil
	}
	if err := unix.Kill(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return errors.Wrapf(err, "worker: signaling pid %d", pid)
	}
	return nil
}

// Dispose marks this record terminal; only used while the owning
// listener itself is shutting down (spec.md §4.3).
func (r *Record) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Disposed
}

// Keepalive reports whether this worker's queue should be re-started
// after it exits cleanly.
func (r *Record) Keepalive() bool { return r.spec.Keepalive }
