// Package proxy implements the master's view of a running listener
// process: its pid, the master-end of its reporting socket, and a
// mirror of the workers it has reported as running (spec.md §4.5).
// This is the counterpart to internal/listener, which runs inside the
// listener process itself -- a ListenerProxy never execs anything, it
// only reads and writes the reporting socket its master owns.
package proxy

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/erichhsun/resqued/internal/ipc"
	"github.com/erichhsun/resqued/internal/log"
	"github.com/erichhsun/resqued/internal/queue"
)

// ListenerProxy tracks one listener generation from the master side.
type ListenerProxy struct {
	pid    int
	socket *os.File
	log    zerolog.Logger

	mu             sync.Mutex
	ready          bool // RUNNING has been received
	runningWorkers map[int]queue.Key
	disposed       bool

	updMu   sync.Mutex
	updates []Update
	// wake is a non-blocking, buffered(1) wakeup signal, separate from
	// the queued updates themselves -- the same split internal/listener
	// uses between its downQueue and its ready channel, so passing Wake
	// into waiter.Wait's ready list never drains an update a caller
	// hasn't popped with Next yet.
	wake chan struct{}
}

// Update is one reporting-socket event relayed to the master's main
// loop.
type Update struct {
	// Running is true once, the moment the listener's one-time RUNNING
	// line arrives.
	Running  bool
	Started  bool
	Finished bool
	Pid      int
	Queue    queue.Key
	// Closed is true once, when the listener's end of the socket hit
	// EOF -- the listener has exited or crashed.
	Closed bool
}

// New wraps socket as the master-side proxy for the listener running
// as pid. socket is the master's end of the pair created by
// ipc.NewReportingSocket.
func New(pid int, socket *os.File) *ListenerProxy {
	return &ListenerProxy{
		pid:            pid,
		socket:         socket,
		runningWorkers: make(map[int]queue.Key),
		wake:           make(chan struct{}, 1),
		log:            log.New("proxy").With().Int("listener_pid", pid).Logger(),
	}
}

// Wake returns the channel that becomes ready whenever Next has a new
// Update to return. Intended for use as one of waiter.Wait's ready
// channels; it carries no data of its own.
func (p *ListenerProxy) Wake() <-chan struct{} { return p.wake }

// Next pops the oldest queued Update, if any.
func (p *ListenerProxy) Next() (Update, bool) {
	p.updMu.Lock()
	defer p.updMu.Unlock()
	if len(p.updates) == 0 {
		return Update{}, false
	}
	u := p.updates[0]
	p.updates = p.updates[1:]
	return u, true
}

func (p *ListenerProxy) push(u Update) {
	p.updMu.Lock()
	p.updates = append(p.updates, u)
	p.updMu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// PID returns the listener process's pid.
func (p *ListenerProxy) PID() int { return p.pid }

// Ready reports whether this listener has sent its one-time RUNNING
// line yet (spec.md §4.5: a new listener is not handed live traffic
// until it reports itself running).
func (p *ListenerProxy) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// RunningWorkers returns a snapshot of pid -> queue for every worker
// this listener has reported started and not yet reported finished.
func (p *ListenerProxy) RunningWorkers() map[int]queue.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := make(map[int]queue.Key, len(p.runningWorkers))
	for k, v := range p.runningWorkers {
		snap[k] = v
	}
	return snap
}

// ReadLoop decodes the listener's upward reporting stream and pushes
// an Update per line onto the queue Next pops, until EOF or a read
// error, at which point it pushes a final Closed update and returns.
// Meant to run in its own goroutine, one per ListenerProxy, for the
// master's lifetime of tracking that listener.
func (p *ListenerProxy) ReadLoop() {
	s := ipc.NewScanner(p.socket)
	for {
		msg, ok, err := s.Next()
		if !ok {
			if err != nil {
				p.log.Warn().Err(err).Msg("reading from listener")
			}
			p.push(Update{Closed: true})
			return
		}
		if err != nil {
			p.log.Warn().Err(err).Msg("malformed line from listener")
			continue
		}

		switch {
		case msg.Running:
			p.mu.Lock()
			p.ready = true
			p.mu.Unlock()
			p.push(Update{Running: true})
		case msg.Started:
			p.mu.Lock()
			p.runningWorkers[msg.Pid] = msg.Queue
			p.mu.Unlock()
			p.push(Update{Started: true, Pid: msg.Pid, Queue: msg.Queue})
		case msg.Finished:
			p.mu.Lock()
			delete(p.runningWorkers, msg.Pid)
			p.mu.Unlock()
			p.push(Update{Finished: true, Pid: msg.Pid})
		}
	}
}

// NotifyPeerGone forwards pid (a worker that just exited in a
// different listener generation) down this listener's socket, the
// downward half of the handoff protocol (spec.md §4.6).
func (p *ListenerProxy) NotifyPeerGone(pid int) error {
	err := ipc.WritePeerGone(p.socket, pid)
	if err != nil && errors.Is(err, unix.EPIPE) {
		// The listener is already gone; nothing to notify.
		return nil
	}
	return err
}

// Signal sends sig to the listener process itself. ESRCH (already
// exited) is swallowed, matching worker.Record.Kill's error-kind
// handling (spec.md §4.7).
func (p *ListenerProxy) Signal(sig unix.Signal) error {
	if err := unix.Kill(p.pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return errors.Wrapf(err, "proxy: signaling listener pid %d", p.pid)
	}
	return nil
}

// Dispose marks this proxy as no longer tracked and closes its
// socket. Idempotent.
func (p *ListenerProxy) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	p.disposed = true
	p.socket.Close()
}

// OldWorkerState snapshots this listener's running workers into the
// RESQUED_STATE format a successor listener needs at fork time
// (spec.md §6).
func (p *ListenerProxy) OldWorkerState() []ipc.OldWorker {
	running := p.RunningWorkers()
	out := make([]ipc.OldWorker, 0, len(running))
	for pid, q := range running {
		out = append(out, ipc.OldWorker{Pid: pid, Queue: q})
	}
	return out
}
