// Package listener implements the listener half of resqued (spec.md
// §4.4): it owns the forked worker processes for one generation of a
// config, reports their lifecycle to its master over a full-duplex
// socket, and reaps, starts, and backs off workers in a single-threaded
// event loop.
package listener

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/erichhsun/resqued/internal/ipc"
	"github.com/erichhsun/resqued/internal/waiter"
	"github.com/erichhsun/resqued/internal/worker"
)

// maxSleep bounds how long the event loop ever blocks between reap
// passes, mirroring the per-worker backoff cap (spec.md §4.1).
const maxSleep = 60 * time.Second

// Listener is one generation's worker supervisor.
type Listener struct {
	id          int
	configPaths []string
	socket      *os.File
	log         zerolog.Logger

	mu      sync.Mutex
	workers []*worker.Record
	byPID   map[int]*worker.Record

	downMu    sync.Mutex
	downQueue []int

	gone  chan struct{} // closed when readMasterLoop hits EOF on socket
	ready chan struct{} // non-blocking signal: downQueue has entries
}

// Run is the listener's main loop (spec.md §4.4). It returns only once
// the listener has decided to exit, after burnDown has run.
func (l *Listener) Run() error {
	if err := ipc.WriteRunning(l.socket); err != nil {
		return errors.Wrap(err, "listener: writing RUNNING")
	}
	l.log.Info().Msg("listener running")

	go l.readMasterLoop()

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGCONT, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM, syscall.SIGCHLD)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-l.gone:
			// Master's socket hit EOF: it is gone. Commit suicide rather
			// than orphan this generation's workers (spec.md §4.4).
			l.log.Warn().Msg("master gone, self-terminating")
			return l.burnDown(syscall.SIGQUIT)
		default:
		}

		l.reapAll()
		l.drainDownstream()
		l.tryStartEligible()

		result := waiter.Wait(l.sleepDuration(), sigCh, l.ready)
		if result.Timeout || result.Ready || result.Signal == nil {
			continue // Ready: loop back around and let drainDownstream handle it
		}

		switch result.Signal {
		case syscall.SIGCONT:
			l.forwardCont()
		case syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM:
			sig, _ := result.Signal.(syscall.Signal)
			return l.burnDown(sig)
		case syscall.SIGCHLD:
			// no-op: reapAll runs unconditionally at the top of every
			// iteration regardless of why we woke up.
		}
	}
}

// readMasterLoop drains the downward half of the reporting socket
// (bare pid-per-line, spec.md §4.4 step 2) into downQueue, and closes
// gone on EOF.
func (l *Listener) readMasterLoop() {
	r := ipc.NewPeerGoneReader(l.socket)
	for {
		pid, ok, err := r.Next()
		if err != nil {
			l.log.Warn().Err(err).Msg("malformed peer-gone line from master")
			continue
		}
		if !ok {
			close(l.gone)
			return
		}
		l.downMu.Lock()
		l.downQueue = append(l.downQueue, pid)
		l.downMu.Unlock()
		select {
		case l.ready <- struct{}{}:
		default:
		}
	}
}

// reapAll collects every exited child without blocking (spec.md §4.4
// step 1), updates the corresponding Record, and reports the exit
// upstream.
func (l *Listener) reapAll() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil {
			if errors.Is(err, unix.ECHILD) {
				return // no children left to reap
			}
			l.log.Warn().Err(err).Msg("wait4 failed")
			return
		}
		if pid <= 0 {
			return // WNOHANG: nothing currently exited
		}

		l.mu.Lock()
		rec, ok := l.byPID[pid]
		if ok {
			delete(l.byPID, pid)
		}
		l.mu.Unlock()
		if !ok {
			continue // not one of ours (shouldn't happen, but not fatal)
		}

		rec.Finished(ws.ExitStatus(), ws.Signaled())

		if err := ipc.WriteFinished(l.socket, pid); err != nil {
			if errors.Is(err, syscall.EPIPE) {
				l.log.Warn().Msg("master socket gone (EPIPE), self-terminating")
				unix.Kill(os.Getpid(), unix.SIGQUIT)
				return
			}
			l.log.Warn().Err(err).Msg("reporting finished worker")
		}
	}
}

// drainDownstream applies every queued peer-exit notification to the
// worker set, unblocking any Record waiting behind that pid.
func (l *Listener) drainDownstream() {
	l.downMu.Lock()
	pids := l.downQueue
	l.downQueue = nil
	l.downMu.Unlock()

	if len(pids) == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pid := range pids {
		for _, w := range l.workers {
			w.NotifyPeerExited(pid)
		}
	}
}

// tryStartEligible forks a child for every idle worker whose backoff
// permits it (spec.md §4.4 step 3).
func (l *Listener) tryStartEligible() {
	l.mu.Lock()
	workers := append([]*worker.Record(nil), l.workers...)
	l.mu.Unlock()

	for _, w := range workers {
		pid, started, err := w.TryStart()
		if err != nil {
			l.log.Error().Err(err).Str("queue", string(w.Queue())).Msg("failed to start worker")
			continue
		}
		if !started {
			continue
		}

		l.mu.Lock()
		l.byPID[pid] = w
		l.mu.Unlock()

		if err := ipc.WriteStarted(l.socket, pid, w.Queue()); err != nil {
			if errors.Is(err, syscall.EPIPE) {
				l.log.Warn().Msg("master socket gone (EPIPE), self-terminating")
				unix.Kill(os.Getpid(), unix.SIGQUIT)
				return
			}
			l.log.Warn().Err(err).Msg("reporting started worker")
		}
	}
}

// sleepDuration is the longest the event loop may block before it must
// re-check backoff deadlines: the smallest remaining backoff across all
// workers, capped at maxSleep (spec.md §4.1, §4.4).
func (l *Listener) sleepDuration() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	d := maxSleep
	for _, w := range l.workers {
		if wait := w.BackingOffFor(); wait > 0 && wait < d {
			d = wait
		}
	}
	return d
}

// forwardCont relays SIGCONT to every running worker (spec.md §5:
// "resqued forwards SIGCONT to its children on receipt").
func (l *Listener) forwardCont() {
	l.mu.Lock()
	workers := append([]*worker.Record(nil), l.workers...)
	l.mu.Unlock()

	for _, w := range workers {
		if err := w.Kill(unix.SIGCONT); err != nil {
			l.log.Warn().Err(err).Msg("forwarding SIGCONT")
		}
	}
}

// killAll signals every running worker with sig.
func (l *Listener) killAll(sig syscall.Signal) {
	l.mu.Lock()
	workers := append([]*worker.Record(nil), l.workers...)
	l.mu.Unlock()

	for _, w := range workers {
		if err := w.Kill(unix.Signal(sig)); err != nil {
			l.log.Warn().Err(err).Msg("signaling worker during shutdown")
		}
	}
}

// aliveCount returns how many workers this listener still has a live
// pid for.
func (l *Listener) aliveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byPID)
}

// burnDown is the listener's shutdown sequence (spec.md §4.4's final
// stage): repeatedly signal and reap remaining workers until none are
// left, then do one final blocking wait to guarantee no zombies remain
// before this process itself exits.
func (l *Listener) burnDown(sig syscall.Signal) error {
	l.log.Info().Str("signal", sig.String()).Msg("shutting down")

	for {
		l.reapAll()
		if l.aliveCount() == 0 {
			break
		}
		l.killAll(sig)
		time.Sleep(time.Second)
	}

	for {
		var ws unix.WaitStatus
		_, err := unix.Wait4(-1, &ws, 0, nil)
		if err != nil {
			break // ECHILD: nothing left. Any other error also ends the drain.
		}
	}

	l.mu.Lock()
	for _, w := range l.workers {
		w.Dispose()
	}
	l.mu.Unlock()

	l.socket.Close()
	return nil
}
