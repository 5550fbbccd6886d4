package master

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/erichhsun/resqued/internal/ipc"
	"github.com/erichhsun/resqued/internal/log"
	"github.com/erichhsun/resqued/internal/proxy"
	"github.com/erichhsun/resqued/internal/statussink"
)

// startListener forks and execs a new listener generation (spec.md
// §4.6 "startListener"): it hands the child one end of a fresh
// reporting socket, the config paths, and the union of every
// currently-running worker pid/queue across all live listeners so the
// new generation can seed its blocked workers.
func (m *State) startListener() error {
	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "master: resolving own executable path")
	}

	masterEnd, listenerEnd, err := ipc.NewReportingSocket()
	if err != nil {
		return errors.Wrap(err, "master: creating reporting socket")
	}

	id := m.nextListenerID()
	oldWorkers := m.collectOldWorkers()

	cmd := exec.Command(exe, "listener")
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	cmd.ExtraFiles = []*os.File{listenerEnd}
	cmd.Env = append(os.Environ(),
		ipc.EnvSocket+"=3", // first (only) ExtraFile always lands on fd 3
		ipc.EnvConfigPath+"="+strings.Join(m.configPaths, ":"),
		ipc.EnvState+"="+ipc.PackState(oldWorkers),
		ipc.EnvListenerID+"="+strconv.Itoa(id),
		ipc.EnvVersion+"="+m.version,
	)

	if err := cmd.Start(); err != nil {
		listenerEnd.Close()
		masterEnd.Close()
		return errors.Wrap(err, "master: forking listener")
	}
	listenerEnd.Close() // this end now lives only in the child

	p := proxy.New(cmd.Process.Pid, masterEnd)
	go p.ReadLoop()

	m.mu.Lock()
	m.currentListener = p
	m.listenerPids[p.PID()] = p
	m.backoff.Started()
	m.mu.Unlock()

	m.sink.Listener(p.PID(), statussink.Start)
	m.log.Info().Int("listener_pid", p.PID()).Int("listener_id", id).Msg("listener started")
	return nil
}

func (m *State) nextListenerID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listenersCreated++
	return m.listenersCreated
}

// collectOldWorkers unions runningWorkers across every live listener
// proxy, the state a freshly forked listener needs to seed its
// blocked workers (spec.md §4.6).
func (m *State) collectOldWorkers() []ipc.OldWorker {
	m.mu.Lock()
	proxies := make([]*proxy.ListenerProxy, 0, len(m.listenerPids))
	for _, p := range m.listenerPids {
		proxies = append(proxies, p)
	}
	m.mu.Unlock()

	var out []ipc.OldWorker
	for _, p := range proxies {
		out = append(out, p.OldWorkerState()...)
	}
	return out
}

// reapListeners collects every exited listener child without blocking
// (spec.md §4.6 step 2), clearing currentListener/lastGoodListener as
// appropriate and feeding the crash backoff when a listener exits
// unexpectedly.
func (m *State) reapListeners() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil {
			if !errors.Is(err, unix.ECHILD) {
				m.log.Warn().Err(err).Msg("wait4 failed reaping listeners")
			}
			return
		}
		if pid <= 0 {
			return
		}

		m.mu.Lock()
		p, tracked := m.listenerPids[pid]
		if tracked {
			delete(m.listenerPids, pid)
		}
		wasCurrent := tracked && m.currentListener == p
		wasLastGood := tracked && m.lastGoodListener == p
		if wasCurrent {
			m.currentListener = nil
		}
		if wasLastGood {
			m.lastGoodListener = nil
		}
		m.mu.Unlock()

		if !tracked {
			continue // not one of ours
		}

		p.Dispose()
		m.sink.Listener(pid, statussink.Stop)

		if wasCurrent {
			m.log.Warn().Int("listener_pid", pid).Msg("listener exited unexpectedly")
			m.mu.Lock()
			m.backoff.Died()
			m.mu.Unlock()
		} else {
			m.log.Info().Int("listener_pid", pid).Msg("listener drained and exited")
		}
	}
}

// handleSignal applies one signal per spec.md §4.6's dispatch table.
// done is true once the master should return from Run.
func (m *State) handleSignal(sig os.Signal) (done bool, err error) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return false, nil
	}

	switch s {
	case syscall.SIGHUP:
		m.onHup()
	case syscall.SIGUSR2:
		m.onPause()
	case syscall.SIGCONT:
		m.onResume()
	case syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
		return m.shutdown(s)
	case signalINFO:
		m.dumpInfo()
	case syscall.SIGCHLD:
		// no-op: reapListeners runs at the top of every loop iteration
		// regardless of why Run woke up.
	}
	return false, nil
}

// onHup implements spec.md §4.6's HUP row: with execOnHup unimplemented
// (spec.md §9), every HUP reopens logs and reloads. A currentListener
// still booting (never reported RUNNING) is killed outright since it
// has no workers to hand off; one that already promoted is demoted to
// lastGoodListener so the next generation can drain it properly.
func (m *State) onHup() {
	if m.execOnHup {
		m.log.Warn().Msg("exec-on-hup requested but not implemented, falling back to ordinary reload")
	}
	if err := log.Reopen(); err != nil {
		m.log.Warn().Err(err).Msg("reopening log file")
	}

	m.mu.Lock()
	old := m.currentListener
	if old != nil && old.Ready() {
		m.lastGoodListener = old
	}
	m.currentListener = nil
	m.mu.Unlock()

	if old != nil && !old.Ready() {
		m.log.Info().Int("listener_pid", old.PID()).Msg("still booting, replacing before promotion")
		if err := old.Signal(unix.SIGQUIT); err != nil {
			m.log.Warn().Err(err).Msg("signaling booting listener")
		}
	}
}

// onPause implements spec.md §4.6's USR2 row.
func (m *State) onPause() {
	m.mu.Lock()
	cur := m.currentListener
	m.paused = true
	m.currentListener = nil
	m.mu.Unlock()

	if cur == nil {
		return
	}
	if err := cur.Signal(unix.SIGQUIT); err != nil {
		m.log.Warn().Err(err).Msg("signaling current listener to pause")
	}
}

// onResume implements spec.md §4.6's CONT row.
func (m *State) onResume() {
	m.mu.Lock()
	m.paused = false
	proxies := make([]*proxy.ListenerProxy, 0, len(m.listenerPids))
	for _, p := range m.listenerPids {
		proxies = append(proxies, p)
	}
	m.mu.Unlock()

	for _, p := range proxies {
		if err := p.Signal(unix.SIGCONT); err != nil {
			m.log.Warn().Err(err).Int("listener_pid", p.PID()).Msg("forwarding CONT")
		}
	}
}

// shutdown implements spec.md §4.6's INT|TERM|QUIT row: propagate to
// every listener, then block until all are reaped unless fastExit.
func (m *State) shutdown(sig syscall.Signal) (bool, error) {
	m.log.Info().Str("signal", sig.String()).Msg("master received shutdown signal")

	m.mu.Lock()
	proxies := make([]*proxy.ListenerProxy, 0, len(m.listenerPids))
	for _, p := range m.listenerPids {
		proxies = append(proxies, p)
	}
	m.mu.Unlock()

	for _, p := range proxies {
		if err := p.Signal(unix.Signal(sig)); err != nil {
			m.log.Warn().Err(err).Int("listener_pid", p.PID()).Msg("propagating shutdown signal")
		}
	}

	if m.fastExit {
		return true, nil
	}

	for {
		m.reapListeners()
		m.mu.Lock()
		remaining := len(m.listenerPids)
		m.mu.Unlock()
		if remaining == 0 {
			break
		}
		time.Sleep(time.Second)
	}

	m.log.Info().Msg("all listeners reaped, master exiting")
	return true, nil
}
