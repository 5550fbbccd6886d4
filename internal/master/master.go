// Package master implements the top-level supervisor (spec.md §4.6):
// exactly one current listener, an optional last-good listener
// draining during a handoff, the signal dispatcher, the listener-level
// crash backoff, and shutdown orchestration.
package master

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/erichhsun/resqued/internal/backoff"
	"github.com/erichhsun/resqued/internal/buildinfo"
	"github.com/erichhsun/resqued/internal/log"
	"github.com/erichhsun/resqued/internal/proxy"
	"github.com/erichhsun/resqued/internal/statussink"
	"github.com/erichhsun/resqued/internal/waiter"
)

// maxListenerBackoff caps the wait between attempts to start a
// replacement listener after repeated crashes.
const maxListenerBackoff = 60 * time.Second

// maxSleep is the longest the master's event loop ever blocks between
// housekeeping passes (spec.md §4.6: "sleep up to min(backoff, 30s)").
const maxSleep = 30 * time.Second

// signalINFO is the platform stand-in for spec.md §4.6's optional INFO
// signal (runtime object-count dump): Go has no SIGINFO on Linux, so
// SIGUSR1 is used instead and documented as such (see DESIGN.md).
const signalINFO = syscall.SIGUSR1

// Config configures a new master.
type Config struct {
	ConfigPaths []string
	PidfilePath string
	ExecOnHup   bool
	FastExit    bool
	Sink        *statussink.Sink
	Version     string
}

// State is the master's full supervision state (spec.md §3's
// MasterState).
type State struct {
	configPaths []string
	pidfilePath string
	execOnHup   bool
	fastExit    bool
	version     string
	sink        *statussink.Sink
	log         zerolog.Logger

	mu               sync.Mutex
	paused           bool
	currentListener  *proxy.ListenerProxy
	lastGoodListener *proxy.ListenerProxy
	listenerPids     map[int]*proxy.ListenerProxy
	listenersCreated int

	backoff  *backoff.Backoff
	infoDump *infoState
}

// New builds a master ready to Run.
func New(cfg Config) *State {
	version := cfg.Version
	if version == "" {
		version = buildinfo.Version
	}
	return &State{
		configPaths:  cfg.ConfigPaths,
		pidfilePath:  cfg.PidfilePath,
		execOnHup:    cfg.ExecOnHup,
		fastExit:     cfg.FastExit,
		version:      version,
		sink:         cfg.Sink,
		log:          log.New("master"),
		listenerPids: make(map[int]*proxy.ListenerProxy),
		backoff:      backoff.New(maxListenerBackoff),
		infoDump:     newInfoState(),
	}
}

// Run is the master's main loop (spec.md §4.6's go_ham). It returns
// once a shutdown signal has been handled: after every listener has
// been reaped, or, with FastExit, right after the signal has been
// propagated to them.
func (m *State) Run() error {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh,
		syscall.SIGHUP, syscall.SIGUSR2, syscall.SIGCONT,
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
		syscall.SIGCHLD, signalINFO,
	)
	defer signal.Stop(sigCh)

	m.log.Info().Str("version", m.version).Msg("master starting")

	for {
		m.drainProxyUpdates()
		m.reapListeners()

		m.mu.Lock()
		shouldStart := !m.paused && m.currentListener == nil && !m.backoff.Wait()
		m.mu.Unlock()
		if shouldStart {
			if err := m.startListener(); err != nil {
				m.log.Error().Err(err).Msg("failed to start listener")
				m.mu.Lock()
				m.backoff.Died()
				m.mu.Unlock()
			}
		}

		result := waiter.Wait(m.sleepDuration(), sigCh, m.wakeChannels()...)
		if result.Timeout || result.Ready {
			continue
		}
		if result.Signal == nil {
			continue
		}

		done, err := m.handleSignal(result.Signal)
		if done {
			return err
		}
	}
}

// sleepDuration mirrors spec.md §4.6: min(backoff.remaining, 30s).
func (m *State) sleepDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := maxSleep
	if wait := m.backoff.HowLong(); wait > 0 && wait < d {
		d = wait
	}
	return d
}

// wakeChannels returns the Wake() channel of every live listener proxy
// so the waiter wakes as soon as any of them has something to report.
func (m *State) wakeChannels() []<-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	chans := make([]<-chan struct{}, 0, len(m.listenerPids))
	for _, p := range m.listenerPids {
		chans = append(chans, p.Wake())
	}
	return chans
}

// drainProxyUpdates pulls every queued Update off each live proxy and
// applies it: tracking worker lifecycle for the status sink, promoting
// a listener on RUNNING, and forwarding exited-worker pids across
// generations for the handoff protocol (spec.md §4.6).
func (m *State) drainProxyUpdates() {
	m.mu.Lock()
	proxies := make([]*proxy.ListenerProxy, 0, len(m.listenerPids))
	for _, p := range m.listenerPids {
		proxies = append(proxies, p)
	}
	m.mu.Unlock()

	for _, p := range proxies {
		for {
			u, ok := p.Next()
			if !ok {
				break
			}
			m.applyUpdate(p, u)
		}
	}
}

func (m *State) applyUpdate(p *proxy.ListenerProxy, u proxy.Update) {
	switch {
	case u.Running:
		m.onListenerReady(p)
	case u.Started:
		m.sink.Worker(u.Pid, statussink.Start)
	case u.Finished:
		m.sink.Worker(u.Pid, statussink.Stop)
		m.forwardPeerGone(p, u.Pid)
	case u.Closed:
		// The process-level reap in reapListeners is what actually
		// retires this proxy; a closed socket with no corresponding
		// exit is impossible under spec.md's protocol (EOF only
		// follows process death), so there is nothing further to do
		// here beyond what reapListeners will do next iteration.
	}
}

// forwardPeerGone relays an exited worker pid to every *other* live
// listener, so a blocked worker waiting behind that pid can unblock
// (spec.md §4.6 handoff protocol, third paragraph).
func (m *State) forwardPeerGone(from *proxy.ListenerProxy, pid int) {
	m.mu.Lock()
	targets := make([]*proxy.ListenerProxy, 0, len(m.listenerPids))
	for _, p := range m.listenerPids {
		if p != from {
			targets = append(targets, p)
		}
	}
	m.mu.Unlock()

	for _, p := range targets {
		if err := p.NotifyPeerGone(pid); err != nil {
			m.log.Warn().Err(err).Int("listener_pid", p.PID()).Msg("notifying peer gone")
		}
	}
}

// onListenerReady runs once per listener, the moment it first reports
// RUNNING: if a last-good listener is still draining, it is told to
// QUIT now that its replacement is live (spec.md §4.6: "master sends
// QUIT to lastGoodListener and clears it").
func (m *State) onListenerReady(p *proxy.ListenerProxy) {
	m.mu.Lock()
	if m.currentListener != p {
		m.mu.Unlock()
		return
	}
	old := m.lastGoodListener
	m.lastGoodListener = nil
	m.mu.Unlock()

	m.sink.Listener(p.PID(), statussink.Ready)

	if old == nil {
		return
	}
	if err := old.Signal(unix.SIGQUIT); err != nil {
		m.log.Warn().Err(err).Int("listener_pid", old.PID()).Msg("signaling last-good listener to drain")
	}
}
