package listener

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"

	"github.com/erichhsun/resqued/internal/config"
	"github.com/erichhsun/resqued/internal/ipc"
	"github.com/erichhsun/resqued/internal/log"
	"github.com/erichhsun/resqued/internal/queue"
	"github.com/erichhsun/resqued/internal/worker"
)

// FromEnv reconstructs a Listener from the RESQUED_* environment
// variables a master sets before fork+exec (spec.md §6), the Go
// analogue of the teacher's inheritedListeners()/REVA_FD_* convention.
func FromEnv() (*Listener, error) {
	fdStr := os.Getenv(ipc.EnvSocket)
	if fdStr == "" {
		return nil, errors.Errorf("listener: %s not set; not running under a resqued master?", ipc.EnvSocket)
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return nil, errors.Wrapf(err, "listener: malformed %s=%q", ipc.EnvSocket, fdStr)
	}
	// exec's dup2 onto this fd cleared close-on-exec; set it again so
	// workers forked from this listener do not inherit the socket.
	syscall.CloseOnExec(fd)
	socket := os.NewFile(uintptr(fd), "resqued-report")

	var configPaths []string
	if v := os.Getenv(ipc.EnvConfigPath); v != "" {
		configPaths = strings.Split(v, ":")
	}

	listenerID, err := strconv.Atoi(os.Getenv(ipc.EnvListenerID))
	if err != nil {
		return nil, errors.Wrapf(err, "listener: malformed %s", ipc.EnvListenerID)
	}

	oldWorkers, rejected := ipc.UnpackState(os.Getenv(ipc.EnvState))

	l := &Listener{
		id:          listenerID,
		configPaths: configPaths,
		socket:      socket,
		byPID:       make(map[int]*worker.Record),
		gone:        make(chan struct{}),
		ready:       make(chan struct{}, 1),
		log:         log.New("listener").With().Int("listener_id", listenerID).Logger(),
	}
	for _, r := range rejected {
		l.log.Warn().Str("entry", r).Msg("malformed RESQUED_STATE entry, ignoring")
	}

	if err := l.loadWorkers(oldWorkers); err != nil {
		return nil, err
	}
	return l, nil
}

// loadWorkers reads every config path, builds a Record per queue slot,
// and blocks any slot whose queue key matches a still-running worker
// inherited from the previous generation (spec.md §4.6 handoff).
//
// A queue's Count replicas in the old generation are N distinct pids
// sharing one queue.Key, not one pid -- blockedBy keeps the full list
// per key and pairs each new replica with exactly one of them, so
// unblocking a single old pid only ever frees the one new replica
// standing behind it (spec.md §3/§8's uniqueness invariant: at most one
// worker per queueKey across all generations may be running).
func (l *Listener) loadWorkers(oldWorkers []ipc.OldWorker) error {
	blockedBy := make(map[queue.Key][]int, len(oldWorkers))
	for _, ow := range oldWorkers {
		blockedBy[ow.Queue] = append(blockedBy[ow.Queue], ow.Pid)
	}

	for _, path := range l.configPaths {
		cfg, err := config.Load(path)
		if err != nil {
			return errors.Wrapf(err, "listener: loading config %s", path)
		}
		if err := cfg.Validate(); err != nil {
			return errors.Wrapf(err, "listener: invalid config %s", path)
		}
		for _, q := range cfg.Queues {
			for i := 0; i < q.Count; i++ {
				rec := worker.New(worker.Spec{
					Queue:     queue.Key(q.Name),
					Command:   q.Command,
					Args:      q.Args,
					Keepalive: q.Keepalive,
				})
				key := queue.Key(q.Name)
				if pids := blockedBy[key]; len(pids) > 0 {
					rec.WaitFor(pids[0])
					blockedBy[key] = pids[1:]
				}
				l.workers = append(l.workers, rec)
			}
		}
	}
	return nil
}
