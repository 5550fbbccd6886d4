package master

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/erichhsun/resqued/internal/backoff"
	"github.com/erichhsun/resqued/internal/ipc"
	"github.com/erichhsun/resqued/internal/log"
	"github.com/erichhsun/resqued/internal/proxy"
	"github.com/erichhsun/resqued/internal/queue"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	return &State{
		log:          log.New("master-test"),
		listenerPids: make(map[int]*proxy.ListenerProxy),
		backoff:      backoff.New(maxListenerBackoff),
		infoDump:     newInfoState(),
	}
}

// spawnSleeper starts a real, short-lived child process so tests can
// exercise signal delivery against a genuine pid without depending on
// resqued's own listener binary.
func spawnSleeper(t *testing.T) (*exec.Cmd, *proxy.ListenerProxy) {
	t.Helper()
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("spawning sleeper: %v", err)
	}
	masterEnd, listenerEnd, err := ipc.NewReportingSocket()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	listenerEnd.Close()
	t.Cleanup(func() { masterEnd.Close() })

	p := proxy.New(cmd.Process.Pid, masterEnd)
	return cmd, p
}

func reap(t *testing.T, cmd *exec.Cmd) unix.WaitStatus {
	t.Helper()
	var ws unix.WaitStatus
	deadline := time.Now().Add(2 * time.Second)
	for {
		pid, err := unix.Wait4(cmd.Process.Pid, &ws, unix.WNOHANG, nil)
		if pid == cmd.Process.Pid {
			return ws
		}
		if err != nil || time.Now().After(deadline) {
			t.Fatalf("timed out reaping sleeper: err=%v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNextListenerIDIncrementsAndNeverRepeats(t *testing.T) {
	m := newTestState(t)
	first := m.nextListenerID()
	second := m.nextListenerID()
	if second != first+1 {
		t.Fatalf("expected monotonic ids, got %d then %d", first, second)
	}
}

func TestCollectOldWorkersUnionsLiveProxies(t *testing.T) {
	m := newTestState(t)

	masterA, listenerA, err := ipc.NewReportingSocket()
	if err != nil {
		t.Fatal(err)
	}
	defer masterA.Close()
	pa := proxy.New(100, masterA)
	go pa.ReadLoop()
	if err := ipc.WriteStarted(listenerA, 201, queue.Key("a")); err != nil {
		t.Fatal(err)
	}

	masterB, listenerB, err := ipc.NewReportingSocket()
	if err != nil {
		t.Fatal(err)
	}
	defer masterB.Close()
	pb := proxy.New(101, masterB)
	go pb.ReadLoop()
	if err := ipc.WriteStarted(listenerB, 202, queue.Key("b")); err != nil {
		t.Fatal(err)
	}

	// Give the read loops a moment to apply the started reports.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(pa.RunningWorkers()) == 1 && len(pb.RunningWorkers()) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for started reports to apply")
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.mu.Lock()
	m.listenerPids[100] = pa
	m.listenerPids[101] = pb
	m.mu.Unlock()

	old := m.collectOldWorkers()
	if len(old) != 2 {
		t.Fatalf("expected 2 old workers, got %d: %+v", len(old), old)
	}
	listenerA.Close()
	listenerB.Close()
}

func TestOnPauseSignalsCurrentListenerAndClearsIt(t *testing.T) {
	m := newTestState(t)
	cmd, p := spawnSleeper(t)

	m.mu.Lock()
	m.currentListener = p
	m.listenerPids[p.PID()] = p
	m.mu.Unlock()

	m.onPause()

	m.mu.Lock()
	paused, cur := m.paused, m.currentListener
	m.mu.Unlock()
	if !paused || cur != nil {
		t.Fatalf("expected paused=true, currentListener=nil; got paused=%v cur=%v", paused, cur)
	}

	ws := reap(t, cmd)
	if !ws.Signaled() || ws.Signal() != syscall.SIGQUIT {
		t.Fatalf("expected sleeper killed by SIGQUIT, got status %v", ws)
	}
}

func TestOnResumeForwardsContToAllListeners(t *testing.T) {
	m := newTestState(t)
	cmd, p := spawnSleeper(t)
	t.Cleanup(func() {
		unix.Kill(cmd.Process.Pid, unix.SIGKILL)
		reap(t, cmd)
	})

	m.mu.Lock()
	m.paused = true
	m.listenerPids[p.PID()] = p
	m.mu.Unlock()

	m.onResume()

	m.mu.Lock()
	paused := m.paused
	m.mu.Unlock()
	if paused {
		t.Fatal("expected paused=false after onResume")
	}
	// SIGCONT is a no-op on an already-running process; this mainly
	// exercises that onResume doesn't error signaling a live pid.
}
