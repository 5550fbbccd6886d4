package listener

import (
	"sync"
	"testing"
	"time"

	"github.com/erichhsun/resqued/internal/ipc"
	"github.com/erichhsun/resqued/internal/log"
	"github.com/erichhsun/resqued/internal/queue"
	"github.com/erichhsun/resqued/internal/worker"
)

func newTestListener(t *testing.T) *Listener {
	t.Helper()
	masterEnd, listenerEnd, err := ipc.NewReportingSocket()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		listenerEnd.Close()
		masterEnd.Close()
	})

	return &Listener{
		socket: listenerEnd,
		byPID:  make(map[int]*worker.Record),
		gone:   make(chan struct{}),
		ready:  make(chan struct{}, 1),
		log:    log.New("listener-test"),
	}
}

func TestTryStartEligibleRunsAndTracksWorker(t *testing.T) {
	l := newTestListener(t)
	rec := worker.New(worker.Spec{Queue: queue.Key("default"), Command: "true"})

	l.mu.Lock()
	l.workers = append(l.workers, rec)
	l.mu.Unlock()

	l.tryStartEligible()

	if rec.State() != worker.Running {
		t.Fatalf("expected worker running after tryStartEligible, got %s", rec.State())
	}
	l.mu.Lock()
	_, tracked := l.byPID[rec.PID()]
	l.mu.Unlock()
	if !tracked {
		t.Fatal("expected started worker to be tracked by pid")
	}
}

func TestReapAllClearsFinishedWorker(t *testing.T) {
	l := newTestListener(t)
	rec := worker.New(worker.Spec{Queue: queue.Key("default"), Command: "true"})

	l.mu.Lock()
	l.workers = append(l.workers, rec)
	l.mu.Unlock()
	l.tryStartEligible()

	// "true" exits almost immediately; poll reapAll until it's collected.
	deadline := time.Now().Add(2 * time.Second)
	for l.aliveCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for worker to be reaped")
		}
		l.reapAll()
		time.Sleep(10 * time.Millisecond)
	}

	if rec.State() != worker.Idle {
		t.Fatalf("expected worker idle after reap, got %s", rec.State())
	}
	if rec.PID() != 0 {
		t.Fatalf("expected pid cleared after reap, got %d", rec.PID())
	}
}

func TestDrainDownstreamUnblocksWaitingWorker(t *testing.T) {
	l := newTestListener(t)
	rec := worker.New(worker.Spec{Queue: queue.Key("default"), Command: "true"})
	rec.WaitFor(4242)

	l.mu.Lock()
	l.workers = append(l.workers, rec)
	l.mu.Unlock()

	l.downMu.Lock()
	l.downQueue = append(l.downQueue, 4242)
	l.downMu.Unlock()

	l.drainDownstream()

	if rec.State() != worker.Idle {
		t.Fatalf("expected worker unblocked to idle, got %s", rec.State())
	}
}

func TestSleepDurationCapsAtMaxSleep(t *testing.T) {
	l := newTestListener(t)
	if d := l.sleepDuration(); d != maxSleep {
		t.Fatalf("expected maxSleep with no workers, got %v", d)
	}
}

func TestAliveCountConcurrentSafe(t *testing.T) {
	l := newTestListener(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.aliveCount()
		}()
	}
	wg.Wait()
}
