package listener

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/erichhsun/resqued/internal/ipc"
	"github.com/erichhsun/resqued/internal/queue"
	"github.com/erichhsun/resqued/internal/worker"
)

const multiWorkerConfig = `
[[queue]]
name = "mail"
command = "/bin/worker"
count = 3
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resqued.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	return path
}

// TestLoadWorkersPairsEachReplicaWithADistinctOldPid guards against
// collapsing a queue's N old-generation pids into a single blocked-on
// pid: every new replica must wait behind its own old pid, so retiring
// one old worker only ever unblocks one new replica (spec.md §3/§8's
// uniqueness invariant).
func TestLoadWorkersPairsEachReplicaWithADistinctOldPid(t *testing.T) {
	path := writeConfig(t, multiWorkerConfig)
	l := &Listener{configPaths: []string{path}}

	oldWorkers := []ipc.OldWorker{
		{Pid: 101, Queue: queue.Key("mail")},
		{Pid: 102, Queue: queue.Key("mail")},
		{Pid: 103, Queue: queue.Key("mail")},
	}
	if err := l.loadWorkers(oldWorkers); err != nil {
		t.Fatalf("loadWorkers: %v", err)
	}
	if len(l.workers) != 3 {
		t.Fatalf("expected 3 worker replicas, got %d", len(l.workers))
	}

	seen := make(map[int]bool, 3)
	for _, w := range l.workers {
		pid := w.BlockedOn()
		if pid == 0 {
			t.Fatal("expected every replica to start blocked on an old pid")
		}
		if seen[pid] {
			t.Fatalf("pid %d claimed by more than one replica", pid)
		}
		seen[pid] = true
	}
	for _, want := range []int{101, 102, 103} {
		if !seen[want] {
			t.Fatalf("expected some replica blocked on old pid %d, got %v", want, seen)
		}
	}

	// Unblocking one old pid must free exactly one replica, not all three.
	l.downQueue = []int{101}
	l.drainDownstream()

	idle, blocked := 0, 0
	for _, w := range l.workers {
		switch w.State() {
		case worker.Idle:
			idle++
		default:
			blocked++
		}
	}
	if idle != 1 || blocked != 2 {
		t.Fatalf("expected exactly 1 idle and 2 still-blocked replicas, got idle=%d blocked=%d", idle, blocked)
	}
}

// TestLoadWorkersFewerOldPidsThanReplicasLeavesExtrasUnblocked checks
// the leftover-replica case: more new replicas than old pids means the
// extras start idle (free to run immediately), not blocked.
func TestLoadWorkersFewerOldPidsThanReplicasLeavesExtrasUnblocked(t *testing.T) {
	path := writeConfig(t, multiWorkerConfig)
	l := &Listener{configPaths: []string{path}}

	oldWorkers := []ipc.OldWorker{
		{Pid: 201, Queue: queue.Key("mail")},
	}
	if err := l.loadWorkers(oldWorkers); err != nil {
		t.Fatalf("loadWorkers: %v", err)
	}

	blockedCount := 0
	for _, w := range l.workers {
		if w.BlockedOn() != 0 {
			blockedCount++
		}
	}
	if blockedCount != 1 {
		t.Fatalf("expected exactly 1 replica blocked, got %d", blockedCount)
	}
}
