package waiter

import (
	"os"
	"syscall"
	"testing"
	"time"
)

func TestWaitTimesOut(t *testing.T) {
	r := Wait(10*time.Millisecond, nil)
	if !r.Timeout {
		t.Fatalf("expected timeout result, got %+v", r)
	}
}

func TestWaitWakesOnSignal(t *testing.T) {
	sig := make(chan os.Signal, 1)
	sig <- syscall.SIGHUP
	r := Wait(time.Second, sig)
	if r.Signal != syscall.SIGHUP {
		t.Fatalf("expected SIGHUP result, got %+v", r)
	}
}

func TestWaitWakesOnReady(t *testing.T) {
	ready := make(chan struct{}, 1)
	ready <- struct{}{}
	r := Wait(time.Second, nil, ready)
	if !r.Ready {
		t.Fatalf("expected ready result, got %+v", r)
	}
}

func TestWaitPrefersWhicheverFiresFirst(t *testing.T) {
	ready := make(chan struct{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		close(ready)
	}()
	r := Wait(time.Second, nil, ready)
	if !r.Ready {
		t.Fatalf("expected ready to win against the long timeout, got %+v", r)
	}
}
