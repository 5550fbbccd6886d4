// Package waiter implements the "sleepy waiter" of spec.md §4.2: a
// single blocking primitive that returns when a timeout elapses, a
// signal arrives, or one of a set of readiness channels fires.
//
// The original design routes signal delivery through a self-pipe
// because in C/Ruby a signal handler cannot safely do anything beyond
// writing one byte to a pipe -- real work has to happen on the main
// loop after a blocking wait returns. Go's os/signal package already
// provides that bridge: delivery happens via a channel fed by the
// runtime's signal machinery, never inside a handler that the Go
// program itself writes, so there is no handler-safety problem left
// to solve with an explicit pipe. Wait below treats that channel as
// the self-pipe spec.md describes; see DESIGN.md's Open Question
// entry for the full reasoning.
package waiter

import (
	"os"
	"time"
)

// Wait blocks until timeout elapses, a signal is received on signals,
// or any of the ready channels becomes readable. It returns which of
// those happened. Passing a nil signals channel is valid; Wait then
// never selects that case.
func Wait(timeout time.Duration, signals <-chan os.Signal, ready ...<-chan struct{}) Result {
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// A dynamic select over a slice of channels needs reflection in
	// general; with at most a handful of ready channels in practice
	// (one per live listener proxy) a simple fan-in goroutine is both
	// simpler and avoids reflect.Select's overhead on the hot path.
	fired := make(chan struct{}, 1)
	done := make(chan struct{})
	defer close(done)
	for _, r := range ready {
		go func(r <-chan struct{}) {
			select {
			case <-r:
				select {
				case fired <- struct{}{}:
				default:
				}
			case <-done:
			}
		}(r)
	}

	select {
	case <-timer.C:
		return Result{Timeout: true}
	case sig := <-signals:
		return Result{Signal: sig}
	case <-fired:
		return Result{Ready: true}
	}
}

// Result reports why Wait returned. Exactly one field is meaningfully
// set, mirroring the three wakeup causes spec.md §4.2 lists.
type Result struct {
	Timeout bool
	Signal  os.Signal
	Ready   bool
}
