// Package queue defines the canonical queue identity used throughout
// resqued to pair a blocked worker in a new listener generation with
// the running worker it is waiting behind in an older one (spec.md
// §3, invariant "blocked worker in generation G+1 ⇒ its queueKey
// matches a running worker in generation G").
package queue

// Key is the canonical identifier of the set of queues a worker
// drains. Two WorkerRecords across different listener generations
// that share a Key are understood to occupy the same logical slot.
type Key string
