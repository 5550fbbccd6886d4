package master

import (
	"runtime"
	"sync"
)

// infoState holds the previous runtime snapshot so dumpInfo can report
// a delta, the substitute spec.md §9 invites for Ruby's object-count
// dump ("a memory-stats snapshot or omitted" -- SPEC_FULL.md's
// supplement #3 picks memory stats).
type infoState struct {
	mu        sync.Mutex
	have      bool
	heapAlloc uint64
	numGC     uint32
	goroutines int
}

func newInfoState() *infoState { return &infoState{} }

// dumpInfo logs a runtime snapshot and its delta from the previous
// dump, the INFO-signal handler (spec.md §4.6, SPEC_FULL.md supplement
// #3).
func (m *State) dumpInfo() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	goroutines := runtime.NumGoroutine()

	st := m.infoDump
	st.mu.Lock()
	defer st.mu.Unlock()

	ev := m.log.Info().
		Uint64("heap_alloc_bytes", stats.HeapAlloc).
		Uint32("num_gc", stats.NumGC).
		Int("goroutines", goroutines)

	if st.have {
		ev = ev.
			Int64("heap_alloc_delta", int64(stats.HeapAlloc)-int64(st.heapAlloc)).
			Int32("num_gc_delta", int32(stats.NumGC)-int32(st.numGC)).
			Int("goroutines_delta", goroutines-st.goroutines)
	}
	ev.Msg("runtime snapshot")

	st.have = true
	st.heapAlloc = stats.HeapAlloc
	st.numGC = stats.NumGC
	st.goroutines = goroutines
}
