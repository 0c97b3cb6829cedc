package orchestrator

import (
	"context"
	"sync"

	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
)

// TraceBuffer is a bounded, per-(model,spectrum) ring of the most recently
// scored traces, fed by the scorer task as they pass through C2. It
// implements optimizer.TraceFetcher so the analyzing stage replays
// already-ingested traces rather than re-polling the observability
// backend, which C1 alone owns the polling cadence for.
//
// Constructed independently of Orchestrator (rather than owned by it)
// because the optimizer.Engine needs a TraceFetcher at construction time,
// before an Orchestrator wiring the Engine in can exist.
type TraceBuffer struct {
	capacity int

	mu    sync.Mutex
	byKey map[bufKey][]trace.Trace
}

type bufKey struct {
	model    string
	spectrum trace.Spectrum
}

// NewTraceBuffer builds an empty buffer retaining up to capacity traces
// per (model, spectrum) key.
func NewTraceBuffer(capacity int) *TraceBuffer {
	if capacity <= 0 {
		capacity = 200
	}
	return &TraceBuffer{capacity: capacity, byKey: make(map[bufKey][]trace.Trace)}
}

// Observe appends t to its (model, spectrum) ring, evicting the oldest
// entry once at capacity.
func (b *TraceBuffer) Observe(t trace.Trace) {
	k := bufKey{model: t.Model, spectrum: t.Spectrum}
	b.mu.Lock()
	defer b.mu.Unlock()
	ring := append(b.byKey[k], t)
	if len(ring) > b.capacity {
		ring = ring[len(ring)-b.capacity:]
	}
	b.byKey[k] = ring
}

// RecentTraces implements optimizer.TraceFetcher: it returns up to n of the
// most recently observed traces for (model, spectrum), newest last.
func (b *TraceBuffer) RecentTraces(ctx context.Context, model string, sp trace.Spectrum, n int) ([]trace.Trace, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring := b.byKey[bufKey{model: model, spectrum: sp}]
	if n <= 0 || n >= len(ring) {
		out := make([]trace.Trace, len(ring))
		copy(out, ring)
		return out, nil
	}
	out := make([]trace.Trace, n)
	copy(out, ring[len(ring)-n:])
	return out, nil
}
