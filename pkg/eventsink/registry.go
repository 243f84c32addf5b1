package eventsink

import (
	"context"
	"log/slog"
	"sync"
)

// Registry tracks every live sink so the snapshot aggregator (C8) can
// iterate per-thread sinks without the allocator hook (C6) ever needing to
// know about aggregation. Registration itself happens off the hot path
// (the first event on a new SinkID triggers lazy creation under a single
// mutex; the hot path afterwards only ever touches the already-created
// Sink via Append).
type Registry struct {
	mu      sync.RWMutex
	sinks   map[SinkID]*Sink
	bufSize int
	spiller *Spiller
	log     *slog.Logger
}

// NewRegistry constructs a Registry. Every sink it lazily creates shares
// bufSize and spiller.
func NewRegistry(bufSize int, spiller *Spiller, logger *slog.Logger) *Registry {
	return &Registry{
		sinks:   make(map[SinkID]*Sink),
		bufSize: bufSize,
		spiller: spiller,
		log:     logger,
	}
}

// Sink returns the sink for id, creating it on first use.
func (r *Registry) Sink(id SinkID) *Sink {
	r.mu.RLock()
	s, ok := r.sinks[id]
	r.mu.RUnlock()

	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sinks[id]; ok {
		return s
	}

	s = NewSink(id, r.bufSize, r.spiller, r.log)
	r.sinks[id] = s

	return s
}

// ForEach calls fn for every registered sink. The snapshot order across
// sinks is unspecified; ordering within a sink's own events is preserved
// by FlushAndSeal.
func (r *Registry) ForEach(fn func(*Sink)) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sinks {
		fn(s)
	}
}

// CloseAll finalises every registered sink, per the tracker's shutdown
// lifecycle.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	sinks := make([]*Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		sinks = append(sinks, s)
	}
	r.mu.RUnlock()

	var firstErr error

	for _, s := range sinks {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
