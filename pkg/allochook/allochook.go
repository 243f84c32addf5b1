// Package allochook implements the allocator interceptor (C6) and resolves
// the "overridable global allocator" requirement from an idiomatic Go
// angle: Go's runtime exposes no supported hook equivalent to Rust's
// #[global_allocator], so there is no way to intercept every
// runtime.mallocgc call transparently. Instead, Alloc is the explicit
// instrumented allocation entry point host code calls at a source site —
// exactly the kind of opt-in, per-call-site instrumentation the variable
// association API (C7) already assumes — and runtime.SetFinalizer supplies
// the matching Dealloc event when the garbage collector reclaims the
// value, without the host ever calling a "free" function itself.
//
// The constraints the hot path must honour (no host allocation inside the
// hook, no lock held across user code, re-entrancy safety) are satisfied
// structurally: Notify only bumps an atomic counter and writes into a
// pre-reserved buffer range (pkg/eventsink), and the finalizer callback
// that emits the synthetic Dealloc runs on its own goroutine per the Go
// runtime's finalizer-queue contract, never nested inside the allocation
// that triggered it. When CaptureStack is enabled, Notify captures raw
// program counters only (runtime.Callers into a stack-local array, no
// allocation); symbolicating those counters into named frames and
// interning the resulting strings both allocate and take an unbounded
// lock (pkg/stackid.Table.Normalize), so that work is deferred to the
// snapshot aggregator's event replay, off this package entirely.
package allochook

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/corvid-labs/memtrace/pkg/eventsink"
)

// Kind classifies the allocator operation being reported. Realloc has no
// direct counterpart in the per-thread event union; a Realloc notification
// is reported as a Dealloc of the notified ptr immediately followed by an
// Alloc of that same ptr with the new size, which is exact because the
// event stream is strictly append-only and per-thread ordered.
type Kind uint8

const (
	// KindAlloc reports a new allocation.
	KindAlloc Kind = iota
	// KindRealloc reports a resize; Hook decomposes it into Dealloc+Alloc.
	KindRealloc
	// KindDealloc reports an explicit deallocation.
	KindDealloc
)

// Config configures sampling and raw stack capture for the hot path. The
// stack depth captured here is fixed at eventsink.RawStackDepth.
type Config struct {
	// SamplingRate is the fraction (0.0-1.0) of events actually recorded.
	// A rate of 0 disables recording entirely (hook still runs but emits
	// nothing); 1 records every event.
	SamplingRate float64

	// CaptureStack enables best-effort call-stack capture on recorded
	// events. Off by default per the spec's "sample the call stack at a
	// configurable rate (default off on the hot path)".
	CaptureStack bool

	// StackSkip is the number of caller frames to skip when CaptureStack
	// is enabled (skips Notify/Alloc's own frames).
	StackSkip int
}

// counters tracks the per-sink sampling decision state. One instance is
// lazily created per SinkID the hook observes, approximating a
// thread-local counter in the absence of native TLS.
type counters struct {
	n atomic.Uint64
}

// Hook is the allocator interceptor. The zero value is not usable;
// construct with New.
type Hook struct {
	registry *eventsink.Registry
	cfg      Config
	start    time.Time

	mu     sync.Mutex
	bySink map[eventsink.SinkID]*counters
}

// New constructs a Hook writing into registry's sinks.
func New(registry *eventsink.Registry, cfg Config) *Hook {
	return &Hook{
		registry: registry,
		cfg:      cfg,
		start:    time.Now(),
		bySink:   make(map[eventsink.SinkID]*counters),
	}
}

func (h *Hook) counterFor(id eventsink.SinkID) *counters {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.bySink[id]
	if !ok {
		c = &counters{}
		h.bySink[id] = c
	}

	return c
}

// shouldSample applies the sampling rate as a deterministic per-event
// counter decision, not a random draw, so it is cheap and reproducible:
// out of every 1/rate events, exactly one is recorded.
func (h *Hook) shouldSample(id eventsink.SinkID) bool {
	if h.cfg.SamplingRate >= 1 {
		return true
	}

	if h.cfg.SamplingRate <= 0 {
		return false
	}

	c := h.counterFor(id)
	n := c.n.Add(1)

	stride := uint64(1 / h.cfg.SamplingRate)
	if stride == 0 {
		stride = 1
	}

	return n%stride == 0
}

func (h *Hook) now() uint64 {
	return uint64(time.Since(h.start).Nanoseconds())
}

// Notify reports one allocator-hook invocation for sinkID. It is wait-free
// and re-entrancy safe: a sink with its suppress flag set discards the
// event instead of recursing into its own bookkeeping; such events are not
// counted in the sink's dropped or total counters.
func (h *Hook) Notify(sinkID eventsink.SinkID, ptr, size uint64, kind Kind) {
	sink := h.registry.Sink(sinkID)

	if sink.Suppressed() {
		return
	}

	sampled := h.shouldSample(sinkID)
	if !sampled {
		return
	}

	ts := h.now()

	var rawStack [eventsink.RawStackDepth]uint64

	var rawStackLen uint8

	hasRawStack := false

	if h.cfg.CaptureStack {
		rawStack, rawStackLen = h.captureRawStack()
		hasRawStack = true
	}

	switch kind {
	case KindAlloc:
		sink.Append(eventsink.Event{
			Kind: eventsink.KindAlloc, Ptr: ptr, Size: size, Timestamp: ts,
			ThreadID: uint32(sinkID), Sampled: sampled,
			RawStack: rawStack, RawStackLen: rawStackLen, HasRawStack: hasRawStack,
		})
	case KindDealloc:
		sink.Append(eventsink.Event{
			Kind: eventsink.KindDealloc, Ptr: ptr, Timestamp: ts,
			ThreadID: uint32(sinkID), Sampled: sampled,
		})
	case KindRealloc:
		sink.Append(eventsink.Event{
			Kind: eventsink.KindDealloc, Ptr: ptr, Timestamp: ts,
			ThreadID: uint32(sinkID), Sampled: sampled,
		})
		sink.Append(eventsink.Event{
			Kind: eventsink.KindAlloc, Ptr: ptr, Size: size, Timestamp: ts,
			ThreadID: uint32(sinkID), Sampled: sampled,
			RawStack: rawStack, RawStackLen: rawStackLen, HasRawStack: hasRawStack,
		})
	}
}

// captureRawStack walks the caller's runtime stack into a stack-local
// array and returns it by value, with no heap allocation: runtime.Callers
// writes into the slice backing pcs without growing it, and the only
// thing this function returns is a fixed-size value copy. It does not
// symbolicate (runtime.CallersFrames) or intern the result — that is
// strictly heavier work, deferred to the aggregator's snapshot replay,
// which is explicitly off the allocator hot path.
func (h *Hook) captureRawStack() (stack [eventsink.RawStackDepth]uint64, n uint8) {
	var pcs [eventsink.RawStackDepth]uintptr

	count := runtime.Callers(h.cfg.StackSkip+2, pcs[:])

	for i := 0; i < count; i++ {
		stack[i] = uint64(pcs[i])
	}

	return stack, uint8(count)
}

// Alloc allocates a T, reports an Alloc event for its heap address on
// sinkID, and attaches a finalizer that reports the matching Dealloc event
// once the garbage collector reclaims the value. This is the "hook" the
// rest of the pipeline observes in place of a true global allocator
// override.
func Alloc[T any](h *Hook, sinkID eventsink.SinkID, size uint64) *T {
	v := new(T)
	ptr := uint64(uintptr(unsafe.Pointer(v)))

	h.Notify(sinkID, ptr, size, KindAlloc)

	runtime.SetFinalizer(v, func(_ *T) {
		h.Notify(sinkID, ptr, 0, KindDealloc)
	})

	return v
}
