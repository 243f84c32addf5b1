// Package commands implements CLI command handlers for memtrace.
package commands

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
)

// watchdogInterval is the polling interval for the tracker memory watchdog.
const watchdogInterval = 2 * time.Second

// megabyte is 1 MiB in bytes, used for unit conversions.
const megabyte = 1024 * 1024

// DroppedEventsFunc reports the tracker's current cumulative dropped-event
// count, so the watchdog can correlate its own RSS against sink pressure.
type DroppedEventsFunc func() uint64

// lastDropped holds the Header.Dropped count from the most recently read
// trace file. This CLI process never runs a live tracker itself (that
// happens in the instrumented host process); the watchdog here monitors
// the export/stat commands' own footprint, so the only dropped-event count
// available to it is the one baked into whichever trace a command most
// recently opened.
var lastDropped atomic.Uint64

// RecordDropped updates the dropped-event count the watchdog surfaces.
// Commands that open a trace file (export, stat) call this with the
// trace's Header.Dropped once they have it.
func RecordDropped(n uint64) { lastDropped.Store(n) }

// LastDroppedEvents returns the most recently recorded dropped-event count,
// wired as the watchdog's DroppedEventsFunc.
func LastDroppedEvents() uint64 { return lastDropped.Load() }

// readRSSMiB reads current RSS from /proc/self/statm.
func readRSSMiB() int64 {
	f, err := os.Open("/proc/self/statm")
	if err != nil {
		return 0
	}
	defer f.Close()

	var vsize, rss int64

	if _, err := fmt.Fscan(f, &vsize); err != nil {
		return 0
	}

	if _, err := fmt.Fscan(f, &rss); err != nil {
		return 0
	}

	return rss * int64(os.Getpagesize()) / megabyte
}

// readProcField reads a named field from /proc/self/status.
func readProcField(field string) string {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, field); ok {
			return strings.TrimSpace(after)
		}
	}

	return ""
}

// StartMemoryWatchdog logs the running process's own RSS, Go heap, thread
// and goroutine counts, and the dropped-event count reported by dropped,
// every watchdogInterval. In the CLI, dropped reports the count stored in
// the trace file a command most recently opened. It stops when ctx is
// done.
func StartMemoryWatchdog(ctx context.Context, logger *slog.Logger, dropped DroppedEventsFunc) {
	go func() {
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rssMiB := readRSSMiB()
				threads := readProcField("Threads:")

				var ms runtime.MemStats
				runtime.ReadMemStats(&ms)

				var droppedTotal uint64
				if dropped != nil {
					droppedTotal = dropped()
				}

				logger.InfoContext(ctx, "watchdog.sample",
					"rss_mib", rssMiB,
					"go_heap_mib", ms.HeapInuse/megabyte,
					"go_sys_mib", ms.Sys/megabyte,
					"threads", threads,
					"goroutines", runtime.NumGoroutine(),
					"dropped_events", droppedTotal,
				)
			}
		}
	}()
}
