package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricDroppedEvents     = "memtrace.sink.dropped_events.total"
	metricContentionTimeout = "memtrace.shard.contention_timeout.total"
	metricExportDuration    = "memtrace.export.duration.seconds"
	metricExportRecords     = "memtrace.export.records.total"
	metricSinkSegments      = "memtrace.sink.segments.total"

	attrSinkID   = "sink_id"
	attrArtifact = "artifact"
	attrStatus   = "status"

	statusOK    = "ok"
	statusError = "error"
)

// exportDurationBuckets covers 1ms to 10s, spanning the <300ms latency
// budget an export pass is held to.
var exportDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1, 2.5, 5, 10}

// TrackerMetrics holds the OTel instruments measuring the tracker's own
// health: event loss, lock contention, and export throughput.
type TrackerMetrics struct {
	droppedEvents     metric.Int64Counter
	contentionTimeout metric.Int64Counter
	exportDuration    metric.Float64Histogram
	exportRecords     metric.Int64Counter
	sinkSegments      metric.Int64Counter
}

// NewTrackerMetrics creates the tracker's metric instruments from the
// given meter.
func NewTrackerMetrics(mt metric.Meter) (*TrackerMetrics, error) {
	dropped, err := mt.Int64Counter(metricDroppedEvents,
		metric.WithDescription("Events dropped because a sink's flush channel was saturated"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricDroppedEvents, err)
	}

	contention, err := mt.Int64Counter(metricContentionTimeout,
		metric.WithDescription("Shard-map lock acquisitions that exceeded the configured timeout"),
		metric.WithUnit("{timeout}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricContentionTimeout, err)
	}

	exportDur, err := mt.Float64Histogram(metricExportDuration,
		metric.WithDescription("Wall-clock time to produce one JSON artifact"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(exportDurationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricExportDuration, err)
	}

	exportRecords, err := mt.Int64Counter(metricExportRecords,
		metric.WithDescription("Records written across all export artifacts"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricExportRecords, err)
	}

	segments, err := mt.Int64Counter(metricSinkSegments,
		metric.WithDescription("Spill segments written by per-thread sinks"),
		metric.WithUnit("{segment}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricSinkSegments, err)
	}

	return &TrackerMetrics{
		droppedEvents:     dropped,
		contentionTimeout: contention,
		exportDuration:    exportDur,
		exportRecords:     exportRecords,
		sinkSegments:      segments,
	}, nil
}

// RecordDroppedEvents adds n dropped events for sinkID to the counter.
func (tm *TrackerMetrics) RecordDroppedEvents(ctx context.Context, sinkID uint64, n int64) {
	if n == 0 {
		return
	}

	tm.droppedEvents.Add(ctx, n, metric.WithAttributes(
		attribute.Int64(attrSinkID, int64(sinkID)),
	))
}

// RecordContentionTimeout records one lock-acquisition timeout.
func (tm *TrackerMetrics) RecordContentionTimeout(ctx context.Context) {
	tm.contentionTimeout.Add(ctx, 1)
}

// RecordSinkSegment records one spill segment written by a sink.
func (tm *TrackerMetrics) RecordSinkSegment(ctx context.Context, sinkID uint64) {
	tm.sinkSegments.Add(ctx, 1, metric.WithAttributes(
		attribute.Int64(attrSinkID, int64(sinkID)),
	))
}

// RecordExport records one completed artifact export: its wall-clock
// duration, record count, and outcome.
func (tm *TrackerMetrics) RecordExport(ctx context.Context, artifact string, duration time.Duration, records int, err error) {
	status := statusOK
	if err != nil {
		status = statusError
	}

	attrs := metric.WithAttributes(
		attribute.String(attrArtifact, artifact),
		attribute.String(attrStatus, status),
	)

	tm.exportDuration.Record(ctx, duration.Seconds(), attrs)
	tm.exportRecords.Add(ctx, int64(records), attrs)
}
