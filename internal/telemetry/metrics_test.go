package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/corvid-labs/memtrace/internal/telemetry"
)

func setupTestMeter(t *testing.T) (*telemetry.TrackerMetrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter("test")

	tm, err := telemetry.NewTrackerMetrics(meter)
	require.NoError(t, err)

	return tm, reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()

	var rm metricdata.ResourceMetrics

	require.NoError(t, reader.Collect(context.Background(), &rm))

	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for idx := range rm.ScopeMetrics {
		for midx := range rm.ScopeMetrics[idx].Metrics {
			if rm.ScopeMetrics[idx].Metrics[midx].Name == name {
				return &rm.ScopeMetrics[idx].Metrics[midx]
			}
		}
	}

	return nil
}

func TestTrackerMetrics_RecordDroppedEvents(t *testing.T) {
	t.Parallel()

	tm, reader := setupTestMeter(t)
	ctx := context.Background()

	tm.RecordDroppedEvents(ctx, 1, 5)

	rm := collectMetrics(t, reader)

	dropped := findMetric(rm, "memtrace.sink.dropped_events.total")
	require.NotNil(t, dropped, "memtrace.sink.dropped_events.total metric not found")
}

func TestTrackerMetrics_RecordDroppedEventsSkipsZero(t *testing.T) {
	t.Parallel()

	tm, reader := setupTestMeter(t)
	ctx := context.Background()

	tm.RecordDroppedEvents(ctx, 1, 0)

	rm := collectMetrics(t, reader)
	dropped := findMetric(rm, "memtrace.sink.dropped_events.total")
	require.Nil(t, dropped, "zero dropped events should not create a data point")
}

func TestTrackerMetrics_RecordContentionTimeout(t *testing.T) {
	t.Parallel()

	tm, reader := setupTestMeter(t)
	ctx := context.Background()

	tm.RecordContentionTimeout(ctx)

	rm := collectMetrics(t, reader)
	contention := findMetric(rm, "memtrace.shard.contention_timeout.total")
	require.NotNil(t, contention, "memtrace.shard.contention_timeout.total metric not found")
}

func TestTrackerMetrics_RecordExport(t *testing.T) {
	t.Parallel()

	tm, reader := setupTestMeter(t)
	ctx := context.Background()

	tm.RecordExport(ctx, "memory_analysis", 50*time.Millisecond, 1000, nil)
	tm.RecordExport(ctx, "lifetime", 10*time.Millisecond, 0, errors.New("boom"))

	rm := collectMetrics(t, reader)

	duration := findMetric(rm, "memtrace.export.duration.seconds")
	require.NotNil(t, duration, "memtrace.export.duration.seconds metric not found")

	records := findMetric(rm, "memtrace.export.records.total")
	require.NotNil(t, records, "memtrace.export.records.total metric not found")
}

func TestTrackerMetrics_RecordSinkSegment(t *testing.T) {
	t.Parallel()

	tm, reader := setupTestMeter(t)
	ctx := context.Background()

	tm.RecordSinkSegment(ctx, 3)

	rm := collectMetrics(t, reader)
	segments := findMetric(rm, "memtrace.sink.segments.total")
	require.NotNil(t, segments, "memtrace.sink.segments.total metric not found")
}

func TestNewTrackerMetrics_WithNoopMeter(t *testing.T) {
	t.Parallel()

	cfg := telemetry.DefaultConfig()

	providers, err := telemetry.Init(cfg)
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, providers.Shutdown(context.Background())) })

	tm, err := telemetry.NewTrackerMetrics(providers.Meter)
	require.NoError(t, err)
	assert.NotNil(t, tm)

	tm.RecordContentionTimeout(context.Background())
}
