package telemetry_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/memtrace/internal/telemetry"
)

func TestNewPrometheusHandler_ServesMetrics(t *testing.T) {
	t.Parallel()

	handler, meter, err := telemetry.NewPrometheusHandler()
	require.NoError(t, err)

	tm, err := telemetry.NewTrackerMetrics(meter)
	require.NoError(t, err)
	tm.RecordExport(context.Background(), "memory_analysis", 10*time.Millisecond, 5, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "memtrace_export_records_total")
}
