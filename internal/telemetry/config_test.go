package telemetry_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/corvid-labs/memtrace/internal/telemetry"
)

func TestDefaultConfig_HasSensibleDefaults(t *testing.T) {
	t.Parallel()

	cfg := telemetry.DefaultConfig()

	assert.Equal(t, "memtrace", cfg.ServiceName)
	assert.Equal(t, telemetry.ModeCLI, cfg.Mode)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, 5, cfg.ShutdownTimeoutSec)
	assert.Empty(t, cfg.OTLPEndpoint)
	assert.False(t, cfg.DebugTrace)
	assert.Empty(t, cfg.ServiceVersion)
	assert.Empty(t, cfg.Environment)
}
