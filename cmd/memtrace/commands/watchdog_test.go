package commands_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/corvid-labs/memtrace/cmd/memtrace/commands"
)

func TestStartMemoryWatchdog_NoSampleBeforeFirstTick(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	dropped := func() uint64 {
		calls++

		return uint64(calls)
	}

	commands.StartMemoryWatchdog(ctx, logger, dropped)

	time.Sleep(50 * time.Millisecond)
	cancel()
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, buf.String(), "no sample should fire before the first tick interval elapses")
}
