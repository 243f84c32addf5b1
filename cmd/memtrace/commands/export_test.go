package commands_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/memtrace/cmd/memtrace/commands"
	"github.com/corvid-labs/memtrace/internal/config"
	"github.com/corvid-labs/memtrace/pkg/aggregator"
	"github.com/corvid-labs/memtrace/pkg/allochook"
	"github.com/corvid-labs/memtrace/pkg/eventsink"
	"github.com/corvid-labs/memtrace/pkg/trace"
)

func newTestTrace(t *testing.T) string {
	t.Helper()

	tr, err := aggregator.New(aggregator.Config{
		ShardCount:           2,
		HistoryCapacity:      100,
		PerThreadBufferBytes: 1 << 16,
		SpillDir:             t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, tr.Init())

	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })

	hook := allochook.New(tr.Registry, allochook.Config{SamplingRate: 1.0})
	sinkID := eventsink.SinkID(1)
	hook.Notify(sinkID, 0x1000, 64, allochook.KindAlloc)

	snap, err := tr.Snapshot(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, trace.Write(snap, trace.Full, &buf))

	path := filepath.Join(t.TempDir(), "sample.trace")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	return path
}

func TestExportCommand_WritesArtifacts(t *testing.T) {
	t.Parallel()

	tracePath := newTestTrace(t)
	outDir := t.TempDir()

	cfg := &config.Config{Tracker: config.TrackerConfig{OutputRoot: outDir}}

	cmd := commands.NewExportCommand(cfg)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{tracePath, outDir})

	require.NoError(t, cmd.Execute())

	base := "sample"
	entries, err := os.ReadDir(filepath.Join(outDir, base))
	require.NoError(t, err)
	require.Len(t, entries, 5, "expected all five artifacts")
}

func TestExportCommand_DefaultsOutDirFromConfig(t *testing.T) {
	t.Parallel()

	tracePath := newTestTrace(t)
	outDir := t.TempDir()

	cfg := &config.Config{Tracker: config.TrackerConfig{OutputRoot: outDir}}

	cmd := commands.NewExportCommand(cfg)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{tracePath})

	require.NoError(t, cmd.Execute())

	base := "sample"
	entries, err := os.ReadDir(filepath.Join(outDir, base))
	require.NoError(t, err)
	require.Len(t, entries, 5)
}
