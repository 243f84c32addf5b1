package commands

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/corvid-labs/memtrace/pkg/trace"
)

// NewStatCommand builds the "memtrace stat <trace>" command: prints the
// trace's header fields and string/stack/record section sizes as a table,
// without exporting anything.
func NewStatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stat <trace>",
		Short: "Print summary statistics for a binary trace file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStat(cmd.OutOrStdout(), args[0])
		},
	}

	return cmd
}

func runStat(w io.Writer, tracePath string) error {
	rec, err := trace.OpenWithRecovery(tracePath)
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	RecordDropped(rec.Header.Dropped)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Field", "Value"})

	t.AppendRows([]table.Row{
		{"version", rec.Header.Version},
		{"mode", modeString(rec.Header)},
		{"sampled", rec.Header.Sampled()},
		{"declared records", humanize.Comma(int64(rec.Header.RecordCount))},
		{"recovered records", humanize.Comma(int64(len(rec.Records)))},
		{"strings", humanize.Comma(int64(len(rec.Strings)))},
		{"stacks", humanize.Comma(int64(len(rec.Stacks)))},
		{"dropped events", humanize.Comma(int64(rec.Header.Dropped))},
		{"truncated", rec.Truncated},
	})

	t.Render()

	return nil
}

func modeString(h trace.Header) string {
	if h.UserOnly() {
		return "user_only"
	}

	return "full"
}
