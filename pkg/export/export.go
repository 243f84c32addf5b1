// Package export implements C11, the parallel multi-file JSON exporter:
// five independent streaming passes over one binary trace, each producing
// a self-contained JSON artifact under a hard latency budget. Every
// producer reads its trace through pkg/trace's record-at-a-time Reader
// rather than a fully materialised record slice, so none of them holds
// more of the trace in memory than a handful of records and a few
// bounded aggregates at any point — the memory footprint is flat whether
// the trace holds a thousand records or ten million.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/corvid-labs/memtrace/pkg/trace"
)

// schemaVersion is the "version" header every emitted artifact carries.
const schemaVersion = 1

// artifactKinds lists the five suffixes, in the fixed order the spec's
// directory layout names them.
var artifactKinds = []string{
	"memory_analysis",
	"lifetime",
	"performance",
	"unsafe_ffi",
	"complex_types",
}

// producerFunc streams tracePath into outPath as one complete JSON
// artifact; tracePath itself is also the root object's source_trace value.
type producerFunc func(tracePath, outPath string) error

var producers = map[string]producerFunc{
	"memory_analysis": buildMemoryAnalysis,
	"lifetime":        buildLifetime,
	"performance":     buildPerformance,
	"unsafe_ffi":      buildUnsafeFFI,
	"complex_types":   buildComplexTypes,
}

// Export reads tracePath once per artifact (five independent streaming
// passes, run concurrently) and writes <outDir>/<baseName>/<baseName>_<kind>.json
// for each of the five kinds. A reader that hits a truncated trace does not
// fail the export: the corresponding artifact is still written, with
// "_truncated": true on its root object.
func Export(ctx context.Context, tracePath, baseName, outDir string) error {
	dir := filepath.Join(outDir, baseName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, kind := range artifactKinds {
		kind := kind
		fn := producers[kind]

		g.Go(func() error {
			outPath := filepath.Join(dir, fmt.Sprintf("%s_%s.json", baseName, kind))

			if err := fn(tracePath, outPath); err != nil {
				return fmt.Errorf("export %s: %w", kind, err)
			}

			if err := validateArtifact(kind, outPath); err != nil {
				return fmt.Errorf("export %s: %w", kind, err)
			}

			return nil
		})
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	return g.Wait()
}

// streamItems drives the shared streaming shape every items-array producer
// uses: open tracePath, walk it one record at a time via Reader.Next, hand
// each record to emit so it can write zero or more items, then close the
// root object with the truncation state the pass observed. A record read
// that fails before Reader.Next reports io.EOF marks the artifact
// truncated; so does a clean read that still leaves the trailing footer
// unreadable.
func streamItems(tracePath, outPath string, emit func(rec trace.Record, strs []string, stacks []trace.StackEntry, iw *itemsWriter) error) error {
	reader, strs, stacks, err := trace.Open(tracePath)
	if err != nil {
		return err
	}
	defer reader.Close()

	iw, err := createItemsWriter(outPath, tracePath)
	if err != nil {
		return err
	}

	truncated := false

	for {
		rec, nextErr := reader.Next()
		if nextErr != nil {
			if errors.Is(nextErr, io.EOF) {
				break
			}

			truncated = true

			break
		}

		if err := emit(rec, strs, stacks, iw); err != nil {
			_ = iw.Close(truncated)

			return err
		}
	}

	if !truncated && !reader.FooterValid() {
		truncated = true
	}

	return iw.Close(truncated)
}

// resolveString maps a wire-format id (0 = none, else stored id + 1) back
// to its interned string, mirroring the writer's optionalID shift.
func resolveString(strings []string, wireID uint32) (string, bool) {
	if wireID == 0 {
		return "", false
	}

	idx := int(wireID) - 1
	if idx < 0 || idx >= len(strings) {
		return "", false
	}

	return strings[idx], true
}

func resolveStack(stacks []trace.StackEntry, strings []string, wireID uint32) []string {
	if wireID == 0 {
		return nil
	}

	idx := int(wireID) - 1
	if idx < 0 || idx >= len(stacks) {
		return nil
	}

	out := make([]string, 0, len(stacks[idx].Frames))

	for _, f := range stacks[idx].Frames {
		// Stack-frame name ids are raw intern ids (unshifted): a frame
		// always names a function and file, so there is no "none" case
		// to encode here unlike the shifted Record fields.
		fn := indexOrEmpty(strings, f.FuncNameID)
		file := indexOrEmpty(strings, f.FileNameID)
		out = append(out, fmt.Sprintf("%s@%s:%d", fn, file, f.Line))
	}

	return out
}

func indexOrEmpty(strings []string, id uint32) string {
	if int(id) >= len(strings) {
		return ""
	}

	return strings[id]
}

func hasAnyFlag(flags uint32, want uint32) bool { return flags&want != 0 }
