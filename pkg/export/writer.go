package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// exportBufferSize is the buffered-writer size each producer uses, matching
// pkg/trace's own write-buffer budget so neither side of a streaming pass
// is the bottleneck.
const exportBufferSize = 1 << 16

// itemsWriter streams a {"version","source_trace","items":[...]} root
// object to disk one item at a time: a producer holds at most one item's
// worth of the trace in memory at any point, regardless of how many
// records it has already written or has left to write.
type itemsWriter struct {
	f     *os.File
	w     *bufio.Writer
	wrote bool
}

func createItemsWriter(path, sourceTrace string) (*itemsWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	w := bufio.NewWriterSize(f, exportBufferSize)

	sourceJSON, err := json.Marshal(sourceTrace)
	if err != nil {
		f.Close()

		return nil, err
	}

	if _, err := fmt.Fprintf(w, `{"version":%d,"source_trace":%s,"items":[`, schemaVersion, sourceJSON); err != nil {
		f.Close()

		return nil, err
	}

	return &itemsWriter{f: f, w: w}, nil
}

// WriteItem marshals and appends one item to the array, comma-separating
// it from whatever was written before.
func (iw *itemsWriter) WriteItem(item any) error {
	if iw.wrote {
		if err := iw.w.WriteByte(','); err != nil {
			return err
		}
	}

	b, err := json.Marshal(item)
	if err != nil {
		return err
	}

	if _, err := iw.w.Write(b); err != nil {
		return err
	}

	iw.wrote = true

	return nil
}

// Close terminates the array and root object, appending "_truncated":true
// when truncated is set, flushes, and closes the underlying file. It must
// be called exactly once, whether or not writing items succeeded, so the
// file is always left with a syntactically complete JSON document.
func (iw *itemsWriter) Close(truncated bool) error {
	defer iw.f.Close()

	if _, err := iw.w.WriteString("]"); err != nil {
		return err
	}

	if truncated {
		if _, err := iw.w.WriteString(`,"_truncated":true`); err != nil {
			return err
		}
	}

	if _, err := iw.w.WriteString("}"); err != nil {
		return err
	}

	return iw.w.Flush()
}

// writeMetricsRoot writes a {"version","source_trace","metrics":{...}} root
// object in a single call. Unlike the items artifacts, a metrics body is a
// bounded aggregate (histogram buckets, type counts) rather than
// per-record data, so marshalling it whole stays within the same streaming
// memory budget: its size depends on distinct type count and bucket count,
// never on record count.
func writeMetricsRoot(path, sourceTrace string, metrics any, truncated bool) error {
	root := map[string]any{
		"version":      schemaVersion,
		"source_trace": sourceTrace,
		"metrics":      metrics,
	}

	if truncated {
		root["_truncated"] = true
	}

	b, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, b, 0o644)
}
