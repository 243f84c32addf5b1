package export

import (
	"github.com/corvid-labs/memtrace/pkg/aggregator"
	"github.com/corvid-labs/memtrace/pkg/trace"
)

// memoryItem is one entry in memory_analysis.json: a live-or-recent
// allocation with its identifying and categorising fields resolved to
// plain strings.
type memoryItem struct {
	Ptr              uint64 `json:"ptr"`
	Size             uint64 `json:"size"`
	AllocTimestamp   uint64 `json:"alloc_timestamp"`
	DeallocTimestamp uint64 `json:"dealloc_timestamp,omitempty"`
	Live             bool   `json:"live"`
	ThreadID         uint32 `json:"thread_id"`
	VarName          string `json:"var_name,omitempty"`
	TypeName         string `json:"type_name,omitempty"`
	ScopeName        string `json:"scope_name,omitempty"`
	Leaked           bool   `json:"leaked"`
}

func buildMemoryAnalysis(tracePath, outPath string) error {
	return streamItems(tracePath, outPath, func(r trace.Record, strs []string, _ []trace.StackEntry, iw *itemsWriter) error {
		varName, hasVar := resolveString(strs, r.VarNameID)

		if !hasVar && !r.Live() {
			// A finalised allocation with no variable name is lifetime
			// noise here; it still appears in lifetime.json and
			// unsafe_ffi.json if relevant.
			return nil
		}

		typeName, _ := resolveString(strs, r.TypeNameID)
		scopeName, _ := resolveString(strs, r.ScopeNameID)

		return iw.WriteItem(memoryItem{
			Ptr:              r.Ptr,
			Size:             r.Size,
			AllocTimestamp:   r.AllocTimestamp,
			DeallocTimestamp: r.DeallocTimestamp,
			Live:             r.Live(),
			ThreadID:         r.ThreadID,
			VarName:          varName,
			TypeName:         typeName,
			ScopeName:        scopeName,
			Leaked:           hasAnyFlag(r.Flags, aggregator.FlagLeaked),
		})
	})
}
