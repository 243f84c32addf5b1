package export

import (
	"github.com/corvid-labs/memtrace/pkg/aggregator"
	"github.com/corvid-labs/memtrace/pkg/trace"
)

// unsafeFFIItem is one entry in unsafe_ffi.json: a record whose origin
// crossed an unsafe or foreign-function boundary, plus the call stack
// that produced it when one was captured.
type unsafeFFIItem struct {
	Ptr      uint64   `json:"ptr"`
	Size     uint64   `json:"size"`
	TypeName string   `json:"type_name,omitempty"`
	VarName  string   `json:"var_name,omitempty"`
	Unsafe   bool     `json:"unsafe_origin"`
	FFI      bool     `json:"ffi_origin"`
	Live     bool     `json:"live"`
	ThreadID uint32   `json:"thread_id"`
	Stack    []string `json:"stack,omitempty"`
}

func buildUnsafeFFI(tracePath, outPath string) error {
	return streamItems(tracePath, outPath, func(r trace.Record, strs []string, stacks []trace.StackEntry, iw *itemsWriter) error {
		unsafeOrigin := hasAnyFlag(r.Flags, aggregator.FlagUnsafeOrigin)
		ffiOrigin := hasAnyFlag(r.Flags, aggregator.FlagFFIOrigin)

		if !unsafeOrigin && !ffiOrigin {
			return nil
		}

		typeName, _ := resolveString(strs, r.TypeNameID)
		varName, _ := resolveString(strs, r.VarNameID)

		return iw.WriteItem(unsafeFFIItem{
			Ptr: r.Ptr, Size: r.Size, TypeName: typeName, VarName: varName,
			Unsafe: unsafeOrigin, FFI: ffiOrigin, Live: r.Live(), ThreadID: r.ThreadID,
			Stack: resolveStack(stacks, strs, r.StackID),
		})
	})
}
