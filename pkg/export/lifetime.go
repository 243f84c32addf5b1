package export

import (
	"github.com/corvid-labs/memtrace/pkg/trace"
)

// lifetimeEvent is one entry in lifetime.json: a single point in an
// allocation's life, suitable for plotting on a timeline. Each record
// contributes an "alloc" event and, if finalised, a "dealloc" event.
//
// Events are written in the trace's own record order, not globally sorted
// by timestamp: sorting the full event set would require materialising it,
// which defeats the point of a single streaming pass. Nothing in the
// artifact's consumers requires a sorted series — each event already
// carries its own timestamp for the caller to sort or bucket by.
type lifetimeEvent struct {
	Ptr       uint64 `json:"ptr"`
	Kind      string `json:"kind"` // "alloc" | "dealloc"
	Timestamp uint64 `json:"timestamp"`
	Size      uint64 `json:"size"`
	VarName   string `json:"var_name,omitempty"`
	TypeName  string `json:"type_name,omitempty"`
}

func buildLifetime(tracePath, outPath string) error {
	return streamItems(tracePath, outPath, func(r trace.Record, strs []string, _ []trace.StackEntry, iw *itemsWriter) error {
		varName, _ := resolveString(strs, r.VarNameID)
		typeName, _ := resolveString(strs, r.TypeNameID)

		if err := iw.WriteItem(lifetimeEvent{
			Ptr: r.Ptr, Kind: "alloc", Timestamp: r.AllocTimestamp,
			Size: r.Size, VarName: varName, TypeName: typeName,
		}); err != nil {
			return err
		}

		if !r.Live() {
			return iw.WriteItem(lifetimeEvent{
				Ptr: r.Ptr, Kind: "dealloc", Timestamp: r.DeallocTimestamp,
				Size: r.Size, VarName: varName, TypeName: typeName,
			})
		}

		return nil
	})
}
