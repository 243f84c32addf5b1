package trace

import (
	"bufio"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/corvid-labs/memtrace/pkg/aggregator"
	"github.com/corvid-labs/memtrace/pkg/safeconv"
	"github.com/corvid-labs/memtrace/pkg/stackid"
	"github.com/corvid-labs/memtrace/pkg/trackerr"
)

// writeBufferSize is the buffered-writer size the writer uses internally
// when the caller passes a raw io.Writer, matching C9's "buffered output"
// throughput requirement.
const writeBufferSize = 1 << 16

// Write serialises snap to w in the binary trace format, per spec §6:
// header, then string table, then stack table, then the records section,
// then a footer with an xxhash64 checksum over everything written after
// the header. mode selects whether records without a variable name, live
// or finalised, are dropped (UserOnly) or all records are kept (Full).
func Write(snap aggregator.Snapshot, mode Mode, w io.Writer) error {
	bw := bufio.NewWriterSize(w, writeBufferSize)

	records := selectRecords(snap, mode)

	flags := uint16(0)
	if mode == UserOnly {
		flags |= FlagUserOnly
	}

	for _, r := range records {
		if r.Sampled {
			flags |= FlagSampled

			break
		}
	}

	stringTableOff := uint64(headerSize)

	stringTableBytes := encodeStringTable(snap.Strings)
	stackTableBytes := encodeStackTable(snap.Stacks)

	stackTableOff := stringTableOff + uint64(len(stringTableBytes))
	recordsOff := stackTableOff + uint64(len(stackTableBytes))
	footerOff := recordsOff + uint64(len(records))*recordSize

	header := Header{
		Version:        Version,
		Flags:          flags,
		RecordCount:    uint64(len(records)),
		StringTableOff: stringTableOff,
		StackTableOff:  stackTableOff,
		RecordsOff:     recordsOff,
		FooterOff:      footerOff,
		Dropped:        snap.Dropped,
	}

	hasher := xxhash.New()
	mw := io.MultiWriter(bw, hasher)

	if err := writeHeaderMagicAndFields(bw, header); err != nil {
		return trackerr.IOError("header", err)
	}

	if _, err := mw.Write(stringTableBytes); err != nil {
		return trackerr.IOError("string table", err)
	}

	if _, err := mw.Write(stackTableBytes); err != nil {
		return trackerr.IOError("stack table", err)
	}

	var recBuf [recordSize]byte

	for _, r := range records {
		encodeRecord(recBuf[:], r)

		if _, err := mw.Write(recBuf[:]); err != nil {
			return trackerr.IOError("records", err)
		}
	}

	if err := writeFooter(bw, hasher.Sum64()); err != nil {
		return trackerr.IOError("footer", err)
	}

	if err := bw.Flush(); err != nil {
		return trackerr.IOError("flush", err)
	}

	return nil
}

// writeHeaderMagicAndFields writes the header. It is not covered by the
// footer checksum, matching "checksum over body" in §6 — the header
// carries its own structural validation (magic + version) instead.
func writeHeaderMagicAndFields(w io.Writer, h Header) error {
	var buf [headerSize]byte

	copy(buf[0:4], Magic)
	putUint16(buf[4:6], h.Version)
	putUint16(buf[6:8], h.Flags)
	putUint64(buf[8:16], h.RecordCount)
	putUint64(buf[16:24], h.StringTableOff)
	putUint64(buf[24:32], h.StackTableOff)
	putUint64(buf[32:40], h.RecordsOff)
	putUint64(buf[40:48], h.FooterOff)
	putUint64(buf[48:56], h.Dropped)
	// Remaining 8 reserved bytes left zero.

	_, err := w.Write(buf[:])

	return err
}

func writeFooter(w io.Writer, checksum uint64) error {
	var buf [12]byte

	copy(buf[0:4], FooterMagic)
	putUint64(buf[4:12], checksum)

	_, err := w.Write(buf[:])

	return err
}

func encodeStringTable(strings []string) []byte {
	total := 4
	for _, s := range strings {
		total += 4 + len(s)
	}

	buf := make([]byte, total)
	putUint32(buf[0:4], safeconv.MustIntToUint32(len(strings)))

	off := 4

	for _, s := range strings {
		putUint32(buf[off:off+4], safeconv.MustIntToUint32(len(s)))
		off += 4
		copy(buf[off:off+len(s)], s)
		off += len(s)
	}

	return buf
}

func encodeStackTable(stacks []stackid.Stack) []byte {
	total := 4
	for _, s := range stacks {
		total += 4 + len(s.Frames)*frameSize
	}

	buf := make([]byte, total)
	putUint32(buf[0:4], safeconv.MustIntToUint32(len(stacks)))

	off := 4

	for _, s := range stacks {
		putUint32(buf[off:off+4], safeconv.MustIntToUint32(len(s.Frames)))
		off += 4

		for _, f := range s.Frames {
			putUint32(buf[off:off+4], uint32(f.FunctionNameID))
			putUint32(buf[off+4:off+8], uint32(f.FileNameID))
			putUint32(buf[off+8:off+12], f.Line)

			if f.IsUnsafe {
				buf[off+12] = 1
			}

			off += frameSize
		}
	}

	return buf
}

// selectRecords flattens a Snapshot's live set and history tail into the
// writer's Record type, applying mode's UserOnly filter.
func selectRecords(snap aggregator.Snapshot, mode Mode) []recordWithSampling {
	out := make([]recordWithSampling, 0, len(snap.Live)+len(snap.HistoryTail))

	for _, rec := range snap.Live {
		if mode == UserOnly && !rec.HasVarName {
			continue
		}

		out = append(out, recordWithSampling{
			Record: Record{
				Ptr:            rec.Ptr,
				Size:           rec.Size,
				AllocTimestamp: rec.AllocTimestamp,
				ThreadID:       rec.ThreadID,
				Flags:          rec.Flags,
				VarNameID:      optionalID(rec.VarNameID, rec.HasVarName),
				TypeNameID:     optionalID(rec.TypeNameID, rec.HasTypeName),
				ScopeNameID:    optionalID(rec.ScopeNameID, rec.HasScopeName),
				StackID:        optionalID(rec.StackID, rec.HasStackID),
				RefStrong:      rec.RefStrong,
				RefWeak:        rec.RefWeak,
			},
			Sampled: rec.Sampled,
		})
	}

	for _, rec := range snap.HistoryTail {
		if mode == UserOnly && !rec.HasVarName {
			continue
		}

		out = append(out, recordWithSampling{
			Record: Record{
				Ptr:              rec.Ptr,
				Size:             rec.Size,
				AllocTimestamp:   rec.AllocTimestamp,
				DeallocTimestamp: rec.DeallocTimestamp,
				ThreadID:         rec.ThreadID,
				Flags:            rec.Flags,
				VarNameID:        optionalID(rec.VarNameID, rec.HasVarName),
				TypeNameID:       optionalID(rec.TypeNameID, rec.HasTypeName),
				ScopeNameID:      optionalID(rec.ScopeNameID, rec.HasScopeName),
				StackID:          optionalID(rec.StackID, rec.HasStackID),
				RefStrong:        rec.RefStrong,
				RefWeak:          rec.RefWeak,
			},
		})
	}

	return out
}

// recordWithSampling carries the Sampled bit through to the writer's flag
// computation without polluting the on-disk Record type, which has no
// per-record sampling field (the header's global Sampled flag is set if
// any included record was produced under sampling).
type recordWithSampling struct {
	Record
	Sampled bool
}

func optionalID(id uint32, has bool) uint32 {
	if !has {
		return 0
	}
	// id 0 is a valid assigned id for strings/stacks in their own tables,
	// but the on-disk Record reserves 0 to mean "none" (per §6's
	// "varId u32 (0=none)"). Shift by one on the wire so a genuinely
	// id-0 string/stack is still representable.
	return id + 1
}
