// Package trace implements the binary trace writer (C9) and reader (C10):
// the self-describing on-disk representation described in spec §6,
// little-endian throughout, with fixed-width record fields chosen (over
// varint) so the streaming reader can compute record offsets in O(1) and
// report RecordCount before reading any record body.
package trace

import "encoding/binary"

// Magic identifies a memtrace binary trace file.
const Magic = "MSCP"

// FooterMagic identifies the trailing footer.
const FooterMagic = "EOMS"

// Version is the current trace format version this package writes and
// reads.
const Version uint16 = 1

// Mode selects which records a writer includes.
type Mode uint8

const (
	// Full writes every record regardless of variable-name association.
	Full Mode = iota
	// UserOnly writes only records with var_name_id set.
	UserOnly
)

// Flag bits in the header's Flags field.
const (
	FlagUserOnly uint16 = 1 << 0
	FlagSampled  uint16 = 1 << 1
)

// headerSize is the fixed byte length of the file header.
const headerSize = 4 + 2 + 2 + 8 + 8 + 8 + 8 + 8 + 16

// recordSize is the fixed byte length of one on-disk Record.
const recordSize = 8 + 8 + 8 + 8 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4

// frameSize is the fixed byte length of one stack frame entry: three u32
// fields (function name id, file name id, line) followed by a one-byte
// is_unsafe flag.
const frameSize = 4 + 4 + 4 + 1

// Header mirrors the trace file's fixed header section.
type Header struct {
	Version        uint16
	Flags          uint16
	RecordCount    uint64
	StringTableOff uint64
	StackTableOff  uint64
	RecordsOff     uint64
	FooterOff      uint64
	// Dropped is the number of events the tracker discarded before this
	// trace was written (sink buffer overrun or a suppressed sink), per
	// aggregator.Snapshot.Dropped. Stored in the first 8 of the header's
	// 16 reserved bytes; the remaining 8 stay reserved.
	Dropped uint64
}

// UserOnly reports whether the header's UserOnly flag bit is set.
func (h Header) UserOnly() bool { return h.Flags&FlagUserOnly != 0 }

// Sampled reports whether the header's Sampled flag bit is set.
func (h Header) Sampled() bool { return h.Flags&FlagSampled != 0 }

// Record is one fixed-layout allocation record as stored on disk.
type Record struct {
	Ptr              uint64
	Size             uint64
	AllocTimestamp   uint64
	DeallocTimestamp uint64 // 0 if live
	ThreadID         uint32
	Flags            uint32
	VarNameID        uint32 // 0 = none
	TypeNameID       uint32
	ScopeNameID      uint32
	StackID          uint32 // 0 = none
	RefStrong        uint32
	RefWeak          uint32
}

// Live reports whether the record had no dealloc timestamp at write time.
func (r Record) Live() bool { return r.DeallocTimestamp == 0 }

// StackFrame is one frame of a stack-table entry.
type StackFrame struct {
	FuncNameID uint32
	FileNameID uint32
	Line       uint32
	IsUnsafe   bool
}

// StackEntry is one stack-table entry: an ordered frame sequence.
type StackEntry struct {
	Frames []StackFrame
}

func putUint64(dst []byte, v uint64) { binary.LittleEndian.PutUint64(dst, v) }
func putUint32(dst []byte, v uint32) { binary.LittleEndian.PutUint32(dst, v) }
func putUint16(dst []byte, v uint16) { binary.LittleEndian.PutUint16(dst, v) }

func getUint64(src []byte) uint64 { return binary.LittleEndian.Uint64(src) }
func getUint32(src []byte) uint32 { return binary.LittleEndian.Uint32(src) }
func getUint16(src []byte) uint16 { return binary.LittleEndian.Uint16(src) }

func encodeRecord(dst []byte, r Record) {
	_ = dst[recordSize-1]

	putUint64(dst[0:8], r.Ptr)
	putUint64(dst[8:16], r.Size)
	putUint64(dst[16:24], r.AllocTimestamp)
	putUint64(dst[24:32], r.DeallocTimestamp)
	putUint32(dst[32:36], r.ThreadID)
	putUint32(dst[36:40], r.Flags)
	putUint32(dst[40:44], r.VarNameID)
	putUint32(dst[44:48], r.TypeNameID)
	putUint32(dst[48:52], r.ScopeNameID)
	putUint32(dst[52:56], r.StackID)
	putUint32(dst[56:60], r.RefStrong)
	putUint32(dst[60:64], r.RefWeak)
}

func decodeRecord(src []byte) Record {
	_ = src[recordSize-1]

	return Record{
		Ptr:              getUint64(src[0:8]),
		Size:             getUint64(src[8:16]),
		AllocTimestamp:   getUint64(src[16:24]),
		DeallocTimestamp: getUint64(src[24:32]),
		ThreadID:         getUint32(src[32:36]),
		Flags:            getUint32(src[36:40]),
		VarNameID:        getUint32(src[40:44]),
		TypeNameID:       getUint32(src[44:48]),
		ScopeNameID:      getUint32(src[48:52]),
		StackID:          getUint32(src[52:56]),
		RefStrong:        getUint32(src[56:60]),
		RefWeak:          getUint32(src[60:64]),
	}
}
