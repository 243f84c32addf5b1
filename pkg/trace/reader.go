package trace

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/corvid-labs/memtrace/pkg/trackerr"
)

// Reader is a single-pass streaming decoder over a trace file. Its
// streaming memory is O(max string length + max stack depth), independent
// of RecordCount: Next reads exactly one fixed-size record per call.
type Reader struct {
	f      *os.File
	br     *bufio.Reader
	header Header
	read   uint64
	onWire bool // true once positioned at the start of the records section
}

// Open validates a trace file's magic and version and returns a Reader
// positioned to stream its records. It eagerly reads the header and the
// string/stack tables (both bounded by distinct content, not by
// RecordCount) so Header/Strings/Stacks are available before the first
// call to Next.
func Open(path string) (*Reader, []string, []StackEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, trackerr.IOError(path, err)
	}

	br := bufio.NewReaderSize(f, writeBufferSize)

	header, err := readHeader(br)
	if err != nil {
		f.Close()

		return nil, nil, nil, err
	}

	strings, err := readStringTable(br)
	if err != nil {
		f.Close()

		return nil, nil, nil, err
	}

	stacks, err := readStackTable(br)
	if err != nil {
		f.Close()

		return nil, nil, nil, err
	}

	return &Reader{f: f, br: br, header: header, onWire: true}, strings, stacks, nil
}

// Header returns the trace's fixed header fields without reading the
// body, for quick metadata queries (the "Indexed" access style).
func (r *Reader) Header() Header { return r.header }

// RecordCount returns the header's declared record count without reading
// the record body.
func (r *Reader) RecordCount() uint64 { return r.header.RecordCount }

// Next yields the next record in the stream, or io.EOF once RecordCount
// records have been read.
func (r *Reader) Next() (Record, error) {
	if r.read >= r.header.RecordCount {
		return Record{}, io.EOF
	}

	var buf [recordSize]byte

	if _, err := io.ReadFull(r.br, buf[:]); err != nil {
		return Record{}, fmt.Errorf("%w: record %d: %w", trackerr.ErrCorruptTrace, r.read, err)
	}

	r.read++

	return decodeRecord(buf[:]), nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}

// FooterValid reports whether the file ends with a well-formed footer,
// once the caller has read RecordCount records via Next. It reuses this
// Reader's own file handle and position rather than reopening the file, so
// a streaming caller can detect truncation with a single open/read pass.
func (r *Reader) FooterValid() bool {
	if r.read < r.header.RecordCount {
		return false
	}

	var buf [12]byte
	if _, err := io.ReadFull(r.br, buf[:]); err != nil {
		return false
	}

	return string(buf[0:4]) == FooterMagic
}

func readHeader(r io.Reader) (Header, error) {
	var buf [headerSize]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("%w: short header: %w", trackerr.ErrCorruptTrace, err)
	}

	if string(buf[0:4]) != Magic {
		return Header{}, fmt.Errorf("%w: bad magic", trackerr.ErrCorruptTrace)
	}

	version := getUint16(buf[4:6])
	if version != Version {
		return Header{}, fmt.Errorf("%w: version %d", trackerr.ErrUnsupportedVersion, version)
	}

	return Header{
		Version:        version,
		Flags:          getUint16(buf[6:8]),
		RecordCount:    getUint64(buf[8:16]),
		StringTableOff: getUint64(buf[16:24]),
		StackTableOff:  getUint64(buf[24:32]),
		RecordsOff:     getUint64(buf[32:40]),
		FooterOff:      getUint64(buf[40:48]),
		Dropped:        getUint64(buf[48:56]),
	}, nil
}

func readStringTable(r io.Reader) ([]string, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: string table count: %w", trackerr.ErrCorruptTrace, err)
	}

	count := getUint32(countBuf[:])
	out := make([]string, count)

	for i := range out {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("%w: string %d length: %w", trackerr.ErrCorruptTrace, i, err)
		}

		l := getUint32(lenBuf[:])
		data := make([]byte, l)

		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("%w: string %d body: %w", trackerr.ErrCorruptTrace, i, err)
		}

		out[i] = string(data)
	}

	return out, nil
}

func readStackTable(r io.Reader) ([]StackEntry, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: stack table count: %w", trackerr.ErrCorruptTrace, err)
	}

	count := getUint32(countBuf[:])
	out := make([]StackEntry, count)

	for i := range out {
		var depthBuf [4]byte
		if _, err := io.ReadFull(r, depthBuf[:]); err != nil {
			return nil, fmt.Errorf("%w: stack %d depth: %w", trackerr.ErrCorruptTrace, i, err)
		}

		depth := getUint32(depthBuf[:])
		frames := make([]StackFrame, depth)

		for j := range frames {
			var fb [frameSize]byte
			if _, err := io.ReadFull(r, fb[:]); err != nil {
				return nil, fmt.Errorf("%w: stack %d frame %d: %w", trackerr.ErrCorruptTrace, i, j, err)
			}

			frames[j] = StackFrame{
				FuncNameID: getUint32(fb[0:4]),
				FileNameID: getUint32(fb[4:8]),
				Line:       getUint32(fb[8:12]),
				IsUnsafe:   fb[12] != 0,
			}
		}

		out[i] = StackEntry{Frames: frames}
	}

	return out, nil
}

// Recovered is the result of OpenWithRecovery: the records successfully
// read before the first unreadable one, plus whether the file was
// detected as truncated (footer missing or a record read failed before
// RecordCount was reached).
type Recovered struct {
	Header    Header
	Strings   []string
	Stacks    []StackEntry
	Records   []Record
	Truncated bool
}

// OpenWithRecovery reads path one record at a time and stops cleanly at
// the first unreadable record rather than failing the whole file,
// reporting how many records were successfully recovered. A header whose
// magic or version fails validation is still a hard failure: recovery
// only covers a truncated body, not a corrupt header.
func OpenWithRecovery(path string) (Recovered, error) {
	r, strs, stacks, err := Open(path)
	if err != nil {
		return Recovered{}, err
	}
	defer r.Close()

	records := make([]Record, 0, r.header.RecordCount)
	truncated := false

	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			truncated = true

			break
		}

		records = append(records, rec)
	}

	if uint64(len(records)) < r.header.RecordCount {
		truncated = true
	} else if !hasValidFooter(path, r.header.FooterOff) {
		truncated = true
	}

	return Recovered{
		Header:    r.header,
		Strings:   strs,
		Stacks:    stacks,
		Records:   records,
		Truncated: truncated,
	}, nil
}

func hasValidFooter(path string, footerOff uint64) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	if _, err := f.Seek(int64(footerOff), io.SeekStart); err != nil {
		return false
	}

	var buf [12]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return false
	}

	return string(buf[0:4]) == FooterMagic
}

// VerifyChecksum reads path's full body (everything after the fixed
// header, up to the start of the footer) and
// compares its xxhash64 against the footer's stored value. It is a
// separate, optional pass from OpenWithRecovery because it requires a
// second full read of the file.
func VerifyChecksum(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, trackerr.IOError(path, err)
	}
	defer f.Close()

	header, err := readHeader(f)
	if err != nil {
		return false, err
	}

	if _, err := f.Seek(int64(headerSize), io.SeekStart); err != nil {
		return false, trackerr.IOError(path, err)
	}

	bodyLen := int64(header.FooterOff) - int64(headerSize)
	if bodyLen < 0 {
		return false, fmt.Errorf("%w: negative body length", trackerr.ErrCorruptTrace)
	}

	hasher := xxhash.New()
	if _, err := io.CopyN(hasher, f, bodyLen); err != nil {
		return false, fmt.Errorf("%w: %w", trackerr.ErrCorruptTrace, err)
	}

	if _, err := f.Seek(int64(header.FooterOff), io.SeekStart); err != nil {
		return false, trackerr.IOError(path, err)
	}

	var footerBuf [12]byte
	if _, err := io.ReadFull(f, footerBuf[:]); err != nil {
		return false, fmt.Errorf("%w: missing footer: %w", trackerr.ErrCorruptTrace, err)
	}

	if string(footerBuf[0:4]) != FooterMagic {
		return false, fmt.Errorf("%w: bad footer magic", trackerr.ErrCorruptTrace)
	}

	stored := getUint64(footerBuf[4:12])

	return stored == hasher.Sum64(), nil
}
