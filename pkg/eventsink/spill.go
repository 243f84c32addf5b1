package eventsink

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/pierrec/lz4/v4"

	"github.com/corvid-labs/memtrace/pkg/trackerr"
)

// segmentMagic tags a spill segment file so a stray file in the spill
// directory is detected rather than silently misread.
const segmentMagic = "MTSP"

// Segment references one sealed, on-disk spill file for a sink.
type Segment struct {
	SinkID SinkID
	Path   string
	Events int
}

// Spiller persists sealed sink buffers to lz4-compressed segment files
// under a directory, and reads them back for the snapshot aggregator.
// Compression here mirrors the teacher's internal/rbtree hibernation path
// (pierrec/lz4/v4), applied to the spill path rather than the wire trace
// format: spill segments are private working storage, never read by
// anything other than this package, so they are free to compress.
type Spiller struct {
	dir string
	seq atomic.Uint64
}

// NewSpiller constructs a Spiller rooted at dir, creating it if necessary.
func NewSpiller(dir string) (*Spiller, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, trackerr.IOError(dir, err)
	}

	return &Spiller{dir: dir}, nil
}

// Write compresses raw (a whole number of fixed-size event records) and
// writes it to a new segment file, returning a reference to it.
func (sp *Spiller) Write(id SinkID, raw []byte) (Segment, error) {
	n := sp.seq.Add(1)
	path := filepath.Join(sp.dir, fmt.Sprintf("sink-%d-%06d.seg", uint64(id), n))

	f, err := os.Create(path)
	if err != nil {
		return Segment{}, trackerr.IOError(path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(segmentMagic); err != nil {
		return Segment{}, trackerr.IOError(path, err)
	}

	var countBuf [8]byte

	events := len(raw) / recordSize
	binary.LittleEndian.PutUint64(countBuf[:], uint64(events))

	if _, err := f.Write(countBuf[:]); err != nil {
		return Segment{}, trackerr.IOError(path, err)
	}

	zw := lz4.NewWriter(f)

	if _, err := zw.Write(raw); err != nil {
		return Segment{}, trackerr.IOError(path, err)
	}

	if err := zw.Close(); err != nil {
		return Segment{}, trackerr.IOError(path, err)
	}

	return Segment{SinkID: id, Path: path, Events: events}, nil
}

// Read decompresses seg and decodes its events in order.
func (sp *Spiller) Read(seg Segment) ([]Event, error) {
	f, err := os.Open(seg.Path)
	if err != nil {
		return nil, trackerr.IOError(seg.Path, err)
	}
	defer f.Close()

	magic := make([]byte, len(segmentMagic))
	if _, err := io.ReadFull(f, magic); err != nil || string(magic) != segmentMagic {
		return nil, fmt.Errorf("%w: bad segment magic in %s", trackerr.ErrCorruptTrace, seg.Path)
	}

	var countBuf [8]byte
	if _, err := io.ReadFull(f, countBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %s", trackerr.ErrCorruptTrace, seg.Path)
	}

	count := binary.LittleEndian.Uint64(countBuf[:])

	zr := lz4.NewReader(f)

	raw := make([]byte, count*recordSize)
	if _, err := io.ReadFull(zr, raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", trackerr.ErrCorruptTrace, seg.Path, err)
	}

	events := make([]Event, count)
	for i := range events {
		events[i] = decode(raw[i*recordSize : (i+1)*recordSize])
	}

	return events, nil
}
