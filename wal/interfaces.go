package wal

import (
	"time"

	"github.com/pkg/errors"

	"github.com/mit-pdos/logwal/common"
	"github.com/mit-pdos/logwal/disk"
)

// SegmentManager maps LSN-offset ranges to segments, opens them for
// write, and tracks the authoritative on-disk durable mark. package
// segment provides a concrete implementation; tests also use a fake that
// satisfies this interface to inject dead-zone responses
// deterministically.
type SegmentManager interface {
	GetDurableMark() (common.LSN, error)
	GetSegment(segNum common.SegNum) (common.SegmentDescriptor, error)
	AssignSegment(begin, end common.LSNOffset) (common.AssignResult, error)
	OpenForWrite(desc common.SegmentDescriptor) (disk.File, error)
	UpdateDurableMark(lsn common.LSN) error
}

// RingBuffer is the fixed-capacity byte window producers stage writes
// into and the writer daemon flushes out of. package ringbuf provides a
// concrete implementation.
type RingBuffer interface {
	WriteBuf(byteOffset, nbytes uint64) ([]byte, bool)
	ReadBuf(byteOffset, nbytes uint64) []byte
	AdvanceWriter(byteOffset uint64)
	AdvanceReader(byteOffset uint64)
	ReadBegin() uint64
	WriteEnd() uint64
	WindowSize() uint64
}

// Config holds the constructor-supplied tunables for an Allocator; there
// are no environment variables or flags.
type Config struct {
	// SegmentSize is the expected byte size of a single segment file. New
	// cross-checks it against what the segment manager actually reports
	// for segment 0, so a caller that misconfigures the two components
	// against each other fails fast instead of silently misaddressing
	// the log.
	SegmentSize uint64
	// NumSegments is the size of the fixed ring of recycled segment files.
	NumSegments uint32
	// MinLogBlockSize is the width of the red zone at the tail of every
	// segment.
	MinLogBlockSize uint64
	// RingBufferSize is the expected byte capacity of the ring buffer.
	// New cross-checks it against the RingBuffer's own WindowSize().
	RingBufferSize uint64
	// PayloadAlignment is the alignment producers' payload_bytes must
	// respect; must be a power of two.
	PayloadAlignment uint64
	// DurableMarkTimeout is how often the writer daemon refreshes the
	// on-disk durable mark even absent an explicit UpdateDurableMark call.
	DurableMarkTimeout time.Duration
	// RedZoneReserve is bytes of headroom, across all segments combined,
	// that Allocate refuses to cross. Zero disables the check.
	RedZoneReserve uint64
}

// DefaultConfig returns a Config populated from common's defaults.
func DefaultConfig() Config {
	return Config{
		SegmentSize:        common.DefaultSegmentSize,
		NumSegments:        common.DefaultNumSegments,
		MinLogBlockSize:    common.DefaultMinLogBlockSize,
		RingBufferSize:     common.DefaultRingBufferSize,
		PayloadAlignment:   common.DefaultPayloadAlignment,
		DurableMarkTimeout: common.DefaultDurableMarkTimeout,
		RedZoneReserve:     0,
	}
}

// Validate checks Config for nonsensical values.
func (c Config) Validate() error {
	if c.SegmentSize == 0 {
		return errors.New("wal: SegmentSize must be positive")
	}
	if c.NumSegments == 0 {
		return errors.New("wal: NumSegments must be positive")
	}
	if c.MinLogBlockSize == 0 {
		return errors.New("wal: MinLogBlockSize must be positive")
	}
	if c.RingBufferSize < c.MinLogBlockSize {
		return errors.Errorf("wal: RingBufferSize (%d) must be at least MinLogBlockSize (%d)",
			c.RingBufferSize, c.MinLogBlockSize)
	}
	if c.PayloadAlignment == 0 || c.PayloadAlignment&(c.PayloadAlignment-1) != 0 {
		return errors.New("wal: PayloadAlignment must be a power of two")
	}
	if c.DurableMarkTimeout <= 0 {
		return errors.New("wal: DurableMarkTimeout must be positive")
	}
	return nil
}

// Caller-facing errors. Recoverable internal conditions (dead zone,
// segment-edge filler, ring-buffer backpressure) never reach callers —
// only these do.
var (
	// ErrLogFull is returned by Allocate when Config.RedZoneReserve is
	// nonzero and admitting the request would cross into the reserved
	// headroom.
	ErrLogFull = errors.New("wal: log full")
	// ErrClosed is returned by an Allocate call that is already under way
	// when Close is called. Calling Allocate after Close is fatal.
	ErrClosed = errors.New("wal: allocator closed")
)
