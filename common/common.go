// Package common holds the types and tunables shared by every package in
// this module: the log's address space, segment numbering, and the
// constructor-supplied tunable defaults.
package common

import "time"

// LSNOffset is an absolute, monotone byte position in the logical,
// segment-agnostic log.
type LSNOffset = uint64

// SegNum identifies a segment file, modulo NumSegments.
type SegNum = uint32

// LSN is a log sequence number: an LSNOffset stamped with the segment that
// contains it.
type LSN struct {
	SegNum SegNum
	Offset LSNOffset
}

func (l LSN) String() string {
	return "LSN{" + itoa(uint64(l.SegNum)) + "," + itoa(l.Offset) + "}"
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// SegmentDescriptor describes one segment: the LSN-offset range it
// covers, its segment number, and the absolute ring-buffer byte position
// of its start offset.
type SegmentDescriptor struct {
	SegNum      SegNum
	StartOffset LSNOffset
	EndOffset   LSNOffset // exclusive
	ByteOffset  uint64    // ring-buffer byte position of StartOffset
}

// FileOffset is the segment manager's offset(lsn) pure function: the
// position within the segment file that lsnOffset maps to.
func (s SegmentDescriptor) FileOffset(lsnOffset LSNOffset) int64 {
	return int64(lsnOffset - s.StartOffset)
}

// BufOffset is the segment manager's buf_offset(lsn) pure function: the
// position within the ring buffer that lsnOffset maps to.
func (s SegmentDescriptor) BufOffset(lsnOffset LSNOffset) uint64 {
	return s.ByteOffset + (lsnOffset - s.StartOffset)
}

// Contains reports whether lsnOffset falls within [StartOffset, EndOffset).
func (s SegmentDescriptor) Contains(lsnOffset LSNOffset) bool {
	return lsnOffset >= s.StartOffset && lsnOffset < s.EndOffset
}

// AssignResult is the outcome of mapping an [begin, end) LSN-offset range
// to a segment.
type AssignResult struct {
	// Segment is nil when the range fell in an inter-segment dead zone.
	Segment *SegmentDescriptor
	// FullSize is true when the range fits entirely inside Segment.
	FullSize bool
}

// Default tunables, overridable via wal.Config.
const (
	// DefaultSegmentSize is the size, in bytes, of one on-disk segment file.
	DefaultSegmentSize = 64 << 20 // 64 MiB

	// DefaultNumSegments is NUM_LOG_SEGMENTS: the size of the fixed ring of
	// recycled segment files.
	DefaultNumSegments = 4

	// DefaultMinLogBlockSize is MIN_LOG_BLOCK_SIZE: the width of the red
	// zone at the tail of every segment.
	DefaultMinLogBlockSize = 4096

	// DefaultRingBufferSize is the byte capacity of the in-memory staging
	// window.
	DefaultRingBufferSize = 16 << 20 // 16 MiB

	// DefaultPayloadAlignment is the alignment producers' payload_bytes
	// must respect.
	DefaultPayloadAlignment = 8

	// DefaultDurableMarkTimeout is how often the writer daemon refreshes
	// the on-disk durable mark absent an explicit request to do so.
	DefaultDurableMarkTimeout = 100 * time.Millisecond
)
