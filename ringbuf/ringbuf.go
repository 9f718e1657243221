// Package ringbuf implements a fixed-capacity sliding byte window.
// wal.RingBuffer is satisfied structurally; no import of this package is
// required by wal itself.
//
// Reservation order is already serialized by the allocator's block list
// before WriteBuf is ever called, so the buffer itself only needs atomic
// cursors rather than a CAS race over a shared reservation counter.
package ringbuf

import (
	"sync/atomic"
)

// Buffer is a fixed-capacity byte window keyed by absolute byte offset.
// The backing array is sized to twice the capacity: any offset maps to
// data[off%capacity], and since every reservation is bounded by capacity,
// off%capacity+n never exceeds 2*capacity — so a window slice is always
// contiguous in the backing array even when the logical window wraps.
type Buffer struct {
	capacity uint64
	data     []byte

	writeEnd  atomic.Uint64 // advance_writer cursor
	readBegin atomic.Uint64 // advance_reader cursor
}

// New returns a Buffer with the given byte capacity.
func New(capacity uint64) *Buffer {
	return &Buffer{
		capacity: capacity,
		data:     make([]byte, 2*capacity),
	}
}

func (b *Buffer) index(off uint64) uint64 {
	return off % b.capacity
}

// WriteBuf reserves nbytes at byteOffset for the caller to write into
// directly. It returns (nil, false) if the reservation would exceed the
// window (byteOffset+nbytes above readBegin()+WindowSize()).
func (b *Buffer) WriteBuf(byteOffset, nbytes uint64) ([]byte, bool) {
	if byteOffset+nbytes > b.readBegin.Load()+b.capacity {
		return nil, false
	}
	idx := b.index(byteOffset)
	return b.data[idx : idx+nbytes], true
}

// ReadBuf returns a read-only view of nbytes starting at byteOffset.
// Callers (the writer daemon) only call this for ranges already below
// writeEnd, i.e. bytes some producer has finished writing into.
func (b *Buffer) ReadBuf(byteOffset, nbytes uint64) []byte {
	idx := b.index(byteOffset)
	return b.data[idx : idx+nbytes]
}

// AdvanceWriter moves the writer cursor forward to byteOffset. Producers do
// not call this themselves (they finish out of order); only the writer
// daemon advances it, once it has sequenced the flush.
func (b *Buffer) AdvanceWriter(byteOffset uint64) {
	b.writeEnd.Store(byteOffset)
}

// AdvanceReader moves the reader cursor forward to byteOffset, freeing that
// space for new reservations.
func (b *Buffer) AdvanceReader(byteOffset uint64) {
	b.readBegin.Store(byteOffset)
}

// ReadBegin returns the current reader cursor.
func (b *Buffer) ReadBegin() uint64 {
	return b.readBegin.Load()
}

// WriteEnd returns the current writer cursor.
func (b *Buffer) WriteEnd() uint64 {
	return b.writeEnd.Load()
}

// WindowSize returns the buffer's fixed byte capacity.
func (b *Buffer) WindowSize() uint64 {
	return b.capacity
}
