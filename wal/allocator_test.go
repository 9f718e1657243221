package wal

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/mit-pdos/logwal/common"
	"github.com/mit-pdos/logwal/disk"
	"github.com/mit-pdos/logwal/ringbuf"
	"github.com/mit-pdos/logwal/segment"
)

func newTestAllocator(t *testing.T, cfg Config) (*Allocator, *segment.Manager, disk.Device) {
	t.Helper()
	device := disk.NewMemDevice()
	segMgr, err := segment.NewManager(device, 4096, cfg.NumSegments, zap.NewNop())
	assert.NoError(t, err)
	ring := ringbuf.New(8192)
	cfg.SegmentSize = 4096
	cfg.RingBufferSize = 8192

	a, err := New(cfg, segMgr, ring, zap.NewNop())
	assert.NoError(t, err)
	return a, segMgr, device
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestAllocateReleaseBecomesDurable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumSegments = 2
	cfg.MinLogBlockSize = 128
	a, _, _ := newTestAllocator(t, cfg)
	defer a.Close()

	alloc, err := a.Allocate(1, 32)
	assert.NoError(t, err)
	assert.NotNil(t, alloc)

	payload := alloc.PayloadBytes()
	assert.Len(t, payload, 32)
	for i := range payload {
		payload[i] = byte(i)
	}

	frontier := a.CurLSNOffset()
	a.Release(alloc)

	a.WaitForDurable(frontier)
	assert.GreaterOrEqual(t, a.DurLSNOffset(), frontier)
}

func TestUpdateDurableMarkPersists(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumSegments = 2
	cfg.MinLogBlockSize = 128
	a, segMgr, _ := newTestAllocator(t, cfg)
	defer a.Close()

	alloc, err := a.Allocate(1, 16)
	assert.NoError(t, err)
	frontier := a.CurLSNOffset()
	a.Release(alloc)

	err = a.UpdateDurableMark(frontier)
	assert.NoError(t, err)

	mark, err := segMgr.GetDurableMark()
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, mark.Offset, frontier)
}

func TestMultipleProducersDoNotCorruptTheFrontier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumSegments = 4
	cfg.MinLogBlockSize = 128
	a, _, _ := newTestAllocator(t, cfg)
	defer a.Close()

	const n = 20
	done := make(chan common.LSNOffset, n)
	for i := 0; i < n; i++ {
		go func() {
			alloc, err := a.Allocate(1, 16)
			assert.NoError(t, err)
			copy(alloc.PayloadBytes(), []byte("payload-bytes-ok"))
			done <- alloc.LSNOffset()
			a.Release(alloc)
		}()
	}

	seen := make(map[common.LSNOffset]bool, n)
	for i := 0; i < n; i++ {
		off := <-done
		assert.False(t, seen[off], "lsn offset %d handed out twice", off)
		seen[off] = true
	}

	waitFor(t, func() bool { return a.DurLSNOffset() >= a.CurLSNOffset() })
}

func TestRedZoneReserveRejectsOverCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumSegments = 1
	cfg.MinLogBlockSize = 64
	cfg.RedZoneReserve = 4096 - 64 // leave only 64 bytes of headroom
	a, _, _ := newTestAllocator(t, cfg)
	defer a.Close()

	_, err := a.Allocate(1, 2000)
	assert.ErrorIs(t, err, ErrLogFull)
}

func TestCloseStopsTheDaemon(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumSegments = 2
	cfg.MinLogBlockSize = 128
	a, _, _ := newTestAllocator(t, cfg)

	alloc, err := a.Allocate(1, 16)
	assert.NoError(t, err)
	a.Release(alloc)

	assert.NoError(t, a.Close())

	_, err = a.Allocate(1, 16)
	assert.ErrorIs(t, err, ErrClosed)
}

// deadZoneOnceManager wraps a real segment.Manager but returns a nil
// Segment the first time AssignSegment is called for a given begin
// offset, exercising Allocate's dead-zone retry path without needing a
// segment manager that actually produces gaps.
type deadZoneOnceManager struct {
	*segment.Manager
	tripped map[common.LSNOffset]bool
}

func (m *deadZoneOnceManager) AssignSegment(begin, end common.LSNOffset) (common.AssignResult, error) {
	if !m.tripped[begin] {
		m.tripped[begin] = true
		return common.AssignResult{Segment: nil}, nil
	}
	return m.Manager.AssignSegment(begin, end)
}

func TestDeadZoneResponseIsRetried(t *testing.T) {
	device := disk.NewMemDevice()
	real, err := segment.NewManager(device, 4096, 2, zap.NewNop())
	assert.NoError(t, err)
	fake := &deadZoneOnceManager{Manager: real, tripped: make(map[common.LSNOffset]bool)}

	ring := ringbuf.New(8192)
	cfg := DefaultConfig()
	cfg.NumSegments = 2
	cfg.MinLogBlockSize = 128
	cfg.SegmentSize = 4096
	cfg.RingBufferSize = 8192

	a, err := New(cfg, fake, ring, zap.NewNop())
	assert.NoError(t, err)
	defer a.Close()

	alloc, err := a.Allocate(1, 16)
	assert.NoError(t, err, "Allocate must transparently retry past a dead-zone response")
	assert.NotNil(t, alloc)
	a.Release(alloc)
}

func TestRingBufferBackpressureBlocksAllocateUntilDrained(t *testing.T) {
	device := disk.NewMemDevice()
	segMgr, err := segment.NewManager(device, 4096, 1, zap.NewNop())
	assert.NoError(t, err)
	ring := ringbuf.New(256)

	cfg := DefaultConfig()
	cfg.NumSegments = 1
	cfg.MinLogBlockSize = 8
	cfg.SegmentSize = 4096
	cfg.RingBufferSize = 256

	a, err := New(cfg, segMgr, ring, zap.NewNop())
	assert.NoError(t, err)
	defer a.Close()

	blockNbytes := blockSize(0, cfg.PayloadAlignment)

	// Five empty blocks (blockNbytes each) just fit the 256-byte ring; a
	// sixth cannot until one of the first five is released and flushed.
	allocs := make([]*Allocation, 0, 5)
	for i := 0; i < 5; i++ {
		alloc, err := a.Allocate(1, 0)
		assert.NoError(t, err)
		allocs = append(allocs, alloc)
	}

	type result struct {
		alloc *Allocation
		err   error
	}
	done := make(chan result, 1)
	go func() {
		alloc, err := a.Allocate(1, 0)
		done <- result{alloc, err}
	}()

	select {
	case <-done:
		t.Fatal("Allocate returned before ring buffer backpressure was relieved")
	case <-time.After(150 * time.Millisecond):
	}

	a.Release(allocs[0])

	select {
	case r := <-done:
		assert.NoError(t, r.err)
		assert.Equal(t, common.LSNOffset(5)*blockNbytes, r.alloc.LSNOffset())
		a.Release(r.alloc)
	case <-time.After(2 * time.Second):
		t.Fatal("Allocate never returned after releasing backpressure")
	}

	for _, alloc := range allocs[1:] {
		a.Release(alloc)
	}
}

// TestSegmentEdgeFillerLandsNextAllocationAtBoundary drives a short-fit
// filler end to end: a request that would straddle the segment boundary
// is downgraded to a skip-only block covering exactly the remaining
// space, and the following allocation lands precisely at the next
// segment's start offset, verified against both in-memory accounting and
// the bytes the writer daemon actually persisted.
func TestSegmentEdgeFillerLandsNextAllocationAtBoundary(t *testing.T) {
	device := disk.NewMemDevice()
	segMgr, err := segment.NewManager(device, 1024, 2, zap.NewNop())
	assert.NoError(t, err)
	ring := ringbuf.New(4096)

	cfg := DefaultConfig()
	cfg.NumSegments = 2
	cfg.MinLogBlockSize = 128
	cfg.SegmentSize = 1024
	cfg.RingBufferSize = 4096

	a, err := New(cfg, segMgr, ring, zap.NewNop())
	assert.NoError(t, err)
	defer a.Close()

	// 912 payload bytes -> a 960-byte block, leaving 64 bytes before the
	// 1024-byte segment boundary. first is kept live (not yet released)
	// so the writer daemon cannot flush ahead of it while the next
	// allocation is still deciding whether it needs a filler.
	first, err := a.Allocate(1, 912)
	assert.NoError(t, err)
	assert.Equal(t, common.LSNOffset(0), first.LSNOffset())

	// This request's natural size (152 bytes) overruns the remaining 64
	// bytes of segment 0, forcing a short-fit filler that consumes
	// exactly those 64 bytes before Allocate retries and lands here.
	second, err := a.Allocate(1, 100)
	assert.NoError(t, err)
	assert.Equal(t, common.LSNOffset(1024), second.LSNOffset(),
		"allocation after a segment-edge filler must land exactly on the next segment's boundary")
	assert.Equal(t, common.SegNum(1), second.LSN().SegNum)

	a.Release(first)
	a.Release(second)

	target := second.LSNOffset() + blockSize(100, cfg.PayloadAlignment)
	assert.NoError(t, a.UpdateDurableMark(target))

	seg0, err := segMgr.GetSegment(0)
	assert.NoError(t, err)
	f0, err := segMgr.OpenForWrite(seg0)
	assert.NoError(t, err)
	fillerTail := make([]byte, skipRecordSize)
	_, err = f0.ReadAt(fillerTail, 1024-skipRecordSize)
	assert.NoError(t, err)
	assert.Equal(t, skipRecordType, fillerTail[0], "segment 0's tail must hold a skip record")
	assert.Equal(t, common.LSNOffset(1024), skipRecordNextLSNOffset(fillerTail),
		"the filler's skip record must point at the next segment's start offset")

	seg1, err := segMgr.GetSegment(1)
	assert.NoError(t, err)
	f1, err := segMgr.OpenForWrite(seg1)
	assert.NoError(t, err)
	header := make([]byte, headerSize)
	_, err = f1.ReadAt(header, 0)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1024), binary.LittleEndian.Uint64(header[0:8]), "on-disk header LSN offset")
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(header[8:12]), "on-disk header segment number")
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(header[12:16]), "on-disk header record count")
}
