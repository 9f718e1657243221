// Package segment implements the segment manager: it maps LSN offsets to
// segment descriptors, opens segment files for write, and holds the
// authoritative on-disk durable mark, giving the allocator and writer
// daemon in package wal a real collaborator to run against instead of
// just a test double.
//
// Segments tile the LSN-offset space contiguously and are recycled modulo
// numSegments, the way a single on-disk circular log recycles one fixed
// region, generalized here to a fixed ring of whole segment files instead
// of one.
package segment

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mit-pdos/logwal/common"
	"github.com/mit-pdos/logwal/disk"
)

// Manager implements wal.SegmentManager.
type Manager struct {
	mu sync.Mutex

	device      disk.Device
	segmentSize uint64
	numSegments uint32
	logger      *zap.Logger

	current []common.SegmentDescriptor // per-slot, indexed by SegNum
	files   []disk.File                // open write handle per slot, nil if closed

	durableMark common.LSN
}

// NewManager returns a Manager whose numSegments slots are primed to
// cover [0, segmentSize), [segmentSize, 2*segmentSize), ... — the state a
// real recovery pass would otherwise reconstruct from on-disk headers.
func NewManager(device disk.Device, segmentSize uint64, numSegments uint32, logger *zap.Logger) (*Manager, error) {
	if segmentSize == 0 || numSegments == 0 {
		return nil, errors.New("segment: segmentSize and numSegments must be positive")
	}
	m := &Manager{
		device:      device,
		segmentSize: segmentSize,
		numSegments: numSegments,
		logger:      logger,
		current:     make([]common.SegmentDescriptor, numSegments),
		files:       make([]disk.File, numSegments),
	}
	for i := uint32(0); i < numSegments; i++ {
		start := uint64(i) * segmentSize
		m.current[i] = common.SegmentDescriptor{
			SegNum:      i,
			StartOffset: start,
			EndOffset:   start + segmentSize,
			ByteOffset:  start,
		}
	}
	return m, nil
}

func segmentFileName(segNum common.SegNum) string {
	return fmt.Sprintf("segment-%04d.log", segNum)
}

const (
	durableMarkFile    = "durable-mark"
	durableMarkTmpFile = "durable-mark.tmp"
)

// AssignSegment maps [begin, end) to the segment that owns begin. This
// reference implementation tiles the LSN-offset space with no
// inter-segment gaps, so it never returns a nil Segment; the dead-zone
// path in wal.Allocator is exercised against a fake SegmentManager in
// tests instead.
func (m *Manager) AssignSegment(begin, end common.LSNOffset) (common.AssignResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	segIdx := begin / m.segmentSize
	segStart := segIdx * m.segmentSize
	segEnd := segStart + m.segmentSize
	segNum := common.SegNum(segIdx % uint64(m.numSegments))

	desc := common.SegmentDescriptor{
		SegNum:      segNum,
		StartOffset: segStart,
		EndOffset:   segEnd,
		ByteOffset:  segStart,
	}
	if m.current[segNum] != desc {
		m.logger.Debug("segment: installing slot",
			zap.Uint32("segnum", segNum),
			zap.Uint64("start", segStart),
			zap.Uint64("end", segEnd))
		m.current[segNum] = desc
	}
	return common.AssignResult{Segment: &desc, FullSize: end <= segEnd}, nil
}

// GetSegment returns the descriptor currently occupying slot segNum.
func (m *Manager) GetSegment(segNum common.SegNum) (common.SegmentDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(segNum) >= len(m.current) {
		return common.SegmentDescriptor{}, errors.Errorf("segment: segnum %d out of range [0,%d)", segNum, len(m.current))
	}
	return m.current[segNum], nil
}

// OpenForWrite opens (or reopens) the file backing desc's slot, sized to
// hold a full segment.
func (m *Manager) OpenForWrite(desc common.SegmentDescriptor) (disk.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old := m.files[desc.SegNum]; old != nil {
		if err := old.Close(); err != nil {
			m.logger.Warn("segment: error closing previous handle", zap.Error(err))
		}
	}
	f, err := m.device.Open(segmentFileName(desc.SegNum), int64(m.segmentSize))
	if err != nil {
		return nil, errors.Wrapf(err, "open segment %d for write", desc.SegNum)
	}
	m.files[desc.SegNum] = f
	return f, nil
}

// GetDurableMark returns the last LSN UpdateDurableMark recorded.
func (m *Manager) GetDurableMark() (common.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durableMark, nil
}

// UpdateDurableMark persists lsn as the new on-disk durable mark. It
// writes the new value to a temporary file, fsyncs it, and renames it
// over the live durable-mark file, so a crash mid-update leaves either
// the old mark or the new one on disk, never a torn record.
func (m *Manager) UpdateDurableMark(lsn common.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tmp, err := m.device.Open(durableMarkTmpFile, 12)
	if err != nil {
		return errors.Wrap(err, "open durable-mark tmp file")
	}
	var buf [12]byte
	putUint32(buf[0:4], lsn.SegNum)
	putUint64(buf[4:12], lsn.Offset)
	if _, err := tmp.WriteAt(buf[:], 0); err != nil {
		return errors.Wrap(err, "write durable-mark tmp")
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "sync durable-mark tmp")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close durable-mark tmp")
	}
	if err := m.device.Rename(durableMarkTmpFile, durableMarkFile); err != nil {
		return errors.Wrap(err, "rename durable-mark tmp into place")
	}
	m.durableMark = lsn
	return nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
