package wal

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mit-pdos/logwal/common"
	"github.com/mit-pdos/logwal/util"
)

// Allocation is a reserved, in-progress log block returned by Allocate.
// The caller owns PayloadBytes() exclusively until it calls Release or
// Discard.
type Allocation struct {
	a *Allocator
	n *node
}

// LSN is this allocation's stamped log sequence number.
func (x *Allocation) LSN() common.LSN {
	return common.LSN{SegNum: x.n.segment.SegNum, Offset: x.n.lsnOffset}
}

// LSNOffset is this allocation's inclusive start offset.
func (x *Allocation) LSNOffset() common.LSNOffset {
	return x.n.lsnOffset
}

// PayloadBytes returns the byte range the caller may write its encoded
// records into, excluding the block header and trailing skip record.
func (x *Allocation) PayloadBytes() []byte {
	start, end := payloadBounds(uint64(len(x.n.block)))
	return x.n.block[start:end]
}

// Allocator is the public producer-side API.
type Allocator struct {
	cfg         Config
	segments    SegmentManager
	ring        RingBuffer
	logger      *zap.Logger
	segmentSize uint64

	list *blockList
	wm   *watermark

	shutdownRequested atomic.Bool
	closed            atomic.Bool

	daemonDone chan struct{}
	tickerStop chan struct{}
	tickerDone chan struct{}
}

// New constructs an Allocator and starts its writer daemon. startOffset
// and the initial segment come from segments.GetDurableMark(): the list is
// primed with a dead sentinel at that offset, exactly mirroring a freshly
// recovered log where nothing is yet outstanding.
func New(cfg Config, segments SegmentManager, ring RingBuffer, logger *zap.Logger) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		var err error
		logger, err = util.NewLogger(false)
		if err != nil {
			return nil, err
		}
	}

	mark, err := segments.GetDurableMark()
	if err != nil {
		return nil, err
	}
	seg0, err := segments.GetSegment(0)
	if err != nil {
		return nil, err
	}
	segmentSize := seg0.EndOffset - seg0.StartOffset
	if segmentSize != cfg.SegmentSize {
		return nil, errors.Errorf("wal: Config.SegmentSize (%d) does not match segment manager's actual segment size (%d)",
			cfg.SegmentSize, segmentSize)
	}
	if windowSize := ring.WindowSize(); windowSize != cfg.RingBufferSize {
		return nil, errors.Errorf("wal: Config.RingBufferSize (%d) does not match ring buffer's actual capacity (%d)",
			cfg.RingBufferSize, windowSize)
	}

	a := &Allocator{
		cfg:         cfg,
		segments:    segments,
		ring:        ring,
		logger:      logger,
		segmentSize: segmentSize,
		list:        newBlockList(mark.Offset),
		wm:          newWatermark(mark.Offset),
		daemonDone:  make(chan struct{}),
		tickerStop:  make(chan struct{}),
		tickerDone:  make(chan struct{}),
	}

	durableSid, err := segments.GetSegment(mark.SegNum)
	if err != nil {
		return nil, err
	}
	fd, err := segments.OpenForWrite(durableSid)
	if err != nil {
		return nil, err
	}

	d := &daemon{
		a:           a,
		durableSid:  durableSid,
		durableByte: durableSid.BufOffset(mark.Offset),
		activeFile:  fd,
	}
	go d.run()
	go a.runTicker()
	return a, nil
}

func (a *Allocator) runTicker() {
	defer close(a.tickerDone)
	ticker := time.NewTicker(a.cfg.DurableMarkTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.wm.nudgeDaemon()
		case <-a.tickerStop:
			return
		}
	}
}

func (a *Allocator) fatal(msg string, fields ...zap.Field) {
	a.logger.Fatal(msg, fields...)
	panic("unreachable: zap.Logger.Fatal must terminate the process")
}

// admitRedZone, when RedZoneReserve is nonzero, refuses to admit a
// request that would push the gap between the frontier and the durable
// offset past the log's physical capacity minus the reserved headroom.
func (a *Allocator) admitRedZone(nbytes uint64) bool {
	if a.cfg.RedZoneReserve == 0 {
		return true
	}
	capacity := a.segmentSize * uint64(a.cfg.NumSegments)
	if a.cfg.RedZoneReserve >= capacity {
		return false
	}
	limit := capacity - a.cfg.RedZoneReserve
	outstanding := a.list.curLSNOffset() + nbytes - a.wm.durable()
	return outstanding <= limit
}

// Allocate reserves space for one log block carrying nrec records plus a
// trailing skip record of payloadBytes.
func (a *Allocator) Allocate(nrec uint32, payloadBytes uint64) (*Allocation, error) {
	if a.shutdownRequested.Load() {
		a.fatal("wal: allocate called after shutdown requested")
	}
	payloadBytes = util.AlignUp(payloadBytes, a.cfg.PayloadAlignment)

	for {
		if a.closed.Load() {
			return nil, ErrClosed
		}

		nbytes := blockSize(payloadBytes, a.cfg.PayloadAlignment)
		if !a.admitRedZone(nbytes) {
			return nil, ErrLogFull
		}

		// Step 1: obtain the LSN range.
		n := a.list.pushCallback(nbytes)

		// Assign a segment.
		result, err := a.segments.AssignSegment(n.lsnOffset, n.nextLSNOffset.Load())
		if err != nil {
			a.list.removeFast(n)
			a.fatal("wal: assign segment failed", zap.Error(err), zap.Uint64("lsn_offset", n.lsnOffset))
		}
		if result.Segment == nil {
			// Dead zone: recovered, retry.
			a.list.removeFast(n)
			a.logger.Debug("wal: dead zone, retrying", zap.Uint64("lsn_offset", n.lsnOffset))
			continue
		}
		seg := *result.Segment
		fullSize := result.FullSize

		tmpNbytes := nbytes
		tmpNRec := nrec
		tmpPayloadBytes := payloadBytes
		if !fullSize {
			tmpNbytes = seg.EndOffset - n.lsnOffset
			tmpNRec = 0
			tmpPayloadBytes = 0
			if tmpNbytes < headerSize+skipRecordSize {
				a.list.removeFast(n)
				a.fatal("wal: segment-edge filler does not fit in remaining space",
					zap.Uint64("remaining", tmpNbytes))
			}
			// The next real allocation must start exactly at the new
			// segment's boundary, not at the oversized end this request
			// originally reserved — otherwise the bytes between the
			// filler's end and that stale endpoint are silently lost,
			// unreachable by any future block.
			n.nextLSNOffset.Store(seg.EndOffset)
		}

		// Reserve buffer space.
		bufOffset := seg.BufOffset(n.lsnOffset)
		buf, ok := a.reserveBuffer(bufOffset, tmpNbytes, n.lsnOffset)
		if !ok {
			// The allocator was closed while we were blocked waiting for
			// space, after the node already has a segment assigned. The
			// node must be removed so the daemon doesn't wait on it
			// forever, but removing it without ever writing a skip record
			// there would leave a hole in the log with no marker to guide
			// a reader past it once the daemon's flush loop reaches this
			// offset — so this is fatal, the same as a post-assignment
			// segment-manager failure above.
			a.list.removeFast(n)
			a.fatal("wal: allocator closed while a published node was waiting for buffer space",
				zap.Uint64("lsn_offset", n.lsnOffset))
		}

		n.block = buf
		n.segment = seg
		n.payloadBytes = tmpPayloadBytes
		n.fullSize = fullSize

		// Populate header and trailing skip record.
		lsn := common.LSN{SegNum: seg.SegNum, Offset: n.lsnOffset}
		writeHeader(buf, lsn, tmpNRec)
		skipOff := int(tmpNbytes - skipRecordSize)
		writeSkipRecord(buf, skipOff, n.nextLSNOffset.Load(), uint32(tmpPayloadBytes))
		finalizeChecksum(buf)

		// Commit.
		alloc := &Allocation{a: a, n: n}
		if !fullSize {
			a.Discard(alloc)
			continue
		}
		return alloc, nil
	}
}

// reserveBuffer asks the ring buffer for space, and if it's full, asks
// the daemon to push the durable watermark forward until there's room.
func (a *Allocator) reserveBuffer(bufOffset, nbytes uint64, lsnOffset common.LSNOffset) ([]byte, bool) {
	for {
		if buf, ok := a.ring.WriteBuf(bufOffset, nbytes); ok {
			return buf, true
		}
		if a.closed.Load() {
			return nil, false
		}
		window := a.ring.WindowSize()
		var needed common.LSNOffset
		if lsnOffset > window {
			needed = lsnOffset - window
		}
		a.wm.requestDurableAdvance(needed)
	}
}

// Release marks x as durable-eligible: the caller has finished writing its
// payload. This is the hot path: the block-list removal is lock-free, and
// the daemon kick that follows takes the watermark mutex, signalling only
// when the daemon is waiting for one.
func (a *Allocator) Release(x *Allocation) {
	a.list.removeFast(x.n)
	a.wm.kick()
}

// Discard rewrites x as an empty skip block and releases it.
func (a *Allocator) Discard(x *Allocation) {
	rewriteAsEmptySkip(x.n.block)
	a.Release(x)
}

// CurLSNOffset is the allocator frontier: the exclusive end of the last
// allocation handed out.
func (a *Allocator) CurLSNOffset() common.LSNOffset {
	return a.list.curLSNOffset()
}

// DurLSNOffset is the in-memory durable watermark.
func (a *Allocator) DurLSNOffset() common.LSNOffset {
	return a.wm.durable()
}

// WaitForDurable blocks until DurLSNOffset() >= target.
func (a *Allocator) WaitForDurable(target common.LSNOffset) {
	for a.wm.durable() < target {
		a.wm.requestDurableAdvance(target)
	}
}

// UpdateDurableMark blocks until the in-memory watermark reaches target,
// then blocks until the segment manager's on-disk durable mark does too.
func (a *Allocator) UpdateDurableMark(target common.LSNOffset) error {
	a.WaitForDurable(target)
	for {
		mark, err := a.segments.GetDurableMark()
		if err != nil {
			return err
		}
		if mark.Offset >= target {
			return nil
		}
		a.wm.requestDmarkAdvance(target)
	}
}

// Close requests a clean shutdown of the writer daemon and blocks until it
// exits. It is fatal if any caller is still blocked waiting for a durable
// target beyond what the log can ever reach once quiesced — that is a
// usage bug, not a condition Close can paper over.
func (a *Allocator) Close() error {
	a.shutdownRequested.Store(true)
	a.closed.Store(true)
	a.wm.nudgeDaemon()
	a.wm.broadcastComplete()
	<-a.daemonDone
	close(a.tickerStop)
	<-a.tickerDone
	return nil
}
