package wal

import (
	"go.uber.org/zap"

	"github.com/mit-pdos/logwal/common"
	"github.com/mit-pdos/logwal/disk"
	"github.com/mit-pdos/logwal/util"
)

// daemon is the single writer goroutine. It owns the only mutable cursor
// state that matters for flushing — durableSid, durableByte, activeFile.
// It reads the block list (changing it only through removeAndKill at
// shutdown) and is the only caller of the ring buffer's cursor advances,
// so none of this needs synchronization beyond what blockList and
// ringbuf.Buffer already provide.
type daemon struct {
	a *Allocator

	// durableSid is the segment _durable_lsn_offset currently falls in;
	// durableByte is that same position's ring buffer byte offset. Both are
	// touched only by this goroutine.
	durableSid common.SegmentDescriptor
	durableByte uint64
	activeFile  disk.File
}

// run is the daemon's main loop: find the safe prefix, flush up to it if
// there's anything to flush, otherwise idle — persisting the on-disk mark
// and attempting a clean shutdown if one was requested.
func (d *daemon) run() {
	defer close(d.a.daemonDone)
	for {
		oldest := d.safePrefix()

		if d.a.wm.durable() < oldest {
			d.flushToSafePrefix(oldest)
			continue
		}

		if d.idle() {
			return
		}
	}
}

// safePrefix is the highest offset the daemon may flush up to: the oldest
// still-live (unreleased) allocation's start, or the full frontier if
// nothing is currently in flight.
func (d *daemon) safePrefix() common.LSNOffset {
	if offset, ok := d.a.list.oldestLiveOffset(); ok {
		return offset
	}
	return d.a.list.curLSNOffset()
}

// idle handles the case where there is nothing to flush right now. It
// returns true once the daemon has cleanly quiesced and should exit.
func (d *daemon) idle() bool {
	d.persistDurableMark()
	d.a.wm.broadcastComplete()

	if d.a.shutdownRequested.Load() && d.a.list.curLSNOffset() == d.a.wm.durable() {
		if d.tryShutdown() {
			return true
		}
	}

	d.a.wm.waitForKick()
	return false
}

// flushToSafePrefix runs the durable-advance loop to completion in one
// daemon wakeup: keep flushing until the durable watermark reaches oldest.
func (d *daemon) flushToSafePrefix(oldest common.LSNOffset) {
	for d.a.wm.durable() < oldest {
		d.flushOne(oldest)
	}
}

// flushOne performs a single step of the flush loop: compute the next
// target (crossing into the next segment early if the remainder of the
// current one is inside the skip-record red zone), write the
// corresponding ring buffer bytes to the active segment file, and publish
// the new durable watermark.
func (d *daemon) flushOne(oldest common.LSNOffset) {
	newSid := d.durableSid
	crossed := false
	if d.durableSid.EndOffset < oldest+d.a.cfg.MinLogBlockSize {
		nextSegNum := common.SegNum((uint64(d.durableSid.SegNum) + 1) % uint64(d.a.cfg.NumSegments))
		sid, err := d.a.segments.GetSegment(nextSegNum)
		if err != nil {
			d.a.fatal("wal: writer daemon failed to resolve next segment", zap.Error(err),
				zap.Uint32("seg_num", nextSegNum))
		}
		newSid = sid
		crossed = true
	}

	var newOffset common.LSNOffset
	var newByte uint64
	if crossed {
		newOffset = newSid.StartOffset
		newByte = newSid.ByteOffset
	} else {
		newOffset = util.Min(oldest, d.durableSid.EndOffset)
		newByte = d.durableSid.BufOffset(newOffset)
	}

	d.a.ring.AdvanceWriter(newByte)

	start := d.a.wm.durable()
	buf := d.a.ring.ReadBuf(d.durableByte, newByte-d.durableByte)
	fileOffset := d.durableSid.FileOffset(start)
	if _, err := d.activeFile.WriteAt(buf, fileOffset); err != nil {
		d.a.fatal("wal: writer daemon write failed", zap.Error(err),
			zap.Uint64("lsn_offset", start))
	}

	d.a.ring.AdvanceReader(newByte)

	if crossed {
		if err := d.activeFile.Close(); err != nil {
			d.a.logger.Warn("wal: writer daemon failed to close old segment", zap.Error(err))
		}
		f, err := d.a.segments.OpenForWrite(newSid)
		if err != nil {
			d.a.fatal("wal: writer daemon failed to open next segment for write", zap.Error(err),
				zap.Uint32("seg_num", newSid.SegNum))
		}
		d.activeFile = f
	}

	d.a.wm.publishDurable(newOffset)
	d.durableSid = newSid
	d.durableByte = newByte
}

// persistDurableMark pushes the in-memory durable watermark out to the
// segment manager's authoritative on-disk record, satisfying any caller
// blocked in UpdateDurableMark.
func (d *daemon) persistDurableMark() {
	last, err := d.a.segments.GetDurableMark()
	if err != nil {
		d.a.fatal("wal: writer daemon failed to read durable mark", zap.Error(err))
	}
	target := d.a.wm.durable()
	if target <= last.Offset {
		return
	}
	lsn := common.LSN{SegNum: d.durableSid.SegNum, Offset: target}
	if err := d.a.segments.UpdateDurableMark(lsn); err != nil {
		d.a.fatal("wal: writer daemon failed to persist durable mark", zap.Error(err))
	}
	d.a.wm.broadcastComplete()
}

// tryShutdown attempts the shutdown CAS: it only succeeds once nothing is
// in flight, and even then may lose a race to a very last producer, in
// which case the daemon loops back around and tries again on its next
// wakeup. A caller still waiting on a target the log will never reach now
// is a contract violation, not a condition to quietly hang on.
func (d *daemon) tryShutdown() bool {
	if _, ok := d.a.list.oldestLiveOffset(); ok {
		return false
	}
	old := d.a.list.peekTail()
	fresh := &node{lsnOffset: old.nextLSNOffset.Load()}
	fresh.nextLSNOffset.Store(fresh.lsnOffset)
	fresh.dead.Store(true)
	if !d.a.list.removeAndKill(old, fresh) {
		return false
	}

	mark, err := d.a.segments.GetDurableMark()
	if err != nil {
		d.a.fatal("wal: writer daemon failed to read durable mark during shutdown", zap.Error(err))
	}
	if d.a.wm.hasStrandedWaiter(d.a.wm.durable(), mark.Offset) {
		d.a.fatal("wal: shutdown with a caller waiting on an unreachable watermark")
	}
	d.persistDurableMark()
	return true
}
