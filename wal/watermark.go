package wal

import (
	"sync"
	"sync/atomic"

	"github.com/mit-pdos/logwal/common"
)

// watermark holds the mutex, the two condition variables, the two
// waiting-for thresholds, and the wait/kick counters that let Release
// skip a signal syscall on the common path.
type watermark struct {
	mu sync.Mutex

	// waitingForDurable and waitingForDmark are the largest LSN offset any
	// caller is currently blocked on, for in-memory durability and the
	// on-disk durable mark respectively.
	waitingForDurable common.LSNOffset
	waitingForDmark   common.LSNOffset

	// daemonWaitCount and producerKickCount implement a wake economy: a
	// producer only signals daemonCond if it observes a waiter has
	// arrived since the last kick.
	daemonWaitCount   uint64
	producerKickCount uint64

	daemonCond   *sync.Cond // single daemon waiter
	completeCond *sync.Cond // many producer waiters

	// durableLSNOffset is read lock-free on WaitForDurable's fast path
	// and written by the daemon under mu.
	durableLSNOffset atomic.Uint64
}

func newWatermark(initial common.LSNOffset) *watermark {
	w := &watermark{}
	w.daemonCond = sync.NewCond(&w.mu)
	w.completeCond = sync.NewCond(&w.mu)
	w.durableLSNOffset.Store(initial)
	return w
}

// durable is a lock-free read of the current durable watermark.
func (w *watermark) durable() common.LSNOffset {
	return w.durableLSNOffset.Load()
}

// requestDurableAdvance raises waitingForDurable to at least target, kicks
// the daemon if it's behind, and waits on completeCond — one lock
// acquisition per iteration of the caller's wait loop.
func (w *watermark) requestDurableAdvance(target common.LSNOffset) {
	w.mu.Lock()
	if target > w.waitingForDurable {
		w.waitingForDurable = target
	}
	w.kickDaemonLocked()
	w.completeCond.Wait()
	w.mu.Unlock()
}

// requestDmarkAdvance is requestDurableAdvance's counterpart for
// update_durable_mark's second loop.
func (w *watermark) requestDmarkAdvance(target common.LSNOffset) {
	w.mu.Lock()
	if target > w.waitingForDmark {
		w.waitingForDmark = target
	}
	w.kickDaemonLocked()
	w.completeCond.Wait()
	w.mu.Unlock()
}

func (w *watermark) kickDaemonLocked() {
	if w.producerKickCount < w.daemonWaitCount {
		w.producerKickCount++
		w.daemonCond.Signal()
	}
}

// kick is Release's hot-path nudge. It takes mu on every call and only
// signals if the daemon's kick count is behind its wait count.
func (w *watermark) kick() {
	w.mu.Lock()
	w.kickDaemonLocked()
	w.mu.Unlock()
}

// waitForKick blocks the writer daemon goroutine until kicked (or a
// spurious/timer-driven wakeup); callers must re-check their predicate.
func (w *watermark) waitForKick() {
	w.mu.Lock()
	w.daemonWaitCount++
	w.daemonCond.Wait()
	w.mu.Unlock()
}

// nudgeDaemon wakes the daemon unconditionally (used by the periodic
// durable-mark-refresh ticker, and by Close to ensure shutdown is
// observed promptly).
func (w *watermark) nudgeDaemon() {
	w.mu.Lock()
	w.daemonCond.Signal()
	w.mu.Unlock()
}

// broadcastComplete wakes every producer blocked in requestDurableAdvance
// or requestDmarkAdvance so they can re-check their predicate.
func (w *watermark) broadcastComplete() {
	w.mu.Lock()
	w.completeCond.Broadcast()
	w.mu.Unlock()
}

// hasStrandedWaiter reports whether some caller is still blocked on a
// target beyond what the log reached once quiescent — a usage bug Close
// surfaces rather than hangs on.
func (w *watermark) hasStrandedWaiter(durable, dmark common.LSNOffset) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.waitingForDurable > durable || w.waitingForDmark > dmark
}

// publishDurable advances durableLSNOffset and, when the previous value is
// below waitingForDurable, broadcasts completeCond so durable waiters
// re-check their target. The broadcast happens under mu, before the new value is
// even stored, so a waiter that wakes always rechecks against the fresh
// value rather than racing a stale read.
func (w *watermark) publishDurable(newOffset common.LSNOffset) {
	w.mu.Lock()
	if w.durable() < w.waitingForDurable {
		w.completeCond.Broadcast()
	}
	w.durableLSNOffset.Store(newOffset)
	w.mu.Unlock()
}
