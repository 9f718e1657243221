package wal

import (
	"sync/atomic"

	"github.com/mit-pdos/logwal/common"
)

// node is one entry in the lock-free block list. It is intrusive:
// Allocation wraps a *node directly rather than copying out of the list.
type node struct {
	lsnOffset     common.LSNOffset
	nextLSNOffset atomic.Uint64
	dead          atomic.Bool
	next          atomic.Pointer[node]

	// block is populated once buffer space is reserved (allocate step 4)
	// and is never touched by the writer daemon, so it needs no
	// synchronization of its own beyond the happens-before edge the
	// daemon's block-list walk already establishes.
	block []byte
	// segment is the segment the block was assigned to (Allocation.LSN
	// reads it); payloadBytes and fullSize record what was assigned.
	segment      common.SegmentDescriptor
	payloadBytes uint64
	fullSize     bool
}

// blockList is a lock-free, FIFO-ordered, singly linked list of in-flight
// allocations. It is always primed with a dead sentinel so peekTail is
// never nil.
type blockList struct {
	head atomic.Pointer[node]
	tail atomic.Pointer[node]
}

// newBlockList primes the list with a single dead sentinel at startOffset,
// the durable offset at startup.
func newBlockList(startOffset common.LSNOffset) *blockList {
	sentinel := &node{lsnOffset: startOffset}
	sentinel.nextLSNOffset.Store(startOffset)
	sentinel.dead.Store(true)
	l := &blockList{}
	l.head.Store(sentinel)
	l.tail.Store(sentinel)
	return l
}

// pushCallback atomically appends a fresh node reserving nbytes of
// LSN-offset space immediately after the current tail's frontier, fusing
// offset assignment with publication. It is linearizable: whichever
// goroutine's CAS on the predecessor's next pointer lands first gets that
// predecessor's nextLSNOffset as its own lsnOffset.
func (l *blockList) pushCallback(nbytes uint64) *node {
	n := &node{}
	for {
		tail := l.tail.Load()
		predNext := tail.nextLSNOffset.Load()
		n.lsnOffset = predNext
		n.nextLSNOffset.Store(predNext + nbytes)

		if tail.next.CompareAndSwap(nil, n) {
			// Pre-linked; publish the tail advance. If this CAS loses to
			// another helper, the list is still correct — some goroutine
			// will have advanced tail to n before we return.
			l.tail.CompareAndSwap(tail, n)
			return n
		}
		// Lost the race for this predecessor: another push already linked
		// its node here. Help advance tail so we don't spin on a stale
		// predecessor, then retry with the new tail.
		if next := tail.next.Load(); next != nil {
			l.tail.CompareAndSwap(tail, next)
		}
	}
}

// peekTail returns the current tail node.
func (l *blockList) peekTail() *node {
	return l.tail.Load()
}

// curLSNOffset is the allocator frontier: the tail's nextLSNOffset.
func (l *blockList) curLSNOffset() common.LSNOffset {
	return l.peekTail().nextLSNOffset.Load()
}

// removeFast marks n dead and lazily unlinks any run of dead nodes at the
// head, making it O(1) amortized and wait-free on the hot release() path.
func (l *blockList) removeFast(n *node) {
	n.dead.Store(true)
	l.unlinkDeadPrefix()
}

func (l *blockList) unlinkDeadPrefix() {
	for {
		head := l.head.Load()
		if !head.dead.Load() {
			return
		}
		next := head.next.Load()
		if next == nil {
			// head is also the tail sentinel; never unlink the last node.
			return
		}
		if !l.head.CompareAndSwap(head, next) {
			return
		}
	}
}

// oldestLiveOffset walks from head and returns the lsnOffset of the first
// live (non-dead) node, i.e. the oldest in-flight allocation. ok is false
// when no live node exists, meaning everything published so far has been
// released or discarded.
func (l *blockList) oldestLiveOffset() (offset common.LSNOffset, ok bool) {
	for n := l.head.Load(); n != nil; n = n.next.Load() {
		if !n.dead.Load() {
			return n.lsnOffset, true
		}
	}
	return 0, false
}

// removeAndKill atomically detaches old, replacing it with fresh, but only
// if old is still the tail (no concurrent push has linked a successor). It is used exactly once, at shutdown. Callers must retry the
// whole shutdown attempt on failure — this races with producers by
// design and is expected to lose occasionally under load.
func (l *blockList) removeAndKill(old, fresh *node) bool {
	if old.next.Load() != nil {
		return false
	}
	if !l.tail.CompareAndSwap(old, fresh) {
		return false
	}
	if old.next.Load() != nil {
		// A push linked onto old between our check and our CAS landing,
		// but hadn't yet advanced tail itself. Undo: fresh is not yet
		// visible to any producer, so only we can be racing to move it.
		if l.tail.CompareAndSwap(fresh, old) {
			return false
		}
		panic("wal: blockList.removeAndKill left the list inconsistent")
	}
	l.head.Store(fresh)
	return true
}
