//  wal implements a concurrent write-ahead log allocator.
//
//  The layout of the LSN-offset space:
//  [ released, durable | released, in memory | live, in flight | unassigned ]
//   ^                    ^                     ^                 ^
//   0                    durLSNOffset           oldest live       curLSNOffset
//
//  Producers call Allocate to reserve a block at a monotone LSN offset
//  (Component C, a lock-free singly linked list) and fill it in directly
//  via the shared ring buffer (Component B). Release marks a block
//  durable-eligible; a single writer daemon (Component E) finds the
//  oldest still-live block, flushes everything before it to the segment
//  files a segment.Manager (Component A) maps LSN ranges onto, and
//  publishes the in-memory durable watermark (Component F) that
//  WaitForDurable and UpdateDurableMark block on.
package wal
