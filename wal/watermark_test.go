package wal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatermarkDurableIsLockFreeRead(t *testing.T) {
	w := newWatermark(10)
	assert.Equal(t, uint64(10), w.durable())
}

func TestKickOnlySignalsWhenDaemonIsWaiting(t *testing.T) {
	w := newWatermark(0)
	// No daemon waiting yet: kick must not block or panic.
	w.kick()
	assert.Equal(t, uint64(0), w.producerKickCount)
}

func TestRequestDurableAdvanceWakesOnPublish(t *testing.T) {
	w := newWatermark(0)
	done := make(chan struct{})

	go func() {
		w.requestDurableAdvance(50)
		close(done)
	}()

	// Give the waiter a moment to register, then simulate the daemon
	// catching up and publishing past the target.
	time.Sleep(10 * time.Millisecond)
	w.publishDurable(50)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("requestDurableAdvance did not wake after publishDurable")
	}
	assert.Equal(t, uint64(50), w.durable())
}

func TestWaitForKickWakesOnNudge(t *testing.T) {
	w := newWatermark(0)
	done := make(chan struct{})

	go func() {
		w.waitForKick()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	w.nudgeDaemon()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitForKick did not wake after nudgeDaemon")
	}
}

func TestHasStrandedWaiter(t *testing.T) {
	w := newWatermark(0)
	assert.False(t, w.hasStrandedWaiter(0, 0))

	w.mu.Lock()
	w.waitingForDurable = 100
	w.mu.Unlock()

	assert.True(t, w.hasStrandedWaiter(50, 0))
	assert.False(t, w.hasStrandedWaiter(100, 0))
}
