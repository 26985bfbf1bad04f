package pipeline

import (
	"sync"
	"time"

	"cam-gateway/common"
)

// FrameBuffer holds the most recent frame of one stream. Single producer,
// many consumers: the producer overwrites, consumers wait for a newer
// sequence number than the one they last saw. A late consumer gets the warm
// frame immediately instead of a blank wait for the next one.
type FrameBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	frame  common.Frame
	closed bool

	consumers int
	published uint64
}

func NewFrameBuffer() *FrameBuffer {
	b := &FrameBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish overwrites the latest frame and wakes all waiting consumers.
func (b *FrameBuffer) Publish(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.published++
	b.frame = common.Frame{
		Data:      data,
		Seq:       b.published,
		Timestamp: time.Now(),
	}
	b.cond.Broadcast()
}

// Latest returns the warm frame, if any has been published yet.
func (b *FrameBuffer) Latest() (common.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame, b.frame.Seq > 0
}

// WaitNext blocks until a frame newer than lastSeq arrives, the buffer
// closes, or the timeout lapses. The second return is false on close or
// timeout.
func (b *FrameBuffer) WaitNext(lastSeq uint64, timeout time.Duration) (common.Frame, bool) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer timer.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.frame.Seq <= lastSeq && !b.closed && time.Now().Before(deadline) {
		b.cond.Wait()
	}
	if b.frame.Seq > lastSeq {
		return b.frame, true
	}
	return common.Frame{}, false
}

// Close unblocks all consumers. Further publishes are dropped.
func (b *FrameBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Closed reports whether the producer is gone.
func (b *FrameBuffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// AddConsumer registers a consumer and returns the new count.
func (b *FrameBuffer) AddConsumer() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumers++
	return b.consumers
}

// RemoveConsumer drops a consumer and returns the remaining count.
func (b *FrameBuffer) RemoveConsumer() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumers > 0 {
		b.consumers--
	}
	return b.consumers
}

// Consumers reports the attached consumer count.
func (b *FrameBuffer) Consumers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumers
}

// Published reports how many frames the producer has written.
func (b *FrameBuffer) Published() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}
