package capture

import (
	"sync"
	"time"
)

// Frame is one encoded camera frame.
type Frame struct {
	CameraID  uint32
	ID        uint64
	Timestamp time.Time
	Width     int
	Height    int
	Quality   int
	Data      []byte

	// Oversized is set when no backoff step brought the frame under
	// the size budget.
	Oversized bool
}

// FrameQueue is a bounded queue shared by one capture goroutine and the
// gateway loop. Push never blocks: when the queue is full the oldest
// frame is discarded.
type FrameQueue struct {
	mu      sync.Mutex
	frames  []*Frame
	size    int
	dropped int64
}

func NewFrameQueue(size int) *FrameQueue {
	if size < 1 {
		size = 1
	}
	return &FrameQueue{
		frames: make([]*Frame, 0, size),
		size:   size,
	}
}

// Push appends f and reports whether an older frame was evicted.
func (q *FrameQueue) Push(f *Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.frames) == q.size {
		copy(q.frames, q.frames[1:])
		q.frames[len(q.frames)-1] = nil
		q.frames = q.frames[:len(q.frames)-1]
		q.dropped++
		evicted = true
	}
	q.frames = append(q.frames, f)
	return evicted
}

// Pop removes and returns the oldest frame, or nil when empty.
func (q *FrameQueue) Pop() *Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return nil
	}
	f := q.frames[0]
	copy(q.frames, q.frames[1:])
	q.frames[len(q.frames)-1] = nil
	q.frames = q.frames[:len(q.frames)-1]
	return f
}

// PopNewest removes every queued frame and returns the most recent one,
// or nil when empty. Skipped frames count as dropped.
func (q *FrameQueue) PopNewest() *Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.frames)
	if n == 0 {
		return nil
	}
	f := q.frames[n-1]
	q.dropped += int64(n - 1)
	clear(q.frames)
	q.frames = q.frames[:0]
	return f
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns how many frames were evicted unread.
func (q *FrameQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear discards every queued frame.
func (q *FrameQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.frames)
	q.frames = q.frames[:0]
}
