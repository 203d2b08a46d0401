// Package buffer provides a bounded ring of recent wire frames.
package buffer

import "sync"

// FrameRing is a thread-safe circular buffer that keeps the most recent
// frames up to a fixed count. When the ring is full, the oldest frame is
// discarded to make room for a new one.
//
// The transport uses it to attach recent traffic to protocol-error
// diagnostics without holding the whole session in memory.
type FrameRing struct {
	frames   [][]byte
	capacity int
	mu       sync.RWMutex
}

// NewFrameRing creates a FrameRing holding up to capacity frames.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewFrameRing(capacity int) *FrameRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameRing{
		frames:   make([][]byte, 0, capacity),
		capacity: capacity,
	}
}

// Push appends a copy of the frame, evicting the oldest entry when full.
func (r *FrameRing) Push(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := make([]byte, len(frame))
	copy(buf, frame)

	if len(r.frames) == r.capacity {
		copy(r.frames, r.frames[1:])
		r.frames[len(r.frames)-1] = buf
		return
	}
	r.frames = append(r.frames, buf)
}

// Snapshot returns copies of the buffered frames, oldest first.
func (r *FrameRing) Snapshot() [][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.frames) == 0 {
		return nil
	}
	out := make([][]byte, len(r.frames))
	for i, f := range r.frames {
		buf := make([]byte, len(f))
		copy(buf, f)
		out[i] = buf
	}
	return out
}

// Clear removes all buffered frames.
func (r *FrameRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = r.frames[:0]
}

// Len returns the current number of buffered frames.
func (r *FrameRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.frames)
}

// Cap returns the maximum number of frames the ring holds.
func (r *FrameRing) Cap() int {
	return r.capacity
}
