// Package ringbuf holds the per-camera ring of recent decoded frames shared
// between the capture stage and media generation.
//
// The ring is an arena of fixed slots indexed by sequence number modulo
// capacity. Ownership always transfers by copy: the writer copies a frame
// into a slot while holding the camera's lock, readers copy frames out under
// the same lock. No caller ever holds a reference into slot storage outside
// the critical section, which removes the torn-frame class of bug.
package ringbuf

import (
	"sync"
	"time"

	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

type slot struct {
	seq       uint64
	timestamp time.Time
	width     int
	height    int
	traceID   string
	data      []byte
	valid     bool
}

// Ring is a fixed-capacity circular buffer of recent frames for one camera.
// At most one writer, many readers.
type Ring struct {
	cameraID string
	capacity int

	mu     sync.Mutex
	slots  []slot
	writes uint64 // monotonic cursor, total frames ever written
}

// New creates a ring with the given slot count.
func New(cameraID string, capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		cameraID: cameraID,
		capacity: capacity,
		slots:    make([]slot, capacity),
	}
}

// CapacityFor derives a slot count from the configured output frame rate and
// retention window.
func CapacityFor(outputFPS float64, retainSeconds int) int {
	n := int(outputFPS * float64(retainSeconds))
	if n < 1 {
		n = 1
	}
	return n
}

// Write copies a frame into the next slot and advances the cursor. The copy
// happens entirely under the lock; the caller may reuse frame.Data as soon as
// Write returns.
func (r *Ring) Write(frame types.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.slots[r.writes%uint64(r.capacity)]
	s.seq = frame.Seq
	s.timestamp = frame.Timestamp
	s.width = frame.Width
	s.height = frame.Height
	s.traceID = frame.TraceID

	if cap(s.data) < len(frame.Data) {
		s.data = make([]byte, len(frame.Data))
	}
	s.data = s.data[:len(frame.Data)]
	copy(s.data, frame.Data)
	s.valid = true

	r.writes++
}

// ReadRange returns copies of all buffered frames whose timestamps fall in
// [start, end], in sequence order. The second return is true when the
// requested range predates the buffer's retained horizon, meaning the result
// is partial evidence rather than the full window.
func (r *Ring) ReadRange(start, end time.Time) ([]types.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []types.Frame
	truncated := false

	wrapped := r.writes > uint64(r.capacity)
	oldest := uint64(0)
	if wrapped {
		oldest = r.writes - uint64(r.capacity)
	}

	for i := oldest; i < r.writes; i++ {
		s := &r.slots[i%uint64(r.capacity)]
		if !s.valid {
			continue
		}
		if s.timestamp.Before(start) || s.timestamp.After(end) {
			continue
		}
		out = append(out, r.copyOut(s))
	}

	// Horizon check: the range asked for history from before the oldest
	// retained frame, whether overwritten or never captured at all.
	if r.writes > 0 {
		horizon := r.slots[oldest%uint64(r.capacity)].timestamp
		if start.Before(horizon) {
			truncated = true
		}
	}

	return out, truncated
}

// Latest returns a copy of the most recent frame, if any.
func (r *Ring) Latest() (types.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writes == 0 {
		return types.Frame{}, false
	}
	s := &r.slots[(r.writes-1)%uint64(r.capacity)]
	if !s.valid {
		return types.Frame{}, false
	}
	return r.copyOut(s), true
}

// Len returns the number of frames currently retained.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writes >= uint64(r.capacity) {
		return r.capacity
	}
	return int(r.writes)
}

// copyOut builds a caller-owned Frame from a slot. Must hold r.mu.
func (r *Ring) copyOut(s *slot) types.Frame {
	data := make([]byte, len(s.data))
	copy(data, s.data)
	return types.Frame{
		Seq:       s.seq,
		Timestamp: s.timestamp,
		Width:     s.width,
		Height:    s.height,
		Data:      data,
		CameraID:  r.cameraID,
		TraceID:   s.traceID,
	}
}
