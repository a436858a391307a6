package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

// Tracker drives the per-camera capture state machine:
//
//	connecting → streaming → stale → reconnecting → streaming
//
// Staleness is debounced: a gap in frame delivery shorter than the debounce
// window never leaves streaming, so brief stutters cause no status churn.
type Tracker struct {
	cameraID      string
	staleDebounce time.Duration

	mu          sync.Mutex
	state       types.CameraState
	since       time.Time
	lastFrameAt time.Time
	transitions map[types.CameraState]int
}

// NewTracker creates a tracker in the connecting state.
func NewTracker(cameraID string, staleDebounce time.Duration) *Tracker {
	return &Tracker{
		cameraID:      cameraID,
		staleDebounce: staleDebounce,
		state:         types.CameraConnecting,
		since:         time.Now(),
		transitions:   make(map[types.CameraState]int),
	}
}

// OnFrame records frame delivery. Any state returns to streaming: a frame is
// proof the connection recovered, whatever the machine believed.
func (t *Tracker) OnFrame(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastFrameAt = now
	if t.state != types.CameraStreaming {
		t.transitionLocked(types.CameraStreaming, now)
	}
}

// Tick evaluates staleness. Returns true when the tracker just entered the
// stale state, which is the caller's cue to begin a reconnect.
func (t *Tracker) Tick(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != types.CameraStreaming {
		return false
	}
	if t.lastFrameAt.IsZero() || now.Sub(t.lastFrameAt) < t.staleDebounce {
		return false
	}
	t.transitionLocked(types.CameraStale, now)
	return true
}

// OnReconnecting marks the start of a reconnect attempt.
func (t *Tracker) OnReconnecting(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != types.CameraReconnecting {
		t.transitionLocked(types.CameraReconnecting, now)
	}
}

// OnDown marks the camera as down after retries are exhausted or the worker
// is stopping for good.
func (t *Tracker) OnDown(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != types.CameraDown {
		t.transitionLocked(types.CameraDown, now)
	}
}

// State returns the current state, when it was entered, and the last frame time.
func (t *Tracker) State() (types.CameraState, time.Time, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.since, t.lastFrameAt
}

// Transitions returns how many times the tracker has entered the given state.
func (t *Tracker) Transitions(state types.CameraState) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitions[state]
}

func (t *Tracker) transitionLocked(to types.CameraState, now time.Time) {
	from := t.state
	t.state = to
	t.since = now
	t.transitions[to]++
	slog.Info("camera stream state changed",
		"camera_id", t.cameraID,
		"from", string(from),
		"to", string(to),
	)
}
