package stream

import (
	"testing"
	"time"

	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

// TestStutterWithinDebounce verifies a delivery gap shorter than the debounce
// window produces zero stale or reconnecting transitions.
func TestStutterWithinDebounce(t *testing.T) {
	tr := NewTracker("cam1", 5*time.Second)
	base := time.Now()

	tr.OnFrame(base)
	if tr.Transitions(types.CameraStreaming) != 1 {
		t.Fatalf("expected 1 streaming transition, got %d", tr.Transitions(types.CameraStreaming))
	}

	// 3s silence, then frames resume.
	if tr.Tick(base.Add(3 * time.Second)) {
		t.Fatal("tick inside debounce window reported stale")
	}
	tr.OnFrame(base.Add(3500 * time.Millisecond))

	if got := tr.Transitions(types.CameraStale); got != 0 {
		t.Errorf("expected 0 stale transitions, got %d", got)
	}
	if got := tr.Transitions(types.CameraReconnecting); got != 0 {
		t.Errorf("expected 0 reconnecting transitions, got %d", got)
	}
}

// TestDisconnectBeyondDebounce verifies a gap longer than the window produces
// exactly one stale→reconnecting cycle.
func TestDisconnectBeyondDebounce(t *testing.T) {
	tr := NewTracker("cam1", 5*time.Second)
	base := time.Now()

	tr.OnFrame(base)

	if !tr.Tick(base.Add(6 * time.Second)) {
		t.Fatal("tick past debounce window did not report stale")
	}
	// Subsequent ticks while stale must not re-fire.
	if tr.Tick(base.Add(7 * time.Second)) {
		t.Fatal("stale reported twice for one outage")
	}
	tr.OnReconnecting(base.Add(7 * time.Second))
	tr.OnFrame(base.Add(8 * time.Second))

	if got := tr.Transitions(types.CameraStale); got != 1 {
		t.Errorf("expected exactly 1 stale transition, got %d", got)
	}
	if got := tr.Transitions(types.CameraReconnecting); got != 1 {
		t.Errorf("expected exactly 1 reconnecting transition, got %d", got)
	}

	state, _, _ := tr.State()
	if state != types.CameraStreaming {
		t.Errorf("expected streaming after recovery, got %s", state)
	}
}

// TestDownState verifies OnDown is terminal until frames arrive again.
func TestDownState(t *testing.T) {
	tr := NewTracker("cam1", time.Second)
	now := time.Now()

	tr.OnDown(now)
	if state, _, _ := tr.State(); state != types.CameraDown {
		t.Fatalf("expected down, got %s", state)
	}
	if tr.Tick(now.Add(time.Minute)) {
		t.Error("down camera must not report stale transitions")
	}
}

// TestSamplerRate verifies the sampler forwards at the configured rate.
func TestSamplerRate(t *testing.T) {
	s := NewSampler(5) // 200ms interval
	base := time.Now()

	taken := 0
	// 1 second of frames at 25 fps.
	for i := 0; i < 25; i++ {
		if s.Take(base.Add(time.Duration(i) * 40 * time.Millisecond)) {
			taken++
		}
	}
	if taken != 5 {
		t.Errorf("expected 5 sampled frames from 1s at 5Hz, got %d", taken)
	}
}

// TestSamplerNeverBlocks verifies frames ahead of schedule are declined, not queued.
func TestSamplerNeverBlocks(t *testing.T) {
	s := NewSampler(1)
	base := time.Now()

	if !s.Take(base) {
		t.Fatal("first frame should always be sampled")
	}
	for i := 1; i < 10; i++ {
		if s.Take(base.Add(time.Duration(i) * 10 * time.Millisecond)) {
			t.Fatal("burst frames inside the interval must be dropped from the candidate stream")
		}
	}
}
