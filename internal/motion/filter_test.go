package motion

import (
	"testing"

	"github.com/cataloglu/thermal-dual-vision/internal/config"
	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

func testConfig() config.MotionConfig {
	return config.MotionConfig{
		LearnRate:      0.05,
		DeltaThreshold: 25,
		MinChangedArea: 50,
	}
}

func flatFrame(w, h int, value byte) types.Frame {
	data := make([]byte, w*h*3)
	for i := range data {
		data[i] = value
	}
	return types.Frame{Width: w, Height: h, Data: data}
}

// paint fills a rectangle of the frame with a bright value.
func paint(f types.Frame, r types.PixelRect, value byte) {
	for y := r.Y; y < r.Y+r.Height; y++ {
		for x := r.X; x < r.X+r.Width; x++ {
			o := (y*f.Width + x) * 3
			f.Data[o], f.Data[o+1], f.Data[o+2] = value, value, value
		}
	}
}

// TestStaticSceneNotCandidate verifies an unchanging scene never passes the gate.
func TestStaticSceneNotCandidate(t *testing.T) {
	f := NewFilter(testConfig(), 32, 32, nil)

	for i := 0; i < 10; i++ {
		candidate, changed := f.Process(flatFrame(32, 32, 40))
		if candidate {
			t.Fatalf("static frame %d flagged as candidate (%d changed pixels)", i, changed)
		}
	}
}

// TestLargeChangeIsCandidate verifies a big moving blob passes the gate after priming.
func TestLargeChangeIsCandidate(t *testing.T) {
	f := NewFilter(testConfig(), 32, 32, nil)

	f.Process(flatFrame(32, 32, 40)) // primes the model

	moved := flatFrame(32, 32, 40)
	paint(moved, types.PixelRect{X: 4, Y: 4, Width: 10, Height: 10}, 200)

	candidate, changed := f.Process(moved)
	if !candidate {
		t.Fatalf("expected candidate, got %d changed pixels", changed)
	}
	if changed < 100 {
		t.Errorf("expected at least the painted 100 pixels, got %d", changed)
	}
}

// TestZoneMaskScopesMotion verifies motion outside every motion zone is ignored.
func TestZoneMaskScopesMotion(t *testing.T) {
	zone := types.Zone{
		ID:   "doorway",
		Mode: types.ZoneModeMotion,
		Polygon: types.Polygon{
			{X: 0, Y: 0}, {X: 15, Y: 0}, {X: 15, Y: 31}, {X: 0, Y: 31},
		},
	}
	f := NewFilter(testConfig(), 32, 32, []types.Zone{zone})

	f.Process(flatFrame(32, 32, 40))

	// Blob entirely in the right half, outside the zone.
	outside := flatFrame(32, 32, 40)
	paint(outside, types.PixelRect{X: 20, Y: 4, Width: 10, Height: 10}, 200)
	if candidate, changed := f.Process(outside); candidate {
		t.Fatalf("motion outside zone flagged as candidate (%d changed)", changed)
	}

	// Same blob inside the zone.
	f.Reset()
	f.Process(flatFrame(32, 32, 40))
	inside := flatFrame(32, 32, 40)
	paint(inside, types.PixelRect{X: 2, Y: 4, Width: 10, Height: 10}, 200)
	if candidate, _ := f.Process(inside); !candidate {
		t.Fatal("motion inside zone not flagged as candidate")
	}
}

// TestPersonOnlyZoneIgnoredByMask verifies person-mode zones do not gate motion.
func TestPersonOnlyZoneIgnoredByMask(t *testing.T) {
	zone := types.Zone{
		ID:   "porch",
		Mode: types.ZoneModePerson,
		Polygon: types.Polygon{
			{X: 0, Y: 0}, {X: 5, Y: 0}, {X: 5, Y: 5}, {X: 0, Y: 5},
		},
	}
	// With only a person zone the mask falls back to the whole frame.
	f := NewFilter(testConfig(), 32, 32, []types.Zone{zone})
	f.Process(flatFrame(32, 32, 40))

	moved := flatFrame(32, 32, 40)
	paint(moved, types.PixelRect{X: 20, Y: 20, Width: 10, Height: 10}, 200)
	if candidate, _ := f.Process(moved); !candidate {
		t.Fatal("expected whole-frame gating when no motion zones are configured")
	}
}

// TestGradualDriftAbsorbed verifies slow scene drift is folded into the
// background instead of accumulating into a false candidate.
func TestGradualDriftAbsorbed(t *testing.T) {
	cfg := testConfig()
	cfg.LearnRate = 0.2
	f := NewFilter(cfg, 32, 32, nil)

	f.Process(flatFrame(32, 32, 40))
	for v := byte(41); v <= 60; v++ {
		if candidate, changed := f.Process(flatFrame(32, 32, v)); candidate {
			t.Fatalf("gradual drift to %d flagged as candidate (%d changed)", v, changed)
		}
	}
}
