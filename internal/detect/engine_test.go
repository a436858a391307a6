package detect

import (
	"testing"
	"time"

	"github.com/cataloglu/thermal-dual-vision/internal/config"
	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

func testDetectConfig() config.DetectConfig {
	return config.DetectConfig{
		ConsecutiveFrames: 3,
		GapTolerance:      1,
		Confidence:        0.5,
		MinBoxArea:        100,
		MinAspect:         0.2,
		MaxAspect:         1.5,
	}
}

func personHit() []types.Detection {
	return []types.Detection{{
		Class:      "person",
		Confidence: 0.9,
		BBox:       types.PixelRect{X: 100, Y: 100, Width: 40, Height: 90},
	}}
}

func feed(e *Engine, pattern []bool) {
	ts := time.Now()
	for i, hit := range pattern {
		var dets []types.Detection
		if hit {
			dets = personHit()
		}
		e.Observe(Result{FrameSeq: uint64(i), Timestamp: ts.Add(time.Duration(i) * 200 * time.Millisecond), Detections: dets})
	}
}

func TestGapWithinToleranceConfirms(t *testing.T) {
	var confirmed []types.Sighting
	e := NewEngine("cam-1", testDetectConfig(), nil, func(s types.Sighting) {
		confirmed = append(confirmed, s)
	})

	feed(e, []bool{true, false, true, true})

	if len(confirmed) != 1 {
		t.Fatalf("expected 1 confirmed sighting, got %d", len(confirmed))
	}
	s := confirmed[0]
	if s.CameraID != "cam-1" {
		t.Errorf("camera = %q, want cam-1", s.CameraID)
	}
	if len(s.Boxes) != 3 {
		t.Errorf("boxes = %d, want 3", len(s.Boxes))
	}
	if s.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", s.Confidence)
	}
}

func TestGapBeyondToleranceResets(t *testing.T) {
	var confirmed int
	e := NewEngine("cam-1", testDetectConfig(), nil, func(types.Sighting) {
		confirmed++
	})

	feed(e, []bool{true, false, false, true})

	if confirmed != 0 {
		t.Fatalf("expected no confirmed sighting after streak reset, got %d", confirmed)
	}
}

func TestStreakConsumedOnConfirmation(t *testing.T) {
	var confirmed int
	e := NewEngine("cam-1", testDetectConfig(), nil, func(types.Sighting) {
		confirmed++
	})

	// Six straight hits at K=3 confirm twice, not four times.
	feed(e, []bool{true, true, true, true, true, true})

	if confirmed != 2 {
		t.Fatalf("expected 2 confirmations from 6 hits, got %d", confirmed)
	}
}

func TestQualifyFilters(t *testing.T) {
	e := NewEngine("cam-1", testDetectConfig(), nil, nil)

	dets := []types.Detection{
		{Class: "dog", Confidence: 0.9, BBox: types.PixelRect{Width: 40, Height: 90}},
		{Class: "person", Confidence: 0.3, BBox: types.PixelRect{Width: 40, Height: 90}},
		{Class: "person", Confidence: 0.9, BBox: types.PixelRect{Width: 5, Height: 10}},
		{Class: "person", Confidence: 0.9, BBox: types.PixelRect{Width: 300, Height: 30}},
		{Class: "person", Confidence: 0.8, BBox: types.PixelRect{Width: 40, Height: 90}},
	}

	out := e.qualify(dets)
	if len(out) != 1 {
		t.Fatalf("qualified = %d, want 1", len(out))
	}
	if out[0].Confidence != 0.8 {
		t.Errorf("kept wrong detection: %+v", out[0])
	}
}

func TestZoneScoping(t *testing.T) {
	zones := []types.Zone{
		{
			ID:      "door",
			Mode:    types.ZoneModePerson,
			Polygon: types.Polygon{{X: 0, Y: 0}, {X: 200, Y: 0}, {X: 200, Y: 200}, {X: 0, Y: 200}},
		},
	}

	var confirmed []types.Sighting
	e := NewEngine("cam-1", testDetectConfig(), zones, func(s types.Sighting) {
		confirmed = append(confirmed, s)
	})

	// Box centered at (400, 400), outside the only person zone.
	outside := []types.Detection{{
		Class:      "person",
		Confidence: 0.9,
		BBox:       types.PixelRect{X: 380, Y: 360, Width: 40, Height: 80},
	}}
	for i := 0; i < 5; i++ {
		e.Observe(Result{FrameSeq: uint64(i), Timestamp: time.Now(), Detections: outside})
	}
	if len(confirmed) != 0 {
		t.Fatalf("sighting confirmed outside person zone")
	}

	// Box centered at (120, 140), inside the zone.
	inside := []types.Detection{{
		Class:      "person",
		Confidence: 0.9,
		BBox:       types.PixelRect{X: 100, Y: 100, Width: 40, Height: 80},
	}}
	for i := 0; i < 3; i++ {
		e.Observe(Result{FrameSeq: uint64(i), Timestamp: time.Now(), Detections: inside})
	}
	if len(confirmed) != 1 {
		t.Fatalf("expected 1 confirmed sighting inside zone, got %d", len(confirmed))
	}
	if confirmed[0].ZoneID != "door" {
		t.Errorf("zone = %q, want door", confirmed[0].ZoneID)
	}
}

func TestMotionOnlyZoneDoesNotScopeDetection(t *testing.T) {
	zones := []types.Zone{
		{
			ID:      "hallway",
			Mode:    types.ZoneModeMotion,
			Polygon: types.Polygon{{X: 0, Y: 0}, {X: 50, Y: 0}, {X: 50, Y: 50}, {X: 0, Y: 50}},
		},
	}

	var confirmed int
	e := NewEngine("cam-1", testDetectConfig(), zones, func(types.Sighting) {
		confirmed++
	})

	// With no person zones the whole frame qualifies, even though the box
	// is far outside the motion zone.
	feed(e, []bool{true, true, true})

	if confirmed != 1 {
		t.Fatalf("expected whole-frame sighting with motion-only zones, got %d", confirmed)
	}
}

func TestSetZonesResetsStreaks(t *testing.T) {
	var confirmed int
	e := NewEngine("cam-1", testDetectConfig(), nil, func(types.Sighting) {
		confirmed++
	})

	feed(e, []bool{true, true})
	e.SetZones(nil)
	feed(e, []bool{true})

	if confirmed != 0 {
		t.Fatalf("streak survived a zone reload")
	}
}
