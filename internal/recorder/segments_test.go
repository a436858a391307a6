package recorder

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSegmentNameRoundTrip(t *testing.T) {
	start := time.Unix(1700000000, 0)
	name := SegmentName("front_door_thermal", start, 60*time.Second)
	if name != "front_door_thermal_1700000000_60.mp4" {
		t.Fatalf("name = %q", name)
	}

	seg, err := ParseSegmentName("/rec/" + name)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if seg.CameraID != "front_door_thermal" {
		t.Errorf("camera = %q", seg.CameraID)
	}
	if !seg.Start.Equal(start) {
		t.Errorf("start = %v, want %v", seg.Start, start)
	}
	if seg.Duration != 60*time.Second {
		t.Errorf("duration = %v", seg.Duration)
	}
}

func TestParseSegmentNameRejectsForeignFiles(t *testing.T) {
	for _, name := range []string{
		"notes.txt",
		"cam-1.mp4",
		"cam-1_abc_60.mp4",
		"cam-1_1700000000_0.mp4",
		"_1700000000_60.mp4",
	} {
		if _, err := ParseSegmentName(name); err == nil {
			t.Errorf("parse(%q) succeeded, want error", name)
		}
	}
}

func TestSegmentOverlaps(t *testing.T) {
	seg := Segment{Start: time.Unix(1000, 0), Duration: 60 * time.Second}
	cases := []struct {
		from, to int64
		want     bool
	}{
		{900, 1000, false},  // ends where the segment starts
		{900, 1001, true},   // one second of overlap
		{1030, 1040, true},  // fully inside
		{1059, 1120, true},  // crosses the end
		{1060, 1120, false}, // begins where the segment ends
	}
	for _, c := range cases {
		got := seg.Overlaps(time.Unix(c.from, 0), time.Unix(c.to, 0))
		if got != c.want {
			t.Errorf("overlaps(%d,%d) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func writeSegment(t *testing.T, dir, cameraID string, start int64, durS int, size int) string {
	t.Helper()
	path := filepath.Join(dir, SegmentName(cameraID, time.Unix(start, 0), time.Duration(durS)*time.Second))
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}
	return path
}

func TestRetentionSweepRemovesOldestOnly(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(10000, 0)
	old := writeSegment(t, dir, "cam-1", 1000, 60, 10)
	mid := writeSegment(t, dir, "cam-1", 7000, 60, 10)
	fresh := writeSegment(t, dir, "cam-1", 9900, 60, 10)
	other := writeSegment(t, dir, "cam-2", 1000, 60, 10)

	removed := sweepRetention(dir, "cam-1", 3600*time.Second, now)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Errorf("expired segment still present")
	}
	for _, p := range []string{mid, fresh, other} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("segment %s unexpectedly removed", filepath.Base(p))
		}
	}
}

func TestDiskBudgetDeletesGloballyOldestFirst(t *testing.T) {
	dir := t.TempDir()
	oldest := writeSegment(t, dir, "cam-2", 1000, 60, 400)
	second := writeSegment(t, dir, "cam-1", 2000, 60, 400)
	newest := writeSegment(t, dir, "cam-1", 3000, 60, 400)

	removed := enforceDiskBudget(dir, 900)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(oldest); !os.IsNotExist(err) {
		t.Errorf("oldest segment survived the disk guard")
	}
	for _, p := range []string{second, newest} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("segment %s removed out of order", filepath.Base(p))
		}
	}

	if removed := enforceDiskBudget(dir, 0); removed != 0 {
		t.Errorf("disabled disk guard removed %d segments", removed)
	}
}

func TestFindOverlapping(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "cam-1", 1000, 60, 10)
	writeSegment(t, dir, "cam-1", 1060, 60, 10)
	writeSegment(t, dir, "cam-1", 1120, 60, 10)
	writeSegment(t, dir, "cam-2", 1060, 60, 10)

	segs, err := FindOverlapping(dir, "cam-1", time.Unix(1050, 0), time.Unix(1070, 0))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("segments = %d, want 2", len(segs))
	}
	if !segs[0].Start.Before(segs[1].Start) {
		t.Errorf("segments not ordered oldest first")
	}
}
