package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"log/slog"
)

// Segment is one finalized recording file. Its time range is derivable from
// the filename alone, so clip extraction never has to probe the container.
type Segment struct {
	Path     string
	CameraID string
	Start    time.Time
	Duration time.Duration
}

// End returns the segment's end time.
func (s Segment) End() time.Time {
	return s.Start.Add(s.Duration)
}

// Overlaps reports whether the segment intersects [from, to).
func (s Segment) Overlaps(from, to time.Time) bool {
	return s.Start.Before(to) && s.End().After(from)
}

// SegmentName builds the canonical segment filename
// <cameraID>_<unixStart>_<durationS>.mp4.
func SegmentName(cameraID string, start time.Time, duration time.Duration) string {
	return fmt.Sprintf("%s_%d_%d.mp4", cameraID, start.Unix(), int(duration.Seconds()))
}

// ParseSegmentName recovers a Segment from a filename. Camera IDs may contain
// underscores, so the two numeric fields anchor from the right.
func ParseSegmentName(path string) (Segment, error) {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, ".mp4")
	if name == base {
		return Segment{}, fmt.Errorf("not a segment file: %s", base)
	}

	parts := strings.Split(name, "_")
	if len(parts) < 3 {
		return Segment{}, fmt.Errorf("malformed segment name: %s", base)
	}

	durS, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || durS <= 0 {
		return Segment{}, fmt.Errorf("bad duration in segment name %s: %v", base, err)
	}
	startUnix, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil || startUnix <= 0 {
		return Segment{}, fmt.Errorf("bad start time in segment name %s: %v", base, err)
	}
	cameraID := strings.Join(parts[:len(parts)-2], "_")
	if cameraID == "" {
		return Segment{}, fmt.Errorf("missing camera id in segment name: %s", base)
	}

	return Segment{
		Path:     path,
		CameraID: cameraID,
		Start:    time.Unix(startUnix, 0),
		Duration: time.Duration(durS) * time.Second,
	}, nil
}

// ListSegments returns all parseable segments in dir, oldest first. cameraID
// filters to one camera; empty matches every camera. Foreign files are
// skipped silently.
func ListSegments(dir, cameraID string) ([]Segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read recording dir: %w", err)
	}

	var segments []Segment
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		seg, err := ParseSegmentName(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		if cameraID != "" && seg.CameraID != cameraID {
			continue
		}
		segments = append(segments, seg)
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].Start.Before(segments[j].Start)
	})
	return segments, nil
}

// FindOverlapping returns one camera's segments intersecting [from, to),
// oldest first.
func FindOverlapping(dir, cameraID string, from, to time.Time) ([]Segment, error) {
	all, err := ListSegments(dir, cameraID)
	if err != nil {
		return nil, err
	}
	var out []Segment
	for _, seg := range all {
		if seg.Overlaps(from, to) {
			out = append(out, seg)
		}
	}
	return out, nil
}

// sweepRetention deletes one camera's segments that ended before the rolling
// window. Returns the number of files removed.
func sweepRetention(dir, cameraID string, retain time.Duration, now time.Time) int {
	segments, err := ListSegments(dir, cameraID)
	if err != nil {
		slog.Error("retention sweep failed to list segments",
			"camera_id", cameraID,
			"error", err,
		)
		return 0
	}

	horizon := now.Add(-retain)
	removed := 0
	for _, seg := range segments {
		if !seg.End().Before(horizon) {
			break
		}
		if err := os.Remove(seg.Path); err != nil {
			slog.Error("failed to delete expired segment",
				"path", seg.Path,
				"error", err,
			)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Debug("retention sweep removed segments",
			"camera_id", cameraID,
			"removed", removed,
		)
	}
	return removed
}

// enforceDiskBudget deletes the globally oldest segments until total segment
// bytes fit under maxBytes. All contributing cameras share the budget, so the
// oldest evidence goes first regardless of which camera produced it.
func enforceDiskBudget(dir string, maxBytes int64) int {
	if maxBytes <= 0 {
		return 0
	}
	segments, err := ListSegments(dir, "")
	if err != nil {
		slog.Error("disk guard failed to list segments", "error", err)
		return 0
	}

	var total int64
	sizes := make([]int64, len(segments))
	for i, seg := range segments {
		info, err := os.Stat(seg.Path)
		if err != nil {
			continue
		}
		sizes[i] = info.Size()
		total += info.Size()
	}

	removed := 0
	for i := 0; i < len(segments) && total > maxBytes; i++ {
		if err := os.Remove(segments[i].Path); err != nil {
			slog.Error("disk guard failed to delete segment",
				"path", segments[i].Path,
				"error", err,
			)
			continue
		}
		total -= sizes[i]
		removed++
	}
	if removed > 0 {
		slog.Warn("disk guard removed segments",
			"removed", removed,
			"remaining_bytes", total,
			"limit_bytes", maxBytes,
		)
	}
	return removed
}
