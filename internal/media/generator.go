// Package media produces evidence artifacts for events: collage contact
// sheets on the fast path, MP4 clips on the slow path, and optional MJPEG
// previews. Every output is written to a temp path and atomically promoted.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cataloglu/thermal-dual-vision/internal/config"
	"github.com/cataloglu/thermal-dual-vision/internal/ringbuf"
	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

// Generator builds media files for events. Clips come from recorded segments
// when any overlap the event window, falling back to ring-buffer frames, then
// to a minimal single-frame clip. Safe for concurrent use from worker pools.
type Generator struct {
	cfg     config.MediaConfig
	recDir  string
	ringFPS float64
	rings   *ringbuf.Manager
}

// NewGenerator creates a media generator. recDir is the continuous recorder's
// segment directory; ringFPS is the rate ring frames were retained at.
func NewGenerator(cfg config.MediaConfig, recDir string, rings *ringbuf.Manager, ringFPS float64) (*Generator, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if ringFPS <= 0 {
		ringFPS = 10
	}
	return &Generator{cfg: cfg, recDir: recDir, rings: rings, ringFPS: ringFPS}, nil
}

// Collage renders the sighting's qualifying boxes over ring-buffer frames
// into one contact-sheet JPEG named by event id.
func (g *Generator) Collage(ctx context.Context, ev types.Event, sighting types.Sighting) (string, error) {
	ring, ok := g.rings.Lookup(ev.CameraID)
	if !ok {
		return "", fmt.Errorf("no ring buffer for camera %s", ev.CameraID)
	}

	frames, truncated := ring.ReadRange(sighting.StartedAt, sighting.ConfirmedAt)
	if truncated {
		slog.Warn("collage window partially evicted from ring",
			"event_id", ev.ID,
			"camera_id", ev.CameraID,
		)
	}
	if len(frames) == 0 {
		if latest, ok := ring.Latest(); ok {
			frames = []types.Frame{latest}
		} else {
			return "", fmt.Errorf("no frames available for collage")
		}
	}

	// One cell per qualifying box, sampled evenly across the window.
	picked := sampleFrames(frames, len(sighting.Boxes))
	canvas, err := renderCollage(picked, sighting.Boxes, g.cfg.CollageColumns)
	if err != nil {
		return "", err
	}

	path := filepath.Join(g.cfg.Dir, ev.ID+"_collage.jpg")
	if err := writeJPEG(canvas, path, g.cfg.MinOutputBytes); err != nil {
		return "", err
	}
	slog.Info("collage written", "event_id", ev.ID, "path", path, "cells", len(picked))
	return path, nil
}

// Clip extracts the event window into an MP4 named by event id.
func (g *Generator) Clip(ctx context.Context, ev types.Event) (string, error) {
	path := filepath.Join(g.cfg.Dir, ev.ID+".mp4")

	if err := g.clipFromSegments(ctx, ev, path); err == nil {
		return path, nil
	} else {
		slog.Warn("segment extraction unavailable, trying ring fallback",
			"event_id", ev.ID,
			"error", err,
		)
	}

	if err := g.clipFromRing(ctx, ev, path); err != nil {
		return "", fmt.Errorf("all clip sources failed: %w", err)
	}
	return path, nil
}

// Preview writes a low-rate MJPEG animation of the event window. MJPEG is a
// bare concatenation of JPEG frames, so no encoder subprocess is needed.
func (g *Generator) Preview(ctx context.Context, ev types.Event) (string, error) {
	if !g.cfg.PreviewEnabled {
		return "", nil
	}
	ring, ok := g.rings.Lookup(ev.CameraID)
	if !ok {
		return "", fmt.Errorf("no ring buffer for camera %s", ev.CameraID)
	}
	frames, _ := ring.ReadRange(ev.StartTime, ev.EndTime)
	if len(frames) == 0 {
		return "", fmt.Errorf("no frames available for preview")
	}
	picked := sampleFrames(frames, 10)

	var buf bytes.Buffer
	for _, f := range picked {
		if err := jpeg.Encode(&buf, frameToImage(f), &jpeg.Options{Quality: 70}); err != nil {
			return "", fmt.Errorf("failed to encode preview frame: %w", err)
		}
	}

	path := filepath.Join(g.cfg.Dir, ev.ID+"_preview.mjpeg")
	tmp := tempPath(path)
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write preview: %w", err)
	}
	if err := promote(tmp, path, g.cfg.MinOutputBytes); err != nil {
		return "", err
	}
	slog.Info("preview written", "event_id", ev.ID, "path", path, "frames", len(picked))
	return path, nil
}

// sampleFrames picks up to n frames spread evenly across the input.
func sampleFrames(frames []types.Frame, n int) []types.Frame {
	if n <= 0 {
		n = 1
	}
	if n >= len(frames) {
		return frames
	}
	out := make([]types.Frame, 0, n)
	step := float64(len(frames)) / float64(n)
	for i := 0; i < n; i++ {
		out = append(out, frames[int(float64(i)*step)])
	}
	return out
}

// stamp formats a time for ffmpeg trim arguments.
func stamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.3f", d.Seconds())
}
