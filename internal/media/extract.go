package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cataloglu/thermal-dual-vision/internal/recorder"
	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

// clipFromSegments extracts the event window from recorded segments. Multiple
// segments concat in time order; gaps between them are tolerated, the clip
// simply jumps across missing time.
func (g *Generator) clipFromSegments(ctx context.Context, ev types.Event, finalPath string) error {
	segments, err := recorder.FindOverlapping(g.recDir, ev.CameraID, ev.StartTime, ev.EndTime)
	if err != nil {
		return fmt.Errorf("failed to scan segments: %w", err)
	}
	if len(segments) == 0 {
		return fmt.Errorf("no segments overlap event window")
	}

	list, offset, duration := concatPlan(segments, ev.StartTime, ev.EndTime)

	listPath := filepath.Join(g.cfg.Dir, "."+ev.ID+"_concat.txt")
	if err := os.WriteFile(listPath, []byte(list), 0o644); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}
	defer os.Remove(listPath)

	tmp := tempPath(finalPath)
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-ss", stamp(offset),
		"-t", stamp(duration),
		"-c", "copy",
		"-movflags", "+faststart",
		"-y", tmp,
	}
	if err := g.runFFmpeg(ctx, args, nil); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("segment concat failed: %w", err)
	}
	if err := promote(tmp, finalPath, g.cfg.MinOutputBytes); err != nil {
		return err
	}
	slog.Info("clip extracted from segments",
		"event_id", ev.ID,
		"segments", len(segments),
		"path", finalPath,
	)
	return nil
}

// concatPlan builds the ffmpeg concat list for the segments and the trim of
// the joined stream down to the [from, to] window. The joined timeline starts
// at the first segment's start, so a window opening before any footage trims
// from zero with a correspondingly shorter duration.
func concatPlan(segments []recorder.Segment, from, to time.Time) (list string, offset, duration time.Duration) {
	var buf bytes.Buffer
	for _, seg := range segments {
		fmt.Fprintf(&buf, "file '%s'\n", seg.Path)
	}
	start := from
	if segments[0].Start.After(start) {
		start = segments[0].Start
	}
	return buf.String(), start.Sub(segments[0].Start), to.Sub(start)
}

// clipFromRing encodes the ring buffer's retained frames for the window. An
// empty range degrades to a minimal clip from the latest frame so the event
// always carries some video evidence.
func (g *Generator) clipFromRing(ctx context.Context, ev types.Event, finalPath string) error {
	ring, ok := g.rings.Lookup(ev.CameraID)
	if !ok {
		return fmt.Errorf("no ring buffer for camera %s", ev.CameraID)
	}

	frames, truncated := ring.ReadRange(ev.StartTime, ev.EndTime)
	if truncated {
		slog.Warn("clip window partially evicted from ring",
			"event_id", ev.ID,
			"camera_id", ev.CameraID,
		)
	}
	fps := g.ringFPS
	if len(frames) == 0 {
		latest, ok := ring.Latest()
		if !ok {
			return fmt.Errorf("ring buffer empty for camera %s", ev.CameraID)
		}
		// Minimal clip: the single frame held for one second.
		frames = []types.Frame{latest}
		fps = 1
	}

	return g.encodeRawFrames(ctx, frames, fps, finalPath, ev.ID)
}

// encodeRawFrames pipes BGR24 frames into ffmpeg and promotes the output.
func (g *Generator) encodeRawFrames(ctx context.Context, frames []types.Frame, fps float64, finalPath, eventID string) error {
	w, h := frames[0].Width, frames[0].Height
	tmp := tempPath(finalPath)
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", w, h),
		"-r", fmt.Sprintf("%.2f", fps),
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-y", tmp,
	}

	frameBytes := w * h * 3
	reader, writer := io.Pipe()
	go func() {
		for _, f := range frames {
			if len(f.Data) != frameBytes {
				continue // resolution changed mid-window, skip the stray frame
			}
			if _, err := writer.Write(f.Data); err != nil {
				writer.CloseWithError(err)
				return
			}
		}
		writer.Close()
	}()

	if err := g.runFFmpeg(ctx, args, reader); err != nil {
		reader.Close()
		os.Remove(tmp)
		return fmt.Errorf("raw frame encode failed: %w", err)
	}
	if err := promote(tmp, finalPath, g.cfg.MinOutputBytes); err != nil {
		return err
	}
	slog.Info("clip encoded from ring frames",
		"event_id", eventID,
		"frames", len(frames),
		"path", finalPath,
	)
	return nil
}

// runFFmpeg executes ffmpeg with a hard timeout. A zero exit code is
// necessary but not sufficient; callers still validate the output file.
func (g *Generator) runFFmpeg(ctx context.Context, args []string, stdin io.Reader) error {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(runCtx, g.cfg.FFmpegPath, args...)
	cmd.Stdin = stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if len(msg) > 400 {
			msg = msg[len(msg)-400:]
		}
		return fmt.Errorf("ffmpeg: %w (%s)", err, msg)
	}
	return nil
}
