// Package motion implements the cheap background-subtraction pass that gates
// which frames reach expensive inference.
package motion

import (
	"log/slog"

	"github.com/cataloglu/thermal-dual-vision/internal/config"
	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

// Filter maintains an adaptive background model for one camera and flags
// frames whose foreground pixel count exceeds the configured area threshold
// inside any active zone. Not safe for concurrent use; each camera worker
// owns its filter.
type Filter struct {
	cfg    config.MotionConfig
	width  int
	height int

	background []float32 // running accumulator, one entry per pixel
	gray       []uint8   // scratch buffer for the current frame
	mask       []bool    // true where at least one motion zone covers the pixel
	maskAll    bool      // no motion zones configured, whole frame is active
	primed     bool
}

// NewFilter creates a filter for the given frame geometry and zone set.
// Only zones with mode motion or both contribute to the mask.
func NewFilter(cfg config.MotionConfig, width, height int, zones []types.Zone) *Filter {
	f := &Filter{
		cfg:        cfg,
		width:      width,
		height:     height,
		background: make([]float32, width*height),
		gray:       make([]uint8, width*height),
	}
	f.buildMask(zones)
	return f
}

func (f *Filter) buildMask(zones []types.Zone) {
	var active []types.Zone
	for _, z := range zones {
		if z.MatchesMotion() {
			active = append(active, z)
		}
	}
	if len(active) == 0 {
		f.maskAll = true
		return
	}

	f.mask = make([]bool, f.width*f.height)
	masked := 0
	for _, z := range active {
		// Rasterize only the polygon's bounding box.
		bb := z.Polygon.BoundingBox()
		bb.Clamp(f.width, f.height)
		for y := bb.Y; y < bb.Y+bb.Height; y++ {
			for x := bb.X; x < bb.X+bb.Width; x++ {
				idx := y*f.width + x
				if !f.mask[idx] && z.Polygon.Contains(types.Point{X: x, Y: y}) {
					f.mask[idx] = true
					masked++
				}
			}
		}
	}

	slog.Debug("motion mask built",
		"zones", len(active),
		"masked_pixels", masked,
		"total_pixels", f.width*f.height,
	)
}

// Process folds a frame into the background model and reports whether it is
// a candidate for inference, along with the changed pixel count. The first
// frame primes the model and is never a candidate.
func (f *Filter) Process(frame types.Frame) (candidate bool, changed int) {
	if len(frame.Data) < frame.Width*frame.Height*3 || frame.Width != f.width || frame.Height != f.height {
		return false, 0
	}

	toGray(frame.Data, f.gray)

	if !f.primed {
		for i, g := range f.gray {
			f.background[i] = float32(g)
		}
		f.primed = true
		return false, 0
	}

	rate := float32(f.cfg.LearnRate)
	threshold := float32(f.cfg.DeltaThreshold)

	for i, g := range f.gray {
		cur := float32(g)
		delta := cur - f.background[i]
		if delta < 0 {
			delta = -delta
		}
		if delta > threshold && (f.maskAll || f.mask[i]) {
			changed++
		}
		// Adaptive accumulator: the background slowly follows the scene so
		// gradual lighting or thermal drift never reads as motion.
		f.background[i] += rate * (cur - f.background[i])
	}

	return changed >= f.cfg.MinChangedArea, changed
}

// Reset discards the background model, forcing a re-prime. Used after a
// reconnect, where the first frames of a fresh stream would otherwise diff
// against a stale scene.
func (f *Filter) Reset() {
	f.primed = false
}

// toGray converts BGR24 to 8-bit grayscale by channel average. Thermal
// sources deliver near-identical channels, color sources are close enough
// for a coarse motion gate.
func toGray(bgr []byte, gray []uint8) {
	for i := range gray {
		o := i * 3
		gray[i] = uint8((uint32(bgr[o]) + uint32(bgr[o+1]) + uint32(bgr[o+2])) / 3)
	}
}
