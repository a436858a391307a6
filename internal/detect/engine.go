package detect

import (
	"log/slog"
	"time"

	"github.com/cataloglu/thermal-dual-vision/internal/config"
	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

// globalTarget is the synthetic zone used when a camera has no person zones;
// the whole frame is then one implicit zone.
const globalTarget = ""

// streak tracks one zone's progress toward confirmation.
type streak struct {
	consecutive int
	gaps        int
	startedAt   time.Time
	confidence  float64
	boxes       []types.PixelRect
}

// Engine applies the temporal-consistency rule to raw inference results: a
// sighting is confirmed after K qualifying frames with at most G
// non-qualifying frames absorbed between them. One Engine per camera, driven
// from a single goroutine, so no locking.
type Engine struct {
	cameraID string
	cfg      config.DetectConfig
	zones    []types.Zone
	streaks  map[string]*streak

	onConfirm func(types.Sighting)
}

// NewEngine creates a temporal-consistency engine for one camera.
func NewEngine(cameraID string, cfg config.DetectConfig, zones []types.Zone, onConfirm func(types.Sighting)) *Engine {
	return &Engine{
		cameraID:  cameraID,
		cfg:       cfg,
		zones:     zones,
		streaks:   make(map[string]*streak),
		onConfirm: onConfirm,
	}
}

// SetZones replaces the zone set. Active streaks reset: a sighting must not
// be confirmed against a mix of old and new geometry.
func (e *Engine) SetZones(zones []types.Zone) {
	e.zones = zones
	e.streaks = make(map[string]*streak)
}

// Observe consumes one inference pass. Each pass counts as exactly one
// qualifying or non-qualifying frame per zone, regardless of how many boxes
// landed in the zone.
func (e *Engine) Observe(result Result) {
	qualifying := e.qualify(result.Detections)

	personZones := 0
	for i := range e.zones {
		if !e.zones[i].MatchesPerson() {
			continue
		}
		personZones++
		zone := &e.zones[i]
		best := bestInZone(qualifying, zone)
		e.advance(zone.ID, best, result.Timestamp)
	}

	if personZones == 0 {
		best := bestOf(qualifying)
		e.advance(globalTarget, best, result.Timestamp)
	}
}

// qualify filters raw detections down to plausible person boxes.
func (e *Engine) qualify(dets []types.Detection) []types.Detection {
	out := dets[:0:0]
	for _, d := range dets {
		if d.Class != "person" {
			continue
		}
		if d.Confidence < e.cfg.Confidence {
			continue
		}
		if d.BBox.Area() < e.cfg.MinBoxArea {
			continue
		}
		aspect := d.BBox.AspectRatio()
		if aspect < e.cfg.MinAspect || aspect > e.cfg.MaxAspect {
			continue
		}
		out = append(out, d)
	}
	return out
}

// bestInZone returns the highest-confidence detection whose box center falls
// inside the zone polygon, or nil.
func bestInZone(dets []types.Detection, zone *types.Zone) *types.Detection {
	var best *types.Detection
	for i := range dets {
		if !zone.Polygon.Contains(dets[i].BBox.Center()) {
			continue
		}
		if best == nil || dets[i].Confidence > best.Confidence {
			best = &dets[i]
		}
	}
	return best
}

func bestOf(dets []types.Detection) *types.Detection {
	var best *types.Detection
	for i := range dets {
		if best == nil || dets[i].Confidence > best.Confidence {
			best = &dets[i]
		}
	}
	return best
}

// advance updates one zone's streak with a hit (det != nil) or a miss.
func (e *Engine) advance(zoneID string, det *types.Detection, ts time.Time) {
	s := e.streaks[zoneID]

	if det == nil {
		if s == nil {
			return
		}
		s.gaps++
		if s.gaps > e.cfg.GapTolerance {
			delete(e.streaks, zoneID)
		}
		return
	}

	if s == nil {
		s = &streak{startedAt: ts}
		e.streaks[zoneID] = s
	}

	s.consecutive++
	s.gaps = 0
	if det.Confidence > s.confidence {
		s.confidence = det.Confidence
	}
	s.boxes = append(s.boxes, det.BBox)

	if s.consecutive < e.cfg.ConsecutiveFrames {
		return
	}

	sighting := types.Sighting{
		CameraID:    e.cameraID,
		ZoneID:      zoneID,
		StartedAt:   s.startedAt,
		ConfirmedAt: ts,
		Confidence:  s.confidence,
		Boxes:       s.boxes,
	}
	delete(e.streaks, zoneID)

	slog.Info("sighting confirmed",
		"camera_id", e.cameraID,
		"zone_id", zoneID,
		"confidence", sighting.Confidence,
		"frames", len(sighting.Boxes),
	)

	if e.onConfirm != nil {
		e.onConfirm(sighting)
	}
}
