package types

import "time"

// ZoneMode controls which signals a zone contributes to.
type ZoneMode string

const (
	ZoneModePerson ZoneMode = "person"
	ZoneModeMotion ZoneMode = "motion"
	ZoneModeBoth   ZoneMode = "both"
)

// Zone is a polygon region scoping sightings spatially.
type Zone struct {
	ID      string   `yaml:"id" json:"id"`
	Mode    ZoneMode `yaml:"mode" json:"mode"`
	Polygon Polygon  `yaml:"polygon" json:"polygon"`
}

// MatchesMotion reports whether the zone participates in motion gating.
func (z *Zone) MatchesMotion() bool {
	return z.Mode == ZoneModeMotion || z.Mode == ZoneModeBoth
}

// MatchesPerson reports whether the zone participates in person detection.
func (z *Zone) MatchesPerson() bool {
	return z.Mode == ZoneModePerson || z.Mode == ZoneModeBoth
}

// Detection is a single inference result. Ephemeral: consumed by the
// temporal-consistency engine and discarded.
type Detection struct {
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	BBox       PixelRect `json:"bbox"`
	FrameSeq   uint64    `json:"frame_seq"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sighting is a confirmed detection streak for one camera/zone pair.
type Sighting struct {
	CameraID   string    `json:"camera_id"`
	ZoneID     string    `json:"zone_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	ConfirmedAt time.Time `json:"confirmed_at"`
	// Confidence is the best detection confidence observed during the streak.
	Confidence float64 `json:"confidence"`
	// Boxes holds the qualifying bounding boxes, one per counted frame.
	Boxes []PixelRect `json:"boxes"`
}
