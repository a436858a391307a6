package config

import (
	"fmt"
	"regexp"

	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

var idPattern = regexp.MustCompile(`^[a-z0-9\-_]+$`)

// Validate checks if the configuration is valid.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !idPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-_]+")
	}

	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("vision/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Events == "" {
		cfg.MQTT.Topics.Events = fmt.Sprintf("vision/events/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("vision/status/%s", cfg.InstanceID)
	}

	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control": 1,
			"events":  1,
			"status":  0,
		}
	}

	if cfg.Recorder.Enabled && cfg.Recorder.Dir == "" {
		return fmt.Errorf("recorder.dir is required when the recorder is enabled")
	}
	if cfg.Media.Dir == "" {
		return fmt.Errorf("media.dir is required")
	}

	if err := validateTunables(&cfg.Motion, &cfg.Detect); err != nil {
		return err
	}

	seen := make(map[string]bool, len(cfg.Cameras))
	for i := range cfg.Cameras {
		cam := &cfg.Cameras[i]
		if err := ValidateCamera(cam); err != nil {
			return fmt.Errorf("camera %q: %w", cam.ID, err)
		}
		if seen[cam.ID] {
			return fmt.Errorf("duplicate camera id %q", cam.ID)
		}
		seen[cam.ID] = true
	}

	return nil
}

// ValidateCamera validates one camera block, including its overrides and
// zones. Used at load time and again when a reload targets a running camera:
// a camera that fails validation keeps its previous configuration.
func ValidateCamera(cam *CameraConfig) error {
	if cam.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !idPattern.MatchString(cam.ID) {
		return fmt.Errorf("id must match pattern [a-z0-9-_]+")
	}
	if cam.RestreamURL == "" {
		return fmt.Errorf("restream_url is required")
	}
	switch cam.Source {
	case "thermal", "color", "auto":
	default:
		return fmt.Errorf("source must be thermal, color or auto, got %q", cam.Source)
	}
	if cam.Width <= 0 || cam.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", cam.Width, cam.Height)
	}

	for _, z := range cam.Zones {
		if err := ValidateZone(&z); err != nil {
			return fmt.Errorf("zone %q: %w", z.ID, err)
		}
	}

	if cam.Motion != nil || cam.Detect != nil {
		m := cam.Motion
		if m == nil {
			m = &MotionConfig{LearnRate: 0.05, DeltaThreshold: 25, MinChangedArea: 300}
		}
		d := cam.Detect
		if d == nil {
			d = &DetectConfig{ConsecutiveFrames: 3, GapTolerance: 1, Confidence: 0.5,
				MinBoxArea: 200, MinAspect: 0.15, MaxAspect: 1.4, InferenceFPS: 5}
		}
		if err := validateTunables(m, d); err != nil {
			return err
		}
	}

	return nil
}

// ValidateZone checks a zone polygon for structural validity.
func ValidateZone(z *types.Zone) error {
	if z.ID == "" {
		return fmt.Errorf("id is required")
	}
	switch z.Mode {
	case types.ZoneModePerson, types.ZoneModeMotion, types.ZoneModeBoth:
	default:
		return fmt.Errorf("mode must be person, motion or both, got %q", z.Mode)
	}
	if len(z.Polygon) < 3 {
		return fmt.Errorf("polygon must have at least 3 points, got %d", len(z.Polygon))
	}
	for i, p := range z.Polygon {
		if p.X < 0 || p.Y < 0 {
			return fmt.Errorf("point %d has negative coordinates (%d,%d)", i, p.X, p.Y)
		}
	}
	return nil
}

func validateTunables(m *MotionConfig, d *DetectConfig) error {
	if m.LearnRate <= 0 || m.LearnRate >= 1 {
		return fmt.Errorf("motion.learn_rate must be in (0,1), got %v", m.LearnRate)
	}
	if m.DeltaThreshold <= 0 || m.DeltaThreshold > 255 {
		return fmt.Errorf("motion.delta_threshold must be in (0,255], got %d", m.DeltaThreshold)
	}
	if m.MinChangedArea <= 0 {
		return fmt.Errorf("motion.min_changed_area must be > 0")
	}
	if d.ConsecutiveFrames <= 0 {
		return fmt.Errorf("detect.consecutive_frames must be > 0")
	}
	if d.GapTolerance < 0 {
		return fmt.Errorf("detect.gap_tolerance must be >= 0")
	}
	if d.Confidence <= 0 || d.Confidence > 1 {
		return fmt.Errorf("detect.confidence must be in (0,1], got %v", d.Confidence)
	}
	if d.MinAspect <= 0 || d.MaxAspect <= d.MinAspect {
		return fmt.Errorf("detect aspect bounds invalid: min=%v max=%v", d.MinAspect, d.MaxAspect)
	}
	if d.InferenceFPS <= 0 || d.InferenceFPS > 30 {
		return fmt.Errorf("detect.inference_fps must be in (0,30], got %v", d.InferenceFPS)
	}
	return nil
}
