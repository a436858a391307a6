package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

// Config is the complete daemon configuration.
type Config struct {
	InstanceID       string `yaml:"instance_id"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"` // graceful shutdown timeout (default: 5)
	LogFile          string `yaml:"log_file"`           // optional, rotated; empty logs to stdout
	HealthPort       string `yaml:"health_port"`

	MQTT     MQTTConfig     `yaml:"mqtt"`
	Detector DetectorConfig `yaml:"detector"`
	Motion   MotionConfig   `yaml:"motion"`
	Detect   DetectConfig   `yaml:"detect"`
	Events   EventsConfig   `yaml:"events"`
	Recorder RecorderConfig `yaml:"recorder"`
	Media    MediaConfig    `yaml:"media"`
	Ring     RingConfig     `yaml:"ring"`
	Storage  StorageConfig  `yaml:"storage"`

	Cameras []CameraConfig `yaml:"cameras"`
}

// CameraConfig holds one camera's identity and per-camera overrides.
// Runtime entities reference cameras by ID only; the config may be edited
// while detection is running.
type CameraConfig struct {
	ID          string       `yaml:"id"`
	RestreamURL string       `yaml:"restream_url"`
	Source      string       `yaml:"source"` // thermal, color, auto
	Enabled     bool         `yaml:"enabled"`
	Width       int          `yaml:"width"`
	Height      int          `yaml:"height"`
	Zones       []types.Zone `yaml:"zones"`

	// Optional overrides of the global sections.
	Motion *MotionConfig `yaml:"motion,omitempty"`
	Detect *DetectConfig `yaml:"detect,omitempty"`
}

// MotionConfig tunes the background-subtraction pre-filter.
type MotionConfig struct {
	// LearnRate is the background accumulator blend factor per frame (0..1).
	LearnRate float64 `yaml:"learn_rate"`
	// DeltaThreshold is the per-pixel absolute difference that counts as foreground.
	DeltaThreshold int `yaml:"delta_threshold"`
	// MinChangedArea is the foreground pixel count that flags a candidate frame.
	MinChangedArea int `yaml:"min_changed_area"`
}

// DetectConfig tunes the temporal-consistency engine. The confirmation
// thresholds were re-tuned repeatedly in the field; they are configuration,
// not behavior.
type DetectConfig struct {
	// ConsecutiveFrames (K) qualifying frames confirm a sighting.
	ConsecutiveFrames int `yaml:"consecutive_frames"`
	// GapTolerance (G) non-qualifying frames are absorbed without a reset.
	GapTolerance int `yaml:"gap_tolerance"`
	// Confidence is the minimum detection confidence.
	Confidence float64 `yaml:"confidence"`
	// MinBoxArea rejects implausibly small boxes (pixels).
	MinBoxArea int `yaml:"min_box_area"`
	// MinAspect/MaxAspect bound width/height of a plausible person box.
	MinAspect float64 `yaml:"min_aspect"`
	MaxAspect float64 `yaml:"max_aspect"`
	// InferenceFPS is the sampling rate forwarded to the pre-filter.
	InferenceFPS float64 `yaml:"inference_fps"`
}

// DetectorConfig configures the external detector worker subprocess.
type DetectorConfig struct {
	Command    string  `yaml:"command"`
	ModelPath  string  `yaml:"model_path"`
	Confidence float64 `yaml:"confidence"`
}

// EventsConfig tunes the event lifecycle manager.
type EventsConfig struct {
	CooldownS    int `yaml:"cooldown_s"`     // suppresses duplicate events (default 30)
	MinDurationS int `yaml:"min_duration_s"` // minimum event window length
	PreSeconds   int `yaml:"pre_seconds"`    // evidence window padding before confirmation
	PostSeconds  int `yaml:"post_seconds"`   // evidence window padding after confirmation

	// Optional approval step. Empty URL disables gating.
	ApprovalURL      string `yaml:"approval_url"`
	ApprovalTimeoutS int    `yaml:"approval_timeout_s"`

	CollageWorkers int `yaml:"collage_workers"`
	ClipWorkers    int `yaml:"clip_workers"`
}

// RecorderConfig tunes the continuous recorder.
type RecorderConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Dir              string `yaml:"dir"`
	SegmentSeconds   int    `yaml:"segment_seconds"`    // default 60
	RetainSeconds    int    `yaml:"retain_seconds"`     // rolling window, default 3600
	MaxDiskBytes     int64  `yaml:"max_disk_bytes"`     // 0 disables the disk guard
	PollIntervalS    int    `yaml:"poll_interval_s"`    // liveness poll, default 5
	RestartDebounceS int    `yaml:"restart_debounce_s"` // wait after crash, default 3
	RestartCooldownS int    `yaml:"restart_cooldown_s"` // floor between restarts, default 10
	FFmpegPath       string `yaml:"ffmpeg_path"`
}

// MediaConfig tunes clip extraction and media generation.
type MediaConfig struct {
	Dir            string `yaml:"dir"`
	MinOutputBytes int64  `yaml:"min_output_bytes"` // below this an encode is a failure
	PreviewEnabled bool   `yaml:"preview_enabled"`
	CollageColumns int    `yaml:"collage_columns"`
	FFmpegPath     string `yaml:"ffmpeg_path"`
}

// RingConfig sizes the per-camera frame ring buffer.
type RingConfig struct {
	OutputFPS     float64 `yaml:"output_fps"`     // rate frames are retained at
	RetainSeconds int     `yaml:"retain_seconds"` // buffered history per camera
}

// StorageConfig configures the optional object-storage media uploader.
type StorageConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// MQTTConfig contains broker settings and topic templates.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates.
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
	Status  string `yaml:"status"`
}

// Load reads and parses a YAML configuration file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ShutdownTimeoutS == 0 {
		c.ShutdownTimeoutS = 5
	}
	if c.HealthPort == "" {
		c.HealthPort = "8080"
	}
	if c.Motion.LearnRate == 0 {
		c.Motion.LearnRate = 0.05
	}
	if c.Motion.DeltaThreshold == 0 {
		c.Motion.DeltaThreshold = 25
	}
	if c.Motion.MinChangedArea == 0 {
		c.Motion.MinChangedArea = 300
	}
	if c.Detect.ConsecutiveFrames == 0 {
		c.Detect.ConsecutiveFrames = 3
	}
	if c.Detect.GapTolerance == 0 {
		c.Detect.GapTolerance = 1
	}
	if c.Detect.Confidence == 0 {
		c.Detect.Confidence = 0.5
	}
	if c.Detect.MinBoxArea == 0 {
		c.Detect.MinBoxArea = 200
	}
	if c.Detect.MinAspect == 0 {
		c.Detect.MinAspect = 0.15
	}
	if c.Detect.MaxAspect == 0 {
		c.Detect.MaxAspect = 1.4
	}
	if c.Detect.InferenceFPS == 0 {
		c.Detect.InferenceFPS = 5
	}
	if c.Events.CooldownS == 0 {
		c.Events.CooldownS = 30
	}
	if c.Events.PreSeconds == 0 {
		c.Events.PreSeconds = 5
	}
	if c.Events.PostSeconds == 0 {
		c.Events.PostSeconds = 5
	}
	if c.Events.ApprovalTimeoutS == 0 {
		c.Events.ApprovalTimeoutS = 20
	}
	if c.Events.CollageWorkers == 0 {
		c.Events.CollageWorkers = 2
	}
	if c.Events.ClipWorkers == 0 {
		c.Events.ClipWorkers = 1
	}
	if c.Recorder.SegmentSeconds == 0 {
		c.Recorder.SegmentSeconds = 60
	}
	if c.Recorder.RetainSeconds == 0 {
		c.Recorder.RetainSeconds = 3600
	}
	if c.Recorder.PollIntervalS == 0 {
		c.Recorder.PollIntervalS = 5
	}
	if c.Recorder.RestartDebounceS == 0 {
		c.Recorder.RestartDebounceS = 3
	}
	if c.Recorder.RestartCooldownS == 0 {
		c.Recorder.RestartCooldownS = 10
	}
	if c.Recorder.FFmpegPath == "" {
		c.Recorder.FFmpegPath = "ffmpeg"
	}
	if c.Media.MinOutputBytes == 0 {
		c.Media.MinOutputBytes = 4096
	}
	if c.Media.CollageColumns == 0 {
		c.Media.CollageColumns = 3
	}
	if c.Media.FFmpegPath == "" {
		c.Media.FFmpegPath = c.Recorder.FFmpegPath
	}
	if c.Ring.OutputFPS == 0 {
		c.Ring.OutputFPS = 10
	}
	if c.Ring.RetainSeconds == 0 {
		c.Ring.RetainSeconds = 30
	}

	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.Source == "" {
			cam.Source = "auto"
		}
		if cam.Width == 0 {
			cam.Width = 640
		}
		if cam.Height == 0 {
			cam.Height = 480
		}
	}
}

// MotionFor returns the effective motion tunables for a camera, applying
// per-camera overrides on top of the global section.
func (c *Config) MotionFor(cam *CameraConfig) MotionConfig {
	if cam != nil && cam.Motion != nil {
		return *cam.Motion
	}
	return c.Motion
}

// DetectFor returns the effective detection tunables for a camera.
func (c *Config) DetectFor(cam *CameraConfig) DetectConfig {
	if cam != nil && cam.Detect != nil {
		return *cam.Detect
	}
	return c.Detect
}

// CameraByID looks up a camera by id.
func (c *Config) CameraByID(id string) (*CameraConfig, bool) {
	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			return &c.Cameras[i], true
		}
	}
	return nil, false
}

// Cooldown returns the event cooldown as a duration.
func (e *EventsConfig) Cooldown() time.Duration {
	return time.Duration(e.CooldownS) * time.Second
}
