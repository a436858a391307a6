package core

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

// DetectorHealth contains detector subprocess metrics with drop rate.
type DetectorHealth struct {
	FramesProcessed   uint64    `json:"frames_processed"`
	FramesDropped     uint64    `json:"frames_dropped"`
	InferencesEmitted uint64    `json:"inferences_emitted"`
	DropRate          float64   `json:"drop_rate"`
	AvgLatencyMS      float64   `json:"avg_latency_ms"`
	LastSeenAt        time.Time `json:"last_seen_at"`
}

// HealthStatus represents the health state of the service.
type HealthStatus struct {
	Status        string               `json:"status"` // healthy, degraded, unhealthy
	UptimeSeconds int64                `json:"uptime_seconds"`
	CamerasUp     int                  `json:"cameras_up"`
	CamerasTotal  int                  `json:"cameras_total"`
	MQTTConnected bool                 `json:"mqtt_connected"`
	Detector      DetectorHealth       `json:"detector"`
	Cameras       []types.CameraStatus `json:"cameras,omitempty"`
}

// HealthCheck returns the current health status of the service.
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	total := len(s.workers)
	s.mu.RUnlock()

	status := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(started).Seconds()),
		CamerasTotal:  total,
		Cameras:       s.cameraStatuses(),
	}

	if s.emitter != nil && s.emitter.Client != nil && s.emitter.Client.IsConnected() {
		status.MQTTConnected = true
	}

	for _, cam := range status.Cameras {
		if cam.Stream == types.CameraStreaming {
			status.CamerasUp++
		}
	}

	metrics := s.detector.Metrics()
	var dropRate float64
	if totalFrames := metrics.FramesProcessed + metrics.FramesDropped; totalFrames > 0 {
		dropRate = float64(metrics.FramesDropped) / float64(totalFrames)
	}
	status.Detector = DetectorHealth{
		FramesProcessed:   metrics.FramesProcessed,
		FramesDropped:     metrics.FramesDropped,
		InferencesEmitted: metrics.InferencesEmitted,
		DropRate:          dropRate,
		AvgLatencyMS:      metrics.AvgLatencyMS,
		LastSeenAt:        metrics.LastSeenAt,
	}

	if !running {
		status.Status = "unhealthy"
	} else if status.CamerasUp < status.CamerasTotal || !status.MQTTConnected {
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health (simple liveness check).
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles /readiness (detailed readiness check).
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// StartHealthServer starts the HTTP health check server on the given port.
func (s *Service) StartHealthServer(port string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()

	return nil
}
