// Package core wires capture, detection, events, recording and the control
// plane into one supervised service.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/cataloglu/thermal-dual-vision/internal/config"
	"github.com/cataloglu/thermal-dual-vision/internal/control"
	"github.com/cataloglu/thermal-dual-vision/internal/detect"
	"github.com/cataloglu/thermal-dual-vision/internal/emitter"
	"github.com/cataloglu/thermal-dual-vision/internal/event"
	"github.com/cataloglu/thermal-dual-vision/internal/media"
	"github.com/cataloglu/thermal-dual-vision/internal/recorder"
	"github.com/cataloglu/thermal-dual-vision/internal/ringbuf"
	"github.com/cataloglu/thermal-dual-vision/internal/storage"
	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

const (
	statsInterval  = 10 * time.Second
	statusInterval = 30 * time.Second
	// watchdogTimeout is how long the detector may stay silent after its last
	// result before it is restarted.
	watchdogTimeout = 60 * time.Second
)

// detectorWorker is the supervised detector subprocess as the service uses
// it. The indirection exists so the routing and watchdog logic is testable
// without spawning a real detector.
type detectorWorker interface {
	Start(ctx context.Context) error
	Stop() error
	SendFrame(frame types.Frame) error
	Results() <-chan detect.Result
	Metrics() detect.WorkerMetrics
}

// Service is the daemon: per-camera workers, the shared detector subprocess,
// the event manager, the continuous recorder and the MQTT surfaces.
type Service struct {
	store *config.Store

	rings    *ringbuf.Manager
	detector detectorWorker
	events   *event.Manager
	recorder *recorder.Recorder
	media    *media.Generator
	emitter  *emitter.MQTTEmitter
	control  *control.Handler
	uploader *storage.Uploader

	mu        sync.RWMutex
	workers   map[string]*cameraWorker
	isRunning bool
	started   time.Time

	uploadedMu sync.Mutex
	uploaded   map[string]bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// New builds the service from the current config snapshot.
func New(store *config.Store) (*Service, error) {
	cfg := store.Current().Config

	rings := ringbuf.NewManager(ringbuf.CapacityFor(cfg.Ring.OutputFPS, cfg.Ring.RetainSeconds))

	detector, err := detect.NewWorker(detect.WorkerConfig{
		WorkerID:   "person-detector",
		Command:    cfg.Detector.Command,
		ModelPath:  cfg.Detector.ModelPath,
		Confidence: cfg.Detector.Confidence,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create detector worker: %w", err)
	}

	gen, err := media.NewGenerator(cfg.Media, cfg.Recorder.Dir, rings, cfg.Ring.OutputFPS)
	if err != nil {
		return nil, fmt.Errorf("failed to create media generator: %w", err)
	}

	uploader, err := storage.NewUploader(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage uploader: %w", err)
	}

	s := &Service{
		store:    store,
		rings:    rings,
		detector: detector,
		recorder: recorder.New(cfg.Recorder),
		media:    gen,
		emitter:  emitter.NewMQTTEmitter(cfg),
		uploader: uploader,
		workers:  make(map[string]*cameraWorker),
		uploaded: make(map[string]bool),
		shutdown: make(chan struct{}),
	}
	s.events = event.NewManager(cfg.Events, gen, s)
	return s, nil
}

// Run starts every component and blocks until the context is cancelled or a
// shutdown command arrives.
func (s *Service) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	cfg := s.store.Current().Config

	s.mu.Lock()
	s.started = time.Now()
	s.isRunning = true
	s.mu.Unlock()

	if err := s.emitter.Connect(s.ctx); err != nil {
		return fmt.Errorf("mqtt connect failed: %w", err)
	}

	if err := s.detector.Start(s.ctx); err != nil {
		return fmt.Errorf("detector start failed: %w", err)
	}

	s.events.Start(s.ctx)

	if err := s.recorder.Start(s.ctx); err != nil {
		return fmt.Errorf("recorder start failed: %w", err)
	}

	snap := s.store.Current()
	for _, cam := range cfg.Cameras {
		if !cam.Enabled {
			continue
		}
		if err := s.startCamera(snap, cam); err != nil {
			slog.Error("failed to start camera, continuing without it",
				"camera_id", cam.ID,
				"error", err,
			)
		}
	}

	s.control = control.NewHandler(cfg, s.emitter.Client, control.CommandCallbacks{
		OnGetStatus:    s.GetStatus,
		OnReloadConfig: s.ReloadConfig,
		OnStartCamera:  s.StartCamera,
		OnStopCamera:   s.StopCamera,
		OnShutdown:     s.requestShutdown,
	})
	if err := s.control.Start(s.ctx); err != nil {
		return fmt.Errorf("control plane start failed: %w", err)
	}

	if err := s.StartHealthServer(cfg.HealthPort); err != nil {
		return fmt.Errorf("health server start failed: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.routeResults()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchDetector()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.statsLoop()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.statusLoop()
	}()

	slog.Info("service running",
		"instance_id", cfg.InstanceID,
		"cameras", len(s.workers),
		"recorder_enabled", cfg.Recorder.Enabled,
	)

	select {
	case <-s.ctx.Done():
	case <-s.shutdown:
	}

	slog.Info("service run loop exiting")
	return nil
}

// requestShutdown is the control-plane shutdown verb.
func (s *Service) requestShutdown() error {
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
	return nil
}

// Shutdown performs graceful shutdown of all components. Stop order matters:
// workers first, then the detector they feed, then recording and events,
// finally the MQTT surfaces.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	slog.Info("shutting down service")

	for _, id := range ids {
		if err := s.StopCamera(id); err != nil {
			slog.Error("failed to stop camera", "camera_id", id, "error", err)
		}
	}

	if err := s.detector.Stop(); err != nil {
		slog.Error("failed to stop detector", "error", err)
	}

	s.recorder.Stop()
	s.events.Stop()

	if s.control != nil {
		if err := s.control.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("all goroutines finished")
	case <-ctx.Done():
		slog.Warn("shutdown timeout, abandoning remaining goroutines")
	}

	if err := s.emitter.Disconnect(); err != nil {
		slog.Error("failed to disconnect mqtt", "error", err)
	}

	slog.Info("service shutdown complete")
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown budget.
func (s *Service) ShutdownTimeout() time.Duration {
	timeout := time.Duration(s.store.Current().Config.ShutdownTimeoutS) * time.Second
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}

// startCamera creates and starts one camera worker plus its recorder.
func (s *Service) startCamera(snap *config.Snapshot, cam config.CameraConfig) error {
	s.mu.Lock()
	if _, exists := s.workers[cam.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("camera %s already running", cam.ID)
	}
	s.mu.Unlock()

	ring := s.rings.Get(cam.ID)
	worker, err := newCameraWorker(snap, cam, ring, s.detector, s.events.HandleSighting)
	if err != nil {
		return err
	}
	if err := worker.start(s.ctx, snap.Config.DetectFor(&cam).InferenceFPS); err != nil {
		return err
	}

	s.mu.Lock()
	s.workers[cam.ID] = worker
	s.mu.Unlock()

	if err := s.recorder.StartCamera(cam); err != nil {
		slog.Error("recorder did not start for camera",
			"camera_id", cam.ID,
			"error", err,
		)
	}
	return nil
}

// StartCamera is the control-plane verb: start one configured camera.
func (s *Service) StartCamera(cameraID string) error {
	snap := s.store.Current()
	cam, ok := snap.Config.CameraByID(cameraID)
	if !ok {
		return fmt.Errorf("unknown camera: %s", cameraID)
	}
	return s.startCamera(snap, *cam)
}

// StopCamera cancels one camera's capture, waits for the in-flight frame
// pass, stops its recorder, then releases its ring buffer.
func (s *Service) StopCamera(cameraID string) error {
	s.mu.Lock()
	worker := s.workers[cameraID]
	delete(s.workers, cameraID)
	s.mu.Unlock()

	if worker == nil {
		return fmt.Errorf("camera %s not running", cameraID)
	}

	worker.stop()

	if err := s.recorder.StopCamera(cameraID); err != nil {
		slog.Debug("recorder stop", "camera_id", cameraID, "error", err)
	}

	s.rings.Release(cameraID)
	return nil
}

// ReloadConfig loads a new snapshot and applies it at worker boundaries:
// changed cameras restart, removed cameras stop, new cameras start. Running
// workers with unchanged camera config keep their captured settings.
func (s *Service) ReloadConfig() error {
	snap, err := s.store.Reload()
	if err != nil {
		return fmt.Errorf("config reload rejected: %w", err)
	}

	s.mu.RLock()
	running := make(map[string]config.CameraConfig, len(s.workers))
	for id, w := range s.workers {
		running[id] = w.cam
	}
	s.mu.RUnlock()

	for id, oldCam := range running {
		newCam, ok := snap.Config.CameraByID(id)
		switch {
		case !ok || !newCam.Enabled:
			slog.Info("camera removed by reload", "camera_id", id)
			if err := s.StopCamera(id); err != nil {
				slog.Error("failed to stop removed camera", "camera_id", id, "error", err)
			}
		case !reflect.DeepEqual(oldCam, *newCam):
			slog.Info("camera config changed, restarting worker",
				"camera_id", id,
				"config_version", snap.Version,
			)
			if err := s.StopCamera(id); err != nil {
				slog.Error("failed to stop changed camera", "camera_id", id, "error", err)
				continue
			}
			if err := s.startCamera(snap, *newCam); err != nil {
				slog.Error("failed to restart changed camera", "camera_id", id, "error", err)
			}
		}
	}

	for _, cam := range snap.Config.Cameras {
		if !cam.Enabled {
			continue
		}
		if _, alreadyRunning := running[cam.ID]; alreadyRunning {
			continue
		}
		if err := s.startCamera(snap, cam); err != nil {
			slog.Error("failed to start added camera", "camera_id", cam.ID, "error", err)
		}
	}

	slog.Info("config reloaded", "version", snap.Version)
	return nil
}

// PublishEvent uploads any newly promoted media for the event and forwards
// the snapshot to MQTT. Implements the event sink.
func (s *Service) PublishEvent(ev types.Event) error {
	if s.uploader != nil {
		for _, path := range []string{ev.CollagePath, ev.ClipPath, ev.PreviewPath} {
			if path == "" {
				continue
			}
			s.uploadedMu.Lock()
			done := s.uploaded[path]
			if !done {
				s.uploaded[path] = true
			}
			s.uploadedMu.Unlock()
			if done {
				continue
			}
			if _, err := s.uploader.UploadEventMedia(s.ctx, ev.ID, path); err != nil {
				slog.Error("media upload failed",
					"event_id", ev.ID,
					"path", path,
					"error", err,
				)
			}
		}
	}
	return s.emitter.PublishEvent(ev)
}

// routeResults demultiplexes detector results to camera workers by id.
func (s *Service) routeResults() {
	results := s.detector.Results()
	for {
		select {
		case <-s.ctx.Done():
			return
		case r, ok := <-results:
			if !ok {
				// Stop closes the results channel and a watchdog restart
				// allocates a fresh one. Pick it up and keep routing.
				select {
				case <-s.ctx.Done():
					return
				case <-time.After(time.Second):
				}
				results = s.detector.Results()
				continue
			}
			s.mu.RLock()
			worker := s.workers[r.CameraID]
			s.mu.RUnlock()
			if worker == nil {
				slog.Debug("inference result for stopped camera",
					"camera_id", r.CameraID,
				)
				continue
			}
			worker.deliver(r)
		}
	}
}

// watchDetector restarts the detector subprocess when it stops producing
// results despite frames being sent.
func (s *Service) watchDetector() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			metrics := s.detector.Metrics()
			if metrics.FramesProcessed == 0 {
				continue
			}
			if metrics.LastSeenAt.IsZero() || time.Since(metrics.LastSeenAt) <= watchdogTimeout {
				continue
			}

			slog.Warn("detector appears hung, attempting restart",
				"last_seen_ago_s", int(time.Since(metrics.LastSeenAt).Seconds()),
				"frames_processed", metrics.FramesProcessed,
			)

			if err := s.detector.Stop(); err != nil {
				slog.Error("failed to stop hung detector",
					"error", err,
					"action", "manual intervention required",
				)
				continue
			}
			if err := s.detector.Start(s.ctx); err != nil {
				slog.Error("failed to restart detector",
					"error", err,
					"action", "manual intervention required",
				)
				continue
			}
			slog.Info("detector restarted successfully")
		}
	}
}

// statsLoop periodically logs pipeline counters with drop-rate alerting.
func (s *Service) statsLoop() {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	prev := s.detector.Metrics()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			metrics := s.detector.Metrics()
			deltaProcessed := metrics.FramesProcessed - prev.FramesProcessed
			deltaDropped := metrics.FramesDropped - prev.FramesDropped
			prev = metrics

			total := deltaProcessed + deltaDropped
			if total > 0 {
				dropRate := float64(deltaDropped) / float64(total)
				if dropRate > 0.80 {
					slog.Warn("detector high drop rate detected",
						"drop_rate_pct", int(dropRate*100),
						"dropped_last_interval", deltaDropped,
						"frames_last_interval", total,
						"action", "check detector health",
					)
				}
			}

			evStats := s.events.Stats()
			slog.Info("pipeline stats",
				"frames_inferred", metrics.InferencesEmitted,
				"frames_dropped", metrics.FramesDropped,
				"avg_latency_ms", int(metrics.AvgLatencyMS),
				"events_triggered", evStats.Triggered,
				"events_suppressed", evStats.Suppressed,
				"media_failed", evStats.MediaFailed,
			)
		}
	}
}

// statusLoop publishes per-camera status to MQTT.
func (s *Service) statusLoop() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.emitter.PublishStatus(s.cameraStatuses()); err != nil {
				slog.Debug("status publish failed", "error", err)
			}
		}
	}
}

func (s *Service) cameraStatuses() []types.CameraStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]types.CameraStatus, 0, len(s.workers))
	for id, w := range s.workers {
		statuses = append(statuses, w.status(s.recorder.State(id)))
	}
	return statuses
}

// GetStatus is the control-plane status verb.
func (s *Service) GetStatus() map[string]interface{} {
	s.mu.RLock()
	running := s.isRunning
	workerCount := len(s.workers)
	started := s.started
	s.mu.RUnlock()

	return map[string]interface{}{
		"instance_id":    s.store.Current().Config.InstanceID,
		"config_version": s.store.Current().Version,
		"uptime_s":       time.Since(started).Seconds(),
		"running":        running,
		"cameras":        workerCount,
		"camera_status":  s.cameraStatuses(),
		"events":         s.events.Stats(),
		"detector":       s.detector.Metrics(),
	}
}
