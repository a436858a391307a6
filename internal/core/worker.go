package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cataloglu/thermal-dual-vision/internal/config"
	"github.com/cataloglu/thermal-dual-vision/internal/detect"
	"github.com/cataloglu/thermal-dual-vision/internal/motion"
	"github.com/cataloglu/thermal-dual-vision/internal/ringbuf"
	"github.com/cataloglu/thermal-dual-vision/internal/stream"
	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

const warmupDuration = 5 * time.Second

// frameSink receives candidate frames for inference.
type frameSink interface {
	SendFrame(frame types.Frame) error
}

// cameraWorker runs one camera's full frame path: capture, ring buffer
// write, inference-rate sampling, motion pre-filter, detector hand-off, and
// the temporal-consistency engine over the returned results. Its settings
// are captured from the config snapshot at start and never change mid-run.
type cameraWorker struct {
	cam        config.CameraConfig
	cfgVersion int

	capture  *stream.Capture
	ring     *ringbuf.Ring
	sampler  *stream.Sampler
	filter   *motion.Filter
	engine   *detect.Engine
	detector frameSink

	results chan detect.Result

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	candidates     uint64
	framesSampled  uint64
	lastReconnects uint32
}

// newCameraWorker wires one camera's pipeline from a config snapshot.
func newCameraWorker(snap *config.Snapshot, cam config.CameraConfig, ring *ringbuf.Ring, detector frameSink, onSighting func(types.Sighting)) (*cameraWorker, error) {
	cfg := snap.Config

	capture, err := stream.NewCapture(stream.Config{
		CameraID:    cam.ID,
		RestreamURL: cam.RestreamURL,
		Width:       cam.Width,
		Height:      cam.Height,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create capture for %s: %w", cam.ID, err)
	}

	detectCfg := cfg.DetectFor(&cam)
	motionCfg := cfg.MotionFor(&cam)

	return &cameraWorker{
		cam:        cam,
		cfgVersion: snap.Version,
		capture:    capture,
		ring:       ring,
		sampler:    stream.NewSampler(detectCfg.InferenceFPS),
		filter:     motion.NewFilter(motionCfg, cam.Width, cam.Height, cam.Zones),
		engine:     detect.NewEngine(cam.ID, detectCfg, cam.Zones, onSighting),
		detector:   detector,
		results:    make(chan detect.Result, 8),
	}, nil
}

// start launches capture and the two worker goroutines.
func (w *cameraWorker) start(ctx context.Context, maxInferenceFPS float64) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	if err := w.capture.Start(w.ctx); err != nil {
		return fmt.Errorf("failed to start capture for %s: %w", w.cam.ID, err)
	}

	w.wg.Add(1)
	go w.frameLoop(maxInferenceFPS)

	w.wg.Add(1)
	go w.resultLoop()

	slog.Info("camera worker started",
		"camera_id", w.cam.ID,
		"config_version", w.cfgVersion,
		"zones", len(w.cam.Zones),
	)
	return nil
}

// frameLoop measures real delivery rate first, then runs the steady-state
// frame path until capture closes or the context ends.
func (w *cameraWorker) frameLoop(maxInferenceFPS float64) {
	defer w.wg.Done()

	stats, err := stream.Warmup(w.ctx, w.capture.Frames(), warmupDuration, func(f types.Frame) {
		w.ring.Write(f)
	})
	if err == nil {
		rate := stream.EffectiveInferenceRate(stats, maxInferenceFPS)
		w.sampler.SetRate(rate)
		slog.Info("capture warm-up complete",
			"camera_id", w.cam.ID,
			"measured_fps", stats.FPSMean,
			"inference_fps", rate,
		)
	} else {
		slog.Warn("capture warm-up inconclusive, keeping configured rate",
			"camera_id", w.cam.ID,
			"error", err,
		)
	}

	for {
		select {
		case <-w.ctx.Done():
			return
		case frame, ok := <-w.capture.Frames():
			if !ok {
				return
			}
			w.handleFrame(frame)
		}
	}
}

func (w *cameraWorker) handleFrame(frame types.Frame) {
	w.ring.Write(frame)

	if !w.sampler.Take(frame.Timestamp) {
		return
	}
	atomic.AddUint64(&w.framesSampled, 1)

	// The background model is meaningless across a reconnect gap.
	if reconnects := w.capture.Stats().Reconnects; reconnects != w.lastReconnects {
		w.lastReconnects = reconnects
		w.filter.Reset()
	}

	candidate, _ := w.filter.Process(frame)
	if !candidate {
		return
	}
	atomic.AddUint64(&w.candidates, 1)

	if err := w.detector.SendFrame(frame); err != nil {
		slog.Debug("candidate frame not sent to detector",
			"camera_id", w.cam.ID,
			"error", err,
		)
	}
}

// resultLoop feeds demultiplexed inference results into the engine. The
// engine is only ever touched from this goroutine.
func (w *cameraWorker) resultLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case r, ok := <-w.results:
			if !ok {
				return
			}
			w.engine.Observe(r)
		}
	}
}

// deliver hands an inference result to this worker without blocking the
// router.
func (w *cameraWorker) deliver(r detect.Result) {
	select {
	case w.results <- r:
	default:
		slog.Warn("camera result buffer full, dropping inference",
			"camera_id", w.cam.ID,
			"frame_seq", r.FrameSeq,
		)
	}
}

// stop cancels capture and waits for the in-flight frame pass.
func (w *cameraWorker) stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if err := w.capture.Stop(); err != nil {
		slog.Warn("capture stop reported error",
			"camera_id", w.cam.ID,
			"error", err,
		)
	}
	w.wg.Wait()
	slog.Info("camera worker stopped",
		"camera_id", w.cam.ID,
		"candidates", atomic.LoadUint64(&w.candidates),
	)
}

// status snapshots the worker's health for reporting.
func (w *cameraWorker) status(recState types.RecorderState) types.CameraStatus {
	state, since, lastFrame := w.capture.Tracker().State()
	return types.CameraStatus{
		CameraID:  w.cam.ID,
		Stream:    state,
		Recorder:  recState,
		Since:     since,
		LastFrame: lastFrame,
	}
}
