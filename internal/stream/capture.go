// Package stream owns the connection to a camera's live restream. It decodes
// frames at the source's native delivery rate and never throttles reads:
// backpressure on the upstream relay makes it drop the connection, so every
// decoded frame is handed off through a non-blocking channel and slower
// consumers simply miss frames.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

// Config contains capture configuration for one camera.
type Config struct {
	CameraID    string
	RestreamURL string
	Width       int
	Height      int

	// ConnectTimeout bounds a single connection attempt. An attempt that does
	// not deliver a first frame within this window is abandoned as failed.
	ConnectTimeout time.Duration
	// StaleDebounce is how long frame delivery may pause before the stream
	// counts as stale.
	StaleDebounce time.Duration
	// RetryDelay / MaxRetryDelay drive capped exponential reconnect backoff.
	RetryDelay time.Duration
	// MaxRetryDelay caps the backoff.
	MaxRetryDelay time.Duration
	// ReconnectCooldown is a floor between consecutive reconnect cycles so a
	// flapping relay cannot cause a reconnect storm.
	ReconnectCooldown time.Duration
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.StaleDebounce == 0 {
		c.StaleDebounce = 5 * time.Second
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 1 * time.Second
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	if c.ReconnectCooldown == 0 {
		c.ReconnectCooldown = 2 * time.Second
	}
}

// Capture reads a camera's restream through a GStreamer pipeline and emits
// decoded BGR24 frames.
type Capture struct {
	cfg     Config
	tracker *Tracker

	pipeline *gst.Pipeline
	appsink  *app.Sink

	frames chan types.Frame
	mu     sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frameCount uint64
	bytesRead  uint64
	reconnects uint32
	started    time.Time
}

// NewCapture creates a capture for one camera.
func NewCapture(cfg Config) (*Capture, error) {
	if cfg.RestreamURL == "" {
		return nil, fmt.Errorf("restream_url is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution: %dx%d", cfg.Width, cfg.Height)
	}
	cfg.applyDefaults()

	return &Capture{
		cfg:     cfg,
		tracker: NewTracker(cfg.CameraID, cfg.StaleDebounce),
		frames:  make(chan types.Frame, 30),
	}, nil
}

// Tracker exposes the capture state machine for health reporting.
func (c *Capture) Tracker() *Tracker {
	return c.tracker
}

// Frames returns the channel of decoded frames. Closed when the capture loop
// exits for good.
func (c *Capture) Frames() <-chan types.Frame {
	return c.frames
}

// Start launches the capture loop.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return fmt.Errorf("capture already started")
	}

	gst.Init(nil)

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = time.Now()

	c.wg.Add(1)
	go c.run()

	slog.Info("capture starting",
		"camera_id", c.cfg.CameraID,
		"url", c.cfg.RestreamURL,
		"resolution", fmt.Sprintf("%dx%d", c.cfg.Width, c.cfg.Height),
	)
	return nil
}

// run is the reconnect loop around individual connection attempts.
func (c *Capture) run() {
	defer c.wg.Done()
	defer close(c.frames)

	retries := 0
	for {
		select {
		case <-c.ctx.Done():
			c.tracker.OnDown(time.Now())
			return
		default:
		}

		err := c.connectAndStream()
		if err != nil {
			slog.Error("capture pipeline error",
				"camera_id", c.cfg.CameraID,
				"error", err,
			)
		}

		select {
		case <-c.ctx.Done():
			c.tracker.OnDown(time.Now())
			return
		default:
		}

		retries++
		atomic.AddUint32(&c.reconnects, 1)
		c.tracker.OnReconnecting(time.Now())

		// Capped exponential backoff with a cooldown floor.
		delay := c.cfg.RetryDelay * time.Duration(1<<uint(min(retries-1, 10)))
		if delay > c.cfg.MaxRetryDelay {
			delay = c.cfg.MaxRetryDelay
		}
		if delay < c.cfg.ReconnectCooldown {
			delay = c.cfg.ReconnectCooldown
		}

		slog.Warn("reconnecting to restream",
			"camera_id", c.cfg.CameraID,
			"retry", retries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			c.tracker.OnDown(time.Now())
			return
		}
	}
}

// connectAndStream establishes the restream connection and pumps frames until
// the pipeline errors, goes stale, or the context is cancelled.
func (c *Capture) connectAndStream() error {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	c.pipeline = pipeline

	// protocols=4 (TCP) required for relay compatibility
	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return fmt.Errorf("failed to create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", c.cfg.RestreamURL)
	rtspsrc.SetProperty("protocols", 4)
	rtspsrc.SetProperty("latency", 200)
	// Bound the connection attempt at the source; the first-frame deadline
	// below is the hard stop.
	rtspsrc.SetProperty("timeout", uint64(c.cfg.ConnectTimeout/time.Microsecond))

	depay, _ := gst.NewElement("rtph264depay")
	decode, _ := gst.NewElement("avdec_h264")
	convert, _ := gst.NewElement("videoconvert")
	scale, _ := gst.NewElement("videoscale")
	capsfilter, _ := gst.NewElement("capsfilter")

	// No framerate cap: frames are taken at the source's native delivery
	// rate, sampling for inference happens downstream.
	caps := gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=BGR,width=%d,height=%d",
		c.cfg.Width, c.cfg.Height,
	))
	capsfilter.SetProperty("caps", caps)

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	c.appsink = appsink
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return c.onNewSample(sink)
		},
	})

	pipeline.AddMany(rtspsrc, depay, decode, convert, scale, capsfilter, appsink.Element)
	gst.ElementLinkMany(depay, decode, convert, scale, capsfilter, appsink.Element)

	rtspsrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := depay.GetStaticPad("sink")
		if sinkPad != nil {
			srcPad.Link(sinkPad)
		}
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to set pipeline to playing: %w", err)
	}
	defer pipeline.SetState(gst.StateNull)

	connectDeadline := time.Now().Add(c.cfg.ConnectTimeout)
	framesAtStart := atomic.LoadUint64(&c.frameCount)
	connected := false

	bus := pipeline.GetPipelineBus()
	staleTicker := time.NewTicker(500 * time.Millisecond)
	defer staleTicker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return nil
		case now := <-staleTicker.C:
			if !connected {
				if atomic.LoadUint64(&c.frameCount) > framesAtStart {
					connected = true
					continue
				}
				if now.After(connectDeadline) {
					// Abandon the attempt rather than blocking the capture
					// loop on a connection that never completes.
					return fmt.Errorf("connection attempt timed out after %s", c.cfg.ConnectTimeout)
				}
				continue
			}
			if c.tracker.Tick(now) {
				return fmt.Errorf("stream stale: no frame for %s", c.cfg.StaleDebounce)
			}
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("end of stream", "camera_id", c.cfg.CameraID)
			return fmt.Errorf("end of stream")

		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("pipeline error: %w", gerr)

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				_, newState := msg.ParseStateChanged()
				if newState == gst.StatePlaying {
					slog.Info("restream connected", "camera_id", c.cfg.CameraID)
				}
			}
		}
	}
}

// onNewSample is called by GStreamer for every decoded frame.
func (c *Capture) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	if len(data) == 0 {
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)

	now := time.Now()
	frame := types.Frame{
		Seq:       atomic.AddUint64(&c.frameCount, 1),
		Timestamp: now,
		Width:     c.cfg.Width,
		Height:    c.cfg.Height,
		Data:      frameData,
		CameraID:  c.cfg.CameraID,
		TraceID:   uuid.New().String(),
	}

	c.tracker.OnFrame(now)
	atomic.AddUint64(&c.bytesRead, uint64(len(data)))

	// Non-blocking: a slow consumer loses frames, the read loop never stalls.
	select {
	case c.frames <- frame:
	default:
		slog.Debug("dropping frame, channel full",
			"camera_id", c.cfg.CameraID,
			"seq", frame.Seq,
		)
	}

	return gst.FlowOK
}

// Stop cancels the capture loop and waits for it to finish.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return fmt.Errorf("capture not started")
	}

	slog.Info("stopping capture", "camera_id", c.cfg.CameraID)
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("capture stopped",
			"camera_id", c.cfg.CameraID,
			"frames_received", atomic.LoadUint64(&c.frameCount),
			"reconnects", atomic.LoadUint32(&c.reconnects),
			"uptime", time.Since(c.started),
		)
	case <-time.After(3 * time.Second):
		slog.Warn("capture stop timeout, pipeline may still be running",
			"camera_id", c.cfg.CameraID,
		)
	}

	c.cancel = nil
	c.pipeline = nil
	c.appsink = nil
	return nil
}

// Stats returns current capture statistics.
func (c *Capture) Stats() types.StreamStats {
	frameCount := atomic.LoadUint64(&c.frameCount)
	uptime := time.Since(c.started).Seconds()

	var fpsReal float64
	if uptime > 0 {
		fpsReal = float64(frameCount) / uptime
	}

	state, _, lastFrame := c.tracker.State()
	var latencyMS int64
	if !lastFrame.IsZero() {
		latencyMS = time.Since(lastFrame).Milliseconds()
	}

	return types.StreamStats{
		FrameCount:  frameCount,
		FPSReal:     fpsReal,
		LatencyMS:   latencyMS,
		Reconnects:  atomic.LoadUint32(&c.reconnects),
		BytesRead:   atomic.LoadUint64(&c.bytesRead),
		IsConnected: state == types.CameraStreaming,
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
