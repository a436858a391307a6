// Package detect runs object inference on pre-filter candidate frames and
// turns raw detections into confirmed sightings.
package detect

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

// Result is one inference pass over a single frame.
type Result struct {
	CameraID   string
	FrameSeq   uint64
	Timestamp  time.Time
	Detections []types.Detection
	LatencyMS  float64
}

// WorkerMetrics contains health counters for the detector subprocess.
type WorkerMetrics struct {
	FramesProcessed   uint64
	FramesDropped     uint64
	InferencesEmitted uint64
	AvgLatencyMS      float64
	LastSeenAt        time.Time
}

// WorkerConfig configures the external detector worker subprocess.
type WorkerConfig struct {
	WorkerID   string
	Command    string
	ModelPath  string
	Confidence float64
}

// Worker wraps the external detector process. Frames go in over stdin,
// detection results come back over stdout, both as length-prefixed msgpack
// messages so message boundaries survive the pipe.
type Worker struct {
	id         string
	command    string
	modelPath  string
	confidence float64

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	// chanMu guards the channel fields, which are reallocated on restart
	// while the router and frame senders keep calling in.
	chanMu  sync.Mutex
	input   chan types.Frame
	results chan Result

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	isActive atomic.Bool

	frameCount     uint64
	inferenceCount uint64
	totalLatencyMS uint64
	framesDropped  uint64
	lastSeenAt     atomic.Value // time.Time
}

// NewWorker creates a detector worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("detector command is required")
	}
	if cfg.Confidence <= 0 {
		cfg.Confidence = 0.5
	}

	w := &Worker{
		id:         cfg.WorkerID,
		command:    cfg.Command,
		modelPath:  cfg.ModelPath,
		confidence: cfg.Confidence,
		input:      make(chan types.Frame, 5),
		results:    make(chan Result, 10),
	}

	slog.Info("detector worker created",
		"worker_id", cfg.WorkerID,
		"command", cfg.Command,
		"model", cfg.ModelPath,
		"confidence", cfg.Confidence,
	)
	return w, nil
}

// ID returns the worker ID.
func (w *Worker) ID() string {
	return w.id
}

// SendFrame queues a frame for inference (non-blocking).
func (w *Worker) SendFrame(frame types.Frame) (err error) {
	// The input channel is closed during restart; a send racing that close
	// must count as a drop, not a crash.
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&w.framesDropped, 1)
			err = fmt.Errorf("worker channel closed (restart in progress)")
		}
	}()

	if !w.isActive.Load() {
		atomic.AddUint64(&w.framesDropped, 1)
		return fmt.Errorf("worker not active")
	}

	w.chanMu.Lock()
	input := w.input
	w.chanMu.Unlock()

	select {
	case input <- frame:
		return nil
	default:
		atomic.AddUint64(&w.framesDropped, 1)
		return fmt.Errorf("worker input buffer full")
	}
}

// Start spawns the detector process and its goroutines.
func (w *Worker) Start(ctx context.Context) error {
	if w.isActive.Load() {
		return fmt.Errorf("worker already started")
	}

	// Channels are recreated so a watchdog restart works after Stop closed them.
	w.chanMu.Lock()
	w.input = make(chan types.Frame, 5)
	w.results = make(chan Result, 10)
	w.chanMu.Unlock()

	w.ctx, w.cancel = context.WithCancel(ctx)

	if err := w.spawn(); err != nil {
		return fmt.Errorf("failed to spawn detector process: %w", err)
	}

	w.isActive.Store(true)
	w.lastSeenAt.Store(time.Now())

	w.wg.Add(1)
	go w.processFrames()

	w.wg.Add(1)
	go w.logStderr()

	slog.Info("detector worker started", "worker_id", w.id)
	return nil
}

func (w *Worker) spawn() error {
	args := []string{
		"--confidence", fmt.Sprintf("%.2f", w.confidence),
	}
	if w.modelPath != "" {
		args = append(args, "--model", w.modelPath)
	}

	w.cmd = exec.CommandContext(w.ctx, w.command, args...)

	stdin, err := w.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	w.stdin = stdin

	stdout, err := w.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	w.stdout = stdout

	stderr, err := w.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	w.stderr = stderr

	if err := w.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start detector process: %w", err)
	}

	slog.Info("detector process spawned",
		"worker_id", w.id,
		"pid", w.cmd.Process.Pid,
	)

	w.wg.Add(1)
	go w.readResults()

	w.wg.Add(1)
	go w.waitProcess()

	return nil
}

// processFrames forwards queued frames to the detector's stdin.
func (w *Worker) processFrames() {
	defer w.wg.Done()

	w.chanMu.Lock()
	input := w.input
	w.chanMu.Unlock()

	for {
		select {
		case <-w.ctx.Done():
			return
		case frame, ok := <-input:
			if !ok {
				return
			}
			atomic.AddUint64(&w.frameCount, 1)

			if err := w.sendFrame(frame); err != nil {
				slog.Error("failed to send frame to detector",
					"worker_id", w.id,
					"frame_seq", frame.Seq,
					"trace_id", frame.TraceID,
					"error", err,
				)
				// Keep going: one lost frame must not take the worker down.
			}
		}
	}
}

type frameRequest struct {
	FrameData []byte      `msgpack:"frame_data"`
	Width     int         `msgpack:"width"`
	Height    int         `msgpack:"height"`
	Meta      requestMeta `msgpack:"meta"`
}

type requestMeta struct {
	CameraID  string `msgpack:"camera_id"`
	Seq       uint64 `msgpack:"seq"`
	Timestamp string `msgpack:"timestamp"`
	TraceID   string `msgpack:"trace_id"`
}

type workerResponse struct {
	Data   responseData   `msgpack:"data"`
	Timing responseTiming `msgpack:"timing"`
}

type responseData struct {
	CameraID   string        `msgpack:"camera_id"`
	FrameSeq   uint64        `msgpack:"frame_seq"`
	Detections []responseBox `msgpack:"detections"`
}

type responseBox struct {
	Class      string  `msgpack:"class"`
	Confidence float64 `msgpack:"confidence"`
	X          int     `msgpack:"x"`
	Y          int     `msgpack:"y"`
	Width      int     `msgpack:"width"`
	Height     int     `msgpack:"height"`
}

type responseTiming struct {
	TotalMS float64 `msgpack:"total_ms"`
}

// sendFrame writes one length-prefixed msgpack request with a write timeout
// so a hung detector cannot stall the pipeline.
func (w *Worker) sendFrame(frame types.Frame) error {
	request := frameRequest{
		FrameData: frame.Data,
		Width:     frame.Width,
		Height:    frame.Height,
		Meta: requestMeta{
			CameraID:  frame.CameraID,
			Seq:       frame.Seq,
			Timestamp: frame.Timestamp.Format(time.RFC3339Nano),
			TraceID:   frame.TraceID,
		},
	}

	payload, err := msgpack.Marshal(&request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		prefix := make([]byte, 4)
		binary.BigEndian.PutUint32(prefix, uint32(len(payload)))
		if _, err := w.stdin.Write(prefix); err != nil {
			writeErr <- fmt.Errorf("failed to write length prefix: %w", err)
			return
		}
		if _, err := w.stdin.Write(payload); err != nil {
			writeErr <- fmt.Errorf("failed to write payload: %w", err)
			return
		}
		writeErr <- nil
	}()

	select {
	case err := <-writeErr:
		return err
	case <-time.After(2 * time.Second):
		return fmt.Errorf("stdin write timeout (detector may be hung)")
	case <-w.ctx.Done():
		return fmt.Errorf("worker context cancelled during write")
	}
}

// readResults reads length-prefixed msgpack responses from detector stdout.
func (w *Worker) readResults() {
	defer w.wg.Done()

	w.chanMu.Lock()
	results := w.results
	w.chanMu.Unlock()

	lengthBuf := make([]byte, 4)

	for {
		if _, err := io.ReadFull(w.stdout, lengthBuf); err != nil {
			if err == io.EOF {
				slog.Debug("detector stdout closed", "worker_id", w.id)
				return
			}
			slog.Error("failed to read length prefix from detector",
				"worker_id", w.id,
				"error", err,
			)
			return
		}

		msgLength := binary.BigEndian.Uint32(lengthBuf)
		payload := make([]byte, msgLength)
		if _, err := io.ReadFull(w.stdout, payload); err != nil {
			slog.Error("failed to read detector payload",
				"worker_id", w.id,
				"error", err,
				"expected_length", msgLength,
			)
			return
		}

		var resp workerResponse
		if err := msgpack.Unmarshal(payload, &resp); err != nil {
			slog.Error("failed to unmarshal detector result",
				"worker_id", w.id,
				"error", err,
				"data_length", len(payload),
			)
			continue
		}

		now := time.Now()
		result := Result{
			CameraID:  resp.Data.CameraID,
			FrameSeq:  resp.Data.FrameSeq,
			Timestamp: now,
			LatencyMS: resp.Timing.TotalMS,
		}
		for _, box := range resp.Data.Detections {
			result.Detections = append(result.Detections, types.Detection{
				Class:      box.Class,
				Confidence: box.Confidence,
				BBox:       types.PixelRect{X: box.X, Y: box.Y, Width: box.Width, Height: box.Height},
				FrameSeq:   resp.Data.FrameSeq,
				Timestamp:  now,
			})
		}

		select {
		case results <- result:
			atomic.AddUint64(&w.inferenceCount, 1)
			w.lastSeenAt.Store(now)
			atomic.AddUint64(&w.totalLatencyMS, uint64(resp.Timing.TotalMS))
		default:
			slog.Warn("dropping inference, results channel full", "worker_id", w.id)
		}
	}
}

// logStderr maps detector log lines onto slog levels.
func (w *Worker) logStderr() {
	defer w.wg.Done()

	scanner := bufio.NewScanner(w.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			slog.Error("detector error", "worker_id", w.id, "log", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			slog.Warn("detector warning", "worker_id", w.id, "log", line)
		default:
			slog.Debug("detector log", "worker_id", w.id, "log", line)
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Error("error reading detector stderr", "worker_id", w.id, "error", err)
	}
}

// waitProcess reaps the detector process so it never becomes a zombie.
func (w *Worker) waitProcess() {
	defer w.wg.Done()

	if w.cmd == nil || w.cmd.Process == nil {
		return
	}

	err := w.cmd.Wait()
	if err != nil {
		select {
		case <-w.ctx.Done():
			slog.Debug("detector process exited (shutdown)",
				"worker_id", w.id,
				"pid", w.cmd.Process.Pid,
			)
		default:
			slog.Error("detector process exited unexpectedly",
				"worker_id", w.id,
				"pid", w.cmd.Process.Pid,
				"error", err,
			)
		}
		return
	}
	slog.Info("detector process exited cleanly",
		"worker_id", w.id,
		"pid", w.cmd.Process.Pid,
	)
}

// Results returns the inference results channel. A restart allocates a new
// channel, so consumers re-acquire it after the old one closes.
func (w *Worker) Results() <-chan Result {
	w.chanMu.Lock()
	defer w.chanMu.Unlock()
	return w.results
}

// Metrics returns current worker health metrics.
func (w *Worker) Metrics() WorkerMetrics {
	processed := atomic.LoadUint64(&w.frameCount)
	dropped := atomic.LoadUint64(&w.framesDropped)
	emitted := atomic.LoadUint64(&w.inferenceCount)
	totalLatency := atomic.LoadUint64(&w.totalLatencyMS)

	var avgLatency float64
	if emitted > 0 {
		avgLatency = float64(totalLatency) / float64(emitted)
	}

	var lastSeen time.Time
	if v := w.lastSeenAt.Load(); v != nil {
		lastSeen = v.(time.Time)
	}

	return WorkerMetrics{
		FramesProcessed:   processed,
		FramesDropped:     dropped,
		InferencesEmitted: emitted,
		AvgLatencyMS:      avgLatency,
		LastSeenAt:        lastSeen,
	}
}

// Stop terminates the detector process and waits for goroutines to finish.
func (w *Worker) Stop() error {
	if !w.isActive.Load() {
		return nil
	}
	// Set inactive first so a concurrent Stop or SendFrame cannot race the
	// channel close below.
	w.isActive.Store(false)

	slog.Info("stopping detector worker", "worker_id", w.id)

	if w.cancel != nil {
		w.cancel()
	}
	if w.stdin != nil {
		w.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("detector worker goroutines stopped cleanly", "worker_id", w.id)
	case <-time.After(2 * time.Second):
		slog.Warn("detector stop timeout, force killing process", "worker_id", w.id)
		if w.cmd != nil && w.cmd.Process != nil {
			if err := w.cmd.Process.Kill(); err != nil {
				slog.Error("failed to kill detector process",
					"worker_id", w.id,
					"error", err,
				)
			}
		}
	}

	w.chanMu.Lock()
	input, results := w.input, w.results
	w.chanMu.Unlock()
	safeCloseFrames(input, w.id)
	safeCloseResults(results, w.id)

	slog.Info("detector worker stopped",
		"worker_id", w.id,
		"frames_processed", atomic.LoadUint64(&w.frameCount),
		"inferences", atomic.LoadUint64(&w.inferenceCount),
	)
	return nil
}

func safeCloseFrames(ch chan types.Frame, workerID string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("input channel already closed", "worker_id", workerID)
		}
	}()
	close(ch)
}

func safeCloseResults(ch chan Result, workerID string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("results channel already closed", "worker_id", workerID)
		}
	}()
	close(ch)
}
