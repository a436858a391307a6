// Package recorder keeps one ffmpeg segment writer running per camera and
// owns the rolling retention window over the resulting files.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v3/process"

	"github.com/cataloglu/thermal-dual-vision/internal/config"
	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

// killGrace is how long Stop waits after SIGTERM before sending SIGKILL.
const killGrace = 5 * time.Second

// process is a running recorder subprocess. The indirection exists so the
// supervision logic is testable without spawning ffmpeg.
type process interface {
	PID() int
	Alive() bool
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has been reaped.
	Done() <-chan error
}

// launcher starts a recorder subprocess for one camera.
type launcher func(ctx context.Context, cam config.CameraConfig, cfg config.RecorderConfig) (process, error)

// ffmpegProcess wraps a real ffmpeg child.
type ffmpegProcess struct {
	cmd  *exec.Cmd
	done chan error
}

func (p *ffmpegProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Alive asks the OS whether the PID still runs. Wait status alone is not
// enough: ffmpeg can wedge without exiting.
func (p *ffmpegProcess) Alive() bool {
	pid := p.PID()
	if pid == 0 {
		return false
	}
	proc, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	return err == nil && running
}

func (p *ffmpegProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return p.cmd.Process.Signal(sig)
}

func (p *ffmpegProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *ffmpegProcess) Done() <-chan error {
	return p.done
}

// launchFFmpeg starts ffmpeg in segment mux mode: stream copy, fixed segment
// length, unix start time embedded in each filename.
func launchFFmpeg(ctx context.Context, cam config.CameraConfig, cfg config.RecorderConfig) (process, error) {
	ffmpeg := cfg.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}

	pattern := filepath.Join(cfg.Dir, fmt.Sprintf("%s_%%s_%d.mp4", cam.ID, cfg.SegmentSeconds))
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", cam.RestreamURL,
		"-c", "copy",
		"-f", "segment",
		"-segment_time", fmt.Sprintf("%d", cfg.SegmentSeconds),
		"-segment_format", "mp4",
		"-reset_timestamps", "1",
		"-strftime", "1",
		pattern,
	}

	cmd := exec.CommandContext(ctx, ffmpeg, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	p := &ffmpegProcess{cmd: cmd, done: make(chan error, 1)}
	go func() {
		p.done <- cmd.Wait()
		close(p.done)
	}()

	slog.Info("recorder process started",
		"camera_id", cam.ID,
		"pid", p.PID(),
		"segment_s", cfg.SegmentSeconds,
	)
	return p, nil
}

// cameraRecorder is one camera's recording slot. All mutation happens under
// its own lock so start, stop, restart and state queries serialize per
// camera without blocking the others.
type cameraRecorder struct {
	mu          sync.Mutex
	cam         config.CameraConfig
	state       types.RecorderState
	proc        process
	startedAt   time.Time
	lastAliveAt time.Time
	stopping    bool
	monitorDone chan struct{}
}

// Recorder supervises continuous recording for all cameras.
type Recorder struct {
	cfg    config.RecorderConfig
	launch launcher

	mu      sync.RWMutex
	cameras map[string]*cameraRecorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a recorder using real ffmpeg subprocesses.
func New(cfg config.RecorderConfig) *Recorder {
	return newWithLauncher(cfg, launchFFmpeg)
}

func newWithLauncher(cfg config.RecorderConfig, launch launcher) *Recorder {
	return &Recorder{
		cfg:     cfg,
		launch:  launch,
		cameras: make(map[string]*cameraRecorder),
	}
}

// Start prepares the recording directory.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	if !r.cfg.Enabled {
		slog.Info("continuous recorder disabled")
		return nil
	}
	if err := os.MkdirAll(r.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create recording dir: %w", err)
	}
	return nil
}

// StartCamera begins continuous recording for one camera.
func (r *Recorder) StartCamera(cam config.CameraConfig) error {
	if !r.cfg.Enabled {
		return nil
	}

	r.mu.Lock()
	cr, exists := r.cameras[cam.ID]
	if !exists {
		cr = &cameraRecorder{cam: cam, state: types.RecorderStopped}
		r.cameras[cam.ID] = cr
	}
	r.mu.Unlock()

	cr.mu.Lock()
	defer cr.mu.Unlock()

	// Restarting counts as busy too: the monitor still owns the slot and
	// will relaunch, so a second start here would race it into two writers.
	if cr.state != types.RecorderStopped {
		return fmt.Errorf("camera %s already recording", cam.ID)
	}
	cr.cam = cam
	cr.stopping = false

	if err := r.startLocked(cr); err != nil {
		return err
	}

	cr.monitorDone = make(chan struct{})
	r.wg.Add(1)
	go r.monitor(cr, cr.monitorDone)
	return nil
}

// startLocked launches the subprocess. Caller holds cr.mu.
func (r *Recorder) startLocked(cr *cameraRecorder) error {
	// Over-limit storage is reclaimed before any new writes start.
	enforceDiskBudget(r.cfg.Dir, r.cfg.MaxDiskBytes)

	proc, err := r.launch(r.ctx, cr.cam, r.cfg)
	if err != nil {
		cr.state = types.RecorderStopped
		return fmt.Errorf("failed to start recorder for %s: %w", cr.cam.ID, err)
	}
	now := time.Now()
	cr.proc = proc
	cr.state = types.RecorderRecording
	cr.startedAt = now
	cr.lastAliveAt = now
	return nil
}

// monitor polls liveness and restarts the subprocess after crashes, honoring
// the debounce and the restart cooldown floor.
func (r *Recorder) monitor(cr *cameraRecorder, done chan struct{}) {
	defer r.wg.Done()
	defer close(done)

	poll := time.Duration(r.cfg.PollIntervalS) * time.Second
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		cr.mu.Lock()
		proc := cr.proc
		stopping := cr.stopping
		cr.mu.Unlock()
		if stopping || proc == nil {
			return
		}

		select {
		case <-r.ctx.Done():
			return
		case <-proc.Done():
			cr.mu.Lock()
			stopping = cr.stopping
			cr.mu.Unlock()
			if stopping {
				return
			}
			if !r.restartAfterCrash(cr) {
				return
			}
		case <-ticker.C:
			cr.mu.Lock()
			if proc.Alive() {
				cr.lastAliveAt = time.Now()
				cr.mu.Unlock()
				sweepRetention(r.cfg.Dir, cr.cam.ID, time.Duration(r.cfg.RetainSeconds)*time.Second, time.Now())
				enforceDiskBudget(r.cfg.Dir, r.cfg.MaxDiskBytes)
				continue
			}
			cr.mu.Unlock()
			slog.Warn("recorder process not alive at poll",
				"camera_id", cr.cam.ID,
				"pid", proc.PID(),
			)
			proc.Kill()
			if !r.restartAfterCrash(cr) {
				return
			}
		}
	}
}

// restartAfterCrash applies the debounce and cooldown floor, then relaunches.
// Returns false when the monitor should exit instead.
func (r *Recorder) restartAfterCrash(cr *cameraRecorder) bool {
	cr.mu.Lock()
	cr.state = types.RecorderRestarting
	sinceStart := time.Since(cr.startedAt)
	cr.mu.Unlock()

	wait := time.Duration(r.cfg.RestartDebounceS) * time.Second
	cooldown := time.Duration(r.cfg.RestartCooldownS) * time.Second
	// Crash-looping within the cooldown stretches the wait to the floor.
	if sinceStart < cooldown && cooldown-sinceStart > wait {
		wait = cooldown - sinceStart
	}

	slog.Warn("recorder crashed, restarting",
		"camera_id", cr.cam.ID,
		"wait_s", wait.Seconds(),
	)

	select {
	case <-r.ctx.Done():
		return false
	case <-time.After(wait):
	}

	cr.mu.Lock()
	defer cr.mu.Unlock()
	// The slot may have been claimed or shut down while we slept outside
	// the lock. Only a slot still marked restarting belongs to this monitor.
	if cr.stopping || cr.state != types.RecorderRestarting {
		return false
	}
	if err := r.startLocked(cr); err != nil {
		slog.Error("recorder restart failed",
			"camera_id", cr.cam.ID,
			"error", err,
		)
		cr.state = types.RecorderStopped
		return false
	}
	return true
}

// StopCamera terminates one camera's recorder. It sends SIGTERM so ffmpeg can
// finalize the open segment, blocks until the process exits, and escalates to
// SIGKILL after the grace period. Returns only when the subprocess is gone.
func (r *Recorder) StopCamera(cameraID string) error {
	r.mu.RLock()
	cr := r.cameras[cameraID]
	r.mu.RUnlock()
	if cr == nil {
		return fmt.Errorf("no recorder for camera %s", cameraID)
	}

	cr.mu.Lock()
	if cr.state == types.RecorderStopped || cr.proc == nil {
		cr.state = types.RecorderStopped
		cr.mu.Unlock()
		return nil
	}
	cr.stopping = true
	proc := cr.proc
	monitorDone := cr.monitorDone
	cr.mu.Unlock()

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		slog.Warn("failed to signal recorder, killing",
			"camera_id", cameraID,
			"error", err,
		)
		proc.Kill()
	}

	select {
	case <-proc.Done():
	case <-time.After(killGrace):
		slog.Warn("recorder ignored SIGTERM, killing",
			"camera_id", cameraID,
			"pid", proc.PID(),
		)
		proc.Kill()
		<-proc.Done()
	}

	if monitorDone != nil {
		<-monitorDone
	}

	cr.mu.Lock()
	cr.proc = nil
	cr.state = types.RecorderStopped
	cr.mu.Unlock()

	slog.Info("recorder stopped", "camera_id", cameraID)
	return nil
}

// Stop terminates all camera recorders and waits for the monitors.
func (r *Recorder) Stop() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.cameras))
	for id := range r.cameras {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.StopCamera(id); err != nil {
			slog.Error("failed to stop camera recorder", "camera_id", id, "error", err)
		}
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// State returns one camera's recorder state.
func (r *Recorder) State(cameraID string) types.RecorderState {
	r.mu.RLock()
	cr := r.cameras[cameraID]
	r.mu.RUnlock()
	if cr == nil {
		return types.RecorderStopped
	}
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.state
}

// Dir returns the recording directory.
func (r *Recorder) Dir() string {
	return r.cfg.Dir
}
