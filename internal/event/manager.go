// Package event turns confirmed sightings into evidence events: cooldown
// deduplication, collage fast path, clip slow path, and the optional
// approval gate in front of notification.
package event

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cataloglu/thermal-dual-vision/internal/config"
	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

// Media produces evidence artifacts for an event. Implemented by the media
// package; an interface here keeps the dependency one-directional.
type Media interface {
	// Collage renders the sighting's boxes into a contact-sheet JPEG.
	Collage(ctx context.Context, ev types.Event, sighting types.Sighting) (path string, err error)
	// Clip extracts the event window into an MP4.
	Clip(ctx context.Context, ev types.Event) (path string, err error)
	// Preview renders an MJPEG animation of the window. Returns an empty
	// path without error when previews are disabled.
	Preview(ctx context.Context, ev types.Event) (path string, err error)
}

// Sink receives event lifecycle notifications (creation and media updates).
type Sink interface {
	PublishEvent(ev types.Event) error
}

// Stats are the manager's lifetime counters.
type Stats struct {
	Triggered      uint64 `json:"triggered"`
	Suppressed     uint64 `json:"suppressed"`
	CollagesQueued uint64 `json:"collages_queued"`
	ClipsQueued    uint64 `json:"clips_queued"`
	MediaDropped   uint64 `json:"media_dropped"`
	MediaFailed    uint64 `json:"media_failed"`
	Rejected       uint64 `json:"rejected"`
	Tracked        uint64 `json:"tracked"`
}

type task struct {
	ev       types.Event
	sighting types.Sighting
}

// maxTrackedEvents bounds the in-memory event table. Completed events live
// on as files and MQTT history; only recent ones stay addressable here.
const maxTrackedEvents = 512

// Manager owns the event lifecycle for all cameras. Sightings arrive from the
// per-camera detection goroutines; media generation runs on two fixed worker
// pools so a slow clip extraction can never delay a collage.
type Manager struct {
	cfg   config.EventsConfig
	media Media
	sink  Sink
	gate  *ApprovalGate

	mu          sync.Mutex
	lastEvent   map[string]time.Time // cameraID+"/"+zoneID -> trigger time
	events      map[string]*types.Event
	pendingGate map[string]bool // publishes held until the gate resolves

	collageQ chan task
	clipQ    chan task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	triggered      uint64
	suppressed     uint64
	collagesQueued uint64
	clipsQueued    uint64
	mediaDropped   uint64
	mediaFailed    uint64
	rejected       uint64
}

// NewManager creates an event manager. media and sink are required; the
// approval gate is built from cfg and may be disabled (empty URL).
func NewManager(cfg config.EventsConfig, media Media, sink Sink) *Manager {
	return &Manager{
		cfg:         cfg,
		media:       media,
		sink:        sink,
		gate:        NewApprovalGate(cfg),
		lastEvent:   make(map[string]time.Time),
		events:      make(map[string]*types.Event),
		pendingGate: make(map[string]bool),
		collageQ:    make(chan task, 16),
		clipQ:       make(chan task, 16),
	}
}

// Start launches the media worker pools.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	for i := 0; i < m.cfg.CollageWorkers; i++ {
		m.wg.Add(1)
		go m.collageWorker(i)
	}
	for i := 0; i < m.cfg.ClipWorkers; i++ {
		m.wg.Add(1)
		go m.clipWorker(i)
	}

	slog.Info("event manager started",
		"collage_workers", m.cfg.CollageWorkers,
		"clip_workers", m.cfg.ClipWorkers,
		"cooldown_s", m.cfg.CooldownS,
		"approval_gated", m.cfg.ApprovalURL != "",
	)
}

// Stop cancels workers and waits for in-flight media tasks.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	slog.Info("event manager stopped",
		"triggered", atomic.LoadUint64(&m.triggered),
		"suppressed", atomic.LoadUint64(&m.suppressed),
	)
}

// HandleSighting applies the cooldown rule and, when it passes, creates an
// event and queues its media. Safe for concurrent use.
func (m *Manager) HandleSighting(s types.Sighting) {
	key := s.CameraID + "/" + s.ZoneID
	cooldown := time.Duration(m.cfg.CooldownS) * time.Second
	now := s.ConfirmedAt

	m.mu.Lock()
	if last, ok := m.lastEvent[key]; ok && now.Sub(last) < cooldown {
		m.mu.Unlock()
		atomic.AddUint64(&m.suppressed, 1)
		slog.Debug("sighting suppressed by cooldown",
			"camera_id", s.CameraID,
			"zone_id", s.ZoneID,
			"since_last_s", now.Sub(last).Seconds(),
		)
		return
	}
	m.lastEvent[key] = now

	ev := types.Event{
		ID:         uuid.New().String(),
		CameraID:   s.CameraID,
		ZoneID:     s.ZoneID,
		StartTime:  s.StartedAt.Add(-time.Duration(m.cfg.PreSeconds) * time.Second),
		EndTime:    s.ConfirmedAt.Add(time.Duration(m.cfg.PostSeconds) * time.Second),
		Confidence: s.Confidence,
		Media:      types.MediaPending,
	}
	// An instant confirmation still gets a window long enough for a usable
	// clip.
	if min := time.Duration(m.cfg.MinDurationS) * time.Second; min > 0 && ev.EndTime.Sub(ev.StartTime) < min {
		ev.EndTime = ev.StartTime.Add(min)
	}
	m.events[ev.ID] = &ev
	if m.gate.Enabled() {
		m.pendingGate[ev.ID] = true
	}
	m.pruneLocked()
	m.mu.Unlock()

	atomic.AddUint64(&m.triggered, 1)
	slog.Info("event triggered",
		"event_id", ev.ID,
		"camera_id", ev.CameraID,
		"zone_id", ev.ZoneID,
		"confidence", ev.Confidence,
	)

	// Notification waits on the gate, media generation does not; a rejected
	// event still keeps its evidence on disk.
	m.wg.Add(1)
	go m.resolveAndNotify(ev)

	if len(s.Boxes) == 0 {
		slog.Warn("event window holds no qualifying boxes, skipping media",
			"event_id", ev.ID,
		)
		return
	}

	t := task{ev: ev, sighting: s}
	select {
	case m.collageQ <- t:
		atomic.AddUint64(&m.collagesQueued, 1)
	default:
		atomic.AddUint64(&m.mediaDropped, 1)
		slog.Warn("collage queue full, dropping fast-path task", "event_id", ev.ID)
	}
	select {
	case m.clipQ <- t:
		atomic.AddUint64(&m.clipsQueued, 1)
	default:
		atomic.AddUint64(&m.mediaDropped, 1)
		slog.Warn("clip queue full, dropping slow-path task", "event_id", ev.ID)
	}
}

// pruneLocked evicts the oldest events once the table outgrows its bound,
// preferring terminal ones. Events still held by the approval gate are never
// evicted. Caller holds m.mu.
func (m *Manager) pruneLocked() {
	for len(m.events) > maxTrackedEvents {
		victim := m.oldestLocked(true)
		if victim == "" {
			victim = m.oldestLocked(false)
		}
		if victim == "" {
			return
		}
		delete(m.events, victim)
	}
}

func (m *Manager) oldestLocked(terminalOnly bool) string {
	id := ""
	var oldest time.Time
	for candidate, ev := range m.events {
		if m.pendingGate[candidate] {
			continue
		}
		terminal := ev.Media == types.MediaVideoReady || ev.Media == types.MediaFailed
		if terminalOnly && !terminal {
			continue
		}
		if id == "" || ev.StartTime.Before(oldest) {
			id, oldest = candidate, ev.StartTime
		}
	}
	return id
}

// resolveAndNotify runs the approval gate, then publishes the event. The
// first publish carries whatever media state the event has reached by then.
func (m *Manager) resolveAndNotify(ev types.Event) {
	defer m.wg.Done()

	verdict := m.gate.Resolve(m.ctx, ev)
	m.mu.Lock()
	delete(m.pendingGate, ev.ID)
	stored := m.events[ev.ID]
	if stored != nil {
		stored.Approval = verdict
	}
	snapshot := ev
	if stored != nil {
		snapshot = *stored
	}
	m.mu.Unlock()

	if verdict == types.ApprovalRejected {
		atomic.AddUint64(&m.rejected, 1)
		slog.Info("event rejected by approval step, media retained",
			"event_id", ev.ID,
		)
		return
	}

	if err := m.sink.PublishEvent(snapshot); err != nil {
		slog.Error("failed to publish event", "event_id", ev.ID, "error", err)
	}
}

func (m *Manager) collageWorker(n int) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case t := <-m.collageQ:
			path, err := m.media.Collage(m.ctx, t.ev, t.sighting)
			if err != nil {
				atomic.AddUint64(&m.mediaFailed, 1)
				slog.Error("collage generation failed",
					"event_id", t.ev.ID,
					"worker", n,
					"error", err,
				)
				m.updateMedia(t.ev.ID, types.MediaFailed, func(ev *types.Event) {})
				continue
			}
			m.updateMedia(t.ev.ID, types.MediaCollageReady, func(ev *types.Event) {
				ev.CollagePath = path
			})
		}
	}
}

func (m *Manager) clipWorker(n int) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case t := <-m.clipQ:
			// The clip covers the post-trigger window too, so extraction
			// cannot start before the window closes.
			if wait := time.Until(t.ev.EndTime); wait > 0 {
				select {
				case <-m.ctx.Done():
					return
				case <-time.After(wait):
				}
			}

			path, err := m.media.Clip(m.ctx, t.ev)
			if err != nil {
				atomic.AddUint64(&m.mediaFailed, 1)
				slog.Error("clip extraction failed",
					"event_id", t.ev.ID,
					"worker", n,
					"error", err,
				)
				m.updateMedia(t.ev.ID, types.MediaFailed, func(ev *types.Event) {})
				continue
			}
			// The preview rides the same window; losing it does not fail
			// the event.
			preview, perr := m.media.Preview(m.ctx, t.ev)
			if perr != nil {
				slog.Warn("preview generation failed",
					"event_id", t.ev.ID,
					"worker", n,
					"error", perr,
				)
			}

			m.updateMedia(t.ev.ID, types.MediaVideoReady, func(ev *types.Event) {
				ev.ClipPath = path
				if preview != "" {
					ev.PreviewPath = preview
				}
			})
		}
	}
}

// updateMedia advances the media state machine and republishes the event so
// consumers see incremental readiness. Regressions are ignored: a late
// collage failure must not demote a video_ready event.
func (m *Manager) updateMedia(eventID string, state types.MediaState, apply func(*types.Event)) {
	m.mu.Lock()
	ev := m.events[eventID]
	if ev == nil {
		m.mu.Unlock()
		return
	}
	if ev.Media == types.MediaVideoReady || ev.Media == types.MediaFailed {
		m.mu.Unlock()
		return
	}
	ev.Media = state
	apply(ev)
	snapshot := *ev
	held := m.pendingGate[eventID]
	m.mu.Unlock()

	slog.Info("event media updated",
		"event_id", eventID,
		"media_state", snapshot.Media,
	)

	// Held publishes flush with the gate verdict; rejected events stay silent.
	if held || snapshot.Approval == types.ApprovalRejected {
		return
	}
	if err := m.sink.PublishEvent(snapshot); err != nil {
		slog.Error("failed to publish media update", "event_id", eventID, "error", err)
	}
}

// Lookup returns a copy of a tracked event.
func (m *Manager) Lookup(eventID string) (types.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.events[eventID]
	if ev == nil {
		return types.Event{}, false
	}
	return *ev, true
}

// Stats returns lifetime counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	tracked := uint64(len(m.events))
	m.mu.Unlock()
	return Stats{
		Tracked:        tracked,
		Triggered:      atomic.LoadUint64(&m.triggered),
		Suppressed:     atomic.LoadUint64(&m.suppressed),
		CollagesQueued: atomic.LoadUint64(&m.collagesQueued),
		ClipsQueued:    atomic.LoadUint64(&m.clipsQueued),
		MediaDropped:   atomic.LoadUint64(&m.mediaDropped),
		MediaFailed:    atomic.LoadUint64(&m.mediaFailed),
		Rejected:       atomic.LoadUint64(&m.rejected),
	}
}
