package ringbuf

import (
	"log/slog"
	"sync"
)

// Manager keeps one ring per camera. Rings are created lazily on first use
// and released when a camera worker has fully stopped; each camera has its
// own lock inside its ring, so unrelated cameras never contend here beyond
// the map lookup.
type Manager struct {
	capacity int

	mu    sync.RWMutex
	rings map[string]*Ring
}

// NewManager creates a manager whose rings hold capacity slots each.
func NewManager(capacity int) *Manager {
	return &Manager{
		capacity: capacity,
		rings:    make(map[string]*Ring),
	}
}

// Get returns the ring for cameraID, creating it if needed.
func (m *Manager) Get(cameraID string) *Ring {
	m.mu.RLock()
	r, ok := m.rings[cameraID]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok = m.rings[cameraID]; ok {
		return r
	}
	r = New(cameraID, m.capacity)
	m.rings[cameraID] = r
	slog.Debug("ring buffer created", "camera_id", cameraID, "capacity", m.capacity)
	return r
}

// Lookup returns the ring for cameraID without creating one.
func (m *Manager) Lookup(cameraID string) (*Ring, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rings[cameraID]
	return r, ok
}

// Release drops the camera's ring. Callers must only release after the
// camera's capture loop has been cancelled and its in-flight frame pass has
// finished.
func (m *Manager) Release(cameraID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rings[cameraID]; ok {
		delete(m.rings, cameraID)
		slog.Debug("ring buffer released", "camera_id", cameraID)
	}
}
