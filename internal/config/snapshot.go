package config

import (
	"log/slog"
	"sync"
)

// Snapshot is an immutable configuration version. Workers capture one at
// start and keep using it until they are explicitly told to pick up a newer
// version at a safe boundary; nothing mutates a snapshot in place.
type Snapshot struct {
	Version int
	Config  *Config
}

// Store holds the current configuration snapshot and hands out versions.
type Store struct {
	path string

	mu      sync.RWMutex
	current *Snapshot
}

// NewStore loads the initial configuration from path as version 1.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{
		path:    path,
		current: &Snapshot{Version: 1, Config: cfg},
	}, nil
}

// Current returns the latest snapshot.
func (s *Store) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Reload re-reads the file and publishes a new version. An invalid file
// leaves the prior valid configuration in effect and returns the error.
func (s *Store) Reload() (*Snapshot, error) {
	cfg, err := Load(s.path)
	if err != nil {
		s.mu.RLock()
		v := s.current.Version
		s.mu.RUnlock()
		slog.Warn("config reload rejected, keeping previous version",
			"version", v,
			"error", err,
		)
		return nil, err
	}

	s.mu.Lock()
	snap := &Snapshot{Version: s.current.Version + 1, Config: cfg}
	s.current = snap
	s.mu.Unlock()

	slog.Info("config reloaded",
		"version", snap.Version,
		"cameras", len(cfg.Cameras),
	)
	return snap, nil
}
