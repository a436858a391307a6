package stream

import "time"

// Sampler decides which full-rate frames are forwarded to the pre-filter.
// Capture never blocks on inference: frames the sampler declines are simply
// dropped from the candidate stream while still reaching the ring buffer and
// disk.
type Sampler struct {
	interval time.Duration
	next     time.Time
}

// NewSampler creates a sampler for the given inference rate in Hz.
func NewSampler(inferenceFPS float64) *Sampler {
	if inferenceFPS <= 0 {
		inferenceFPS = 1
	}
	return &Sampler{
		interval: time.Duration(float64(time.Second) / inferenceFPS),
	}
}

// Take reports whether a frame with the given timestamp should be forwarded.
func (s *Sampler) Take(ts time.Time) bool {
	if ts.Before(s.next) {
		return false
	}
	s.next = ts.Add(s.interval)
	return true
}

// SetRate updates the sampling rate. Applied at the next frame boundary.
func (s *Sampler) SetRate(inferenceFPS float64) {
	if inferenceFPS <= 0 {
		return
	}
	s.interval = time.Duration(float64(time.Second) / inferenceFPS)
	s.next = time.Time{}
}
