package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cataloglu/thermal-dual-vision/internal/config"
	"github.com/cataloglu/thermal-dual-vision/internal/detect"
	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

// fakeDetector stands in for the detector subprocess. Stop closes the results
// channel and Start allocates a fresh one, like the real worker.
type fakeDetector struct {
	mu      sync.Mutex
	results chan detect.Result
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{results: make(chan detect.Result, 4)}
}

func (d *fakeDetector) Start(ctx context.Context) error {
	d.mu.Lock()
	d.results = make(chan detect.Result, 4)
	d.mu.Unlock()
	return nil
}

func (d *fakeDetector) Stop() error {
	d.mu.Lock()
	close(d.results)
	d.mu.Unlock()
	return nil
}

func (d *fakeDetector) SendFrame(frame types.Frame) error { return nil }

func (d *fakeDetector) Results() <-chan detect.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.results
}

func (d *fakeDetector) Metrics() detect.WorkerMetrics { return detect.WorkerMetrics{} }

func (d *fakeDetector) emit(r detect.Result) {
	d.mu.Lock()
	d.results <- r
	d.mu.Unlock()
}

func TestRouterSurvivesDetectorRestart(t *testing.T) {
	fd := newFakeDetector()
	worker := &cameraWorker{
		cam:     config.CameraConfig{ID: "cam-1"},
		results: make(chan detect.Result, 8),
	}
	s := &Service{
		detector: fd,
		workers:  map[string]*cameraWorker{"cam-1": worker},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		s.routeResults()
	}()

	fd.emit(detect.Result{CameraID: "cam-1", FrameSeq: 1})
	select {
	case r := <-worker.results:
		if r.FrameSeq != 1 {
			t.Fatalf("frame_seq = %d, want 1", r.FrameSeq)
		}
	case <-time.After(time.Second):
		t.Fatalf("result not routed before restart")
	}

	if err := fd.Stop(); err != nil {
		t.Fatalf("detector stop: %v", err)
	}
	if err := fd.Start(context.Background()); err != nil {
		t.Fatalf("detector start: %v", err)
	}

	// The router must re-acquire the restarted detector's channel instead of
	// exiting on the close.
	fd.emit(detect.Result{CameraID: "cam-1", FrameSeq: 2})
	select {
	case r := <-worker.results:
		if r.FrameSeq != 2 {
			t.Fatalf("frame_seq = %d, want 2", r.FrameSeq)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no consumer for results after detector restart")
	}

	s.cancel()
	select {
	case <-routerDone:
	case <-time.After(time.Second):
		t.Fatalf("router did not exit on shutdown")
	}
}
