package ringbuf

import (
	"sync"
	"testing"
	"time"

	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

func makeFrame(seq uint64, ts time.Time, fill byte) types.Frame {
	data := make([]byte, 64)
	for i := range data {
		data[i] = fill
	}
	return types.Frame{
		Seq:       seq,
		Timestamp: ts,
		Width:     8,
		Height:    8,
		Data:      data,
		CameraID:  "cam1",
	}
}

// TestReadRange verifies frames are returned in order and bounded by the window.
func TestReadRange(t *testing.T) {
	r := New("cam1", 10)
	base := time.Now()

	for i := 0; i < 5; i++ {
		r.Write(makeFrame(uint64(i), base.Add(time.Duration(i)*time.Second), byte(i)))
	}

	frames, truncated := r.ReadRange(base.Add(1*time.Second), base.Add(3*time.Second))
	if truncated {
		t.Error("unexpected truncated flag, nothing was overwritten")
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f.Seq != uint64(i+1) {
			t.Errorf("frame %d: expected seq %d, got %d", i, i+1, f.Seq)
		}
	}
}

// TestReadRangeTruncated verifies the truncated flag when the requested range
// predates the retained horizon.
func TestReadRangeTruncated(t *testing.T) {
	r := New("cam1", 4)
	base := time.Now()

	// 8 writes into 4 slots: frames 0-3 are overwritten.
	for i := 0; i < 8; i++ {
		r.Write(makeFrame(uint64(i), base.Add(time.Duration(i)*time.Second), byte(i)))
	}

	frames, truncated := r.ReadRange(base, base.Add(10*time.Second))
	if !truncated {
		t.Error("expected truncated flag for range predating horizon")
	}
	if len(frames) != 4 {
		t.Fatalf("expected 4 retained frames, got %d", len(frames))
	}
	if frames[0].Seq != 4 {
		t.Errorf("expected oldest retained seq 4, got %d", frames[0].Seq)
	}
}

// TestReadRangeBeforeFirstWrite verifies the truncated flag on a ring that
// has not wrapped yet: history from before the first write was never held.
func TestReadRangeBeforeFirstWrite(t *testing.T) {
	r := New("cam1", 10)
	base := time.Now()
	for i := 0; i < 3; i++ {
		r.Write(makeFrame(uint64(i), base.Add(time.Duration(i)*time.Second), byte(i)))
	}

	frames, truncated := r.ReadRange(base.Add(-5*time.Second), base.Add(10*time.Second))
	if !truncated {
		t.Error("expected truncated flag for window opening before the oldest frame")
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}

	empty := New("cam1", 4)
	if _, truncated := empty.ReadRange(base, base.Add(time.Second)); truncated {
		t.Error("empty ring reported truncation")
	}
}

// TestLatest verifies the newest frame is returned as a copy.
func TestLatest(t *testing.T) {
	r := New("cam1", 4)
	if _, ok := r.Latest(); ok {
		t.Fatal("empty ring should have no latest frame")
	}

	r.Write(makeFrame(1, time.Now(), 0xAA))
	f, ok := r.Latest()
	if !ok {
		t.Fatal("expected a latest frame")
	}

	// Mutating the returned copy must not affect ring contents.
	f.Data[0] = 0x00
	again, _ := r.Latest()
	if again.Data[0] != 0xAA {
		t.Error("Latest returned a reference into slot storage, expected a copy")
	}
}

// TestNoTornFrames hammers one writer against concurrent readers and checks
// that every frame read is uniform: all bytes from a single write, never a
// mix of two.
func TestNoTornFrames(t *testing.T) {
	r := New("cam1", 8)
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		seq := uint64(0)
		for {
			select {
			case <-stop:
				return
			default:
			}
			seq++
			r.Write(makeFrame(seq, time.Now(), byte(seq%251)))
		}
	}()

	for n := 0; n < 4; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				f, ok := r.Latest()
				if !ok {
					continue
				}
				want := byte(f.Seq % 251)
				for j, b := range f.Data {
					if b != want {
						t.Errorf("torn frame: seq %d byte %d is %d, want %d", f.Seq, j, b, want)
						return
					}
				}
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
}

// TestCapacityFor covers the slot-count derivation.
func TestCapacityFor(t *testing.T) {
	if got := CapacityFor(10, 30); got != 300 {
		t.Errorf("expected 300 slots, got %d", got)
	}
	if got := CapacityFor(0, 0); got != 1 {
		t.Errorf("expected floor of 1 slot, got %d", got)
	}
}
