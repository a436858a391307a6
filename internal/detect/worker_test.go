package detect

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

func framedResponse(t *testing.T, resp workerResponse) []byte {
	t.Helper()
	payload, err := msgpack.Marshal(&resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func TestReadResultsDecodesFramedMessages(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(framedResponse(t, workerResponse{
		Data: responseData{
			CameraID: "cam-1",
			FrameSeq: 42,
			Detections: []responseBox{
				{Class: "person", Confidence: 0.91, X: 10, Y: 20, Width: 40, Height: 90},
			},
		},
		Timing: responseTiming{TotalMS: 33.5},
	}))
	stream.Write(framedResponse(t, workerResponse{
		Data: responseData{CameraID: "cam-2", FrameSeq: 43},
	}))

	w := &Worker{id: "test", results: make(chan Result, 4)}
	w.stdout = io.NopCloser(&stream)

	w.wg.Add(1)
	go w.readResults()

	first := <-w.results
	if first.CameraID != "cam-1" || first.FrameSeq != 42 {
		t.Fatalf("first result = %+v", first)
	}
	if len(first.Detections) != 1 {
		t.Fatalf("detections = %d, want 1", len(first.Detections))
	}
	d := first.Detections[0]
	if d.Class != "person" || d.Confidence != 0.91 {
		t.Errorf("detection = %+v", d)
	}
	if d.BBox != (types.PixelRect{X: 10, Y: 20, Width: 40, Height: 90}) {
		t.Errorf("bbox = %+v", d.BBox)
	}
	if first.LatencyMS != 33.5 {
		t.Errorf("latency = %v", first.LatencyMS)
	}

	second := <-w.results
	if second.CameraID != "cam-2" || len(second.Detections) != 0 {
		t.Errorf("second result = %+v", second)
	}

	w.wg.Wait()
}

func TestReadResultsStopsOnTruncatedStream(t *testing.T) {
	full := framedResponse(t, workerResponse{Data: responseData{CameraID: "cam-1", FrameSeq: 1}})

	w := &Worker{id: "test", results: make(chan Result, 4)}
	w.stdout = io.NopCloser(bytes.NewReader(full[:len(full)-3]))

	w.wg.Add(1)
	go w.readResults()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("readResults did not exit on truncated stream")
	}
	if len(w.results) != 0 {
		t.Errorf("truncated message produced a result")
	}
}

func TestSendFrameWhenInactiveCountsDrop(t *testing.T) {
	w, err := NewWorker(WorkerConfig{WorkerID: "test", Command: "detector"})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	if err := w.SendFrame(types.Frame{Seq: 1}); err == nil {
		t.Fatalf("send on inactive worker succeeded")
	}
	if got := w.Metrics().FramesDropped; got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}
