package media

import (
	"bytes"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cataloglu/thermal-dual-vision/internal/recorder"
	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

func grayFrame(w, h int, fill byte, ts time.Time) types.Frame {
	data := make([]byte, w*h*3)
	for i := range data {
		data[i] = fill
	}
	return types.Frame{Width: w, Height: h, Data: data, Timestamp: ts, CameraID: "cam-1"}
}

func TestPromoteRejectsUndersizedOutput(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "out.mp4")

	if err := os.WriteFile(final, make([]byte, 5000), 0o644); err != nil {
		t.Fatalf("seed good file: %v", err)
	}

	tmp := tempPath(final)
	if err := os.WriteFile(tmp, make([]byte, 100), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}

	if err := promote(tmp, final, 4096); err == nil {
		t.Fatalf("undersized output promoted")
	}

	info, err := os.Stat(final)
	if err != nil {
		t.Fatalf("good file missing after failed promote: %v", err)
	}
	if info.Size() != 5000 {
		t.Errorf("good file size = %d, want 5000 (overwritten)", info.Size())
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Errorf("failed temp file not cleaned up")
	}
}

func TestPromoteReplacesFinal(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "out.mp4")
	tmp := tempPath(final)
	if err := os.WriteFile(tmp, make([]byte, 8192), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}

	if err := promote(tmp, final, 4096); err != nil {
		t.Fatalf("promote: %v", err)
	}
	info, err := os.Stat(final)
	if err != nil {
		t.Fatalf("final missing: %v", err)
	}
	if info.Size() != 8192 {
		t.Errorf("final size = %d", info.Size())
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Errorf("temp file left behind")
	}
}

func TestPromoteWithoutOutputFails(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "out.mp4")
	if err := promote(tempPath(final), final, 0); err == nil {
		t.Fatalf("promote of missing temp succeeded")
	}
}

func TestRenderCollageGrid(t *testing.T) {
	frames := []types.Frame{
		grayFrame(32, 24, 100, time.Now()),
		grayFrame(32, 24, 120, time.Now()),
		grayFrame(32, 24, 140, time.Now()),
		grayFrame(32, 24, 160, time.Now()),
	}
	boxes := []types.PixelRect{
		{X: 4, Y: 4, Width: 10, Height: 12},
		{X: 8, Y: 2, Width: 10, Height: 12},
	}

	img, err := renderCollage(frames, boxes, 3)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got := img.Bounds().Dx(); got != 96 {
		t.Errorf("width = %d, want 96 (3 columns)", got)
	}
	if got := img.Bounds().Dy(); got != 48 {
		t.Errorf("height = %d, want 48 (2 rows)", got)
	}

	// The first cell carries a box outline in the highlight color.
	r, g, b, _ := img.At(boxes[0].X, boxes[0].Y).RGBA()
	if r>>8 != uint32(boxColor.R) || g>>8 != uint32(boxColor.G) || b>>8 != uint32(boxColor.B) {
		t.Errorf("box outline not drawn at (%d,%d)", boxes[0].X, boxes[0].Y)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("collage does not encode: %v", err)
	}
}

func TestRenderCollageEmpty(t *testing.T) {
	if _, err := renderCollage(nil, nil, 3); err == nil {
		t.Fatalf("empty collage rendered")
	}
}

func TestSampleFramesSpread(t *testing.T) {
	frames := make([]types.Frame, 20)
	for i := range frames {
		frames[i].Seq = uint64(i)
	}

	picked := sampleFrames(frames, 4)
	if len(picked) != 4 {
		t.Fatalf("picked = %d, want 4", len(picked))
	}
	if picked[0].Seq != 0 {
		t.Errorf("first sample = %d, want 0", picked[0].Seq)
	}
	for i := 1; i < len(picked); i++ {
		if picked[i].Seq <= picked[i-1].Seq {
			t.Errorf("samples not strictly increasing: %d then %d", picked[i-1].Seq, picked[i].Seq)
		}
	}

	all := sampleFrames(frames, 50)
	if len(all) != 20 {
		t.Errorf("oversampling returned %d frames, want all 20", len(all))
	}
}

func TestFrameToImageChannelOrder(t *testing.T) {
	f := grayFrame(2, 1, 0, time.Now())
	// Pixel 0: pure blue in BGR order.
	f.Data[0], f.Data[1], f.Data[2] = 255, 0, 0
	// Pixel 1: pure red.
	f.Data[3], f.Data[4], f.Data[5] = 0, 0, 255

	img := frameToImage(f)
	r, g, b, _ := img.At(0, 0).RGBA()
	if r>>8 != 0 || g>>8 != 0 || b>>8 != 255 {
		t.Errorf("pixel 0 = (%d,%d,%d), want blue", r>>8, g>>8, b>>8)
	}
	r, g, b, _ = img.At(1, 0).RGBA()
	if r>>8 != 255 || g>>8 != 0 || b>>8 != 0 {
		t.Errorf("pixel 1 = (%d,%d,%d), want red", r>>8, g>>8, b>>8)
	}
}

func TestConcatPlanSpansSegmentSeam(t *testing.T) {
	base := time.Unix(1700000000, 0)
	segments := []recorder.Segment{
		{Path: "/rec/cam-1_1700000000_60.mp4", CameraID: "cam-1", Start: base, Duration: 60 * time.Second},
		{Path: "/rec/cam-1_1700000060_60.mp4", CameraID: "cam-1", Start: base.Add(60 * time.Second), Duration: 60 * time.Second},
	}

	list, offset, duration := concatPlan(segments, base.Add(30*time.Second), base.Add(90*time.Second))

	want := "file '/rec/cam-1_1700000000_60.mp4'\nfile '/rec/cam-1_1700000060_60.mp4'\n"
	if list != want {
		t.Errorf("concat list = %q, want %q", list, want)
	}
	if offset != 30*time.Second {
		t.Errorf("offset = %v, want 30s", offset)
	}
	if duration != 60*time.Second {
		t.Errorf("duration = %v, want 60s", duration)
	}
}

func TestConcatPlanWindowBeforeFootage(t *testing.T) {
	base := time.Unix(1700000000, 0)
	segments := []recorder.Segment{
		{Path: "/rec/cam-1_1700000000_60.mp4", CameraID: "cam-1", Start: base, Duration: 60 * time.Second},
	}

	_, offset, duration := concatPlan(segments, base.Add(-10*time.Second), base.Add(20*time.Second))
	if offset != 0 {
		t.Errorf("offset = %v, want 0 when footage starts after the window", offset)
	}
	if duration != 20*time.Second {
		t.Errorf("duration = %v, want 20s", duration)
	}
}
