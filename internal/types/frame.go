package types

import "time"

// Frame represents a single decoded video frame.
//
// Ownership: the capture stage produces frames and hands them to the ring
// buffer, which copies Data into its own slot storage. Readers always receive
// a fresh copy; nothing downstream may hold a reference into another
// component's Data slice.
type Frame struct {
	// Seq is the monotonic per-camera sequence number.
	Seq uint64
	// Timestamp is when the frame was decoded (source time, not processing time).
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains raw BGR24 bytes, Width*Height*3 long.
	Data []byte
	// CameraID identifies the originating camera.
	CameraID string
	// TraceID is a unique identifier for tracing a frame across the pipeline.
	TraceID string
}

// Bytes returns the expected payload size for the frame's dimensions.
func (f *Frame) Bytes() int {
	return f.Width * f.Height * 3
}

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	out := f
	out.Data = make([]byte, len(f.Data))
	copy(out.Data, f.Data)
	return out
}

// StreamStats contains capture statistics for one camera.
type StreamStats struct {
	FrameCount  uint64
	FPSReal     float64
	LatencyMS   int64
	Reconnects  uint32
	BytesRead   uint64
	IsConnected bool
}
