package types

import "time"

// MediaState is the media-readiness state machine of an event.
// pending → collage_ready → video_ready, or failed from any non-terminal state.
type MediaState string

const (
	MediaPending      MediaState = "pending"
	MediaCollageReady MediaState = "collage_ready"
	MediaVideoReady   MediaState = "video_ready"
	MediaFailed       MediaState = "failed"
)

// ApprovalState is set by the optional external approval step. Rejection marks
// the event but never removes already-generated media.
type ApprovalState string

const (
	ApprovalNone     ApprovalState = ""
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// Event is a confirmed sighting that has produced (or will produce) evidence
// media. Immutable once the media state is terminal, except for Approval.
type Event struct {
	ID         string        `json:"id"`
	CameraID   string        `json:"camera_id"`
	ZoneID     string        `json:"zone_id,omitempty"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Confidence float64       `json:"confidence"`
	Media      MediaState    `json:"media_state"`
	Approval   ApprovalState `json:"approval,omitempty"`

	// Paths of promoted media, set as each output becomes available.
	CollagePath string `json:"collage_path,omitempty"`
	ClipPath    string `json:"clip_path,omitempty"`
	PreviewPath string `json:"preview_path,omitempty"`
}

// CameraState is the capture state machine surfaced for health reporting.
type CameraState string

const (
	CameraConnecting   CameraState = "connecting"
	CameraStreaming    CameraState = "streaming"
	CameraStale        CameraState = "stale"
	CameraReconnecting CameraState = "reconnecting"
	CameraDown         CameraState = "down"
)

// RecorderState is the continuous recorder state surfaced for health reporting.
type RecorderState string

const (
	RecorderRecording  RecorderState = "recording"
	RecorderStopped    RecorderState = "stopped"
	RecorderRestarting RecorderState = "restarting"
)

// CameraStatus is the per-camera health snapshot exposed to collaborators.
type CameraStatus struct {
	CameraID  string        `json:"camera_id"`
	Stream    CameraState   `json:"stream"`
	Recorder  RecorderState `json:"recorder"`
	Since     time.Time     `json:"since"`
	LastFrame time.Time     `json:"last_frame,omitempty"`
}
