package domain

import "time"

// PlayerState is the receiver-reported playback state, normalized.
type PlayerState string

const (
	StateIdle      PlayerState = "idle"
	StateLoading   PlayerState = "loading"
	StateBuffering PlayerState = "buffering"
	StatePlaying   PlayerState = "playing"
	StatePaused    PlayerState = "paused"
	StateStopped   PlayerState = "stopped"
	StateError     PlayerState = "error"
)

// Terminal reports whether a session in this state accepts no further
// playback intents other than a new load.
func (s PlayerState) Terminal() bool {
	return s == StateStopped || s == StateError
}

// Snapshot is the coherent session view handed to subscribers. Desired is
// what the user last asked for, State what the receiver last confirmed.
type Snapshot struct {
	State    PlayerState   `json:"state"`
	Desired  PlayerState   `json:"desired"`
	Position time.Duration `json:"position"`
	Duration time.Duration `json:"duration"`
	Volume   int           `json:"volume"`

	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	MediaPath  string `json:"media_path,omitempty"`

	Transcoding       bool          `json:"transcoding"`
	TranscodedBytes   int64         `json:"transcoded_bytes,omitempty"`
	TranscodedSeconds time.Duration `json:"transcoded_seconds,omitempty"`

	CaptionTrackID string `json:"caption_track_id,omitempty"`

	Err string `json:"error,omitempty"`
}
