package domain

import "time"

// SubtitleTrackRef identifies one subtitle track of a probed asset, either
// embedded in the container or a sidecar file on disk.
type SubtitleTrackRef struct {
	ID       string `json:"id"`
	Index    int    `json:"index"`
	Language string `json:"language,omitempty"`
	Title    string `json:"title,omitempty"`
	Codec    string `json:"codec,omitempty"`
	External bool   `json:"external"`
	Path     string `json:"path,omitempty"`
}

// MediaAsset is the immutable result of probing a local file.
type MediaAsset struct {
	Path          string             `json:"path"`
	Container     string             `json:"container"`
	ContentType   string             `json:"content_type"`
	VideoCodec    string             `json:"video_codec,omitempty"`
	AudioCodec    string             `json:"audio_codec,omitempty"`
	AudioChannels int                `json:"audio_channels,omitempty"`
	Duration      time.Duration      `json:"duration"`
	Size          int64              `json:"size"`
	Subtitles     []SubtitleTrackRef `json:"subtitles,omitempty"`
}

// SubtitleTrack returns the track with the given ID, if the asset has it.
func (a *MediaAsset) SubtitleTrack(id string) (SubtitleTrackRef, bool) {
	for _, tr := range a.Subtitles {
		if tr.ID == id {
			return tr, true
		}
	}
	return SubtitleTrackRef{}, false
}

// HasVideo reports whether the probe found a decodable video stream.
func (a *MediaAsset) HasVideo() bool {
	return a.VideoCodec != ""
}
