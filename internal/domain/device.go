package domain

import "time"

// ReceiverDevice is one sighting of a renderer on the local network. Devices
// are read-only values; sessions hold a copy, never exclusive ownership, and
// the newest sighting of a given ID is authoritative.
type ReceiverDevice struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	UDN      string    `json:"udn"`
	Location string    `json:"location"`
	LastSeen time.Time `json:"last_seen"`

	// Control endpoints resolved from the device description.
	AVTransportControlURL       string `json:"avtransport_control_url"`
	AVTransportEventURL         string `json:"avtransport_event_url,omitempty"`
	RenderingControlURL         string `json:"rendering_control_url,omitempty"`
	ConnectionManagerControlURL string `json:"connection_manager_control_url,omitempty"`

	Capabilities Capabilities `json:"capabilities"`
}

// Capabilities is the receiver's declared accepted-media set. Matching is
// plain set membership.
type Capabilities struct {
	Containers  []string `json:"containers"`
	VideoCodecs []string `json:"video_codecs"`
	AudioCodecs []string `json:"audio_codecs"`
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (c Capabilities) AcceptsContainer(container string) bool {
	return contains(c.Containers, container)
}

func (c Capabilities) AcceptsVideoCodec(codec string) bool {
	return contains(c.VideoCodecs, codec)
}

// AcceptsAudioCodec treats an asset without audio as always acceptable.
func (c Capabilities) AcceptsAudioCodec(codec string) bool {
	return codec == "" || contains(c.AudioCodecs, codec)
}

// DefaultCapabilities is the conservative set assumed when a renderer does
// not report a usable protocol-info sink.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Containers:  []string{"mp4"},
		VideoCodecs: []string{"h264"},
		AudioCodecs: []string{"aac", "mp3"},
	}
}
