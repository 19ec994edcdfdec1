package transcode

import "lancast.app/lancast/internal/domain"

// Profile is the encoding target derived from the receiver's declared
// capability set. Streams already accepted by the receiver are copied.
type Profile struct {
	Container    string
	ContentType  string
	VideoCodec   string // "" means copy
	AudioCodec   string // "" means copy
	AudioBitrate string
}

func (p Profile) CopyVideo() bool { return p.VideoCodec == "" }
func (p Profile) CopyAudio() bool { return p.AudioCodec == "" }

// Required reports whether the asset can not be served to the receiver
// as-is: container or any codec outside the accepted sets.
func Required(asset *domain.MediaAsset, caps domain.Capabilities) bool {
	if !caps.AcceptsContainer(asset.Container) {
		return true
	}
	if asset.HasVideo() && !caps.AcceptsVideoCodec(asset.VideoCodec) {
		return true
	}
	return !caps.AcceptsAudioCodec(asset.AudioCodec)
}

// SelectProfile picks the receiver's most preferred accepted profile. The
// output is always fragmented MP4 so the growing file is progressively
// readable; audio goes to ac3 for multichannel sinks that accept it, else
// aac.
func SelectProfile(asset *domain.MediaAsset, caps domain.Capabilities) Profile {
	p := Profile{
		Container:    "mp4",
		ContentType:  "video/mp4",
		AudioBitrate: "256k",
	}

	if asset.HasVideo() && !caps.AcceptsVideoCodec(asset.VideoCodec) {
		p.VideoCodec = "h264"
	}
	if !caps.AcceptsAudioCodec(asset.AudioCodec) {
		if asset.AudioChannels > 2 && caps.AcceptsAudioCodec("ac3") {
			p.AudioCodec = "ac3"
		} else {
			p.AudioCodec = "aac"
		}
	}
	return p
}

// buildArgs assembles the ffmpeg invocation for one job. The progress
// stream goes to stdout as machine-readable key=value pairs.
func buildArgs(asset *domain.MediaAsset, p Profile, outputPath string) []string {
	args := []string{
		"-y",
		"-hide_banner",
		"-nostats",
		"-loglevel", "error",
		"-progress", "pipe:1",
		"-i", asset.Path,
	}

	if asset.HasVideo() {
		args = append(args, "-map", "0:v:0")
	}
	if asset.AudioCodec != "" {
		args = append(args, "-map", "0:a:0")
	}

	if asset.HasVideo() {
		if p.CopyVideo() {
			args = append(args, "-c:v", "copy")
		} else {
			args = append(args, "-c:v", p.VideoCodec)
		}
	}
	if asset.AudioCodec != "" {
		if p.CopyAudio() {
			args = append(args, "-c:a", "copy")
		} else {
			args = append(args, "-c:a", p.AudioCodec, "-b:a", p.AudioBitrate)
		}
	}

	args = append(args,
		"-movflags", "+frag_keyframe+empty_moov+default_base_moof",
		"-f", p.Container,
		outputPath,
	)
	return args
}
