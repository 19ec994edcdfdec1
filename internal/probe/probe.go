// Package probe inspects local media files with ffprobe and reduces the
// result to the asset model the rest of the core works with.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/h2non/filetype"
	"github.com/rs/zerolog"

	"lancast.app/lancast/internal/domain"
)

const probeTimeout = 15 * time.Second

// Prober runs read-only ffprobe inspections. The runner is injectable so
// tests can feed canned ffprobe output.
type Prober struct {
	ffprobePath string
	run         func(ctx context.Context, name string, args ...string) ([]byte, error)
	log         zerolog.Logger
}

func New(ffprobePath string, log zerolog.Logger) *Prober {
	return &Prober{
		ffprobePath: ffprobePath,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
		log: log.With().Str("component", "probe").Logger(),
	}
}

// ffprobe -print_format json output, reduced to the fields we read.
type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeStream struct {
	Index     int    `json:"index"`
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Channels  int    `json:"channels"`
	Tags      struct {
		Language string `json:"language"`
		Title    string `json:"title"`
	} `json:"tags"`
}

// Probe inspects path and returns the immutable asset description. Subtitle
// tracks are enumerated even when the video stream is unsupported, so
// callers can still offer caption choices.
func (p *Prober) Probe(ctx context.Context, path string) (*domain.MediaAsset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, domain.Wrap(domain.KindProbe, "unreadable file", err)
	}
	if info.IsDir() {
		return nil, domain.E(domain.KindProbe, fmt.Sprintf("%s is a directory", path))
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	raw, err := p.run(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, domain.Wrap(domain.KindProbe, "ffprobe failed", err)
	}

	var out ffprobeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, domain.Wrap(domain.KindProbe, "unparseable ffprobe output", err)
	}

	asset := &domain.MediaAsset{
		Path:      path,
		Container: containerFor(out.Format.FormatName, path),
		Size:      info.Size(),
	}
	if secs, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil {
		asset.Duration = time.Duration(secs * float64(time.Second))
	}

	for _, st := range out.Streams {
		switch st.CodecType {
		case "video":
			// ffprobe reports attached cover art as a video stream too;
			// mjpeg/png thumbnails must not win over the real stream.
			if asset.VideoCodec == "" && !isImageCodec(st.CodecName) {
				asset.VideoCodec = normalizeCodec(st.CodecName)
			}
		case "audio":
			if asset.AudioCodec == "" {
				asset.AudioCodec = normalizeCodec(st.CodecName)
				asset.AudioChannels = st.Channels
			}
		case "subtitle":
			tr := domain.SubtitleTrackRef{
				ID:       fmt.Sprintf("0:%d", st.Index),
				Index:    st.Index,
				Language: st.Tags.Language,
				Title:    st.Tags.Title,
				Codec:    st.CodecName,
			}
			asset.Subtitles = append(asset.Subtitles, tr)
		}
	}

	if asset.VideoCodec == "" && asset.AudioCodec == "" {
		return nil, domain.E(domain.KindProbe, "no decodable audio or video stream")
	}
	asset.ContentType = contentTypeFor(asset)

	p.log.Debug().
		Str("path", path).
		Str("container", asset.Container).
		Str("video", asset.VideoCodec).
		Str("audio", asset.AudioCodec).
		Int("subtitles", len(asset.Subtitles)).
		Dur("duration", asset.Duration).
		Msg("probed media")
	return asset, nil
}

// containerFor picks one name out of ffprobe's comma-separated format list
// (e.g. "matroska,webm" or "mov,mp4,m4a,3gp,3g2,mj2") using the file
// extension when it appears in the list.
func containerFor(formatName, path string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	names := strings.Split(formatName, ",")
	for _, n := range names {
		if n == ext {
			return n
		}
	}
	if ext == "mkv" {
		for _, n := range names {
			if n == "matroska" {
				return "mkv"
			}
		}
	}
	if len(names) > 0 && names[0] != "" {
		return names[0]
	}
	return ext
}

func normalizeCodec(name string) string {
	if name == "hevc" {
		return "h265"
	}
	return name
}

func isImageCodec(name string) bool {
	switch name {
	case "mjpeg", "png", "bmp", "gif":
		return true
	}
	return false
}

var audioContainers = map[string]string{
	"mp3":  "audio/mpeg",
	"aac":  "audio/aac",
	"wav":  "audio/wav",
	"flac": "audio/flac",
	"ogg":  "audio/ogg",
}

func contentTypeFor(asset *domain.MediaAsset) string {
	if !asset.HasVideo() {
		if mt, ok := audioContainers[asset.Container]; ok {
			return mt
		}
	}
	switch asset.Container {
	case "mp4", "mov":
		return "video/mp4"
	case "mkv", "matroska":
		return "video/x-matroska"
	case "webm":
		return "video/webm"
	case "avi":
		return "video/x-msvideo"
	}
	if kind, err := filetype.MatchFile(asset.Path); err == nil && kind.MIME.Value != "" {
		return kind.MIME.Value
	}
	return "application/octet-stream"
}
