package probe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"lancast.app/lancast/internal/domain"
)

const mkvProbeJSON = `{
  "format": {"format_name": "matroska,webm", "duration": "5400.320000"},
  "streams": [
    {"index": 0, "codec_type": "video", "codec_name": "hevc"},
    {"index": 1, "codec_type": "audio", "codec_name": "ac3", "channels": 6},
    {"index": 2, "codec_type": "subtitle", "codec_name": "subrip", "tags": {"language": "eng", "title": "English"}},
    {"index": 3, "codec_type": "subtitle", "codec_name": "subrip", "tags": {"language": "ger"}}
  ]
}`

func testProber(t *testing.T, output []byte, runErr error) (*Prober, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "movie.mkv")
	require.NoError(t, os.WriteFile(path, []byte("not really a video"), 0o644))

	p := New("ffprobe", zerolog.Nop())
	p.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return output, runErr
	}
	return p, path
}

func TestProbeParsesStreams(t *testing.T) {
	p, path := testProber(t, []byte(mkvProbeJSON), nil)

	asset, err := p.Probe(context.Background(), path)
	require.NoError(t, err)

	require.Equal(t, "mkv", asset.Container)
	require.Equal(t, "h265", asset.VideoCodec)
	require.Equal(t, "ac3", asset.AudioCodec)
	require.Equal(t, 6, asset.AudioChannels)
	require.Equal(t, 5400*time.Second+320*time.Millisecond, asset.Duration)
	require.Equal(t, "video/x-matroska", asset.ContentType)

	require.Len(t, asset.Subtitles, 2)
	require.Equal(t, "0:2", asset.Subtitles[0].ID)
	require.Equal(t, "eng", asset.Subtitles[0].Language)
	require.Equal(t, "English", asset.Subtitles[0].Title)
	require.Equal(t, "0:3", asset.Subtitles[1].ID)

	_, ok := asset.SubtitleTrack("0:3")
	require.True(t, ok)
	_, ok = asset.SubtitleTrack("0:9")
	require.False(t, ok)
}

func TestProbeSubtitlesSurviveUnsupportedVideo(t *testing.T) {
	// Cover-art-only "video" plus audio: still probes, no video codec.
	probeJSON := `{
	  "format": {"format_name": "matroska,webm", "duration": "10.0"},
	  "streams": [
	    {"index": 0, "codec_type": "video", "codec_name": "mjpeg"},
	    {"index": 1, "codec_type": "audio", "codec_name": "flac", "channels": 2},
	    {"index": 2, "codec_type": "subtitle", "codec_name": "ass"}
	  ]
	}`
	p, path := testProber(t, []byte(probeJSON), nil)

	asset, err := p.Probe(context.Background(), path)
	require.NoError(t, err)
	require.False(t, asset.HasVideo())
	require.Len(t, asset.Subtitles, 1)
}

func TestProbeMissingFile(t *testing.T) {
	p := New("ffprobe", zerolog.Nop())
	_, err := p.Probe(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"))
	require.Error(t, err)
	require.True(t, domain.IsKind(err, domain.KindProbe))
}

func TestProbeRunnerFailure(t *testing.T) {
	p, path := testProber(t, nil, errors.New("exit status 1"))
	_, err := p.Probe(context.Background(), path)
	require.Error(t, err)
	require.True(t, domain.IsKind(err, domain.KindProbe))
}

func TestProbeNoDecodableStreams(t *testing.T) {
	p, path := testProber(t, []byte(`{"format":{"format_name":"mp4"},"streams":[]}`), nil)
	_, err := p.Probe(context.Background(), path)
	require.Error(t, err)
	require.True(t, domain.IsKind(err, domain.KindProbe))
}

func TestContainerForPrefersExtension(t *testing.T) {
	require.Equal(t, "mp4", containerFor("mov,mp4,m4a,3gp,3g2,mj2", "/x/a.mp4"))
	require.Equal(t, "mkv", containerFor("matroska,webm", "/x/a.mkv"))
	require.Equal(t, "webm", containerFor("matroska,webm", "/x/a.webm"))
	require.Equal(t, "mov", containerFor("mov,mp4,m4a,3gp,3g2,mj2", "/x/a.qt"))
}
