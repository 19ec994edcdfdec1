// Package captions converts subtitle tracks (sidecar files or streams
// embedded in the media container) into WebVTT for the receiver.
package captions

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"lancast.app/lancast/internal/domain"
)

const (
	// ContentType is the cue-format MIME type served to receivers.
	ContentType = "text/vtt"

	extractTimeout = 60 * time.Second
)

// Cue is one timed text block.
type Cue struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Converter turns subtitle tracks into WebVTT payloads. The ffmpeg runner is
// injectable for tests; it is only used for embedded tracks.
type Converter struct {
	ffmpegPath string
	run        func(ctx context.Context, name string, args ...string) ([]byte, error)
	log        zerolog.Logger
}

func NewConverter(ffmpegPath string, log zerolog.Logger) *Converter {
	return &Converter{
		ffmpegPath: ffmpegPath,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
		log: log.With().Str("component", "captions").Logger(),
	}
}

// Convert produces the WebVTT payload for one track of the given asset.
// Output is deterministic: converting the same track twice is byte-identical.
func (c *Converter) Convert(ctx context.Context, asset *domain.MediaAsset, track domain.SubtitleTrackRef) ([]byte, error) {
	var raw []byte
	switch {
	case track.External:
		data, err := os.ReadFile(track.Path)
		if err != nil {
			return nil, domain.Wrap(domain.KindCaption, "missing subtitle file", err)
		}
		if strings.EqualFold(filepath.Ext(track.Path), ".vtt") {
			// Already the target cue format; normalize through the same
			// parse/write path so ordering and numbering stay canonical.
			cues, err := parseVTT(decodeText(data))
			if err != nil {
				return nil, err
			}
			return writeVTT(cues), nil
		}
		if !strings.EqualFold(filepath.Ext(track.Path), ".srt") {
			return nil, domain.E(domain.KindCaption, fmt.Sprintf("unsupported subtitle format %q", filepath.Ext(track.Path)))
		}
		raw = data
	default:
		ctx, cancel := context.WithTimeout(ctx, extractTimeout)
		defer cancel()
		data, err := c.run(ctx, c.ffmpegPath,
			"-v", "quiet",
			"-i", asset.Path,
			"-map", track.ID,
			"-f", "srt",
			"-",
		)
		if err != nil {
			return nil, domain.Wrap(domain.KindCaption, "subtitle extraction failed", err)
		}
		raw = data
	}

	cues, err := parseSRT(decodeText(raw))
	if err != nil {
		return nil, err
	}
	c.log.Debug().Str("track", track.ID).Int("cues", len(cues)).Msg("converted subtitle track")
	return writeVTT(cues), nil
}

// decodeText strips a UTF-8 BOM and falls back to latin-1 when the payload
// is not valid UTF-8, mirroring what desktop subtitle files need in
// practice.
func decodeText(raw []byte) string {
	raw = bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(raw) {
		return string(raw)
	}
	out := make([]rune, 0, len(raw))
	for _, b := range raw {
		out = append(out, rune(b))
	}
	return string(out)
}

var srtTiming = regexp.MustCompile(`^(\d+):(\d{1,2}):(\d{1,2})[,.](\d{1,3})\s*-->\s*(\d+):(\d{1,2}):(\d{1,2})[,.](\d{1,3})`)

// WebVTT allows dropping the hours field entirely.
var vttTiming = regexp.MustCompile(`^(?:(\d+):)?(\d{1,2}):(\d{1,2})[.,](\d{1,3})\s*-->\s*(?:(\d+):)?(\d{1,2}):(\d{1,2})[.,](\d{1,3})`)

func parseSRT(text string) ([]Cue, error) {
	blocks := splitBlocks(text)
	cues := make([]Cue, 0, len(blocks))
	for _, block := range blocks {
		lines := block
		// Optional numeric counter line before the timing.
		if len(lines) > 1 && isCounter(lines[0]) && srtTiming.MatchString(lines[1]) {
			lines = lines[1:]
		}
		if len(lines) == 0 {
			continue
		}
		m := srtTiming.FindStringSubmatch(lines[0])
		if m == nil {
			return nil, domain.E(domain.KindCaption, fmt.Sprintf("malformed cue timing %q", lines[0]))
		}
		cue := Cue{
			Start: timingToDuration(m[1], m[2], m[3], m[4]),
			End:   timingToDuration(m[5], m[6], m[7], m[8]),
			Text:  strings.Join(lines[1:], "\n"),
		}
		if cue.Text == "" {
			continue
		}
		cues = append(cues, cue)
	}
	return cues, nil
}

func parseVTT(text string) ([]Cue, error) {
	blocks := splitBlocks(text)
	cues := make([]Cue, 0, len(blocks))
	for i, block := range blocks {
		lines := block
		if i == 0 && strings.HasPrefix(lines[0], "WEBVTT") {
			continue
		}
		if strings.HasPrefix(lines[0], "NOTE") || strings.HasPrefix(lines[0], "STYLE") || strings.HasPrefix(lines[0], "REGION") {
			continue
		}
		// Optional cue identifier line.
		if len(lines) > 1 && !vttTiming.MatchString(lines[0]) && vttTiming.MatchString(lines[1]) {
			lines = lines[1:]
		}
		m := vttTiming.FindStringSubmatch(lines[0])
		if m == nil {
			return nil, domain.E(domain.KindCaption, fmt.Sprintf("malformed cue timing %q", lines[0]))
		}
		cue := Cue{
			Start: timingToDuration(m[1], m[2], m[3], m[4]),
			End:   timingToDuration(m[5], m[6], m[7], m[8]),
			Text:  strings.Join(lines[1:], "\n"),
		}
		if cue.Text == "" {
			continue
		}
		cues = append(cues, cue)
	}
	return cues, nil
}

func splitBlocks(text string) [][]string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var blocks [][]string
	var current []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				blocks = append(blocks, current)
				current = nil
			}
			continue
		}
		current = append(current, strings.TrimRight(line, " \t"))
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}
	return blocks
}

func isCounter(line string) bool {
	_, err := strconv.Atoi(strings.TrimSpace(line))
	return err == nil
}

func timingToDuration(h, m, s, ms string) time.Duration {
	hv, _ := strconv.Atoi(h)
	mv, _ := strconv.Atoi(m)
	sv, _ := strconv.Atoi(s)
	// SRT allows 1-3 millisecond digits; pad to exactly three.
	for len(ms) < 3 {
		ms += "0"
	}
	msv, _ := strconv.Atoi(ms)
	return time.Duration(hv)*time.Hour +
		time.Duration(mv)*time.Minute +
		time.Duration(sv)*time.Second +
		time.Duration(msv)*time.Millisecond
}

// writeVTT renders cues ordered by start time (original order breaks ties),
// renumbered from 1. Overlapping cues are reordered, never merged.
func writeVTT(cues []Cue) []byte {
	ordered := make([]Cue, len(cues))
	copy(ordered, cues)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Start < ordered[j].Start
	})

	var buf bytes.Buffer
	buf.WriteString("WEBVTT\n\n")
	for i, cue := range ordered {
		fmt.Fprintf(&buf, "%d\n%s --> %s\n%s\n\n",
			i+1, vttTimestamp(cue.Start), vttTimestamp(cue.End), cue.Text)
	}
	return buf.Bytes()
}

func vttTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, d/time.Millisecond)
}
