package diagnostics

import "os/exec"

var lookPath = exec.LookPath

type BinaryStatus struct {
	Found bool   `json:"found"`
	Path  string `json:"path,omitempty"`
}

type DependencyReport struct {
	FFmpeg             BinaryStatus `json:"ffmpeg"`
	FFprobe            BinaryStatus `json:"ffprobe"`
	AllRequiredPresent bool         `json:"all_required_present"`
}

// DetectDependencies resolves the configured encoder binaries. Names may be
// bare commands searched on PATH or explicit paths from the config file.
func DetectDependencies(ffmpeg, ffprobe string) DependencyReport {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}

	ffmpegStatus := detectBinary(ffmpeg)
	ffprobeStatus := detectBinary(ffprobe)

	return DependencyReport{
		FFmpeg:             ffmpegStatus,
		FFprobe:            ffprobeStatus,
		AllRequiredPresent: ffmpegStatus.Found && ffprobeStatus.Found,
	}
}

func detectBinary(name string) BinaryStatus {
	path, err := lookPath(name)
	if err != nil {
		return BinaryStatus{Found: false}
	}

	return BinaryStatus{
		Found: true,
		Path:  path,
	}
}
