package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every tunable of the casting core. Zero values are filled
// with defaults by Load; a zero Config is not usable directly.
type Config struct {
	// ListenAddress is the host:port the media server binds. A port of 0
	// picks a free port. The host must be the LAN address receivers can
	// reach; empty means autodetect per selected device.
	ListenAddress string `yaml:"listen_address"`

	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`

	// OutputDir holds transcode output files. Defaults to /var/tmp when it
	// exists, else the system temp dir.
	OutputDir string `yaml:"output_dir"`

	// RangeWaitTimeout bounds how long a range request may wait for the
	// transcoder to reach the requested offset.
	RangeWaitTimeout time.Duration `yaml:"range_wait_timeout"`

	// ConfirmTimeout bounds how long an optimistic play/pause/load intent
	// may stay unconfirmed by receiver status before the session errors.
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`

	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	StatusPollEvery   time.Duration `yaml:"status_poll_every"`

	ReconnectAttempts    int           `yaml:"reconnect_attempts"`
	ReconnectBaseBackoff time.Duration `yaml:"reconnect_base_backoff"`
	ReconnectMaxBackoff  time.Duration `yaml:"reconnect_max_backoff"`

	LogLevel string `yaml:"log_level"`
}

func defaults() Config {
	outputDir := os.TempDir()
	if info, err := os.Stat("/var/tmp"); err == nil && info.IsDir() {
		outputDir = "/var/tmp"
	}
	return Config{
		ListenAddress:        "",
		FFmpegPath:           "ffmpeg",
		FFprobePath:          "ffprobe",
		OutputDir:            outputDir,
		RangeWaitTimeout:     30 * time.Second,
		ConfirmTimeout:       10 * time.Second,
		DiscoveryInterval:    30 * time.Second,
		StatusPollEvery:      4 * time.Second,
		ReconnectAttempts:    3,
		ReconnectBaseBackoff: 120 * time.Millisecond,
		ReconnectMaxBackoff:  2 * time.Second,
		LogLevel:             "info",
	}
}

// Load reads an optional YAML file, applies LANCAST_* environment overrides
// and defaults, then validates. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	fillDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LANCAST_LISTEN_ADDRESS")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("LANCAST_FFMPEG")); v != "" {
		cfg.FFmpegPath = v
	}
	if v := strings.TrimSpace(os.Getenv("LANCAST_FFPROBE")); v != "" {
		cfg.FFprobePath = v
	}
	if v := strings.TrimSpace(os.Getenv("LANCAST_OUTPUT_DIR")); v != "" {
		cfg.OutputDir = v
	}
	if v := strings.TrimSpace(os.Getenv("LANCAST_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("LANCAST_RANGE_WAIT_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RangeWaitTimeout = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("LANCAST_RECONNECT_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReconnectAttempts = n
		}
	}
}

func fillDefaults(cfg *Config) {
	def := defaults()
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = def.FFmpegPath
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = def.FFprobePath
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = def.OutputDir
	}
	if cfg.RangeWaitTimeout <= 0 {
		cfg.RangeWaitTimeout = def.RangeWaitTimeout
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = def.DiscoveryInterval
	}
	if cfg.StatusPollEvery <= 0 {
		cfg.StatusPollEvery = def.StatusPollEvery
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = def.ReconnectAttempts
	}
	if cfg.ReconnectBaseBackoff <= 0 {
		cfg.ReconnectBaseBackoff = def.ReconnectBaseBackoff
	}
	if cfg.ReconnectMaxBackoff < cfg.ReconnectBaseBackoff {
		cfg.ReconnectMaxBackoff = def.ReconnectMaxBackoff
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
}

func (c Config) validate() error {
	info, err := os.Stat(c.OutputDir)
	if err != nil {
		return fmt.Errorf("output_dir %s: %w", c.OutputDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output_dir %s is not a directory", c.OutputDir)
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not a known level", c.LogLevel)
	}
	return nil
}
