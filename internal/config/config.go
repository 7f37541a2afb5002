package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendFFMPEG    = "ffmpeg"
	BackendGStreamer = "gstreamer"
)

// Config stores runtime configuration for the scanner backend.
type Config struct {
	Keyboard KeyboardConfig
	Camera   CameraConfig
	Decode   DecodeConfig
	Feed     FeedConfig
	Haptics  bool
	LogLevel string
	// Source is the YAML file that was applied, if any.
	Source string
}

type KeyboardConfig struct {
	QuietPeriod time.Duration
	EvdevDevice string
	EvdevGrab   bool
}

type CameraConfig struct {
	Backend     string
	Command     string
	InputFormat string
	Device      string
	Width       int
	Height      int
	FPS         int
}

type DecodeConfig struct {
	Workers    int
	HalfSample bool
	Formats    []string
}

type FeedConfig struct {
	Addr string
	// AllowedOrigins lists browser origins that may connect. Empty admits
	// same-host and loopback pages only.
	AllowedOrigins []string
	QueueSize      int
}

// fileConfig mirrors Config in the YAML overlay.
type fileConfig struct {
	Keyboard struct {
		QuietMS     *int    `yaml:"quiet_ms"`
		EvdevDevice *string `yaml:"evdev_device"`
		EvdevGrab   *bool   `yaml:"evdev_grab"`
	} `yaml:"keyboard"`
	Camera struct {
		Backend     *string `yaml:"backend"`
		Command     *string `yaml:"command"`
		InputFormat *string `yaml:"input_format"`
		Device      *string `yaml:"device"`
		Width       *int    `yaml:"width"`
		Height      *int    `yaml:"height"`
		FPS         *int    `yaml:"fps"`
	} `yaml:"camera"`
	Decode struct {
		Workers    *int     `yaml:"workers"`
		HalfSample *bool    `yaml:"half_sample"`
		Formats    []string `yaml:"formats"`
	} `yaml:"decode"`
	Feed struct {
		Addr           *string  `yaml:"addr"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		QueueSize      *int     `yaml:"queue_size"`
	} `yaml:"feed"`
	Haptics  *bool   `yaml:"haptics"`
	LogLevel *string `yaml:"log_level"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		Keyboard: KeyboardConfig{
			QuietPeriod: 100 * time.Millisecond,
			EvdevGrab:   true,
		},
		Camera: CameraConfig{
			Backend:     BackendFFMPEG,
			Command:     "ffmpeg",
			InputFormat: "v4l2",
			Device:      "/dev/video0",
			Width:       640,
			Height:      480,
			FPS:         15,
		},
		Decode: DecodeConfig{
			HalfSample: true,
		},
		Feed: FeedConfig{
			Addr:      "127.0.0.1:8765",
			QueueSize: 32,
		},
		Haptics:  true,
		LogLevel: "info",
	}
}

// Load resolves configuration from defaults, an optional YAML file and
// environment variables, in that order of precedence.
func Load() (Config, error) {
	cfg := Defaults()

	path, explicit := configPath()
	if path != "" {
		applied, err := applyFile(&cfg, path)
		if err != nil && (explicit || !errors.Is(err, os.ErrNotExist)) {
			return Config{}, err
		}
		if applied {
			cfg.Source = path
		}
	}

	applyEnv(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func configPath() (string, bool) {
	if path := strings.TrimSpace(os.Getenv("BARLINK_CONFIG_FILE")); path != "" {
		return path, true
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	return firstExisting(
		filepath.Join(home, ".config", "barlink", "config.yaml"),
		filepath.Join(home, ".config", "barlink", "config.yml"),
	), false
}

func applyFile(cfg *Config, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return false, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if v := file.Keyboard.QuietMS; v != nil {
		cfg.Keyboard.QuietPeriod = time.Duration(*v) * time.Millisecond
	}
	setString(&cfg.Keyboard.EvdevDevice, file.Keyboard.EvdevDevice)
	setBool(&cfg.Keyboard.EvdevGrab, file.Keyboard.EvdevGrab)

	setString(&cfg.Camera.Backend, file.Camera.Backend)
	setString(&cfg.Camera.Command, file.Camera.Command)
	setString(&cfg.Camera.InputFormat, file.Camera.InputFormat)
	setString(&cfg.Camera.Device, file.Camera.Device)
	setInt(&cfg.Camera.Width, file.Camera.Width)
	setInt(&cfg.Camera.Height, file.Camera.Height)
	setInt(&cfg.Camera.FPS, file.Camera.FPS)

	setInt(&cfg.Decode.Workers, file.Decode.Workers)
	setBool(&cfg.Decode.HalfSample, file.Decode.HalfSample)
	if len(file.Decode.Formats) > 0 {
		cfg.Decode.Formats = file.Decode.Formats
	}

	setString(&cfg.Feed.Addr, file.Feed.Addr)
	if file.Feed.AllowedOrigins != nil {
		cfg.Feed.AllowedOrigins = file.Feed.AllowedOrigins
	}
	setInt(&cfg.Feed.QueueSize, file.Feed.QueueSize)

	setBool(&cfg.Haptics, file.Haptics)
	setString(&cfg.LogLevel, file.LogLevel)
	return true, nil
}

func applyEnv(cfg *Config) {
	cfg.Keyboard.QuietPeriod = time.Duration(envOrDefaultInt("BARLINK_KEY_QUIET_MS", int(cfg.Keyboard.QuietPeriod/time.Millisecond))) * time.Millisecond
	cfg.Keyboard.EvdevDevice = envOrDefault("BARLINK_EVDEV_DEVICE", cfg.Keyboard.EvdevDevice)
	cfg.Keyboard.EvdevGrab = envOrDefaultBool("BARLINK_EVDEV_GRAB", cfg.Keyboard.EvdevGrab)

	cfg.Camera.Backend = envOrDefault("BARLINK_CAMERA_BACKEND", cfg.Camera.Backend)
	cfg.Camera.Command = envOrDefault("BARLINK_FFMPEG_COMMAND", cfg.Camera.Command)
	cfg.Camera.InputFormat = envOrDefault("BARLINK_CAMERA_INPUT_FORMAT", cfg.Camera.InputFormat)
	cfg.Camera.Device = envOrDefault("BARLINK_CAMERA_DEVICE", cfg.Camera.Device)
	cfg.Camera.Width = envOrDefaultInt("BARLINK_CAMERA_WIDTH", cfg.Camera.Width)
	cfg.Camera.Height = envOrDefaultInt("BARLINK_CAMERA_HEIGHT", cfg.Camera.Height)
	cfg.Camera.FPS = envOrDefaultInt("BARLINK_CAMERA_FPS", cfg.Camera.FPS)

	cfg.Decode.Workers = envOrDefaultInt("BARLINK_DECODE_WORKERS", cfg.Decode.Workers)
	cfg.Decode.HalfSample = envOrDefaultBool("BARLINK_DECODE_HALF_SAMPLE", cfg.Decode.HalfSample)
	cfg.Decode.Formats = envOrDefaultList("BARLINK_DECODE_FORMATS", cfg.Decode.Formats)

	cfg.Feed.Addr = envOrDefault("BARLINK_FEED_ADDR", cfg.Feed.Addr)
	cfg.Feed.AllowedOrigins = envOrDefaultList("BARLINK_FEED_ORIGINS", cfg.Feed.AllowedOrigins)
	cfg.Feed.QueueSize = envOrDefaultInt("BARLINK_FEED_QUEUE", cfg.Feed.QueueSize)

	cfg.Haptics = envOrDefaultBool("BARLINK_HAPTICS", cfg.Haptics)
	cfg.LogLevel = envOrDefault("BARLINK_LOG_LEVEL", cfg.LogLevel)
}

func normalize(cfg *Config) {
	defaults := Defaults()

	if cfg.Keyboard.QuietPeriod <= 0 {
		cfg.Keyboard.QuietPeriod = defaults.Keyboard.QuietPeriod
	}
	switch strings.ToLower(cfg.Camera.Backend) {
	case BackendGStreamer, "gst":
		cfg.Camera.Backend = BackendGStreamer
	default:
		cfg.Camera.Backend = BackendFFMPEG
	}
	if cfg.Camera.Width <= 0 {
		cfg.Camera.Width = defaults.Camera.Width
	}
	if cfg.Camera.Height <= 0 {
		cfg.Camera.Height = defaults.Camera.Height
	}
	if cfg.Camera.FPS <= 0 {
		cfg.Camera.FPS = defaults.Camera.FPS
	}
	if cfg.Decode.Workers < 0 {
		cfg.Decode.Workers = 0
	}
	if cfg.Feed.QueueSize <= 0 {
		cfg.Feed.QueueSize = defaults.Feed.QueueSize
	}
	// "off" disables the feed listener.
	if strings.EqualFold(cfg.Feed.Addr, "off") {
		cfg.Feed.Addr = ""
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envOrDefaultList(key string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
