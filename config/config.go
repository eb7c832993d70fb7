// Package config loads the dictation settings. Values are layered: defaults,
// then the YAML file, then environment variables (a .env file in the working
// directory is loaded into the environment first).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/d1nch8g/dictation/ptt"
)

// Config represents the complete configuration
type Config struct {
	Audio   AudioConfig   `yaml:"audio"   envPrefix:"AUDIO_"`
	VAD     VADConfig     `yaml:"vad"     envPrefix:"VAD_"`
	Hotkey  HotkeyConfig  `yaml:"hotkey"  envPrefix:"HOTKEY_"`
	Cues    CuesConfig    `yaml:"cues"    envPrefix:"CUES_"`
	STT     STTConfig     `yaml:"stt"`
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
}

// AudioConfig selects the capture device and recording format
type AudioConfig struct {
	Backend         string `yaml:"backend"           env:"BACKEND"`
	Device          string `yaml:"device"            env:"DEVICE"`
	SampleRate      int    `yaml:"sample_rate"       env:"SAMPLE_RATE"`
	FramesPerBuffer int    `yaml:"frames_per_buffer" env:"FRAMES_PER_BUFFER"`
	Channels        int    `yaml:"channels"          env:"CHANNELS"`
	RecordingsDir   string `yaml:"recordings_dir"    env:"RECORDINGS_DIR"`
	KeepRecordings  bool   `yaml:"keep_recordings"   env:"KEEP_RECORDINGS"`
}

// VADConfig contains the voice activity gate settings
type VADConfig struct {
	Enabled            bool          `yaml:"enabled"              env:"ENABLED"`
	Threshold          float32       `yaml:"threshold"            env:"THRESHOLD"`
	LevelThreshold     float32       `yaml:"level_threshold"      env:"LEVEL_THRESHOLD"`
	SilenceDuration    time.Duration `yaml:"silence_duration"     env:"SILENCE_DURATION"`
	MinRecording       time.Duration `yaml:"min_recording"        env:"MIN_RECORDING"`
	TrimLeadingSilence bool          `yaml:"trim_leading_silence" env:"TRIM_LEADING_SILENCE"`
	PreRoll            time.Duration `yaml:"pre_roll"             env:"PRE_ROLL"`
}

// HotkeyConfig holds the push-to-talk binding
type HotkeyConfig struct {
	Binding string `yaml:"binding" env:"BINDING"`
	Mode    string `yaml:"mode"    env:"MODE"`
}

// CuesConfig holds paths to the MP3 cues. Empty disables a cue.
type CuesConfig struct {
	Start string `yaml:"start" env:"START"`
	Stop  string `yaml:"stop"  env:"STOP"`
}

// STTConfig contains the transcription service credentials. Without a token
// recordings are kept on disk and their path is the result.
type STTConfig struct {
	IamToken string        `yaml:"iam_token" env:"IAM_TOKEN"`
	FolderID string        `yaml:"folder_id" env:"FOLDER_ID"`
	Language string        `yaml:"language"  env:"LANGUAGE"`
	Endpoint string        `yaml:"endpoint"  env:"STT_ENDPOINT"`
	Timeout  time.Duration `yaml:"timeout"   env:"STT_TIMEOUT"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"  env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig holds the Prometheus listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			Backend:         "portaudio",
			SampleRate:      16000,
			FramesPerBuffer: 512,
			Channels:        1,
			RecordingsDir:   os.TempDir(),
		},
		VAD: VADConfig{
			Enabled:            true,
			Threshold:          0.5,
			LevelThreshold:     0.02,
			SilenceDuration:    1500 * time.Millisecond,
			MinRecording:       500 * time.Millisecond,
			TrimLeadingSilence: true,
			PreRoll:            250 * time.Millisecond,
		},
		Hotkey: HotkeyConfig{
			Binding: "ctrl+alt+space",
			Mode:    "toggle",
		},
		STT: STTConfig{
			Language: "en-US",
			Endpoint: "stt.api.cloud.yandex.net:443",
			Timeout:  60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// Validate checks every section
func (c *Config) Validate() error {
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}
	if err := c.Hotkey.Validate(); err != nil {
		return fmt.Errorf("hotkey config: %w", err)
	}
	if err := c.STT.Validate(); err != nil {
		return fmt.Errorf("stt config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	switch strings.ToLower(a.Backend) {
	case "portaudio", "miniaudio", "malgo":
	default:
		return fmt.Errorf("backend must be portaudio or miniaudio, got %q", a.Backend)
	}
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000, got %d", a.SampleRate)
	}
	if a.FramesPerBuffer < 64 {
		return fmt.Errorf("frames_per_buffer must be at least 64, got %d", a.FramesPerBuffer)
	}
	if a.Channels < 1 || a.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", a.Channels)
	}
	return nil
}

func (v *VADConfig) Validate() error {
	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %v", v.Threshold)
	}
	if v.LevelThreshold < 0 || v.LevelThreshold > 1 {
		return fmt.Errorf("level_threshold must be between 0 and 1, got %v", v.LevelThreshold)
	}
	if v.SilenceDuration <= 0 {
		return fmt.Errorf("silence_duration must be positive, got %v", v.SilenceDuration)
	}
	if v.MinRecording < 0 {
		return fmt.Errorf("min_recording cannot be negative, got %v", v.MinRecording)
	}
	if v.PreRoll < 0 {
		return fmt.Errorf("pre_roll cannot be negative, got %v", v.PreRoll)
	}
	return nil
}

func (h *HotkeyConfig) Validate() error {
	if _, err := ptt.ParseBinding(h.Binding); err != nil {
		return fmt.Errorf("binding: %w", err)
	}
	if _, err := ptt.ParseMode(h.Mode); err != nil {
		return fmt.Errorf("mode: %w", err)
	}
	return nil
}

func (s *STTConfig) Validate() error {
	if s.IamToken != "" && s.FolderID == "" {
		return errors.New("folder_id is required when iam_token is set")
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", s.Timeout)
	}
	return nil
}

// Enabled reports whether transcription credentials are configured.
func (s *STTConfig) Enabled() bool {
	return s.IamToken != "" && s.FolderID != ""
}

func (l *LoggingConfig) Validate() error {
	if _, err := l.SlogLevel(); err != nil {
		return err
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("format must be text or json, got %q", l.Format)
	}
	return nil
}

// SlogLevel parses Level.
func (l *LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid level %q: %w", l.Level, err)
	}
	return level, nil
}
