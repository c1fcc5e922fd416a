package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the optional YAML configuration named by CONFIG_FILE.
type File struct {
	Addr      string  `yaml:"addr"`
	LogLevel  string  `yaml:"log_level"`
	LogFormat string  `yaml:"log_format"`
	Stream    Profile `yaml:"stream"`

	// StreamRetention is how long an ended stream stays queryable.
	StreamRetention time.Duration `yaml:"stream_retention"`
}

// Profile holds the settings every stream window is opened with.
type Profile struct {
	BitrateKbps         float64 `yaml:"bitrate_kbps"`
	Durations           bool    `yaml:"durations"`
	QueueLimit          int     `yaml:"queue_limit"`
	MaxMessageSize      int     `yaml:"max_message_size"`
	MaxInitMessageSize  int     `yaml:"max_init_message_size"`
	MaxChunksPerMessage int     `yaml:"max_chunks_per_message"`
	PullRatePerSec      float64 `yaml:"pull_rate_per_sec"`
	PullBurst           int     `yaml:"pull_burst"`
}

// DefaultStreamRetention applies when stream_retention is not set.
const DefaultStreamRetention = 5 * time.Minute

// DefaultProfile is used when neither the file nor the environment set a value.
func DefaultProfile() Profile {
	return Profile{
		BitrateKbps:         256,
		QueueLimit:          4096,
		MaxMessageSize:      16384,
		MaxInitMessageSize:  65536,
		MaxChunksPerMessage: 1024,
		PullRatePerSec:      50,
		PullBurst:           100,
	}
}

// LoadFile reads a YAML config. Fields missing from the file keep the
// DefaultProfile values.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}

	cfg := File{Stream: DefaultProfile(), StreamRetention: DefaultStreamRetention}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return File{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Stream.check(); err != nil {
		return File{}, err
	}
	if cfg.StreamRetention < 0 {
		return File{}, fmt.Errorf("stream_retention must not be negative")
	}
	return cfg, nil
}

// WithEnv returns p with any STREAM_* / PULL_* environment variables applied
// on top.
func (p Profile) WithEnv() Profile {
	p.BitrateKbps = GetEnvFloat("STREAM_BITRATE_KBPS", p.BitrateKbps)
	p.Durations = GetEnvBool("STREAM_DURATIONS", p.Durations)
	p.QueueLimit = GetEnvInt("STREAM_QUEUE_LIMIT", p.QueueLimit)
	p.MaxMessageSize = GetEnvInt("STREAM_MAX_MESSAGE_SIZE", p.MaxMessageSize)
	p.MaxInitMessageSize = GetEnvInt("STREAM_MAX_INIT_MESSAGE_SIZE", p.MaxInitMessageSize)
	p.MaxChunksPerMessage = GetEnvInt("STREAM_MAX_CHUNKS_PER_MESSAGE", p.MaxChunksPerMessage)
	p.PullRatePerSec = GetEnvFloat("PULL_RATE_PER_SEC", p.PullRatePerSec)
	p.PullBurst = GetEnvInt("PULL_BURST", p.PullBurst)
	return p
}

func (p Profile) check() error {
	switch {
	case p.QueueLimit < 0:
		return fmt.Errorf("stream.queue_limit must not be negative")
	case p.MaxMessageSize < 0, p.MaxInitMessageSize < 0, p.MaxChunksPerMessage < 0:
		return fmt.Errorf("stream message limits must not be negative")
	case p.PullRatePerSec < 0 || p.PullBurst < 0:
		return fmt.Errorf("stream pull limits must not be negative")
	}
	return nil
}
