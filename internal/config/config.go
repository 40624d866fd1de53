// Package config loads and watches the YAML daemon configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Debug     DebugConfig     `yaml:"debug"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"`
}

type StorageConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout,omitempty"` // Go duration string
}

// SchedulerConfig controls trigger evaluation and dispatch.
//
// All durations are Go duration strings (e.g. "500ms", "5s").
//
// Defaults (when fields are omitted/zero):
//   - dispatch_workers: 4
//   - publish_rate: 10 (publishes/sec; 0 disables the limiter)
//   - publish_timeout: "5s"
type SchedulerConfig struct {
	Timezone        string `yaml:"timezone,omitempty"`
	DispatchWorkers int    `yaml:"dispatch_workers,omitempty"`
	PublishRate     int    `yaml:"publish_rate,omitempty"`
	PublishTimeout  string `yaml:"publish_timeout,omitempty"`
}

// DebugConfig controls the optional pprof/metrics HTTP server.
// Prefer binding to localhost.
type DebugConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr,omitempty"`
}

func Default() *Config {
	return &Config{
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{Path: "./homehub.db", BusyTimeout: "5s"},
		Scheduler: SchedulerConfig{
			DispatchWorkers: 4,
			PublishRate:     10,
			PublishTimeout:  "5s",
		},
		Debug: DebugConfig{Addr: "127.0.0.1:6060"},
	}
}

// Load reads, decodes and validates the config at path.
// Unknown keys are rejected so typos fail loudly instead of being ignored.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	// io.EOF means an empty document; that yields pure defaults.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.publish_timeout", c.Scheduler.PublishTimeout); err != nil {
		return err
	}
	if c.Scheduler.DispatchWorkers < 0 {
		return errors.New("scheduler.dispatch_workers must be >= 0")
	}
	if c.Scheduler.PublishRate < 0 {
		return errors.New("scheduler.publish_rate must be >= 0")
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if c.Debug.Enabled && strings.TrimSpace(c.Debug.Addr) == "" {
		return errors.New("debug.addr is required when debug.enabled")
	}
	return nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
