// Package config holds server and runner configuration, loadable from
// a YAML file with flag overrides applied on top.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the forgeci server.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json
	DBPath    string `yaml:"db_path"`    // SQLite database path (":memory:" for testing)

	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// SchedulerConfig holds scheduling policy knobs. Decoding goes through
// UnmarshalYAML so durations can be written as strings ("30s").
type SchedulerConfig struct {
	SweepInterval   time.Duration // background sweep period
	LeaseTTL        time.Duration // task lease lifetime
	HeartbeatWindow time.Duration // runner liveness window
	MaxAttempts     int           // runner-lost retry budget
}

// UnmarshalYAML accepts durations as strings ("30s", "2m"); absent keys
// keep the values already present (the defaults).
func (c *SchedulerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		SweepInterval   string `yaml:"sweep_interval"`
		LeaseTTL        string `yaml:"lease_ttl"`
		HeartbeatWindow string `yaml:"heartbeat_window"`
		MaxAttempts     *int   `yaml:"max_attempts"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	for _, d := range []struct {
		key string
		src string
		dst *time.Duration
	}{
		{"sweep_interval", raw.SweepInterval, &c.SweepInterval},
		{"lease_ttl", raw.LeaseTTL, &c.LeaseTTL},
		{"heartbeat_window", raw.HeartbeatWindow, &c.HeartbeatWindow},
	} {
		if d.src == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	if raw.MaxAttempts != nil {
		c.MaxAttempts = *raw.MaxAttempts
	}
	return nil
}

// RunnerConfig holds configuration for the runner agent. Decoding goes
// through UnmarshalYAML so the interval fields accept duration strings.
type RunnerConfig struct {
	ServerURL         string        // forgeci server base URL
	Name              string        // runner display name
	Labels            []string      // capability labels
	RepoID            string        // repository scope (optional)
	OwnerID           string        // owner scope (optional)
	Capacity          int           // concurrent task slots
	Ephemeral         bool          // retire after one task
	WorkDir           string        // step execution directory
	PollInterval      time.Duration // lease poll fallback period
	HeartbeatInterval time.Duration // heartbeat period
	LogLevel          string
	LogFormat         string
}

// UnmarshalYAML merges the file's keys over whatever is already set.
func (c *RunnerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ServerURL         *string  `yaml:"server_url"`
		Name              *string  `yaml:"name"`
		Labels            []string `yaml:"labels"`
		RepoID            *string  `yaml:"repo_id"`
		OwnerID           *string  `yaml:"owner_id"`
		Capacity          *int     `yaml:"capacity"`
		Ephemeral         *bool    `yaml:"ephemeral"`
		WorkDir           *string  `yaml:"work_dir"`
		PollInterval      string   `yaml:"poll_interval"`
		HeartbeatInterval string   `yaml:"heartbeat_interval"`
		LogLevel          *string  `yaml:"log_level"`
		LogFormat         *string  `yaml:"log_format"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&c.ServerURL, raw.ServerURL)
	setString(&c.Name, raw.Name)
	setString(&c.RepoID, raw.RepoID)
	setString(&c.OwnerID, raw.OwnerID)
	setString(&c.WorkDir, raw.WorkDir)
	setString(&c.LogLevel, raw.LogLevel)
	setString(&c.LogFormat, raw.LogFormat)
	if raw.Labels != nil {
		c.Labels = raw.Labels
	}
	if raw.Capacity != nil {
		c.Capacity = *raw.Capacity
	}
	if raw.Ephemeral != nil {
		c.Ephemeral = *raw.Ephemeral
	}
	for _, d := range []struct {
		key string
		src string
		dst *time.Duration
	}{
		{"poll_interval", raw.PollInterval, &c.PollInterval},
		{"heartbeat_interval", raw.HeartbeatInterval, &c.HeartbeatInterval},
	} {
		if d.src == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		Scheduler: SchedulerConfig{
			SweepInterval:   2 * time.Second,
			LeaseTTL:        60 * time.Second,
			HeartbeatWindow: 90 * time.Second,
			MaxAttempts:     3,
		},
	}
}

// DefaultRunnerConfig returns sensible defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		ServerURL:         "http://localhost:8080",
		Capacity:          1,
		PollInterval:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// LoadServerConfig reads a YAML config file over the defaults. A
// missing path returns the defaults unchanged.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadRunnerConfig reads a YAML runner config file over the defaults.
func LoadRunnerConfig(path string) (RunnerConfig, error) {
	cfg := DefaultRunnerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
