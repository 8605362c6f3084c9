package config

import "time"

// Config represents the complete dumpsys configuration.
type Config struct {
	Service  ServiceConfig          `yaml:"service"`
	Hub      HubConfig              `yaml:"hub"`
	Worker   WorkerConfig           `yaml:"worker"`
	History  HistoryConfig          `yaml:"history"`
	API      APIConfig              `yaml:"api,omitempty"`
	Services map[string]ServiceConf `yaml:"services"`

	// SourcePath is the absolute path the config was loaded from, if any.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	// LockPath is held by `dumpsys serve` so only one server owns the data dir.
	LockPath string `yaml:"lock_path"`
}

// HubConfig controls name resolution.
type HubConfig struct {
	GracePeriod  time.Duration `yaml:"grace_period"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// WorkerConfig controls the dump worker queue.
type WorkerConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// HistoryConfig defines the dump audit log.
type HistoryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// APIKey is a single bearer token with full access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// ServiceConf describes one dumpable service backed by a command. Dump
// arguments are appended to Args.
type ServiceConf struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "dumpsys",
			LogLevel: "info",
			LockPath: "./data/dumpsys.lock",
		},
		Hub: HubConfig{
			GracePeriod:  5 * time.Second,
			PollInterval: 100 * time.Millisecond,
		},
		Worker: WorkerConfig{
			QueueSize: 16,
		},
		History: HistoryConfig{
			Enabled:   false,
			Path:      "./data/history.db",
			Retention: 7 * 24 * time.Hour,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8086",
		},
		Services: make(map[string]ServiceConf),
	}
}
