package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted by Discover.
const EnvConfigPath = "DUMPSYS_CONFIG"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, expands and validates the configuration at configPath. A
// directory is accepted and means <dir>/config.yaml. If a .checksums sidecar
// exists next to the file, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := VerifyChecksums(absPath); err != nil && !errors.Is(err, ErrNoChecksums) {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse decodes YAML on top of Defaults, expanding ${VAR} references first.
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Services == nil {
		cfg.Services = make(map[string]ServiceConf)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// expandEnv replaces ${VAR} with its value. Unset variables are an error so
// a missing secret never silently becomes an empty token.
func expandEnv(s string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("undefined environment variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Validate checks cross-field constraints.
func Validate(cfg *Config) error {
	if cfg.Hub.GracePeriod < 0 {
		return fmt.Errorf("hub.grace_period must not be negative")
	}
	if cfg.Hub.PollInterval <= 0 {
		return fmt.Errorf("hub.poll_interval must be positive")
	}
	if cfg.Worker.QueueSize < 0 {
		return fmt.Errorf("worker.queue_size must not be negative")
	}
	if cfg.History.Enabled && cfg.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}
	if cfg.History.Retention < 0 {
		return fmt.Errorf("history.retention must not be negative")
	}
	for i, tok := range cfg.API.Tokens {
		if tok.Token == "" {
			return fmt.Errorf("api.tokens[%d]: token is empty", i)
		}
	}

	for _, name := range cfg.ServiceNames() {
		svc := cfg.Services[name]
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("services: empty service name")
		}
		if svc.Command == "" {
			return fmt.Errorf("services.%s: command is required", name)
		}
		if svc.Timeout < 0 {
			return fmt.Errorf("services.%s: timeout must not be negative", name)
		}
	}
	return nil
}

// ServiceNames returns the configured service names, sorted.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Discover finds the config file. Priority: explicit path, $DUMPSYS_CONFIG,
// ~/.config/dumpsys/config.yaml, ./config.yaml. An empty result with a nil
// error means no config exists and Defaults should be used.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("$%s points to missing config: %s", EnvConfigPath, p)
		}
		return p, nil
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "dumpsys", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml", nil
	}
	return "", nil
}

// LoadOrDefault loads the discovered config, or returns Defaults when none exists.
func LoadOrDefault(explicit string) (*Config, error) {
	path, err := Discover(explicit)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return Defaults(), nil
	}
	return Load(path)
}
