// Package config loads the agent's bootstrap configuration: where the
// collector lives, where local state is kept, and how the loops are paced.
// Durable identity and credentials live in the encrypted credstore, not here.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

type AgentConfig struct {
	Server  ServerConfig  `yaml:"server"`
	State   StateConfig   `yaml:"state"`
	Polling PollingConfig `yaml:"polling"`
	Native  NativeConfig  `yaml:"native"`
	Logging LoggingConfig `yaml:"logging"`
	Version string        `yaml:"version"`
}

type ServerConfig struct {
	URL             string `yaml:"url"`
	RequestTimeout  int    `yaml:"request_timeout_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_attempts"`
}

type StateConfig struct {
	ConfigPath    string `yaml:"config_path"`
	KeyPath       string `yaml:"key_path"`
	BootstrapPath string `yaml:"bootstrap_path"`
	PolicyCache   string `yaml:"policy_cache_path"`
	UpdateDir     string `yaml:"update_dir"`
}

type PollingConfig struct {
	CommandIntervalS int `yaml:"command_interval_s"`
	PolicyIntervalS  int `yaml:"policy_interval_s"`
	UpdateIntervalS  int `yaml:"update_interval_s"`
}

type NativeConfig struct {
	Listen string `yaml:"listen"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *AgentConfig {
	stateDir := defaultStateDir()
	return &AgentConfig{
		Server: ServerConfig{
			URL:             "https://localhost:8443",
			RequestTimeout:  10,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 5,
		},
		State: StateConfig{
			ConfigPath:    filepath.Join(stateDir, "agent_config.enc"),
			KeyPath:       filepath.Join(stateDir, "agent.key"),
			BootstrapPath: filepath.Join(stateDir, "agent_config.json"),
			PolicyCache:   filepath.Join(stateDir, "policy_cache.json"),
			UpdateDir:     filepath.Join(stateDir, "updates"),
		},
		Polling: PollingConfig{
			CommandIntervalS: 10,
			PolicyIntervalS:  3600,
			UpdateIntervalS:  3600,
		},
		Native: NativeConfig{
			Listen: "127.0.0.1:7010",
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
		Version: "1.0.0",
	}
}

func defaultStateDir() string {
	if dir := os.Getenv("WARDEN_STATE_DIR"); dir != "" {
		return dir
	}
	return "/var/lib/warden"
}

// Load reads config from file with env var overrides. A missing file is not
// an error; defaults apply.
func Load(path string) (*AgentConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if url := os.Getenv("WARDEN_SERVER_URL"); url != "" {
		cfg.Server.URL = url
	}
	if level := os.Getenv("WARDEN_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if interval := os.Getenv("WARDEN_COMMAND_INTERVAL_S"); interval != "" {
		if n, err := strconv.Atoi(interval); err == nil && n > 0 {
			cfg.Polling.CommandIntervalS = n
		}
	}

	return cfg, nil
}

func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 10
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs <= 0 {
		c.Server.RetryMaxMs = 5000
	}
	if c.Server.RetryMaxRetries < 0 {
		c.Server.RetryMaxRetries = 5
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	if c.Polling.CommandIntervalS <= 0 {
		c.Polling.CommandIntervalS = 10
	}
	if c.Polling.PolicyIntervalS <= 0 {
		c.Polling.PolicyIntervalS = 3600
	}
	if c.Polling.UpdateIntervalS <= 0 {
		c.Polling.UpdateIntervalS = 3600
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	return nil
}

var ErrMissingServerURL = &Error{"server URL is required"}

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
