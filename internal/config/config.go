// Package config loads pipekit settings from a YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/pipekit/internal/datastore"
	"github.com/me/pipekit/internal/orchestrator"
)

// Environment overrides.
const (
	EnvServer           = "PIPEKIT_SERVER"
	EnvForceArchiveCopy = "PIPEKIT_FORCE_ARCHIVE_COPY"
	EnvWorkDir          = "PIPEKIT_WORKDIR"
)

// DefaultServerURL is where the CLI looks for a pipekit server.
const DefaultServerURL = "http://localhost:8080"

// ServerConfig holds configuration for the pipekit server.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json
	DBPath    string `yaml:"db_path"`    // SQLite database path (default ~/.pipekit/pipekit.db, ":memory:" for testing)

	Local      LocalRunConfig   `yaml:"local"`
	Datastores datastore.Config `yaml:"datastores"`
}

// LocalRunConfig configures runs executed on this machine.
type LocalRunConfig struct {
	WorkDir          string        `yaml:"work_dir"`
	MaxWorkers       int           `yaml:"max_workers"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	Timeout          time.Duration `yaml:"timeout"`
	ForceArchiveCopy bool          `yaml:"force_archive_copy"`
}

// ClientConfig holds configuration for the CLI.
type ClientConfig struct {
	Server       string        `yaml:"server"`
	PollInterval time.Duration `yaml:"poll_interval"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`

	Local      LocalRunConfig   `yaml:"local"`
	Datastores datastore.Config `yaml:"datastores"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		DBPath:    defaultDBPath(),
		Local:     DefaultLocalRunConfig(),
	}
}

// DefaultLocalRunConfig returns the defaults for local runs.
func DefaultLocalRunConfig() LocalRunConfig {
	return LocalRunConfig{
		WorkDir:     filepath.Join(os.TempDir(), "pipekit-runs"),
		MaxWorkers:  min(runtime.NumCPU(), 8),
		GracePeriod: 10 * time.Second,
	}
}

// DefaultClientConfig returns the CLI defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Server:       DefaultServerURL,
		PollInterval: 5 * time.Second,
		LogLevel:     "warn",
		LogFormat:    "text",
		Local:        DefaultLocalRunConfig(),
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "pipekit.db"
	}
	return filepath.Join(home, ".pipekit", "pipekit.db")
}

// DefaultClientConfigPath returns ~/.pipekit/config.yaml.
func DefaultClientConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pipekit", "config.yaml")
}

// LoadServer reads a server config file over the defaults and applies the
// environment. An empty path skips the file.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadFile(path, &cfg, true); err != nil {
		return cfg, err
	}
	cfg.Local.ApplyEnv(os.Getenv)
	return cfg, nil
}

// LoadClient reads a client config file over the defaults and applies the
// environment. A missing file at the default location is not an error.
func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	required := path != ""
	if path == "" {
		path = DefaultClientConfigPath()
	}
	if err := loadFile(path, &cfg, required); err != nil {
		return cfg, err
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

func loadFile(path string, out any, required bool) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from PIPEKIT_* variables.
func (c *ClientConfig) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvServer)); v != "" {
		c.Server = v
	}
	c.Local.ApplyEnv(getenv)
}

// ApplyEnv overrides fields from PIPEKIT_* variables.
func (c *LocalRunConfig) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvWorkDir)); v != "" {
		c.WorkDir = v
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(getenv(EnvForceArchiveCopy))); err == nil {
		c.ForceArchiveCopy = v
	}
}

// Orchestrator converts the settings into an orchestrator configuration.
func (c LocalRunConfig) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		MaxWorkers:       c.MaxWorkers,
		WorkDir:          c.WorkDir,
		GracePeriod:      c.GracePeriod,
		Timeout:          c.Timeout,
		ForceArchiveCopy: c.ForceArchiveCopy,
	}
}
