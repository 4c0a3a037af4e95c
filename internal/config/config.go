// Package config loads the daemon's configuration document: an ordered list
// of upstream agent sockets plus the listener, watcher, and health-check
// settings described in the configuration table of the spec.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the structured configuration document. The zero value is not
// ready to use; call Default or Load.
type Config struct {
	AgentSockPaths      []string `yaml:"agent_sock_paths"`
	ListenPath          string   `yaml:"listen_path"`
	ControlSocketPath   string   `yaml:"control_socket_path"`
	WatchForSSHForward  bool     `yaml:"watch_for_ssh_forward"`
	HealthCheckInterval int      `yaml:"health_check_interval"` // seconds, 0 disables
	LogLevel            string   `yaml:"log_level"`
	LogFile             string   `yaml:"log_file,omitempty"`

	// SourcePath is the file Load read this configuration from, kept for
	// SIGHUP reload; empty when built via Default/finalize directly.
	SourcePath string `yaml:"-"`
}

const envLogLevel = "AGENTMUX_LOG_LEVEL"

// Default returns the configuration's documented defaults, ready to be
// overridden by a loaded document.
func Default() *Config {
	return &Config{
		AgentSockPaths:      nil,
		ListenPath:          "~/.ssh/agentmux.sock",
		HealthCheckInterval: 60,
		LogLevel:            "warn",
	}
}

// Load reads and parses the YAML document at path, expands tilde paths, and
// fills in derived defaults (control_socket_path, log_level env override).
// A missing file is not an error: defaults are used, matching the teacher's
// "config file doesn't exist, use defaults" convention.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.SourcePath = path

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	return finalize(cfg)
}

// finalize expands paths and derives values that depend on other fields.
func finalize(cfg *Config) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil && needsHome(cfg) {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	cfg.ListenPath = expandHome(cfg.ListenPath, home)
	for i, p := range cfg.AgentSockPaths {
		cfg.AgentSockPaths[i] = expandHome(p, home)
	}

	if cfg.ControlSocketPath == "" {
		cfg.ControlSocketPath = deriveControlPath(cfg.ListenPath)
	} else {
		cfg.ControlSocketPath = expandHome(cfg.ControlSocketPath, home)
	}

	if lvl := os.Getenv(envLogLevel); lvl != "" {
		cfg.LogLevel = lvl
	}

	return cfg, nil
}

func needsHome(cfg *Config) bool {
	if strings.HasPrefix(cfg.ListenPath, "~/") || strings.HasPrefix(cfg.ControlSocketPath, "~/") {
		return true
	}
	for _, p := range cfg.AgentSockPaths {
		if strings.HasPrefix(p, "~/") {
			return true
		}
	}
	return false
}

// expandHome expands a leading "~/" against home. Paths without that exact
// prefix (spec.md: "tilde-plus-separator") are returned unchanged.
func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") && home != "" {
		return home + path[1:]
	}
	return path
}

// deriveControlPath replaces listenPath's trailing extension with ".ctl",
// per spec.md's table ("derived from listen_path by replacing the trailing
// extension with .ctl").
func deriveControlPath(listenPath string) string {
	if idx := strings.LastIndex(listenPath, "."); idx >= 0 && idx > strings.LastIndex(listenPath, "/") {
		return listenPath[:idx] + ".ctl"
	}
	return listenPath + ".ctl"
}
