// Package config loads the orchestrator's TOML configuration: per-platform
// server lists, step lists, project-generator defaults, clean/backup paths.
// This is the one piece of the ambient stack the core treats as an external
// collaborator (spec.md §1), but the contract lives here so app wiring and
// the read-only config HTTP views (spec.md §6) have something concrete to
// call.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/ccjuuc/chromium-tool/internal/domain"
)

type CleanPaths struct {
	Path    []string `toml:"path"`
	OutPath []string `toml:"out_path"`
}

type PlatformConfig struct {
	Capability domain.PlatformCapability `toml:"capability"`
	Servers    []string                  `toml:"servers"`
	Steps      map[string][]domain.Step  `toml:"steps"` // keyed by architecture, "" = default
	CleanPaths CleanPaths                `toml:"clean_paths"`
	BuildArgs  []string                  `toml:"build_args"`
}

type Config struct {
	ListenAddr string                    `toml:"listen_addr"`
	LogDir     string                    `toml:"log_dir"`
	BackupRoot string                    `toml:"backup_root"`
	SourceRoot string                    `toml:"source_root"`
	Branches   []string                  `toml:"branches"`
	CustomArgs []string                  `toml:"custom_args"`
	Platforms  map[string]PlatformConfig `toml:"platforms"`
}

// Load parses a TOML file at path into a Config. Missing optional sections
// decode to their zero value, and the top-level defaults (listen address,
// log/backup/source directories, empty platform map) are then applied.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnvOrDefault reads CONFIG_PATH (default "config.toml" in the
// working directory per spec.md §6) and falls back to an empty, defaulted
// Config if the file does not exist — useful for tests and for first boot
// before an operator has supplied one.
func LoadFromEnvOrDefault() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.toml"
	}
	if _, err := os.Stat(path); err != nil {
		cfg := &Config{}
		cfg.applyDefaults()
		return cfg, nil
	}
	return Load(path)
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:3000"
	}
	if c.LogDir == "" {
		c.LogDir = "./logs"
	}
	if c.BackupRoot == "" {
		c.BackupRoot = "./backups"
	}
	if c.SourceRoot == "" {
		c.SourceRoot = "./src"
	}
	if c.Platforms == nil {
		c.Platforms = map[string]PlatformConfig{}
	}
}

// StepsFor returns the configured step list for a platform/architecture,
// falling back to the platform's default ("") list when no arch-specific
// override exists.
func (c *Config) StepsFor(platform, arch string) []domain.Step {
	pc, ok := c.Platforms[platform]
	if !ok {
		return nil
	}
	if steps, ok := pc.Steps[arch]; ok {
		return steps
	}
	return pc.Steps[""]
}

// Capability returns the platform capability record, or the zero value if
// unconfigured.
func (c *Config) Capability(platform string) domain.PlatformCapability {
	return c.Platforms[platform].Capability
}

// Servers returns every server name configured across all platforms, for
// the read-only /server_list view.
func (c *Config) Servers() []string {
	seen := map[string]bool{}
	var out []string
	for _, pc := range c.Platforms {
		for _, s := range pc.Servers {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
