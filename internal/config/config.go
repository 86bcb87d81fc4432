package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agentctl daemon's configuration: where its store lives,
// how it reaches GitHub/Linear, and how aggressively its background
// loops poll.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	GitHub  GitHubConfig  `yaml:"github"`
	Linear  LinearConfig  `yaml:"linear"`
	Git     GitConfig     `yaml:"git"`
	Journal JournalConfig `yaml:"journal"`
	Scope   ScopeConfig   `yaml:"scope"`
	Log     LogConfig     `yaml:"log"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type GitHubConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Token        string        `yaml:"token"`
	TokenEnvVar  string        `yaml:"token_env_var"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// BranchStrategy is one of pinned-only | current-only | pinned-then-current.
	BranchStrategy string `yaml:"branch_strategy"`
}

type LinearConfig struct {
	Enabled     bool   `yaml:"enabled"`
	APIKey      string `yaml:"api_key"`
	TokenEnvVar string `yaml:"token_env_var"`
}

type GitConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	StatusCache  CacheConfig   `yaml:"status_cache"`
}

type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

type JournalConfig struct {
	// Retention bounds the in-memory observed-event journal. 0 means
	// keep the source's unbounded behavior (see DESIGN.md open question 3).
	Retention int `yaml:"retention"`
}

type ScopeConfig struct {
	DefaultTenantID    string `yaml:"default_tenant_id"`
	DefaultUserID      string `yaml:"default_user_id"`
	DefaultWorkspaceID string `yaml:"default_workspace_id"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

func DefaultConfig() *Config {
	return &Config{
		GitHub: GitHubConfig{
			Enabled:        true,
			TokenEnvVar:    "GITHUB_TOKEN",
			PollInterval:   2 * time.Minute,
			BranchStrategy: "pinned-then-current",
		},
		Linear: LinearConfig{
			Enabled:     true,
			TokenEnvVar: "LINEAR_API_KEY",
		},
		Git: GitConfig{
			PollInterval: 30 * time.Second,
			StatusCache: CacheConfig{
				TTL:        60 * time.Second,
				MaxEntries: 10000,
			},
		},
		Journal: JournalConfig{
			Retention: 50000,
		},
		Scope: ScopeConfig{
			DefaultTenantID:    "tenant-local",
			DefaultUserID:      "user-local",
			DefaultWorkspaceID: "workspace-local",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup
// function. This allows tests to provide isolated environment values.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPathWithEnv(getenv)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultDBPath(getenv)
	}

	// Environment variables override the config file.
	if token := getenv(cfg.GitHub.TokenEnvVar); token != "" {
		cfg.GitHub.Token = token
	}
	if key := getenv(cfg.Linear.TokenEnvVar); key != "" {
		cfg.Linear.APIKey = key
	}

	return cfg, nil
}

// ResolveGitHubToken implements the resolution order from spec §6:
// configured token, then the token env var, then `gh auth token`.
func (c *Config) ResolveGitHubToken(getenv func(string) string, ghAuthToken func() (string, error)) (string, error) {
	if c.GitHub.Token != "" {
		return c.GitHub.Token, nil
	}
	if v := getenv(c.GitHub.TokenEnvVar); v != "" {
		return v, nil
	}
	if ghAuthToken != nil {
		if tok, err := ghAuthToken(); err == nil && tok != "" {
			return tok, nil
		}
	}
	return "", nil
}

func getConfigPath() string {
	return getConfigPathWithEnv(os.Getenv)
}

func getConfigPathWithEnv(getenv func(string) string) string {
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "agentctl", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agentctl", "config.yaml")
}

// DefaultDBPath mirrors getConfigPathWithEnv's XDG discipline for the
// sqlite store file.
func DefaultDBPath(getenv func(string) string) string {
	if xdgData := getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "agentctl", "control.db")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "agentctl", "control.db")
}
