package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// mockEnv creates an environment lookup function from a map.
func mockEnv(env map[string]string) func(string) string {
	return func(key string) string {
		return env[key]
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}
	if cfg.Git.StatusCache.TTL != 60*time.Second {
		t.Errorf("DefaultConfig() Git.StatusCache.TTL = %v, want %v", cfg.Git.StatusCache.TTL, 60*time.Second)
	}
	if cfg.Git.StatusCache.MaxEntries != 10000 {
		t.Errorf("DefaultConfig() Git.StatusCache.MaxEntries = %d, want 10000", cfg.Git.StatusCache.MaxEntries)
	}
	if cfg.GitHub.BranchStrategy != "pinned-then-current" {
		t.Errorf("DefaultConfig() GitHub.BranchStrategy = %q, want pinned-then-current", cfg.GitHub.BranchStrategy)
	}
	if cfg.Journal.Retention != 50000 {
		t.Errorf("DefaultConfig() Journal.Retention = %d, want 50000", cfg.Journal.Retention)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("DefaultConfig() Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.GitHub.Token != "" {
		t.Errorf("DefaultConfig() GitHub.Token should be empty, got %q", cfg.GitHub.Token)
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "agentctl")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `
github:
  enabled: true
  branch_strategy: current-only
git:
  status_cache:
    ttl: 120s
    max_entries: 5000
log:
  level: debug
  file: /var/log/agentctl.log
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.GitHub.BranchStrategy != "current-only" {
		t.Errorf("LoadWithEnv() GitHub.BranchStrategy = %q, want current-only", cfg.GitHub.BranchStrategy)
	}
	if cfg.Git.StatusCache.TTL != 120*time.Second {
		t.Errorf("LoadWithEnv() Git.StatusCache.TTL = %v, want %v", cfg.Git.StatusCache.TTL, 120*time.Second)
	}
	if cfg.Git.StatusCache.MaxEntries != 5000 {
		t.Errorf("LoadWithEnv() Git.StatusCache.MaxEntries = %d, want 5000", cfg.Git.StatusCache.MaxEntries)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("LoadWithEnv() Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.File != "/var/log/agentctl.log" {
		t.Errorf("LoadWithEnv() Log.File = %q, want %q", cfg.Log.File, "/var/log/agentctl.log")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "agentctl")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `github:
  token: file_token
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
		"GITHUB_TOKEN":    "env_token",
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.GitHub.Token != "env_token" {
		t.Errorf("LoadWithEnv() GitHub.Token = %q, want %q (env override)", cfg.GitHub.Token, "env_token")
	}
}

func TestLoadNoConfigFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.Git.StatusCache.TTL != 60*time.Second {
		t.Errorf("LoadWithEnv() without file should use default status cache TTL, got %v", cfg.Git.StatusCache.TTL)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("LoadWithEnv() without file should use default Log.Level, got %q", cfg.Log.Level)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "agentctl")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	invalidContent := `
github: [this is invalid yaml
git:
  status_cache:
    ttl: not a duration
`
	if err := os.WriteFile(configPath, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	_, err := LoadWithEnv(env)
	if err == nil {
		t.Error("LoadWithEnv() with invalid YAML should return error")
	}
}

func TestGetConfigPathXDG(t *testing.T) {
	t.Parallel()
	tmpDir := "/custom/config/path"

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	path := getConfigPathWithEnv(env)
	expected := filepath.Join(tmpDir, "agentctl", "config.yaml")
	if path != expected {
		t.Errorf("getConfigPathWithEnv() = %q, want %q", path, expected)
	}
}

func TestGetConfigPathFallback(t *testing.T) {
	t.Parallel()
	env := mockEnv(map[string]string{})

	path := getConfigPathWithEnv(env)
	home, _ := os.UserHomeDir()
	expected := filepath.Join(home, ".config", "agentctl", "config.yaml")
	if path != expected {
		t.Errorf("getConfigPathWithEnv() = %q, want %q", path, expected)
	}
}

func TestResolveGitHubTokenPrecedence(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.GitHub.Token = "configured"

	tok, err := cfg.ResolveGitHubToken(mockEnv(map[string]string{"GITHUB_TOKEN": "env"}), func() (string, error) {
		return "gh-cli", nil
	})
	if err != nil {
		t.Fatalf("ResolveGitHubToken() error: %v", err)
	}
	if tok != "configured" {
		t.Errorf("ResolveGitHubToken() = %q, want configured token to win", tok)
	}

	cfg2 := DefaultConfig()
	tok2, err := cfg2.ResolveGitHubToken(mockEnv(map[string]string{"GITHUB_TOKEN": "env"}), func() (string, error) {
		return "gh-cli", nil
	})
	if err != nil {
		t.Fatalf("ResolveGitHubToken() error: %v", err)
	}
	if tok2 != "env" {
		t.Errorf("ResolveGitHubToken() = %q, want env var to win over gh CLI", tok2)
	}

	cfg3 := DefaultConfig()
	tok3, err := cfg3.ResolveGitHubToken(mockEnv(nil), func() (string, error) {
		return "gh-cli", nil
	})
	if err != nil {
		t.Fatalf("ResolveGitHubToken() error: %v", err)
	}
	if tok3 != "gh-cli" {
		t.Errorf("ResolveGitHubToken() = %q, want gh CLI fallback", tok3)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "agentctl")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `
git:
  status_cache:
    ttl: 5m
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.Git.StatusCache.TTL != 5*time.Minute {
		t.Errorf("LoadWithEnv() Git.StatusCache.TTL = %v, want %v", cfg.Git.StatusCache.TTL, 5*time.Minute)
	}
	if cfg.Git.StatusCache.MaxEntries != 10000 {
		t.Errorf("LoadWithEnv() Git.StatusCache.MaxEntries = %d, want 10000 (default)", cfg.Git.StatusCache.MaxEntries)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("LoadWithEnv() Log.Level = %q, want %q (default)", cfg.Log.Level, "info")
	}
}
