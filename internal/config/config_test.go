package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}

	// Server defaults
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Expected default host '0.0.0.0', got %q", cfg.Server.Host)
	}

	// Storage defaults
	if cfg.Storage.Type != "memory" {
		t.Errorf("Expected default storage type 'memory', got %q", cfg.Storage.Type)
	}

	// Engine defaults
	if cfg.Engine.SandboxTimeout != 250*time.Millisecond {
		t.Errorf("Expected default sandbox timeout 250ms, got %v", cfg.Engine.SandboxTimeout)
	}
	if cfg.Engine.ProxyTimeout != 5*time.Second {
		t.Errorf("Expected default proxy timeout 5s, got %v", cfg.Engine.ProxyTimeout)
	}
	if cfg.Engine.UnmatchedStatus != 404 {
		t.Errorf("Expected default unmatched status 404, got %d", cfg.Engine.UnmatchedStatus)
	}

	// History defaults
	if cfg.History.MaxInteractions != 1000 {
		t.Errorf("Expected default max interactions 1000, got %d", cfg.History.MaxInteractions)
	}
	if cfg.History.Redis.Enabled {
		t.Error("Expected redis sink to be disabled by default")
	}

	// Logging defaults
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default log level 'info', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected default log format 'json', got %q", cfg.Logging.Format)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: localhost
storage:
  type: file
  path: /tmp/data
engine:
  sandboxTimeout: 100ms
  proxyTimeout: 2s
history:
  maxInteractions: 500
  retention: 12h
logging:
  level: debug
  format: text
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "localhost" {
		t.Errorf("Expected host 'localhost', got %q", cfg.Server.Host)
	}
	if cfg.Storage.Type != "file" {
		t.Errorf("Expected storage type 'file', got %q", cfg.Storage.Type)
	}
	if cfg.Storage.Path != "/tmp/data" {
		t.Errorf("Expected storage path '/tmp/data', got %q", cfg.Storage.Path)
	}
	if cfg.Engine.SandboxTimeout != 100*time.Millisecond {
		t.Errorf("Expected sandbox timeout 100ms, got %v", cfg.Engine.SandboxTimeout)
	}
	if cfg.Engine.ProxyTimeout != 2*time.Second {
		t.Errorf("Expected proxy timeout 2s, got %v", cfg.Engine.ProxyTimeout)
	}
	if cfg.History.MaxInteractions != 500 {
		t.Errorf("Expected max interactions 500, got %d", cfg.History.MaxInteractions)
	}
	if cfg.History.Retention != 12*time.Hour {
		t.Errorf("Expected retention 12h, got %v", cfg.History.Retention)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level 'debug', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected log format 'text', got %q", cfg.Logging.Format)
	}
}

func TestLoad_PartialConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Only override server port
	configContent := `
server:
  port: 3000
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Expected port 3000, got %d", cfg.Server.Port)
	}

	// Verify defaults are preserved
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Expected default host '0.0.0.0', got %q", cfg.Server.Host)
	}
	if cfg.Engine.SandboxTimeout != 250*time.Millisecond {
		t.Errorf("Expected default sandbox timeout, got %v", cfg.Engine.SandboxTimeout)
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Expected error for non-existent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: [invalid yaml
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	_, err = Load(configPath)
	if err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte(""), 0644)
	if err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"zero sandbox timeout", func(c *Config) { c.Engine.SandboxTimeout = 0 }, "SandboxTimeout"},
		{"negative proxy timeout", func(c *Config) { c.Engine.ProxyTimeout = -time.Second }, "ProxyTimeout"},
		{"unknown storage", func(c *Config) { c.Storage.Type = "s3" }, "Type"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "Port"},
		{"redis without addr", func(c *Config) { c.History.Redis.Enabled = true }, "Addr"},
		{"redis with addr", func(c *Config) {
			c.History.Redis.Enabled = true
			c.History.Redis.Addr = "localhost:6379"
		}, ""},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }, "Format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error mentioning %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}
