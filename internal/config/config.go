package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	Engine  EngineConfig  `yaml:"engine" mapstructure:"engine"`
	History HistoryConfig `yaml:"history" mapstructure:"history"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int       `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	Host string    `yaml:"host" mapstructure:"host"`
	TLS  TLSConfig `yaml:"tls" mapstructure:"tls"`
}

// TLSConfig holds TLS configuration
type TLSConfig struct {
	Enabled      bool   `yaml:"enabled" mapstructure:"enabled"`
	CertFile     string `yaml:"certFile" mapstructure:"certFile"`
	KeyFile      string `yaml:"keyFile" mapstructure:"keyFile"`
	AutoGenerate bool   `yaml:"autoGenerate" mapstructure:"autoGenerate"` // self-signed cert when no files are configured
	StorePath    string `yaml:"storePath" mapstructure:"storePath"`       // empty means storage.path/certs
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type string `yaml:"type" mapstructure:"type" validate:"oneof=memory file"`
	Path string `yaml:"path" mapstructure:"path"` // data directory for file storage
}

// EngineConfig holds the process-wide evaluation limits
type EngineConfig struct {
	SandboxTimeout   time.Duration `yaml:"sandboxTimeout" mapstructure:"sandboxTimeout" validate:"gt=0"`
	ProxyTimeout     time.Duration `yaml:"proxyTimeout" mapstructure:"proxyTimeout" validate:"gt=0"`
	RecorderPoolSize int           `yaml:"recorderPoolSize" mapstructure:"recorderPoolSize" validate:"min=1"`
	RebuildAttempts  uint          `yaml:"rebuildAttempts" mapstructure:"rebuildAttempts" validate:"min=1"`
	RebuildDelay     time.Duration `yaml:"rebuildDelay" mapstructure:"rebuildDelay" validate:"min=0"`
	UnmatchedStatus  int           `yaml:"unmatchedStatus" mapstructure:"unmatchedStatus" validate:"min=100,max=599"`
}

// HistoryConfig holds interaction history configuration
type HistoryConfig struct {
	MaxInteractions int           `yaml:"maxInteractions" mapstructure:"maxInteractions" validate:"min=1"`
	Retention       time.Duration `yaml:"retention" mapstructure:"retention"`
	Redis           RedisConfig   `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig configures the optional Redis history sink
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr     string `yaml:"addr" mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Key      string `yaml:"key" mapstructure:"key"`
	MaxLen   int64  `yaml:"maxLen" mapstructure:"maxLen"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format     string `yaml:"format" mapstructure:"format" validate:"oneof=json text"`
	File       string `yaml:"file" mapstructure:"file"` // empty logs to stdout only
	MaxSizeMB  int    `yaml:"maxSizeMB" mapstructure:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups" mapstructure:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" mapstructure:"maxAgeDays"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
			TLS: TLSConfig{
				Enabled:      false,
				AutoGenerate: true,
			},
		},
		Storage: StorageConfig{
			Type: "memory",
			Path: "./data",
		},
		Engine: EngineConfig{
			SandboxTimeout:   250 * time.Millisecond,
			ProxyTimeout:     5 * time.Second,
			RecorderPoolSize: 64,
			RebuildAttempts:  3,
			RebuildDelay:     100 * time.Millisecond,
			UnmatchedStatus:  404,
		},
		History: HistoryConfig{
			MaxInteractions: 1000,
			Retention:       24 * time.Hour,
			Redis: RedisConfig{
				Key:    "mockengine:interactions",
				MaxLen: 10000,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configuration the process cannot start with
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
