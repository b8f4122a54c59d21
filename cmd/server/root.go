package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/prasenjit/go-mockengine/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "mockengine",
		Short: "go-mockengine - rule matching and mock response engine",
		Long: `go-mockengine evaluates incoming HTTP, HTTPS and WebSocket requests against
prioritized mock rules and synthesizes the response of the first rule that
matches: static bodies, templated bodies, scripted responses or a proxied
upstream call, with optional simulated latency.`,
		SilenceUsage: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			cwd = "."
		}
		viper.AddConfigPath(cwd)
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// GOMOCK_SERVER_PORT overrides server.port
	viper.SetEnvPrefix("GOMOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults(config.Default())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// setDefaults registers every key so environment overrides apply even when
// no config file mentions them
func setDefaults(d *config.Config) {
	// Server
	viper.SetDefault("server.port", d.Server.Port)
	viper.SetDefault("server.host", d.Server.Host)
	viper.SetDefault("server.tls.enabled", d.Server.TLS.Enabled)
	viper.SetDefault("server.tls.certFile", d.Server.TLS.CertFile)
	viper.SetDefault("server.tls.keyFile", d.Server.TLS.KeyFile)
	viper.SetDefault("server.tls.autoGenerate", d.Server.TLS.AutoGenerate)
	viper.SetDefault("server.tls.storePath", d.Server.TLS.StorePath)

	// Storage
	viper.SetDefault("storage.type", d.Storage.Type)
	viper.SetDefault("storage.path", d.Storage.Path)

	// Engine
	viper.SetDefault("engine.sandboxTimeout", d.Engine.SandboxTimeout)
	viper.SetDefault("engine.proxyTimeout", d.Engine.ProxyTimeout)
	viper.SetDefault("engine.recorderPoolSize", d.Engine.RecorderPoolSize)
	viper.SetDefault("engine.rebuildAttempts", d.Engine.RebuildAttempts)
	viper.SetDefault("engine.rebuildDelay", d.Engine.RebuildDelay)
	viper.SetDefault("engine.unmatchedStatus", d.Engine.UnmatchedStatus)

	// History
	viper.SetDefault("history.maxInteractions", d.History.MaxInteractions)
	viper.SetDefault("history.retention", d.History.Retention)
	viper.SetDefault("history.redis.enabled", d.History.Redis.Enabled)
	viper.SetDefault("history.redis.addr", d.History.Redis.Addr)
	viper.SetDefault("history.redis.password", d.History.Redis.Password)
	viper.SetDefault("history.redis.db", d.History.Redis.DB)
	viper.SetDefault("history.redis.key", d.History.Redis.Key)
	viper.SetDefault("history.redis.maxLen", d.History.Redis.MaxLen)

	// Logging
	viper.SetDefault("logging.level", d.Logging.Level)
	viper.SetDefault("logging.format", d.Logging.Format)
	viper.SetDefault("logging.file", d.Logging.File)
	viper.SetDefault("logging.maxSizeMB", d.Logging.MaxSizeMB)
	viper.SetDefault("logging.maxBackups", d.Logging.MaxBackups)
	viper.SetDefault("logging.maxAgeDays", d.Logging.MaxAgeDays)
	viper.SetDefault("logging.compress", d.Logging.Compress)
}

// loadConfig decodes the merged viper settings and validates them
func loadConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
