package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prasenjit/go-mockengine/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration and data directory",
	Long: `Creates the default configuration file (config.yaml) and data directory structure.

This command will:
  - Create config.yaml with default settings and file storage
  - Create data/ for rules and environments
  - Create data/certs/ for the TLS key pair

If config.yaml already exists, it will not be overwritten unless --force is used.`,
	RunE: runInit,
}

var (
	initForce bool
	initPath  string
)

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite existing config file")
	initCmd.Flags().StringVarP(&initPath, "path", "p", ".", "Directory to initialize")
}

func runInit(cmd *cobra.Command, args []string) error {
	absPath, err := filepath.Abs(initPath)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	configFile := filepath.Join(absPath, "config.yaml")
	dataDir := filepath.Join(absPath, "data")

	if _, err := os.Stat(configFile); err == nil && !initForce {
		return fmt.Errorf("config.yaml already exists. Use --force to overwrite")
	}

	for _, dir := range []string{dataDir, filepath.Join(dataDir, "certs")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		cmd.Printf("Created directory: %s\n", dir)
	}

	cfg := config.Default()
	cfg.Storage.Type = "file"
	cfg.Storage.Path = "./data"

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}

	header := "# go-mockengine configuration\n# Every key can be overridden with GOMOCK_<SECTION>_<KEY>, e.g. GOMOCK_SERVER_PORT\n\n"
	if err := os.WriteFile(configFile, append([]byte(header), data...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	cmd.Printf("Created config file: %s\n", configFile)

	cmd.Println()
	cmd.Println("Initialization complete! Start the engine with:")
	cmd.Println()
	cmd.Printf("  cd %s\n", absPath)
	cmd.Println("  mockengine serve")
	cmd.Println()

	return nil
}
