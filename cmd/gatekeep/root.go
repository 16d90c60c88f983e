package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/config"
)

var (
	// Set at build time with -ldflags "-X main.version=... -X main.commit=...".
	version = "0.1.0"
	commit  = "dev"

	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "gatekeep",
	Short: "Role-based authorization engine for the booking team console",
	Long: `gatekeep resolves team member permissions from roles, tracks admin sessions
with risk scoring and step-up MFA, and records every authorization decision.

Settings come from an optional YAML file and GATEKEEP_* environment variables.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GATEKEEP_CONFIG"), "path to a YAML config file")
	rootCmd.SetVersionTemplate(fmt.Sprintf("gatekeep %s (%s)\n", version, commit))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadCatalog reads path, or returns the built-in catalog when path is empty.
func loadCatalog(path string) (*auth.Catalog, error) {
	if path == "" {
		return auth.BuiltinCatalog(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	catalog, err := auth.LoadCatalog(f)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return catalog, nil
}
