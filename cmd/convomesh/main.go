// Package main provides the convomesh CLI.
//
// Run a single conversational turn against a configuration:
//
//	convomesh run --config convomesh.yaml --tenant acme "Where is my order?"
//
// Serve metrics and hot-reload providers while the process is alive:
//
//	convomesh serve --config convomesh.yaml
//
// Environment variables prefixed with CONVOMESH_ override the file. Provider
// credentials are read from <PROVIDER>_API_KEY unless a descriptor names its
// own api_key_env. A .env file in the working directory is loaded first.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/convomesh/config"
)

// Build information, set by ldflags.
var (
	version = "dev"
	commit  = "none"
)

const defaultConfigPath = "convomesh.yaml"

func main() {
	if err := config.LoadEnv(".env"); err != nil {
		slog.Error("load .env", "error", err)
		os.Exit(1)
	}
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "convomesh",
		Short:        "Multi-stage conversational pipeline with provider failover and tiered memory",
		Version:      version + " (" + commit + ")",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildRunCmd(),
		buildServeCmd(),
		buildValidateCmd(),
		buildWorkflowsCmd(),
		buildProvidersCmd(),
		buildSchemaCmd(),
	)
	return rootCmd
}

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", defaultConfigPath, "Path to YAML configuration file")
}

// loadConfig reads path, or falls back to defaults plus environment overrides
// when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}
