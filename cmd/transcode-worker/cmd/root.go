// Package cmd implements the transcode-worker command line.
package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/cuongbtq/transcode-worker/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const configPathEnv = "TRANSCODE_WORKER_CONFIG_PATH"

// cfgFile holds the config file path from the --config flag
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "transcode-worker",
	Short: "Media transcode worker",
	Long: `transcode-worker consumes transcode job requests from a queue, encodes
one rendition and a thumbnail per request with ffmpeg, stores the outputs in
object storage and records the result per video.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(loadEnv)

	defaultConfigPath := os.Getenv(configPathEnv)
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker.yaml"
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath,
		"path to configuration file (env "+configPathEnv+")")
}

func loadEnv() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
}

// loadConfig reads and validates the configuration named by --config
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateWorkerConfig(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
