package cmd

import (
	"fmt"
	"os"

	"mp3converter/config"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "mp3converter",
	Short: "Convert uploaded videos to MP3 through a durable queue pipeline",
	Long: `mp3converter runs one stage of the video-to-MP3 pipeline per process:

  gateway       accepts uploads, queues conversion jobs, serves downloads
  converter     consumes conversion jobs and stores the extracted audio
  notification  emails owners when their MP3 is ready

Stages talk only through Redis queues and the blob stores, so each can be
scaled by running more processes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			if err := os.Setenv("CONFIG_FILE", cfgFile); err != nil {
				return err
			}
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}

		SetupLogger(cfg.LogLevel)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (overrides CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
}
