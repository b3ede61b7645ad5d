/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"chatbus/pkg/config"
	"chatbus/pkg/logger"

	"github.com/spf13/cobra"
)

var brokerDir string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chatbus",
	Short: "File-backed real-time chat broker",
	Long: `chatbus connects chat processes on one machine through a shared directory.
Messages, typing indicators, presence and read receipts written by one process
are delivered to listeners in every other process using the same directory.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&brokerDir, "dir", "", "shared broker directory (overrides config)")
}

// loadConfig loads config.json and applies the --dir override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	if dir := strings.TrimSpace(brokerDir); dir != "" {
		cfg.Broker.Dir = dir
	}

	return cfg, nil
}

// setup loads config and installs the default logger writing to w.
func setup(component string, w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, err := logger.NewWithWriter(cfg.Logging, w)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)

	return cfg, logger.Component(appLogger, component), nil
}
