package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/comigor/floatchat-go/internal/config"
	"github.com/comigor/floatchat-go/internal/logger"
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "floatchat",
	Short: "Conversational access to ARGO ocean float data",
	Long: `floatchat serves the conversation API: it relays user questions to the analytics
engine, streams answers back as server-sent events and runs forecasts through the
external prediction engine.

Configuration is read from config.yaml (or $CONFIG_PATH), .env and FLOATCHAT_* variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, predictCmd)
}

// loadConfig loads configuration and applies the logging section.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.SetOutput(os.Stderr, cfg.Log.Format)
	logger.SetLevel(cfg.Log.Level)
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
