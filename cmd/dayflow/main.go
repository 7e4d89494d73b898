package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"dayflow/config"
	"dayflow/internal/metrics"
	"dayflow/logger"
)

var (
	configPath string
	envName    string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "dayflow",
	Short: "Trading day lifecycle for market data capture",
	Long: `Dayflow drives each trading day of a market data capture environment
through its lifecycle and keeps the capture processes in step with it.

Every state change is appended to the journal before it is visible anywhere
else, so the cached view of a day can always be rebuilt by replaying it.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&envName, "env", "", "environment to operate on (defaults to the configured one)")
}

func setup(cmd *cobra.Command, _ []string) error {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	loaded, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if envName != "" {
		loaded.Environment = strings.TrimSpace(envName)
	}

	if err := log.Configure(loaded.Logging.Level, loaded.Logging.Format, loaded.Logging.Output, loaded.Logging.MaxAge); err != nil {
		return err
	}

	metrics.Configure(loaded.Metrics)
	if loaded.Metrics.Enabled {
		metrics.Init()
	}
	if err := metrics.InitCloudWatch(cmd.Context(), loaded.Metrics.CloudWatch); err != nil {
		log.WithError(err).Warn("CloudWatch publishing disabled")
	}
	if strings.ToLower(loaded.Logging.Level) == "report" {
		logger.StartReport(cmd.Context(), log, 30*time.Second)
	}

	cfg = loaded
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
