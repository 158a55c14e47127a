package cmd

import (
	"fmt"
	"os"

	"github.com/cocoguard/apiserver/config"
	"github.com/cocoguard/apiserver/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "cocoguard",
	Short: "CocoGuard pest monitoring backend",
	Long: `CocoGuard pest monitoring backend: scan review, verification codes
and dashboard analytics for coconut farms.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger.With(zap.String("env", cfg.Env)), nil
}
