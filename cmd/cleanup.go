package cmd

import (
	"github.com/cocoguard/apiserver/config"
	"github.com/cocoguard/apiserver/internal/server"
	"github.com/spf13/cobra"
)

// cleanupCmd runs the scheduled cleanup once, for use from external schedulers.
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete stale verification codes and expired rate-limit counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		retention, err := cmd.Flags().GetDuration("retention")
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("retention") {
			cfg.Verification.CleanupRetention = retention
		}
		return server.RunCleanup(cmd.Context(), cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().Duration("retention", 0, "override VERIFICATION_CLEANUP_RETENTION")
}
