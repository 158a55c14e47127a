package cmd

import (
	"os/signal"
	"syscall"

	"github.com/cocoguard/apiserver/config"
	"github.com/cocoguard/apiserver/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the CocoGuard backend server",
	Long: `Starts the CocoGuard backend server. Usage:

	cocoguard server
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv, err := server.New(ctx, cfg, logger)
		if err != nil {
			logger.Error("failed to start server", zap.Error(err))
			return err
		}
		return srv.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
