package server

import (
	"context"
	"fmt"

	"github.com/cocoguard/apiserver/config"
	"github.com/cocoguard/apiserver/internal/services"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func (s *Server) newCleanupScheduler(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(s.loc))
	schedule := s.cfg.Verification.CleanupSchedule
	if schedule == "" {
		return c, nil
	}

	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.verification.Cleanup(ctx, s.cfg.Verification.CleanupRetention); err != nil {
			s.logger.Error("scheduled verification code cleanup failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule verification cleanup: %w", err)
	}

	if _, err := c.AddFunc(schedule, func() {
		removed, err := s.rateLimits.CleanupExpired(ctx)
		if err != nil {
			s.logger.Error("scheduled rate limit cleanup failed", zap.Error(err))
			return
		}
		s.logger.Info("rate limit counters cleaned up", zap.Int64("removed", removed))
	}); err != nil {
		return nil, fmt.Errorf("schedule rate limit cleanup: %w", err)
	}
	return c, nil
}

// RunCleanup deletes stale verification codes and expired rate-limit
// counters once and returns.
func RunCleanup(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	repos, dbConn, err := openRepositories(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if dbConn != nil {
		defer dbConn.Close()
	}

	verification := services.NewVerificationService(repos.verifications, nil, nil, nil, logger, services.VerificationOptions{})
	if _, err := verification.Cleanup(ctx, cfg.Verification.CleanupRetention); err != nil {
		return fmt.Errorf("verification cleanup: %w", err)
	}
	removed, err := repos.rateLimits.CleanupExpired(ctx)
	if err != nil {
		return fmt.Errorf("rate limit cleanup: %w", err)
	}
	logger.Info("rate limit counters cleaned up", zap.Int64("removed", removed))
	return nil
}
