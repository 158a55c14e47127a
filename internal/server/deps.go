package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/cocoguard/apiserver/config"
	"github.com/cocoguard/apiserver/internal/db"
	"github.com/cocoguard/apiserver/internal/gateway"
	"github.com/cocoguard/apiserver/internal/ratelimit"
	"github.com/cocoguard/apiserver/internal/services"
	"github.com/cocoguard/apiserver/internal/store"
	"github.com/cocoguard/apiserver/internal/store/memstore"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// rateLimitStore is an issuance limiter whose expired windows can be swept.
type rateLimitStore interface {
	services.IssueLimiter
	CleanupExpired(ctx context.Context) (int64, error)
}

type repositories struct {
	users         services.UserRepository
	farms         services.FarmReader
	pestTypes     services.PestTypeReader
	scans         services.ScanRepository
	verifications services.VerificationRepository
	snapshots     store.SnapshotReader
	rateLimits    rateLimitStore
}

// openRepositories connects postgres, or builds the in-memory store when
// cfg.Database.InMemory is set. The returned *sql.DB is nil in that case.
func openRepositories(ctx context.Context, cfg config.Config, logger *zap.Logger) (repositories, *sql.DB, error) {
	if cfg.Database.InMemory {
		logger.Warn("using in-memory store; data is lost on restart")
		mem := memstore.New()
		mem.SeedPestTypes(memstore.DefaultPestTypes...)
		return repositories{
			users:         mem.Users(),
			farms:         mem.Farms(),
			pestTypes:     mem.PestTypes(),
			scans:         mem.Scans(),
			verifications: mem.Verifications(),
			snapshots:     mem,
			rateLimits:    memstore.NewRateLimiter(),
		}, nil, nil
	}

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return repositories{}, nil, fmt.Errorf("open database: %w", err)
	}
	return repositories{
		users:         store.NewUserRepository(dbConn),
		farms:         store.NewFarmRepository(dbConn),
		pestTypes:     store.NewPestTypeRepository(dbConn),
		scans:         store.NewScanRepository(dbConn),
		verifications: store.NewVerificationRepository(dbConn),
		snapshots:     store.NewAnalyticsRepository(dbConn),
		rateLimits:    store.NewRateLimitRepository(dbConn),
	}, dbConn, nil
}

// newIssueLimiter prefers redis when configured; otherwise the repository
// counters are used.
func newIssueLimiter(cfg config.Config, fallback rateLimitStore) (services.IssueLimiter, *redis.Client, error) {
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return fallback, nil, nil
	}
	client, err := ratelimit.NewRedisClient(cfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	return ratelimit.NewRedisLimiter(client), client, nil
}

// newSender builds the channel dispatcher. Channels without provider
// credentials fall back to the log sender outside prod and are unsupported
// in prod.
func newSender(cfg config.Config, logger *zap.Logger) (gateway.Sender, error) {
	var fallback gateway.Sender
	if cfg.Env != "prod" {
		fallback = gateway.NewLogSender(logger)
	}

	email := fallback
	if cfg.SendGrid.APIKey != "" {
		sender, err := gateway.NewSendGridSender(cfg.SendGrid, logger)
		if err != nil {
			return nil, err
		}
		email = sender
	}

	sms := fallback
	if cfg.Twilio.AccountSID != "" {
		sender, err := gateway.NewTwilioSender(cfg.Twilio, logger)
		if err != nil {
			return nil, err
		}
		sms = sender
	}

	if email == nil {
		logger.Warn("email verification disabled: sendgrid is not configured")
	}
	if sms == nil {
		logger.Warn("sms verification disabled: twilio is not configured")
	}
	return gateway.NewDispatcher(email, sms), nil
}

func closeAll(closers ...func() error) error {
	var errs []error
	for _, closeFn := range closers {
		if closeFn == nil {
			continue
		}
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
