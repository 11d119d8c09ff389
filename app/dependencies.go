package app

import (
	"context"
	"fmt"
	"time"

	"github.com/casf/verifier/config"
	"github.com/casf/verifier/internal/metrics"
	"github.com/casf/verifier/internal/orchestrator"
	"github.com/casf/verifier/internal/policyclient"
	"github.com/casf/verifier/internal/ratelimit"
	"github.com/casf/verifier/internal/replay"
	"github.com/casf/verifier/repositories"
	"github.com/casf/verifier/repositories/postgres"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies. This is the central
// wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB
	Redis  *redis.Client
	Logger *zap.Logger

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Audit     repositories.AuditRepository
	TxManager repositories.TransactionManager

	// Gateway collaborators
	RateLimiter  *ratelimit.Limiter
	ReplayGate   *replay.Gate
	PolicyClient *policyclient.Client
	Metrics      *metrics.Registry
	Orchestrator *orchestrator.Orchestrator
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	if err := deps.initRedis(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	deps.initGatewayCollaborators(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase initializes the PostgreSQL database connection and factory
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := d.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if err := d.DB.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))

	return nil
}

// initRepositories initializes all repository instances
func (d *Dependencies) initRepositories() error {
	repos := d.RepoFactory.NewRepositories()

	d.Audit = repos.Audit
	d.TxManager = d.RepoFactory.GetTransactionManager()

	d.Logger.Info("repositories initialized")
	return nil
}

// initRedis connects to the shared Redis store used by the anti-replay
// gate and the SMS rate limiter.
func (d *Dependencies) initRedis(ctx context.Context, cfg *config.Config) error {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	d.Redis = client
	d.Logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr))
	return nil
}

// initGatewayCollaborators wires the rate limiter, anti-replay gate,
// policy engine client, metrics registry, and decision orchestrator.
func (d *Dependencies) initGatewayCollaborators(cfg *config.Config) {
	d.Metrics = metrics.New()
	d.RateLimiter = ratelimit.New(d.Redis, cfg.RateLimit.Timeout)
	d.ReplayGate = replay.New(d.Redis, cfg.AntiReplay.Timeout, cfg.AntiReplay.TTL)
	d.PolicyClient = policyclient.New(cfg.PolicyEngine.BaseURL, cfg.PolicyEngine.Timeout)

	d.Orchestrator = orchestrator.New(
		d.ReplayGate,
		d.RateLimiter,
		d.PolicyClient,
		d.Audit,
		d.Metrics,
		d.Logger,
		orchestrator.Config{
			AntiReplayEnabled: cfg.AntiReplay.Enabled,
			AntiReplayTTL:     cfg.AntiReplay.TTL,
			SmsRateLimit:      cfg.RateLimit.SmsLimit,
			SmsRateWindow:     cfg.RateLimit.SmsWindow,
		},
	)

	d.Logger.Info("gateway collaborators initialized")
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		} else {
			d.Logger.Info("redis connection closed")
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
