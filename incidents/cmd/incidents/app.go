package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-incidents/common/audit"
	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	natsclient "github.com/telhawk-systems/telhawk-incidents/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/archive"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/auth"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/classifier"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/config"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/lifecycle"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/locks"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/mapping"
	incidentsnats "github.com/telhawk-systems/telhawk-incidents/incidents/internal/nats"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/repository"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/rules"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/status"
	"github.com/telhawk-systems/telhawk-incidents/incidents/migrations"
)

const redisPrefix = "incidents:"

// app holds the components shared by serve and the one-shot jobs.
type app struct {
	repo       repository.Repository
	redis      *redis.Client
	bus        *natsclient.Client
	authz      *auth.Policy
	engine     *lifecycle.Engine
	tracker    *mapping.RunTracker
	reconciler *mapping.Reconciler
	rules      *rules.Service
	rollup     *status.Rollup
	logger     *slog.Logger
}

// newApp connects every backing service cfg enables. On error everything
// opened so far is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.repo, err = openRepository(ctx, cfg, logger); err != nil {
		return nil, err
	}

	var (
		locker    locks.Locker = locks.NewKeyedMutex()
		runLocker locks.Locker = locker
		store     status.Store = status.NewMemoryStore()
	)
	if cfg.Redis.Enabled {
		if a.redis, err = openRedis(ctx, cfg.Redis); err != nil {
			return nil, err
		}
		locker = locks.NewRedisLocker(a.redis, locks.RedisLockerConfig{Prefix: redisPrefix, Logger: logger})
		runLocker = locks.NewRedisLocker(a.redis, locks.RedisLockerConfig{
			Prefix: redisPrefix,
			TTL:    cfg.Mapping.LockTTL,
			Logger: logger,
		})
		store = status.NewRedisStore(a.redis, status.RedisStoreConfig{
			Prefix:    redisPrefix + "status:",
			MinuteTTL: cfg.Status.MinuteTTL,
			HourTTL:   cfg.Status.HourTTL,
			DayTTL:    cfg.Status.DayTTL,
		})
	} else {
		logger.Warn("redis disabled, locks and status buckets are local to this instance")
	}

	var clf classifier.Classifier = classifier.Unavailable{}
	var events lifecycle.EventPublisher
	if cfg.NATS.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
		natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
		natsCfg.Logger = logger
		if a.bus, err = natsclient.NewClient(natsCfg); err != nil {
			return nil, err
		}
		publisher := incidentsnats.NewPublisher(a.bus)
		if cfg.NATS.EventSigningKey != "" {
			publisher.WithSigner(audit.NewEventSigner(cfg.NATS.EventSigningKey))
		}
		events = publisher
		clf = classifier.NewClient(a.bus, classifier.Config{
			Subject: cfg.Classifier.Subject,
			Timeout: cfg.Classifier.Timeout,
			Logger:  logger,
		})
	} else {
		logger.Warn("nats disabled, lifecycle events are not published and mapping cannot classify")
	}

	var archiver archive.Archiver = archive.Nop{}
	if cfg.Archive.Enabled {
		archiver, err = archive.NewOpenSearchArchiver(archive.Config{
			URL:      cfg.Archive.URL,
			Username: cfg.Archive.Username,
			Password: cfg.Archive.Password,
			Insecure: cfg.Archive.Insecure,
			Index:    cfg.Archive.Index,
		}, logger)
		if err != nil {
			return nil, err
		}
	}

	a.authz = auth.NewPolicy(cfg.Auth.Capabilities)
	a.tracker = mapping.NewRunTracker(runLocker)
	a.engine = lifecycle.NewEngine(lifecycle.Options{
		Repo:     a.repo,
		Locker:   locker,
		Authz:    a.authz,
		Events:   events,
		Archiver: archiver,
		Mapping:  a.tracker,
		Policies: lifecycle.NewPolicies(cfg.Lifecycle.Policies),
		Logger:   logger,
	})
	a.reconciler = mapping.NewReconciler(a.repo, a.engine, clf, a.tracker, mapping.Config{
		Concurrency: cfg.Classifier.Concurrency,
		Timeout:     cfg.Classifier.Timeout,
		Logger:      logger,
	})
	a.rules = rules.NewService(a.repo, a.authz, logger)
	a.rollup = status.NewRollup(store, logger)
	return a, nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.Repository, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("using in-memory store, data is lost on exit")
		return repository.NewMemoryRepository(), nil
	}

	connString := cfg.Database.Postgres.ConnString()
	logger.Info("running database migrations")
	if err := migrations.Up(connString); err != nil {
		return nil, err
	}
	repo, err := repository.NewPostgresRepository(ctx, connString)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to postgres",
		slog.String("host", cfg.Database.Postgres.Host),
		slog.String("database", cfg.Database.Postgres.Database))
	return repo, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	opt.MaxRetries = cfg.MaxRetries
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// close releases connections in reverse order of opening.
func (a *app) close() {
	if a.bus != nil {
		if err := a.bus.Drain(); err != nil {
			a.logger.Warn("failed to drain nats connection", logging.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", logging.Error(err))
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			a.logger.Warn("failed to close repository", logging.Error(err))
		}
	}
}
