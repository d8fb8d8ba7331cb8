package cmd

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"downloadgrid/advisor"
	"downloadgrid/config"
	"downloadgrid/downloader"
	"downloadgrid/events"
	"downloadgrid/store"
)

// app holds the components shared by serve and get
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	store   store.Store
	redis   *events.RedisPublisher
	manager *downloader.Manager
}

// newApp opens storage and optional integrations and builds a manager that
// publishes to extra in addition to Redis. The manager is not started.
func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger, extra ...downloader.Publisher) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	a.store = st

	publishers := append([]downloader.Publisher(nil), extra...)
	if cfg.Redis.URL != "" {
		rp, err := events.NewRedisPublisher(cfg.Redis.URL, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = rp
		publishers = append(publishers, rp)
	}

	sources, err := buildSources(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	var remote advisor.Analyzer
	if cfg.Advisor.Endpoint != "" {
		remote = advisor.NewHTTPClient(cfg.Advisor.Endpoint, cfg.Advisor.APIKey, &http.Client{Timeout: cfg.Advisor.Timeout})
	}

	opts := cfg.ManagerOptions()
	opts.Sources = sources
	opts.Store = st
	opts.Advisor = advisor.NewService(remote, cfg.Advisor.Timeout, logger)
	opts.Publishers = publishers
	opts.Logger = logger

	m, err := downloader.NewManager(opts)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}
	a.manager = m
	return a, nil
}

func buildSources(ctx context.Context, cfg config.Config, logger *zap.Logger) (downloader.Sources, error) {
	web := downloader.NewHTTPSource()
	sources := downloader.Sources{"http": web, "https": web}

	if cfg.S3.Enabled {
		s3src, err := downloader.NewS3Source(ctx, cfg.S3.Profile)
		if err != nil {
			return nil, fmt.Errorf("failed to configure S3 source: %w", err)
		}
		sources["s3"] = s3src
		logger.Info("S3 source enabled", zap.String("profile", cfg.S3.Profile))
	}
	return sources, nil
}

// Close releases storage and Redis. The manager must already be stopped.
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close task store", zap.Error(err))
		}
	}
}
