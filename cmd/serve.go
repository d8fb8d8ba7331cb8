package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"downloadgrid/api"
	"downloadgrid/downloader"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download manager with its REST and websocket API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if servePort != "" {
			cfg.Server.Port = servePort
		}

		logger, ring, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		hubCtx, stopHub := context.WithCancel(context.Background())
		defer stopHub()
		hub := api.NewHub(logger)
		go hub.Run(hubCtx)

		a, err := newApp(ctx, cfg, logger, hub)
		if err != nil {
			return err
		}
		defer a.Close()

		if cfg.Database.Retention > 0 {
			pruneStore(ctx, a, cfg.Database.Retention)
		}
		if err := a.manager.Start(ctx); err != nil {
			return err
		}
		defer a.manager.Stop()

		checks := map[string]api.Pinger{"database": a.store}
		if a.redis != nil {
			checks["redis"] = a.redis
		}

		if cfg.Database.Retention > 0 {
			go runRetention(ctx, a, cfg.Database.Retention)
		}

		server := api.NewServer(api.Options{
			Engine: a.manager,
			Hub:    hub,
			Logs:   ring,
			Checks: checks,
			Logger: logger,
			Mode:   cfg.Server.Mode,
		})

		logger.Info("Download server starting",
			zap.String("port", cfg.Server.Port),
			zap.String("database_driver", cfg.Database.Driver),
			zap.Bool("redis", a.redis != nil))

		return server.Run(ctx, ":"+cfg.Server.Port)
	},
}

type completedCleaner interface {
	CleanupCompleted(ctx context.Context, olderThan time.Duration) (int64, error)
}

// pruneStore drops old completed tasks before the manager loads the list
func pruneStore(ctx context.Context, a *app, retention time.Duration) {
	cleaner, ok := a.store.(completedCleaner)
	if !ok {
		return
	}
	removed, err := cleaner.CleanupCompleted(ctx, retention)
	if err != nil {
		a.logger.Error("Failed to cleanup completed tasks", zap.Error(err))
		return
	}
	if removed > 0 {
		a.logger.Info("Cleaned up completed tasks", zap.Int64("count", removed))
	}
}

// runRetention deletes completed tasks through the manager once they are
// older than retention. Files on disk are kept.
func runRetention(ctx context.Context, a *app, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-retention)
		for _, snap := range a.manager.List() {
			if snap.Status != downloader.StatusCompleted || snap.UpdatedAt.After(cutoff) {
				continue
			}
			if err := a.manager.Delete(ctx, snap.ID, false); err != nil {
				a.logger.Warn("Failed to remove expired task", zap.String("task_id", snap.ID), zap.Error(err))
			}
		}
	}
}

func init() {
	serveCmd.Flags().StringVarP(&servePort, "port", "p", "", "Port to listen on (overrides config and PORT)")
	rootCmd.AddCommand(serveCmd)
}
