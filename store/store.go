// Package store persists the task list.
package store

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"downloadgrid/downloader"
)

// Store is a closable task store with a health check
type Store interface {
	downloader.TaskStore
	Ping(ctx context.Context) error
	Close() error
}

// Open picks a backend by driver name: "sqlite", "postgres" or "bolt".
// An empty driver is inferred from the dsn.
func Open(driver, dsn string, log *zap.Logger) (Store, error) {
	driver = strings.ToLower(driver)
	if driver == "" {
		switch {
		case isPostgresDSN(dsn):
			driver = "postgres"
		case strings.HasSuffix(dsn, ".bolt"):
			driver = "bolt"
		default:
			driver = "sqlite"
		}
	}

	switch driver {
	case "sqlite", "postgres":
		return OpenGorm(driver, dsn, log)
	case "bolt":
		return OpenBolt(dsn, log)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
