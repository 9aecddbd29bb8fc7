package server

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyflow/pkg/cache"
	cachebadger "github.com/nicktill/tinyflow/pkg/cache/badger"
	cachememory "github.com/nicktill/tinyflow/pkg/cache/memory"
	"github.com/nicktill/tinyflow/pkg/config"
	"github.com/nicktill/tinyflow/pkg/partition"
	"github.com/nicktill/tinyflow/pkg/store"
	"github.com/nicktill/tinyflow/pkg/store/clickhouse"
	storememory "github.com/nicktill/tinyflow/pkg/store/memory"
	"github.com/nicktill/tinyflow/pkg/store/postgres"
)

// InitializeCache opens the configured flow cache backend.
func InitializeCache(cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Backend {
	case "badger":
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		logrus.WithField("path", cfg.Path).Info("Opening BadgerDB flow cache")
		s, err := cachebadger.New(cachebadger.Config{
			Path:        cfg.Path,
			MaxMemoryMB: cfg.MaxMemoryMB,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory", "":
		logrus.Info("Using in-memory flow cache")
		return cachememory.New(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// InitializeStore connects the configured durable store driver.
func InitializeStore(ctx context.Context, cfg config.StoreConfig, scheme partition.Scheme) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires a DSN")
		}
		s, err := postgres.New(ctx, cfg.Postgres.DSN, scheme)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "clickhouse":
		s, err := clickhouse.New(ctx, clickhouse.Config{
			Host:     cfg.ClickHouse.Host,
			Port:     cfg.ClickHouse.Port,
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		}, scheme)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory", "":
		logrus.Warn("Using in-memory durable store: histograms and lane records are lost on restart")
		return storememory.New(scheme), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
