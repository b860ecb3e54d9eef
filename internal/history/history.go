// Package history opens the configured transcript history backend.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/do/v2"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/pkg/memory"
	"github.com/MrWong99/voxbridge/pkg/memory/postgres"
	"github.com/MrWong99/voxbridge/pkg/memory/sqlite"
)

const openTimeout = 15 * time.Second

// Open returns the store selected by cfg.Driver. It returns a nil store and
// nil error when history is disabled.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (memory.Store, error) {
	switch cfg.Driver {
	case config.HistoryNone:
		return nil, nil
	case config.HistorySQLite:
		store, err := sqlite.Open(ctx, cfg.DSN, sqlite.Options{
			RetentionDays: cfg.RetentionDays,
			Logger:        log,
		})
		if err != nil {
			return nil, fmt.Errorf("history: open sqlite: %w", err)
		}
		return store, nil
	case config.HistoryPostgres:
		store, err := postgres.NewStore(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("history: open postgres: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("history: unknown driver %q", cfg.Driver)
	}
}

// RegisterDI provides a [memory.Store] when a history driver is configured.
// With history disabled nothing is registered, so do.Invoke reports it
// missing.
func RegisterDI(injector do.Injector) {
	cfg := do.MustInvoke[*config.Config](injector)
	if cfg.History.Driver == config.HistoryNone {
		return
	}
	do.Provide(injector, func(i do.Injector) (memory.Store, error) {
		cfg := do.MustInvoke[*config.Config](i)
		ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
		defer cancel()
		return Open(ctx, cfg.History, slog.Default())
	})
}
