package ledger

import (
	"context"
	"fmt"

	"job-lease-guard/internal/config"
)

// Open connects the backend named by cfg.LedgerDriver and brings its schema
// up to date.
func Open(ctx context.Context, cfg config.Config) (Ledger, error) {
	switch cfg.LedgerDriver {
	case "postgres":
		p, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := p.RunMigrations(ctx); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return p, nil
	case "gorm-sqlite", "gorm-postgres":
		dsn := cfg.PostgresDSN
		if cfg.LedgerDriver == "gorm-sqlite" {
			dsn = cfg.SQLitePath
		}
		g, err := OpenGorm(cfg.LedgerDriver, dsn)
		if err != nil {
			return nil, err
		}
		if err := g.Migrate(ctx); err != nil {
			_ = g.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return g, nil
	}
	return nil, fmt.Errorf("unknown ledger driver %q", cfg.LedgerDriver)
}
