package postgres

import (
	"context"
	"fmt"

	"paper_trader/internal/modules/config"
	"paper_trader/internal/storage"
	"paper_trader/pkg/db"

	"go.uber.org/fx"
)

// Module поднимает пул к мастеру и отдаёт Store поверх него.
func Module() fx.Option {
	return fx.Module("postgres",
		fx.Provide(
			func(ctx context.Context, cfg *config.Config) (*db.PgTxManager, error) {
				poolMaster, err := db.NewPool(ctx, db.PoolConfig{
					DSN: cfg.DB,
				})
				if err != nil {
					return nil, fmt.Errorf("failed to create poolMaster: %w", err)
				}

				err = poolMaster.Ping(ctx)
				if err != nil {
					return nil, err
				}

				return db.NewPgTxManager(poolMaster), nil
			},
			func(m *db.PgTxManager) storage.Store {
				return storage.NewPg(m)
			},
		),
	)
}
