package server

import (
	"context"
	"log/slog"

	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/repository"
)

// ConnectDB opens the configured database, checks it responds and makes sure the schema exists.
func ConnectDB(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*repository.DB, error) {
	db, err := repository.Open(ctx, repository.Config{
		Driver:           cfg.Driver,
		DSN:              cfg.DSN,
		MaxConns:         cfg.MaxConns,
		MinConns:         cfg.MinConns,
		MaxConnLifetime:  cfg.MaxConnLifetime,
		MaxConnIdleTime:  cfg.MaxConnIdleTime,
		DialTimeout:      cfg.DialTimeout,
		StatementTimeout: cfg.StatementTimeout,
	}, logger)
	if err != nil {
		return nil, common.PersistenceError("open database", err)
	}
	if err := repository.HealthCheck(ctx, db, cfg.DialTimeout, logger); err != nil {
		db.Close(logger)
		return nil, common.PersistenceError("ping database", err)
	}
	if err := repository.EnsureSchema(ctx, db, logger); err != nil {
		db.Close(logger)
		return nil, err
	}
	return db, nil
}
