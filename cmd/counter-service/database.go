package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ms-counters/internal/config"
	"ms-counters/internal/counters/db"
	"ms-counters/internal/database/migrations"
	"ms-counters/internal/logger"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const connectAttempts = 5

// openPostgres opens and pings PostgreSQL, retrying while the database
// container is still starting.
func openPostgres(ctx context.Context, dsn string, log *logger.Logger) (*sql.DB, error) {
	var lastErr error
	for i := 0; i < connectAttempts; i++ {
		log.Info("DATABASE", fmt.Sprintf("Connecting to PostgreSQL (attempt %d/%d)", i+1, connectAttempts))

		sqldb, err := sql.Open("postgres", dsn)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = sqldb.PingContext(pingCtx)
			cancel()
			if err == nil {
				return sqldb, nil
			}
			_ = sqldb.Close()
		}

		lastErr = err
		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < connectAttempts-1 {
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("failed to connect to PostgreSQL after %d attempts: %w", connectAttempts, lastErr)
}

// openStore connects the store selected by cfg. PostgreSQL gets its schema
// from the embedded migrations, a SQLite file from the models.
func openStore(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*db.DB, error) {
	if cfg.SQLitePath != "" {
		sqldb, err := sql.Open(sqliteshim.ShimName, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite %s: %w", cfg.SQLitePath, err)
		}
		sqldb.SetMaxOpenConns(1)

		store := db.New(bun.NewDB(sqldb, sqlitedialect.New()), log)
		if err := store.CreateSchema(ctx); err != nil {
			_ = store.Bun.Close()
			return nil, err
		}
		log.Info("DATABASE", fmt.Sprintf("Using SQLite database at %s", cfg.SQLitePath))
		return store, nil
	}

	dsn := cfg.PostgresDSN()
	if cfg.AutoMigrate {
		if err := migrateUp(ctx, dsn, log); err != nil {
			return nil, err
		}
	}

	sqldb, err := openPostgres(ctx, dsn, log)
	if err != nil {
		return nil, err
	}
	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	log.Info("DATABASE", "PostgreSQL connection successful")
	return db.New(bun.NewDB(sqldb, pgdialect.New()), log), nil
}

// migrateUp runs the migrations on a dedicated connection, which the runner
// closes when done.
func migrateUp(ctx context.Context, dsn string, log *logger.Logger) error {
	sqldb, err := openPostgres(ctx, dsn, log)
	if err != nil {
		return err
	}
	runner := migrations.NewRunner(sqldb, log)
	defer runner.Close()

	if err := runner.Up(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
