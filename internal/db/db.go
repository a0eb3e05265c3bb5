package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/bobarin/longform/internal/logging"
	"github.com/bobarin/longform/internal/store"
)

const connectRetries = 10

//go:embed migrations/*.sql
var embedMigrations embed.FS

// DB is the Postgres implementation of store.Store.
type DB struct {
	*sql.DB
	log zerolog.Logger
}

var _ store.Store = (*DB)(nil)

// New opens the pool and waits for the server to accept connections.
func New(ctx context.Context, databaseURL string, log zerolog.Logger) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	for i := 0; i < connectRetries; i++ {
		if err = conn.PingContext(ctx); err == nil {
			return &DB{DB: conn, log: logging.Component(log, "db")}, nil
		}
		sleep := time.Duration(i+1) * time.Second
		log.Warn().Err(err).Dur("retry_in", sleep).Msg("database not reachable")

		select {
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}

	conn.Close()
	return nil, fmt.Errorf("could not connect to database after %d attempts: %w", connectRetries, err)
}

// Migrate applies the embedded goose migrations up to the latest version.
func (db *DB) Migrate(ctx context.Context) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	current, err := goose.GetDBVersionContext(ctx, db.DB)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	latest, err := goose.GetDBVersionContext(ctx, db.DB)
	if err != nil {
		return err
	}
	db.log.Info().Int64("from", current).Int64("to", latest).Msg("migrations applied")
	return nil
}

// withTx runs fn inside a transaction, committing only when fn succeeds.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
