package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bobarin/longform/internal/store"
)

func (db *DB) RecordDeadLetter(ctx context.Context, letter *store.DeadLetter) error {
	if letter.ID == uuid.Nil {
		letter.ID = uuid.New()
	}

	query := `
		INSERT INTO dead_letters (id, kind, payload, error)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`
	err := db.QueryRowContext(ctx, query, letter.ID, letter.Kind, letter.Payload, letter.Error).Scan(&letter.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record dead letter: %w", err)
	}
	return nil
}
