package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/bobarin/longform/internal/models"
	"github.com/bobarin/longform/internal/store"
)

func insertSegment(ctx context.Context, tx *sql.Tx, jobID uuid.UUID, seg *models.Segment) error {
	query := `
		INSERT INTO segments (
			job_id, idx, prompt, duration_sec, image_mode, label, status, media_handle, attempts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING updated_at
	`
	err := tx.QueryRowContext(
		ctx, query,
		jobID, seg.Index, seg.Prompt, seg.DurationSec, seg.ImageMode, seg.Label,
		seg.Status, seg.MediaHandle, seg.Attempts,
	).Scan(&seg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert segment %d: %w", seg.Index, err)
	}
	return nil
}

func (db *DB) getSegments(ctx context.Context, jobID uuid.UUID) ([]models.Segment, error) {
	query := `
		SELECT idx, prompt, duration_sec, image_mode, label, status, media_handle,
			attempts, error_message, updated_at
		FROM segments
		WHERE job_id = $1
		ORDER BY idx
	`

	rows, err := db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	var segments []models.Segment
	for rows.Next() {
		var seg models.Segment
		err := rows.Scan(
			&seg.Index, &seg.Prompt, &seg.DurationSec, &seg.ImageMode, &seg.Label, &seg.Status,
			&seg.MediaHandle, &seg.Attempts, &seg.ErrorMessage, &seg.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// CompleteSegment writes a single segment row. The update only lands while
// the segment is unfinished and its job is still generating, so a late
// provider result can never overwrite a completed segment or a settled job.
func (db *DB) CompleteSegment(ctx context.Context, jobID uuid.UUID, index int, mediaHandle string) (bool, error) {
	query := `
		UPDATE segments s
		SET status = 'completed', media_handle = $1, error_message = NULL,
			attempts = s.attempts + 1, updated_at = NOW()
		FROM jobs j
		WHERE s.job_id = $2 AND s.idx = $3 AND s.status <> 'completed'
			AND j.id = s.job_id AND j.phase = 'generating'
	`
	res, err := db.ExecContext(ctx, query, mediaHandle, jobID, index)
	if err != nil {
		return false, fmt.Errorf("failed to complete segment: %w", err)
	}
	return db.segmentChanged(ctx, res, jobID, index)
}

func (db *DB) FailSegment(ctx context.Context, jobID uuid.UUID, index int, errMsg string) (bool, error) {
	query := `
		UPDATE segments s
		SET status = 'failed', error_message = $1, attempts = s.attempts + 1, updated_at = NOW()
		FROM jobs j
		WHERE s.job_id = $2 AND s.idx = $3 AND s.status <> 'completed'
			AND j.id = s.job_id AND j.phase = 'generating'
	`
	res, err := db.ExecContext(ctx, query, errMsg, jobID, index)
	if err != nil {
		return false, fmt.Errorf("failed to fail segment: %w", err)
	}
	return db.segmentChanged(ctx, res, jobID, index)
}

func (db *DB) segmentChanged(ctx context.Context, res sql.Result, jobID uuid.UUID, index int) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		// Segment writes count as job activity for the stale sweep.
		if _, err := db.ExecContext(ctx, `UPDATE jobs SET updated_at = NOW() WHERE id = $1`, jobID); err != nil {
			return true, fmt.Errorf("failed to touch job: %w", err)
		}
		return true, nil
	}

	var exists bool
	err = db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM segments WHERE job_id = $1 AND idx = $2)`, jobID, index,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check segment: %w", err)
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}
