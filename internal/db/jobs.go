package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/bobarin/longform/internal/models"
	"github.com/bobarin/longform/internal/store"
)

// CreateJob inserts the job row and all of its segments in one transaction.
func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	gp, ct := job.GenerationParams, job.CompositionTarget
	refs := gp.ReferenceImages
	if refs == nil {
		refs = []string{}
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO jobs (
				id, owner_id, phase, prompt, aspect_ratio, model, generate_audio,
				negative_prompt, reference_images, start_frame, credits_reserved,
				upscale_4k, destination_path, source_media_path, total_duration_sec,
				progress_label
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			RETURNING created_at, updated_at
		`
		err := tx.QueryRowContext(
			ctx, query,
			job.ID, job.OwnerID, job.Phase, gp.Prompt, gp.AspectRatio, gp.Model, gp.GenerateAudio,
			gp.NegativePrompt, pq.Array(refs), gp.StartFrame, ct.CreditsReserved,
			ct.Upscale4K, ct.DestinationPath, ct.SourceMediaPath, ct.TotalDuration,
			job.ProgressLabel,
		).Scan(&job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}

		for i := range job.Segments {
			if err := insertSegment(ctx, tx, job.ID, &job.Segments[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `
		SELECT
			id, owner_id, phase, prompt, aspect_ratio, model, generate_audio,
			negative_prompt, reference_images, start_frame, credits_reserved,
			upscale_4k, destination_path, source_media_path, total_duration_sec,
			progress_label, result_url, error_code, error_message, created_at, updated_at
		FROM jobs
		WHERE id = $1
	`

	job := &models.Job{}
	gp, ct := &job.GenerationParams, &job.CompositionTarget
	err := db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &job.OwnerID, &job.Phase, &gp.Prompt, &gp.AspectRatio, &gp.Model, &gp.GenerateAudio,
		&gp.NegativePrompt, pq.Array(&gp.ReferenceImages), &gp.StartFrame, &ct.CreditsReserved,
		&ct.Upscale4K, &ct.DestinationPath, &ct.SourceMediaPath, &ct.TotalDuration,
		&job.ProgressLabel, &job.ResultURL, &job.ErrorCode, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	ct.OwnerID = job.OwnerID

	segments, err := db.getSegments(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Segments = segments
	return job, nil
}

func (db *DB) UpdateProgress(ctx context.Context, jobID uuid.UUID, label string) error {
	query := `
		UPDATE jobs SET progress_label = $1, updated_at = NOW()
		WHERE id = $2 AND phase IN ('generating', 'composing', 'uploading')
	`
	_, err := db.ExecContext(ctx, query, label, jobID)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

func (db *DB) TransitionPhase(ctx context.Context, jobID uuid.UUID, from []models.JobPhase, to models.JobPhase) (bool, error) {
	query := `
		UPDATE jobs SET phase = $1, updated_at = NOW()
		WHERE id = $2 AND phase = ANY($3)
	`
	res, err := db.ExecContext(ctx, query, to, jobID, pq.Array(phaseStrings(from)))
	if err != nil {
		return false, fmt.Errorf("failed to transition job: %w", err)
	}
	return db.changed(ctx, res, jobID)
}

func (db *DB) TerminateJob(ctx context.Context, jobID uuid.UUID, to models.JobPhase, errorCode, errorMessage string) (bool, error) {
	query := `
		UPDATE jobs
		SET phase = $1, error_code = $2, error_message = $3, updated_at = NOW()
		WHERE id = $4 AND phase IN ('generating', 'composing', 'uploading')
	`
	res, err := db.ExecContext(ctx, query, to, errorCode, errorMessage, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to terminate job: %w", err)
	}
	return db.changed(ctx, res, jobID)
}

func (db *DB) CompleteJob(ctx context.Context, jobID uuid.UUID, resultURL string) (bool, error) {
	query := `
		UPDATE jobs
		SET phase = 'completed', result_url = $1, progress_label = NULL, updated_at = NOW()
		WHERE id = $2 AND phase = 'uploading'
	`
	res, err := db.ExecContext(ctx, query, resultURL, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to complete job: %w", err)
	}
	return db.changed(ctx, res, jobID)
}

func (db *DB) ListStaleJobs(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM jobs
		WHERE phase IN ('generating', 'composing', 'uploading') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`

	rows, err := db.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// changed reports whether a conditional update hit its row, distinguishing a
// lost race from a missing job.
func (db *DB) changed(ctx context.Context, res sql.Result, jobID uuid.UUID) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check job: %w", err)
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

func phaseStrings(phases []models.JobPhase) []string {
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = string(p)
	}
	return out
}
