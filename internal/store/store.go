// Package store defines the persistence contracts shared by the Postgres
// implementation (internal/db) and the in-memory one (internal/memstore).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/longform/internal/models"
)

var ErrNotFound = errors.New("not found")

// JobStore persists jobs and their segments. Segment updates address one row
// at a time and are conditional, so concurrent ticks never overwrite each
// other's results. Phase changes are compare-and-swap: the bool result tells
// the caller whether it won the transition.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)

	// CompleteSegment records a media handle. No-op unless the segment is not
	// yet completed and the job is still generating.
	CompleteSegment(ctx context.Context, jobID uuid.UUID, index int, mediaHandle string) (bool, error)
	// FailSegment marks a segment failed and counts the attempt. Same guards
	// as CompleteSegment.
	FailSegment(ctx context.Context, jobID uuid.UUID, index int, errMsg string) (bool, error)
	UpdateProgress(ctx context.Context, jobID uuid.UUID, label string) error

	TransitionPhase(ctx context.Context, jobID uuid.UUID, from []models.JobPhase, to models.JobPhase) (bool, error)
	// TerminateJob moves a non-terminal job to failed or cancelled.
	TerminateJob(ctx context.Context, jobID uuid.UUID, to models.JobPhase, errorCode, errorMessage string) (bool, error)
	// CompleteJob moves an uploading job to completed with its result URL.
	CompleteJob(ctx context.Context, jobID uuid.UUID, resultURL string) (bool, error)

	// ListStaleJobs returns non-terminal jobs not updated since before.
	ListStaleJobs(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
}

// CreditStore keeps balances and the append-only transaction log. Every
// balance change is written together with its transaction row.
type CreditStore interface {
	GetBalance(ctx context.Context, userID string) (*models.CreditBalance, error)
	// Debit subtracts amount only if remaining >= amount. ok=false means no
	// change was made and remaining is the current balance.
	Debit(ctx context.Context, userID string, amount int, tx *models.CreditTransaction) (remaining int, ok bool, err error)
	// Credit adds amount. When tx carries an idempotency key that was already
	// used, nothing changes and applied=false.
	Credit(ctx context.Context, userID string, amount int, tx *models.CreditTransaction) (remaining int, applied bool, err error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error)
}

// DeadLetterStore records side effects that exhausted their retries.
type DeadLetterStore interface {
	RecordDeadLetter(ctx context.Context, letter *DeadLetter) error
}

type DeadLetter struct {
	ID        uuid.UUID    `json:"id"`
	Kind      string       `json:"kind"`
	Payload   models.JSONB `json:"payload"`
	Error     string       `json:"error"`
	CreatedAt time.Time    `json:"created_at"`
}

// Store is everything the service needs from persistence.
type Store interface {
	JobStore
	CreditStore
	DeadLetterStore
	Close() error
}
