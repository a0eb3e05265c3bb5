// Package memstore is an in-memory implementation of store.Store, used for
// local development (STORE_DRIVER=memory) and tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/longform/internal/models"
	"github.com/bobarin/longform/internal/store"
)

type MemStore struct {
	mu           sync.Mutex
	now          func() time.Time
	jobs         map[uuid.UUID]*models.Job
	balances     map[string]*models.CreditBalance
	transactions []models.CreditTransaction
	idempotency  map[string]bool
	deadLetters  []store.DeadLetter
}

var _ store.Store = (*MemStore)(nil)

func New() *MemStore {
	return &MemStore{
		now:         time.Now,
		jobs:        make(map[uuid.UUID]*models.Job),
		balances:    make(map[string]*models.CreditBalance),
		idempotency: make(map[string]bool),
	}
}

// SetClock overrides the timestamp source.
func (m *MemStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemStore) Close() error { return nil }

// ── Jobs ────────────────────────────────────────────────────────────────────

func (m *MemStore) CreateJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	for i := range job.Segments {
		job.Segments[i].UpdatedAt = now
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *MemStore) CompleteSegment(ctx context.Context, jobID uuid.UUID, index int, mediaHandle string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg, job, err := m.segment(jobID, index)
	if err != nil {
		return false, err
	}
	if seg.Status == models.SegmentStatusCompleted || job.Phase != models.JobPhaseGenerating {
		return false, nil
	}

	handle := mediaHandle
	seg.Status = models.SegmentStatusCompleted
	seg.MediaHandle = &handle
	seg.ErrorMessage = nil
	seg.Attempts++
	seg.UpdatedAt = m.now()
	job.UpdatedAt = seg.UpdatedAt
	return true, nil
}

func (m *MemStore) FailSegment(ctx context.Context, jobID uuid.UUID, index int, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg, job, err := m.segment(jobID, index)
	if err != nil {
		return false, err
	}
	if seg.Status == models.SegmentStatusCompleted || job.Phase != models.JobPhaseGenerating {
		return false, nil
	}

	msg := errMsg
	seg.Status = models.SegmentStatusFailed
	seg.ErrorMessage = &msg
	seg.Attempts++
	seg.UpdatedAt = m.now()
	job.UpdatedAt = seg.UpdatedAt
	return true, nil
}

func (m *MemStore) UpdateProgress(ctx context.Context, jobID uuid.UUID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if job.Phase.Terminal() {
		return nil
	}
	l := label
	job.ProgressLabel = &l
	job.UpdatedAt = m.now()
	return nil
}

func (m *MemStore) TransitionPhase(ctx context.Context, jobID uuid.UUID, from []models.JobPhase, to models.JobPhase) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return false, store.ErrNotFound
	}
	if !containsPhase(from, job.Phase) {
		return false, nil
	}
	job.Phase = to
	job.UpdatedAt = m.now()
	return true, nil
}

func (m *MemStore) TerminateJob(ctx context.Context, jobID uuid.UUID, to models.JobPhase, errorCode, errorMessage string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return false, store.ErrNotFound
	}
	if job.Phase.Terminal() {
		return false, nil
	}
	code, msg := errorCode, errorMessage
	job.Phase = to
	job.ErrorCode = &code
	job.ErrorMessage = &msg
	job.UpdatedAt = m.now()
	return true, nil
}

func (m *MemStore) CompleteJob(ctx context.Context, jobID uuid.UUID, resultURL string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return false, store.ErrNotFound
	}
	if job.Phase != models.JobPhaseUploading {
		return false, nil
	}
	url := resultURL
	job.Phase = models.JobPhaseCompleted
	job.ResultURL = &url
	job.UpdatedAt = m.now()
	return true, nil
}

func (m *MemStore) ListStaleJobs(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []*models.Job
	for _, job := range m.jobs {
		if !job.Phase.Terminal() && job.UpdatedAt.Before(before) {
			stale = append(stale, job)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })

	ids := make([]uuid.UUID, 0, len(stale))
	for _, job := range stale {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, job.ID)
	}
	return ids, nil
}

func (m *MemStore) segment(jobID uuid.UUID, index int) (*models.Segment, *models.Job, error) {
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	for i := range job.Segments {
		if job.Segments[i].Index == index {
			return &job.Segments[i], job, nil
		}
	}
	return nil, nil, store.ErrNotFound
}

// ── Credits ─────────────────────────────────────────────────────────────────

func (m *MemStore) GetBalance(ctx context.Context, userID string) (*models.CreditBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *bal
	return &cp, nil
}

func (m *MemStore) Debit(ctx context.Context, userID string, amount int, tx *models.CreditTransaction) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[userID]
	if !ok {
		return 0, false, nil
	}
	if bal.Remaining < amount {
		return bal.Remaining, false, nil
	}

	bal.Remaining -= amount
	bal.UpdatedAt = m.now()
	m.appendTransaction(userID, -amount, bal.Remaining, tx)
	return bal.Remaining, true, nil
}

func (m *MemStore) Credit(ctx context.Context, userID string, amount int, tx *models.CreditTransaction) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[userID]
	if tx.IdempotencyKey != nil && m.idempotency[*tx.IdempotencyKey] {
		if !ok {
			return 0, false, nil
		}
		return bal.Remaining, false, nil
	}

	if !ok {
		bal = &models.CreditBalance{UserID: userID}
		m.balances[userID] = bal
	}
	bal.Remaining += amount
	if tx.Type == models.TransactionAllocation || tx.Type == models.TransactionBonus {
		bal.Total += amount
	}
	bal.UpdatedAt = m.now()

	if tx.IdempotencyKey != nil {
		m.idempotency[*tx.IdempotencyKey] = true
	}
	m.appendTransaction(userID, amount, bal.Remaining, tx)
	return bal.Remaining, true, nil
}

func (m *MemStore) ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.CreditTransaction
	for i := len(m.transactions) - 1; i >= 0; i-- {
		if m.transactions[i].UserID != userID {
			continue
		}
		out = append(out, m.transactions[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemStore) appendTransaction(userID string, amount, balanceAfter int, tx *models.CreditTransaction) {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	tx.UserID = userID
	tx.Amount = amount
	tx.BalanceAfter = balanceAfter
	tx.CreatedAt = m.now()
	m.transactions = append(m.transactions, *tx)
}

// ── Dead letters ────────────────────────────────────────────────────────────

func (m *MemStore) RecordDeadLetter(ctx context.Context, letter *store.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if letter.ID == uuid.Nil {
		letter.ID = uuid.New()
	}
	letter.CreatedAt = m.now()
	m.deadLetters = append(m.deadLetters, *letter)
	return nil
}

// DeadLetters returns a copy of everything recorded so far.
func (m *MemStore) DeadLetters() []store.DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.DeadLetter(nil), m.deadLetters...)
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func containsPhase(phases []models.JobPhase, p models.JobPhase) bool {
	for _, candidate := range phases {
		if candidate == p {
			return true
		}
	}
	return false
}

func cloneJob(job *models.Job) *models.Job {
	cp := *job
	cp.Segments = make([]models.Segment, len(job.Segments))
	copy(cp.Segments, job.Segments)
	cp.GenerationParams.ReferenceImages = append([]string(nil), job.GenerationParams.ReferenceImages...)
	return &cp
}
