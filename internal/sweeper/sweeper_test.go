package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/longform/internal/logging"
	"github.com/bobarin/longform/internal/memstore"
	"github.com/bobarin/longform/internal/models"
)

type recordingScheduler struct {
	mu   sync.Mutex
	ids  []uuid.UUID
	fail bool
}

func (r *recordingScheduler) Schedule(ctx context.Context, jobID uuid.UUID, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("redis: connection refused")
	}
	r.ids = append(r.ids, jobID)
	return nil
}

func (r *recordingScheduler) scheduled() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.ids...)
}

func newJob() *models.Job {
	return &models.Job{
		ID:       uuid.New(),
		OwnerID:  "user-1",
		Phase:    models.JobPhaseGenerating,
		Segments: []models.Segment{{Index: 0, DurationSec: 8, Status: models.SegmentStatusPending}},
	}
}

func TestSweep_ReschedulesOnlyStaleActiveJobs(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	now := base

	m := memstore.New()
	m.SetClock(func() time.Time { return now })

	stale := newJob()
	require.NoError(t, m.CreateJob(ctx, stale))
	failed := newJob()
	require.NoError(t, m.CreateJob(ctx, failed))
	_, err := m.TerminateJob(ctx, failed.ID, models.JobPhaseFailed, models.ErrorCodeSegmentFailed, "x")
	require.NoError(t, err)

	now = base.Add(20 * time.Minute)
	fresh := newJob()
	require.NoError(t, m.CreateJob(ctx, fresh))

	rec := &recordingScheduler{}
	s := New(m, rec, 15*time.Minute, logging.Nop())
	s.now = func() time.Time { return now }

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uuid.UUID{stale.ID}, rec.scheduled())
}

func TestSweep_SchedulerErrorsAreSkipped(t *testing.T) {
	ctx := context.Background()
	m := memstore.New()
	require.NoError(t, m.CreateJob(ctx, newJob()))

	s := New(m, &recordingScheduler{fail: true}, time.Minute, logging.Nop())
	s.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStart_RejectsBadInterval(t *testing.T) {
	s := New(memstore.New(), &recordingScheduler{}, time.Minute, logging.Nop())
	assert.Error(t, s.Start(context.Background(), 0))
}
