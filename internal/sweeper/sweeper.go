// Package sweeper re-schedules ticks for jobs whose chain was lost, e.g. a
// dropped queue entry or a process that died mid-composition.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/bobarin/longform/internal/logging"
	"github.com/bobarin/longform/internal/store"
)

const batchLimit = 100

type Scheduler interface {
	Schedule(ctx context.Context, jobID uuid.UUID, delay time.Duration) error
}

type Sweeper struct {
	jobs       store.JobStore
	scheduler  Scheduler
	staleAfter time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

func New(jobs store.JobStore, scheduler Scheduler, staleAfter time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		jobs:       jobs,
		scheduler:  scheduler,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        logging.Component(log, "sweeper"),
	}
}

// Sweep schedules a tick for every non-terminal job idle for longer than
// staleAfter. Ticks are idempotent, so a job that was merely slow is safe
// to tick again.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.jobs.ListStaleJobs(ctx, s.now().Add(-s.staleAfter), batchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	scheduled := 0
	for _, id := range ids {
		if err := s.scheduler.Schedule(ctx, id, 0); err != nil {
			s.log.Error().Err(err).Str("job_id", id.String()).Msg("failed to reschedule stale job")
			continue
		}
		scheduled++
	}
	if scheduled > 0 {
		s.log.Info().Int("jobs", scheduled).Msg("rescheduled stale jobs")
	}
	return scheduled, nil
}

// Start runs Sweep every interval until ctx is cancelled. Overlapping runs
// are skipped.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	logger := cronLogger{s.log}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Error().Err(err).Msg("sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep interval %s: %w", interval, err)
	}

	c.Start()
	s.log.Info().Dur("interval", interval).Dur("stale_after", s.staleAfter).Msg("sweeper started")

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		s.log.Info().Msg("sweeper stopped")
	}()
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
