package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/bobarin/longform/internal/composer"
	"github.com/bobarin/longform/internal/effects"
	"github.com/bobarin/longform/internal/ledger"
	"github.com/bobarin/longform/internal/logging"
	"github.com/bobarin/longform/internal/models"
	"github.com/bobarin/longform/internal/provider"
	"github.com/bobarin/longform/internal/scheduler"
	"github.com/bobarin/longform/internal/storage"
	"github.com/bobarin/longform/internal/store"
)

// Tick statuses reported to callers.
const (
	StatusProcessing = "processing"
	StatusComposing  = "composing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Chainer schedules another tick for a job.
type Chainer interface {
	Schedule(ctx context.Context, jobID uuid.UUID, delay time.Duration) error
}

// Clock reports the time used to measure a tick against its budget.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Options bound a Worker's ticks. Zero values fall back to defaults in New.
type Options struct {
	TickCeiling        time.Duration // hard limit on one tick
	TickSafetyMargin   time.Duration // headroom kept free for persistence and chaining
	BatchEstimate      time.Duration // starting guess for one batch's duration in each tick
	MaxSegmentAttempts int
	UploadConcurrency  int64
}

// TickOptions change how a single tick behaves.
type TickOptions struct {
	// InlineCompose composes in the same tick once generation finishes, if
	// the time budget allows. Used by the fast path.
	InlineCompose bool
}

// TickResult summarises a job's state after a tick.
type TickResult struct {
	Status    string
	Completed int
	Remaining int
}

// Worker runs ticks: each one loads a job, generates as many segment batches
// as its budget allows, then composes or chains the next tick.
type Worker struct {
	store     store.JobStore
	ledger    *ledger.Ledger
	scheduler *scheduler.Scheduler
	poller    *provider.Poller
	blob      storage.Blob
	composer  *composer.Composer
	chainer   Chainer
	effects   *effects.Runner
	clock     Clock
	opts      Options
	uploadSem *semaphore.Weighted
	log       zerolog.Logger
}

func New(
	jobs store.JobStore,
	led *ledger.Ledger,
	sched *scheduler.Scheduler,
	poller *provider.Poller,
	blob storage.Blob,
	comp *composer.Composer,
	chainer Chainer,
	fx *effects.Runner,
	opts Options,
	log zerolog.Logger,
) *Worker {
	if opts.TickCeiling <= 0 {
		opts.TickCeiling = 800 * time.Second
	}
	if opts.TickSafetyMargin <= 0 || opts.TickSafetyMargin >= opts.TickCeiling {
		opts.TickSafetyMargin = opts.TickCeiling / 8
	}
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = 4
	}
	if opts.MaxSegmentAttempts <= 0 {
		opts.MaxSegmentAttempts = 1
	}
	return &Worker{
		store:         jobs,
		ledger:        led,
		scheduler:     sched,
		poller:        poller,
		blob:          blob,
		composer:      comp,
		chainer:       chainer,
		effects:       fx,
		clock:         realClock{},
		opts:          opts,
		uploadSem:     semaphore.NewWeighted(opts.UploadConcurrency),
		log:           logging.Component(log, "worker"),
	}
}

// WithClock replaces the wall clock used for the tick budget.
func (w *Worker) WithClock(c Clock) *Worker {
	w.clock = c
	return w
}

// Tick advances a job as far as one bounded invocation allows. It is safe to
// call any number of times, concurrently: terminal jobs are left alone,
// segment writes are conditional and phase changes are compare-and-swap.
func (w *Worker) Tick(ctx context.Context, jobID uuid.UUID, opts TickOptions) (TickResult, error) {
	start := w.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, w.opts.TickCeiling)
	defer cancel()

	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return TickResult{}, fmt.Errorf("failed to load job: %w", err)
	}
	log := w.log.With().Str("job_id", jobID.String()).Logger()

	switch job.Phase {
	case models.JobPhaseGenerating:
		return w.generate(ctx, job, start, opts, log)
	case models.JobPhaseComposing, models.JobPhaseUploading:
		return w.compose(ctx, job, log)
	default:
		return resultFor(job), nil
	}
}

func (w *Worker) generate(ctx context.Context, job *models.Job, start time.Time, opts TickOptions, log zerolog.Logger) (TickResult, error) {
	maxAttempts := w.opts.MaxSegmentAttempts
	images := newImageLoader(w.blob, job.GenerationParams)
	budget := w.opts.TickCeiling - w.opts.TickSafetyMargin
	estimate := capEstimate(w.opts.BatchEstimate, budget)
	batches := 0

	for {
		if seg, ok := exhaustedSegment(job, maxAttempts); ok {
			msg := fmt.Sprintf("segment %d failed after %d attempts", seg.Index+1, seg.Attempts)
			if seg.ErrorMessage != nil {
				msg += ": " + *seg.ErrorMessage
			}
			return w.failJob(ctx, job, models.ErrorCodeSegmentFailed, msg, log)
		}

		runnable := job.RunnableSegments(maxAttempts)
		if len(runnable) == 0 {
			break
		}

		if ctx.Err() != nil {
			log.Warn().Int("batches", batches).Int("remaining", len(runnable)).Msg("tick deadline hit mid-batch, chaining")
			return w.chain(ctx, job, log)
		}

		// The first batch always runs so a tick never ends without progress.
		elapsed := w.clock.Now().Sub(start)
		if batches > 0 && elapsed+estimate > budget {
			log.Info().Dur("elapsed", elapsed).Dur("estimate", estimate).Int("remaining", len(runnable)).Msg("tick budget reached, chaining")
			return w.chain(ctx, job, log)
		}

		batch := runnable
		if len(batch) > w.scheduler.PoolSize() {
			batch = batch[:w.scheduler.PoolSize()]
		}

		batchStart := w.clock.Now()
		res := w.scheduler.Run(ctx, batch, w.segmentTask(job, images))
		if took := w.clock.Now().Sub(batchStart); took > estimate {
			estimate = capEstimate(took, budget)
		}
		batches++

		w.persistOutcomes(ctx, job, res, log)

		if res.Fatal {
			msg := "The video provider is out of quota. Please retry later."
			if res.FatalErr != nil {
				log.Error().Err(res.FatalErr).Msg("fatal provider error")
			}
			return w.failJob(ctx, job, models.ErrorCodeQuotaExhausted, msg, log)
		}

		// Reload to pick up writes by racing ticks and cancellation.
		persistCtx, cancel := detached(ctx)
		reloaded, err := w.store.GetJob(persistCtx, job.ID)
		cancel()
		if err != nil {
			return TickResult{}, fmt.Errorf("failed to reload job: %w", err)
		}
		job = reloaded
		if job.Phase != models.JobPhaseGenerating {
			return resultFor(job), nil
		}

		w.updateProgress(ctx, job, log)
	}

	persistCtx, cancel := detached(ctx)
	defer cancel()
	won, err := w.store.TransitionPhase(persistCtx, job.ID, []models.JobPhase{models.JobPhaseGenerating}, models.JobPhaseComposing)
	if err != nil {
		return TickResult{}, fmt.Errorf("failed to start composing: %w", err)
	}
	if !won {
		return w.reloadResult(persistCtx, job.ID)
	}
	job.Phase = models.JobPhaseComposing
	log.Info().Int("segments", len(job.Segments)).Int("batches", batches).Msg("all segments generated")

	if opts.InlineCompose && ctx.Err() == nil && w.clock.Now().Sub(start)+estimate <= budget {
		return w.compose(ctx, job, log)
	}
	return w.chain(ctx, job, log)
}

// compose renders and publishes the final video, advancing the job through
// composing, uploading and completed. Any failure fails the job with a refund.
func (w *Worker) compose(ctx context.Context, job *models.Job, log zerolog.Logger) (TickResult, error) {
	w.setProgress(ctx, job.ID, "Composing final video", log)

	rendered, err := w.composer.Render(ctx, job)
	if err != nil {
		log.Error().Err(err).Msg("composition failed")
		return w.failJob(ctx, job, models.ErrorCodeCompositionFailed, "Failed to compose the final video: "+err.Error(), log)
	}
	defer rendered.Close()

	if job.Phase == models.JobPhaseComposing {
		won, err := w.store.TransitionPhase(ctx, job.ID, []models.JobPhase{models.JobPhaseComposing}, models.JobPhaseUploading)
		if err != nil {
			return TickResult{}, fmt.Errorf("failed to start uploading: %w", err)
		}
		if !won {
			return w.reloadResult(ctx, job.ID)
		}
		job.Phase = models.JobPhaseUploading
	}
	w.setProgress(ctx, job.ID, "Uploading final video", log)

	url, err := w.composer.Publish(ctx, job, rendered)
	if err != nil {
		log.Error().Err(err).Msg("upload failed")
		return w.failJob(ctx, job, models.ErrorCodeCompositionFailed, "Failed to upload the final video: "+err.Error(), log)
	}

	persistCtx, cancel := detached(ctx)
	defer cancel()
	won, err := w.store.CompleteJob(persistCtx, job.ID, url)
	if err != nil {
		return TickResult{}, fmt.Errorf("failed to complete job: %w", err)
	}
	if !won {
		return w.reloadResult(persistCtx, job.ID)
	}

	log.Info().Str("result_url", url).Msg("job completed")
	return TickResult{Status: StatusCompleted, Completed: len(job.Segments)}, nil
}

// Cancel stops a job on the owner's request and refunds it in full.
func (w *Worker) Cancel(ctx context.Context, jobID uuid.UUID) (TickResult, error) {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return TickResult{}, err
	}
	log := w.log.With().Str("job_id", jobID.String()).Logger()

	won, err := w.store.TerminateJob(ctx, jobID, models.JobPhaseCancelled, models.ErrorCodeCancelled, "Cancelled by user")
	if err != nil {
		return TickResult{}, fmt.Errorf("failed to cancel job: %w", err)
	}
	if won {
		log.Info().Msg("job cancelled")
		w.refund(ctx, job, "Job cancelled", log)
	}
	return w.reloadResult(ctx, jobID)
}

// failJob terminates the job. Only the caller that wins the transition
// refunds, so racing ticks never refund twice.
func (w *Worker) failJob(ctx context.Context, job *models.Job, code, msg string, log zerolog.Logger) (TickResult, error) {
	persistCtx, cancel := detached(ctx)
	defer cancel()

	won, err := w.store.TerminateJob(persistCtx, job.ID, models.JobPhaseFailed, code, msg)
	if err != nil {
		return TickResult{}, fmt.Errorf("failed to mark job failed: %w", err)
	}
	if !won {
		return w.reloadResult(persistCtx, job.ID)
	}

	log.Warn().Str("error_code", code).Str("error", msg).Msg("job failed")
	w.refund(persistCtx, job, "Refund: "+code, log)

	counts := job.CountByStatus()
	return TickResult{
		Status:    StatusFailed,
		Completed: counts[models.SegmentStatusCompleted],
		Remaining: len(job.Segments) - counts[models.SegmentStatusCompleted],
	}, nil
}

func (w *Worker) refund(ctx context.Context, job *models.Job, reason string, log zerolog.Logger) {
	amount := job.CompositionTarget.CreditsReserved
	if amount <= 0 {
		return
	}
	owner := job.CompositionTarget.OwnerID
	if owner == "" {
		owner = job.OwnerID
	}

	payload := models.JSONB{"job_id": job.ID.String(), "user_id": owner, "amount": amount, "reason": reason}
	err := w.effects.Run(ctx, "refund", payload, func(ctx context.Context) error {
		_, err := w.ledger.Refund(ctx, owner, amount, job.ID.String(), reason, "job")
		return err
	})
	if err != nil {
		log.Error().Err(err).Int("amount", amount).Msg("refund could not be applied")
	}
}

// chain schedules the next tick. A lost chain is picked up by the stale-job
// sweeper, so failures here do not fail the tick.
func (w *Worker) chain(ctx context.Context, job *models.Job, log zerolog.Logger) (TickResult, error) {
	payload := models.JSONB{"job_id": job.ID.String(), "phase": string(job.Phase)}
	err := w.effects.Run(ctx, "chain_tick", payload, func(ctx context.Context) error {
		return w.chainer.Schedule(ctx, job.ID, 0)
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to chain next tick")
	}
	return resultFor(job), nil
}

func (w *Worker) persistOutcomes(ctx context.Context, job *models.Job, res scheduler.Result, log zerolog.Logger) {
	persistCtx, cancel := detached(ctx)
	defer cancel()

	for _, o := range res.Outcomes {
		var err error
		switch o.Kind {
		case scheduler.Success:
			_, err = w.store.CompleteSegment(persistCtx, job.ID, o.Index, o.MediaHandle)
		case scheduler.Failure, scheduler.Fatal:
			_, err = w.store.FailSegment(persistCtx, job.ID, o.Index, o.Err.Error())
		case scheduler.Interrupted:
			// A segment cut off by the tick ceiling spends an attempt, so one
			// that never settles inside a tick ends up failing the job.
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				continue
			}
			_, err = w.store.FailSegment(persistCtx, job.ID, o.Index, "interrupted by tick deadline: "+o.Err.Error())
		default:
			continue
		}
		if err != nil {
			log.Error().Err(err).Int("segment", o.Index).Str("outcome", o.Kind.String()).Msg("failed to persist segment")
		}
	}
}

func (w *Worker) updateProgress(ctx context.Context, job *models.Job, log zerolog.Logger) {
	counts := job.CountByStatus()
	label := fmt.Sprintf("Generated %d/%d segments", counts[models.SegmentStatusCompleted], len(job.Segments))
	w.setProgress(ctx, job.ID, label, log)
}

// setProgress is best-effort; a lost label never fails a tick.
func (w *Worker) setProgress(ctx context.Context, jobID uuid.UUID, label string, log zerolog.Logger) {
	persistCtx, cancel := detached(ctx)
	defer cancel()
	if err := w.store.UpdateProgress(persistCtx, jobID, label); err != nil {
		log.Warn().Err(err).Msg("failed to update progress")
	}
}

func (w *Worker) reloadResult(ctx context.Context, jobID uuid.UUID) (TickResult, error) {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return TickResult{}, err
	}
	return resultFor(job), nil
}

// capEstimate keeps a batch estimate strictly below the budget.
func capEstimate(d, budget time.Duration) time.Duration {
	if limit := budget / 2; d > limit {
		return limit
	}
	return d
}

func exhaustedSegment(job *models.Job, maxAttempts int) (models.Segment, bool) {
	for _, s := range job.Segments {
		if s.Exhausted(maxAttempts) {
			return s, true
		}
	}
	return models.Segment{}, false
}

func resultFor(job *models.Job) TickResult {
	counts := job.CountByStatus()
	res := TickResult{
		Completed: counts[models.SegmentStatusCompleted],
		Remaining: len(job.Segments) - counts[models.SegmentStatusCompleted],
	}
	switch job.Phase {
	case models.JobPhaseGenerating:
		res.Status = StatusProcessing
	case models.JobPhaseComposing, models.JobPhaseUploading:
		res.Status = StatusComposing
	case models.JobPhaseCompleted:
		res.Status = StatusCompleted
	case models.JobPhaseCancelled:
		res.Status = StatusCancelled
	default:
		res.Status = StatusFailed
	}
	return res
}

// detached returns a context that outlives the tick deadline long enough to
// record what the tick already did.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}

// IsNotFound reports whether err means the job does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
