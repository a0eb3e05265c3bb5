package worker

import (
	"context"
	"time"

	"github.com/bobarin/longform/internal/queue"
)

// TickSource hands out queued ticks.
type TickSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Tick, error)
}

// Start runs consumers goroutines that execute queued ticks until ctx ends.
func (w *Worker) Start(ctx context.Context, src TickSource, consumers int) {
	w.log.Info().Int("consumers", consumers).Msg("worker started")

	for i := 0; i < consumers; i++ {
		go w.consume(ctx, src)
	}

	<-ctx.Done()
	w.log.Info().Msg("worker shutting down")
}

func (w *Worker) consume(ctx context.Context, src TickSource) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tick, err := src.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("error dequeuing tick")
			time.Sleep(time.Second)
			continue
		}
		if tick == nil {
			continue
		}

		res, err := w.Tick(ctx, tick.JobID, TickOptions{})
		if err != nil {
			w.log.Error().Err(err).Str("job_id", tick.JobID.String()).Msg("tick failed")
			continue
		}
		w.log.Info().
			Str("job_id", tick.JobID.String()).
			Str("status", res.Status).
			Int("completed", res.Completed).
			Int("remaining", res.Remaining).
			Msg("tick finished")
	}
}
