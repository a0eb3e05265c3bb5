// Package effects runs side effects that must not be lost when the caller's
// own work has already failed: refunds, chaining the next tick. Each effect is
// retried with bounded exponential backoff and, once retries run out, recorded
// as a dead letter for an operator to replay.
package effects

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/bobarin/longform/internal/logging"
	"github.com/bobarin/longform/internal/models"
	"github.com/bobarin/longform/internal/store"
)

type Config struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Timeout    time.Duration // overall budget per effect, detached from the caller
}

func DefaultConfig() Config {
	return Config{
		MaxRetries: 4,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Timeout:    30 * time.Second,
	}
}

type Runner struct {
	dead store.DeadLetterStore
	cfg  Config
	log  zerolog.Logger
}

func New(dead store.DeadLetterStore, cfg Config, log zerolog.Logger) *Runner {
	return &Runner{dead: dead, cfg: cfg, log: logging.Component(log, "effects")}
}

// Run executes fn until it succeeds or retries are exhausted. It keeps going
// after ctx is cancelled (a tick hitting its deadline still owes its refund),
// bounded by Config.Timeout. The returned error is fn's last error.
func (r *Runner) Run(ctx context.Context, kind string, payload models.JSONB, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
	defer cancel()

	backoff := retry.NewExponential(r.cfg.BaseDelay)
	backoff = retry.WithCappedDuration(r.cfg.MaxDelay, backoff)
	backoff = retry.WithMaxRetries(r.cfg.MaxRetries, backoff)

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := fn(ctx); err != nil {
			r.log.Warn().Err(err).Str("kind", kind).Int("attempt", attempt).Msg("side effect failed")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		return nil
	}

	r.log.Error().Err(err).Str("kind", kind).Interface("payload", payload).Int("attempts", attempt).Msg("side effect exhausted retries")

	letter := &store.DeadLetter{Kind: kind, Payload: payload, Error: err.Error()}
	if dlErr := r.dead.RecordDeadLetter(ctx, letter); dlErr != nil {
		r.log.Error().Err(dlErr).Str("kind", kind).Msg("failed to record dead letter")
	}
	return fmt.Errorf("%s: %w", kind, err)
}
