package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/bobarin/longform/internal/logging"
)

const (
	DefaultPollInterval = 5 * time.Second
	// 120 polls at the default interval keep one segment's wait inside a
	// default tick budget.
	DefaultPollMaxAttempts = 120
	// MaxPollErrors is how many consecutive failed status checks are
	// tolerated before the segment is given up.
	MaxPollErrors = 3
)

// Poller drives a Gateway through submit and poll. Await blocks for the whole
// wait, so a scheduler slot stays occupied until the segment settles.
type Poller struct {
	gateway     Gateway
	interval    time.Duration
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
	log         zerolog.Logger
}

func NewPoller(g Gateway, interval time.Duration, maxAttempts int, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultPollMaxAttempts
	}
	return &Poller{
		gateway:     g,
		interval:    interval,
		maxAttempts: maxAttempts,
		sleep:       sleepContext,
		log:         logging.Component(log, "poller").With().Str("provider", g.Name()).Logger(),
	}
}

// WithSleep replaces the wait between polls. Tests use it to avoid real time.
func (p *Poller) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Poller {
	p.sleep = sleep
	return p
}

func (p *Poller) Gateway() Gateway { return p.gateway }

// Generate submits req and waits for the resulting media URI.
func (p *Poller) Generate(ctx context.Context, req SubmitRequest) (string, error) {
	handle, err := p.gateway.Submit(ctx, req)
	if err != nil {
		return "", fmt.Errorf("submit: %w", classify(err))
	}
	p.log.Debug().Str("handle", handle).Int("duration", req.DurationSec).Msg("generation submitted")
	return p.Await(ctx, handle)
}

// Await polls handle at a fixed interval. A reported error fails at once, a
// finished operation with a media URI succeeds, and running out of attempts
// returns ErrSegmentTimeout. Failed status checks are retried up to
// MaxPollErrors in a row unless they signal exhausted quota.
func (p *Poller) Await(ctx context.Context, handle string) (string, error) {
	pollErrors := 0
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := p.sleep(ctx, p.interval); err != nil {
			return "", err
		}

		res, err := p.gateway.Poll(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			err = classify(err)
			pollErrors++
			if IsFatal(err) || pollErrors >= MaxPollErrors {
				return "", fmt.Errorf("poll %s: %w", handle, err)
			}
			p.log.Warn().Err(err).Str("handle", handle).Int("consecutive", pollErrors).Msg("poll failed, retrying")
			continue
		}
		pollErrors = 0

		if res.Error != "" {
			return "", fmt.Errorf("generation %s failed: %w", handle, classify(errors.New(res.Error)))
		}
		if res.Done {
			if res.MediaURI == "" {
				return "", fmt.Errorf("generation %s finished without media", handle)
			}
			p.log.Debug().Str("handle", handle).Int("polls", attempt).Msg("generation ready")
			return res.MediaURI, nil
		}
	}

	return "", fmt.Errorf("%w: %s after %d polls", ErrSegmentTimeout, handle, p.maxAttempts)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
