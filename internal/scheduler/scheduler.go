// Package scheduler runs segment generations with bounded parallelism.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bobarin/longform/internal/logging"
	"github.com/bobarin/longform/internal/models"
	"github.com/bobarin/longform/internal/provider"
)

const DefaultPoolSize = 5

type Kind int

const (
	Success Kind = iota
	Failure      // this segment failed, others may continue
	Fatal        // the whole job should stop
	Interrupted  // the tick context ended before the segment settled
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Fatal:
		return "fatal"
	case Interrupted:
		return "interrupted"
	}
	return "unknown"
}

type Outcome struct {
	Index       int
	Kind        Kind
	MediaHandle string
	Err         error
	Elapsed     time.Duration
}

// Task generates one segment and returns its media handle.
type Task func(ctx context.Context, seg models.Segment) (string, error)

type Result struct {
	Outcomes []Outcome // sorted by segment index
	Fatal    bool
	FatalErr error
	Skipped  []int // never started because of a fatal error or a cancelled context
}

type Scheduler struct {
	pool int
	log  zerolog.Logger
}

func New(pool int, log zerolog.Logger) *Scheduler {
	if pool <= 0 {
		pool = DefaultPoolSize
	}
	return &Scheduler{pool: pool, log: logging.Component(log, "scheduler")}
}

func (s *Scheduler) PoolSize() int { return s.pool }

// Run executes task for every segment, at most PoolSize at a time. After a
// fatal outcome no further segments are admitted; those already running are
// allowed to finish and their outcomes are reported.
func (s *Scheduler) Run(ctx context.Context, segments []models.Segment, task Task) Result {
	var (
		mu      sync.Mutex
		res     Result
		stopped atomic.Bool
	)

	record := func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		res.Outcomes = append(res.Outcomes, o)
		if o.Kind == Fatal && !res.Fatal {
			res.Fatal = true
			res.FatalErr = o.Err
		}
	}
	skip := func(index int) {
		mu.Lock()
		defer mu.Unlock()
		res.Skipped = append(res.Skipped, index)
	}

	var g errgroup.Group
	g.SetLimit(s.pool)

	for _, seg := range segments {
		seg := seg
		if stopped.Load() || ctx.Err() != nil {
			skip(seg.Index)
			continue
		}

		g.Go(func() error {
			// Admission is re-checked once a slot frees up.
			if stopped.Load() || ctx.Err() != nil {
				skip(seg.Index)
				return nil
			}

			start := time.Now()
			handle, err := task(ctx, seg)
			o := Outcome{Index: seg.Index, MediaHandle: handle, Err: err, Elapsed: time.Since(start)}
			o.Kind = classify(ctx, err)
			if o.Kind == Fatal {
				stopped.Store(true)
			}

			ev := s.log.Debug()
			if err != nil {
				ev = s.log.Warn().Err(err)
			}
			ev.Int("segment", seg.Index).Str("outcome", o.Kind.String()).Dur("elapsed", o.Elapsed).Msg("segment settled")

			record(o)
			return nil
		})
	}
	g.Wait()

	sort.Slice(res.Outcomes, func(i, j int) bool { return res.Outcomes[i].Index < res.Outcomes[j].Index })
	sort.Ints(res.Skipped)
	return res
}

func classify(ctx context.Context, err error) Kind {
	switch {
	case err == nil:
		return Success
	case provider.IsFatal(err):
		return Fatal
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return Interrupted
	default:
		return Failure
	}
}
