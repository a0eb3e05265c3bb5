// Package queue is the Redis-backed tick queue that chains bounded worker
// invocations. Ticks due in the future wait in a sorted set; a promoter moves
// due ticks onto a ready list that consumers block on.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bobarin/longform/internal/logging"
)

const (
	KeyDelayed = "ticks:delayed"
	KeyReady   = "ticks:ready"

	promoteBatch = 100
)

// Keeps the earliest due time when a job is scheduled twice.
var scheduleScript = redis.NewScript(`
local current = redis.call('ZSCORE', KEYS[1], ARGV[2])
if (not current) or tonumber(ARGV[1]) < tonumber(current) then
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
end
return 1
`)

// Moves due members from the delayed set to the ready list atomically.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('RPUSH', KEYS[2], member)
end
return #due
`)

type Queue struct {
	client *redis.Client
	log    zerolog.Logger
}

// Tick is one request to advance a job.
type Tick struct {
	JobID uuid.UUID
}

func New(redisURL string, log zerolog.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client, log: logging.Component(log, "queue")}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Schedule makes a tick for jobID due after delay. Scheduling a job that is
// already waiting keeps a single entry.
func (q *Queue) Schedule(ctx context.Context, jobID uuid.UUID, delay time.Duration) error {
	due := time.Now().Add(delay).UnixMilli()
	err := scheduleScript.Run(ctx, q.client, []string{KeyDelayed}, due, jobID.String()).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule tick: %w", err)
	}
	return nil
}

// Promote moves due ticks to the ready list and reports how many moved.
func (q *Queue) Promote(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	n, err := promoteScript.Run(ctx, q.client, []string{KeyDelayed, KeyReady}, now, promoteBatch).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote ticks: %w", err)
	}
	return n, nil
}

// RunPromoter promotes due ticks every interval until ctx ends.
func (q *Queue) RunPromoter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.Promote(ctx)
			if err != nil {
				if ctx.Err() == nil {
					q.log.Error().Err(err).Msg("promote failed")
				}
				continue
			}
			if n > 0 {
				q.log.Debug().Int("ticks", n).Msg("promoted due ticks")
			}
		}
	}
}

// Dequeue blocks up to timeout for a ready tick. It returns nil, nil when
// nothing arrived.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Tick, error) {
	result, err := q.client.BLPop(ctx, timeout, KeyReady).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	id, err := uuid.Parse(result[1])
	if err != nil {
		return nil, fmt.Errorf("invalid job id %q in tick queue: %w", result[1], err)
	}
	return &Tick{JobID: id}, nil
}

// Depth reports how many ticks are waiting, ready and delayed.
func (q *Queue) Depth(ctx context.Context) (ready, delayed int64, err error) {
	ready, err = q.client.LLen(ctx, KeyReady).Result()
	if err != nil {
		return 0, 0, err
	}
	delayed, err = q.client.ZCard(ctx, KeyDelayed).Result()
	if err != nil {
		return 0, 0, err
	}
	return ready, delayed, nil
}
