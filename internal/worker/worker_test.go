package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/longform/internal/composer"
	"github.com/bobarin/longform/internal/effects"
	"github.com/bobarin/longform/internal/ledger"
	"github.com/bobarin/longform/internal/logging"
	"github.com/bobarin/longform/internal/memstore"
	"github.com/bobarin/longform/internal/models"
	"github.com/bobarin/longform/internal/planner"
	"github.com/bobarin/longform/internal/provider"
	"github.com/bobarin/longform/internal/scheduler"
	"github.com/bobarin/longform/internal/storage"
)

const owner = "user-1"

// ── Fakes ───────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeGateway finishes every operation on the first poll. Segments are told
// apart by the 1-based number the planner writes into continuation prompts.
type fakeGateway struct {
	mu       sync.Mutex
	clock    *fakeClock
	advance  time.Duration // clock advance per submit
	failures map[int]int   // segment number -> remaining failures
	quotaAt  int           // segment number whose submit hits quota
	hang     bool          // polls block until the tick deadline
	submits  map[int]int   // segment number -> submit count
	requests []provider.SubmitRequest
}

func newFakeGateway(clock *fakeClock) *fakeGateway {
	return &fakeGateway{clock: clock, failures: map[int]int{}, submits: map[int]int{}}
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) Submit(ctx context.Context, req provider.SubmitRequest) (string, error) {
	n := segmentNumber(req.Prompt)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits[n]++
	g.requests = append(g.requests, req)
	if g.advance > 0 {
		g.clock.Advance(g.advance)
	}
	if g.quotaAt == n {
		return "", errors.New("googleapi: Error 429: RESOURCE_EXHAUSTED")
	}
	if g.failures[n] > 0 {
		g.failures[n]--
		return fmt.Sprintf("fail-%d", n), nil
	}
	return fmt.Sprintf("op-%d", n), nil
}

func (g *fakeGateway) Poll(ctx context.Context, handle string) (provider.PollResult, error) {
	g.mu.Lock()
	hang := g.hang
	g.mu.Unlock()
	if hang {
		<-ctx.Done()
		return provider.PollResult{}, ctx.Err()
	}
	if strings.HasPrefix(handle, "fail-") {
		return provider.PollResult{Done: true, Error: "blocked by safety filters"}, nil
	}
	return provider.PollResult{Done: true, MediaURI: "uri/" + handle}, nil
}

func (g *fakeGateway) Download(ctx context.Context, uri string) ([]byte, error) {
	var n int
	fmt.Sscanf(strings.TrimPrefix(uri, "uri/op-"), "%d", &n)
	return []byte(fmt.Sprintf("s%d", n-1)), nil
}

func (g *fakeGateway) setAdvance(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance = d
}

func (g *fakeGateway) totalSubmits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, c := range g.submits {
		total += c
	}
	return total
}

func segmentNumber(prompt string) int {
	i := strings.LastIndex(prompt, "segment ")
	if i < 0 {
		return 1
	}
	var n int
	if _, err := fmt.Sscanf(prompt[i:], "segment %d of", &n); err != nil {
		return 1
	}
	return n
}

type fakeTool struct {
	base      string
	concatErr error
}

func (f *fakeTool) WorkDir(prefix string) (string, error) { return os.MkdirTemp(f.base, prefix+"-") }

func (f *fakeTool) Concatenate(ctx context.Context, clipPaths []string, outputPath string, width, height int) error {
	if f.concatErr != nil {
		return f.concatErr
	}
	var parts []string
	for _, p := range clipPaths {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		parts = append(parts, string(data))
	}
	return os.WriteFile(outputPath, []byte(strings.Join(parts, "|")), 0644)
}

func (f *fakeTool) Trim(ctx context.Context, inputPath, outputPath string, seconds int) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, data, 0644)
}

func (f *fakeTool) Upscale(ctx context.Context, inputPath, outputPath string, width, height int) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, append([]byte("4k:"), data...), 0644)
}

type fakeChainer struct {
	mu        sync.Mutex
	scheduled []uuid.UUID
}

func (c *fakeChainer) Schedule(ctx context.Context, jobID uuid.UUID, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduled = append(c.scheduled, jobID)
	return nil
}

func (c *fakeChainer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scheduled)
}

// ── Harness ─────────────────────────────────────────────────────────────────

type harness struct {
	store   *memstore.MemStore
	blob    *storage.Memory
	ledger  *ledger.Ledger
	gateway *fakeGateway
	tool    *fakeTool
	chainer *fakeChainer
	clock   *fakeClock
	worker  *Worker
}

func newHarness(t *testing.T, pool int, balance int, tweak ...func(*Options)) *harness {
	t.Helper()
	log := logging.Nop()

	h := &harness{
		store:   memstore.New(),
		blob:    storage.NewMemory("https://cdn.test"),
		tool:    &fakeTool{base: t.TempDir()},
		chainer: &fakeChainer{},
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.gateway = newFakeGateway(h.clock)
	h.ledger = ledger.New(h.store, ledger.Pricing{CreditsPerSegment: 10, UpscaleSurcharge: 20}, log)
	if balance > 0 {
		_, err := h.ledger.Grant(context.Background(), owner, balance, models.TransactionAllocation, "test")
		require.NoError(t, err)
	}

	opts := Options{
		TickCeiling:        800 * time.Second,
		TickSafetyMargin:   100 * time.Second,
		BatchEstimate:      90 * time.Second,
		MaxSegmentAttempts: 2,
		UploadConcurrency:  2,
	}
	for _, f := range tweak {
		f(&opts)
	}

	poller := provider.NewPoller(h.gateway, time.Second, 10, log).
		WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() })
	fx := effects.New(h.store, effects.Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Timeout: time.Second}, log)

	h.worker = New(
		h.store,
		h.ledger,
		scheduler.New(pool, log),
		poller,
		h.blob,
		composer.New(h.blob, h.tool, log),
		h.chainer,
		fx,
		opts,
		log,
	).WithClock(h.clock)
	return h
}

// createJob reserves credits and stores a planned job the way the API does.
func (h *harness) createJob(t *testing.T, totalSeconds int) *models.Job {
	t.Helper()
	ctx := context.Background()

	segments, err := planner.Plan(planner.Request{Prompt: "a lighthouse at dusk", TotalDuration: totalSeconds, Cap: 8})
	require.NoError(t, err)

	job := &models.Job{
		ID:               uuid.New(),
		OwnerID:          owner,
		Phase:            models.JobPhaseGenerating,
		Segments:         segments,
		GenerationParams: models.GenerationParams{Prompt: "a lighthouse at dusk", AspectRatio: "16:9"},
	}
	cost := h.ledger.Cost(len(segments), false)
	_, err = h.ledger.Consume(ctx, owner, cost, job.ID.String(), "test job")
	require.NoError(t, err)

	job.CompositionTarget = models.CompositionTarget{
		OwnerID:         owner,
		CreditsReserved: cost,
		DestinationPath: storage.FinalPath(owner, job.ID.String()),
		TotalDuration:   totalSeconds,
	}
	require.NoError(t, h.store.CreateJob(ctx, job))
	return job
}

func (h *harness) balance(t *testing.T) int {
	t.Helper()
	bal, err := h.ledger.Balance(context.Background(), owner)
	require.NoError(t, err)
	return bal.Remaining
}

func (h *harness) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

// assertConserved checks that the balance equals the sum of its ledger rows.
func (h *harness) assertConserved(t *testing.T) {
	t.Helper()
	txs, err := h.ledger.Transactions(context.Background(), owner, 0)
	require.NoError(t, err)
	sum := 0
	for _, tx := range txs {
		sum += tx.Amount
	}
	assert.Equal(t, h.balance(t), sum)
}

func countRefunds(t *testing.T, h *harness) int {
	t.Helper()
	txs, err := h.ledger.Transactions(context.Background(), owner, 0)
	require.NoError(t, err)
	n := 0
	for _, tx := range txs {
		if tx.Type == models.TransactionRefund {
			n++
		}
	}
	return n
}

// ── Tests ───────────────────────────────────────────────────────────────────

func TestTick_ThirtySecondJobCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, 100)
	job := h.createJob(t, 30)
	require.Len(t, job.Segments, 4)
	assert.Equal(t, 60, h.balance(t))

	res, err := h.worker.Tick(ctx, job.ID, TickOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusComposing, res.Status)
	assert.Equal(t, 4, res.Completed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 1, h.chainer.count(), "compose tick scheduled")

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobPhaseComposing, stored.Phase)
	for _, seg := range stored.Segments {
		require.NotNil(t, seg.MediaHandle)
		assert.Equal(t, storage.SegmentPath(job.ID.String(), seg.Index), *seg.MediaHandle)
	}

	res, err = h.worker.Tick(ctx, job.ID, TickOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	stored = h.job(t, job.ID)
	assert.Equal(t, models.JobPhaseCompleted, stored.Phase)
	require.NotNil(t, stored.ResultURL)
	assert.Equal(t, "https://cdn.test/"+storage.FinalPath(owner, job.ID.String()), *stored.ResultURL)

	out, err := h.blob.Download(ctx, storage.FinalPath(owner, job.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, "s0|s1|s2|s3", string(out), "segments composed in index order")

	assert.Equal(t, 60, h.balance(t), "no refund on success")
	h.assertConserved(t)
}

func TestTick_TerminalJobIsNoOp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, 100)
	job := h.createJob(t, 16)

	_, err := h.worker.Tick(ctx, job.ID, TickOptions{InlineCompose: true})
	require.NoError(t, err)
	before := h.job(t, job.ID)
	require.Equal(t, models.JobPhaseCompleted, before.Phase)
	submits := h.gateway.totalSubmits()

	res, err := h.worker.Tick(ctx, job.ID, TickOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, submits, h.gateway.totalSubmits())
	assert.Equal(t, before.UpdatedAt, h.job(t, job.ID).UpdatedAt)
}

func TestTick_ConcurrentTicksStayConsistent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3, 100)
	job := h.createJob(t, 40)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.worker.Tick(ctx, job.ID, TickOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// A late tick may already have composed the job.
	stored := h.job(t, job.ID)
	assert.Contains(t, []models.JobPhase{models.JobPhaseComposing, models.JobPhaseCompleted}, stored.Phase)
	for _, seg := range stored.Segments {
		assert.Equal(t, models.SegmentStatusCompleted, seg.Status)
		assert.Equal(t, 1, seg.Attempts, "a completed segment is never rewritten")
	}
}

func TestTick_QuotaFailsWholeJobWithFullRefund(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, 500)
	job := h.createJob(t, 160)
	require.Len(t, job.Segments, 20)
	assert.Equal(t, 300, h.balance(t))

	h.gateway.quotaAt = 7

	res, err := h.worker.Tick(ctx, job.ID, TickOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobPhaseFailed, stored.Phase)
	require.NotNil(t, stored.ErrorCode)
	assert.Equal(t, models.ErrorCodeQuotaExhausted, *stored.ErrorCode)
	assert.Nil(t, stored.ResultURL)

	assert.LessOrEqual(t, h.gateway.totalSubmits(), 10, "no batch starts after the quota error")
	assert.Equal(t, 500, h.balance(t))
	assert.Equal(t, 0, h.chainer.count())
	h.assertConserved(t)

	// A late tick neither refunds again nor restarts work.
	_, err = h.worker.Tick(ctx, job.ID, TickOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, countRefunds(t, h))
}

func TestTick_StopsBeforeBudgetAndChains(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, 200)
	h.gateway.advance = 200 * time.Second
	job := h.createJob(t, 80)
	require.Len(t, job.Segments, 10)

	res, err := h.worker.Tick(ctx, job.ID, TickOptions{})
	require.NoError(t, err)

	// Budget 700s: batches start at 0s, 200s and 400s; at 600s the next
	// batch (estimated 200s) would overrun.
	assert.Equal(t, StatusProcessing, res.Status)
	assert.Equal(t, 3, res.Completed)
	assert.Equal(t, 7, res.Remaining)
	assert.Equal(t, 3, h.gateway.totalSubmits())
	assert.Equal(t, 1, h.chainer.count())

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobPhaseGenerating, stored.Phase)
	require.NotNil(t, stored.ProgressLabel)
	assert.Equal(t, "Generated 3/10 segments", *stored.ProgressLabel)
}

func TestTick_SlowBatchDoesNotStallLaterJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, 100)

	slow := h.createJob(t, 8)
	h.gateway.setAdvance(750 * time.Second)
	res, err := h.worker.Tick(ctx, slow.ID, TickOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusComposing, res.Status)

	h.gateway.setAdvance(0)
	next := h.createJob(t, 16)
	res, err = h.worker.Tick(ctx, next.ID, TickOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusComposing, res.Status)
	assert.Equal(t, 2, res.Completed)
}

func TestTick_OversizedEstimateStillMakesProgress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, 100, func(o *Options) { o.BatchEstimate = 2 * time.Hour })
	job := h.createJob(t, 16)

	res, err := h.worker.Tick(ctx, job.ID, TickOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed, "estimate is capped below the budget")
	assert.Equal(t, StatusComposing, res.Status)
}

func TestTick_DeadlineInterruptionSpendsAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, 100, func(o *Options) {
		o.TickCeiling = 50 * time.Millisecond
		o.TickSafetyMargin = 10 * time.Millisecond
	})
	h.gateway.hang = true
	job := h.createJob(t, 6)
	require.Len(t, job.Segments, 1)

	res, err := h.worker.Tick(ctx, job.ID, TickOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, res.Status)
	assert.Equal(t, 1, h.chainer.count())

	stored := h.job(t, job.ID)
	assert.Equal(t, models.SegmentStatusFailed, stored.Segments[0].Status)
	assert.Equal(t, 1, stored.Segments[0].Attempts)
	require.NotNil(t, stored.Segments[0].ErrorMessage)
	assert.Contains(t, *stored.Segments[0].ErrorMessage, "tick deadline")

	res, err = h.worker.Tick(ctx, job.ID, TickOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	stored = h.job(t, job.ID)
	require.NotNil(t, stored.ErrorCode)
	assert.Equal(t, models.ErrorCodeSegmentFailed, *stored.ErrorCode)
	assert.Equal(t, 2, h.gateway.totalSubmits())
	assert.Equal(t, 100, h.balance(t))
	assert.Equal(t, 1, countRefunds(t, h))
	h.assertConserved(t)
}

func TestTick_RetriesFailedSegment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, 100)
	h.gateway.failures[2] = 1
	job := h.createJob(t, 24)

	res, err := h.worker.Tick(ctx, job.ID, TickOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusComposing, res.Status)

	stored := h.job(t, job.ID)
	assert.Equal(t, 2, stored.Segments[1].Attempts)
	assert.Equal(t, models.SegmentStatusCompleted, stored.Segments[1].Status)
	assert.Nil(t, stored.Segments[1].ErrorMessage)
}

func TestTick_ExhaustedSegmentFailsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, 100)
	h.gateway.failures[3] = 5
	job := h.createJob(t, 24)

	res, err := h.worker.Tick(ctx, job.ID, TickOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	stored := h.job(t, job.ID)
	require.NotNil(t, stored.ErrorCode)
	assert.Equal(t, models.ErrorCodeSegmentFailed, *stored.ErrorCode)
	assert.Contains(t, *stored.ErrorMessage, "segment 3")
	assert.Equal(t, 2, h.gateway.submits[3])
	assert.Equal(t, 100, h.balance(t))
	h.assertConserved(t)
}

func TestTick_CompositionFailureRefunds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, 100)
	h.tool.concatErr = errors.New("ffmpeg: invalid data found")
	job := h.createJob(t, 16)

	res, err := h.worker.Tick(ctx, job.ID, TickOptions{InlineCompose: true})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	stored := h.job(t, job.ID)
	require.NotNil(t, stored.ErrorCode)
	assert.Equal(t, models.ErrorCodeCompositionFailed, *stored.ErrorCode)
	assert.Nil(t, stored.ResultURL)
	assert.Equal(t, 100, h.balance(t))
	h.assertConserved(t)
}

func TestTick_InlineComposeFinishesShortJob(t *testing.T) {
	h := newHarness(t, 5, 100)
	job := h.createJob(t, 6)

	res, err := h.worker.Tick(context.Background(), job.ID, TickOptions{InlineCompose: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 0, h.chainer.count())
}

func TestCancel_RefundsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, 200)
	h.gateway.advance = 400 * time.Second
	job := h.createJob(t, 40)

	res, err := h.worker.Tick(ctx, job.ID, TickOptions{})
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, res.Status)
	assert.Equal(t, 150, h.balance(t))

	res, err = h.worker.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, 200, h.balance(t))

	_, err = h.worker.Cancel(ctx, job.ID)
	require.NoError(t, err)
	res, err = h.worker.Tick(ctx, job.ID, TickOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, 1, countRefunds(t, h))
	h.assertConserved(t)
}

func TestTick_PassesImagesByMode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, 100)
	require.NoError(t, h.blob.Upload(ctx, "uploads/start.png", []byte("png-start"), "image/png"))
	require.NoError(t, h.blob.Upload(ctx, "uploads/ref.jpg", []byte("jpg-ref"), "image/jpeg"))

	start := "uploads/start.png"
	segments, err := planner.Plan(planner.Request{
		Prompt: "p", TotalDuration: 16, Cap: 8,
		StartFrame: &start, ReferenceImages: []string{"uploads/ref.jpg"},
	})
	require.NoError(t, err)
	job := &models.Job{
		ID:       uuid.New(),
		OwnerID:  owner,
		Phase:    models.JobPhaseGenerating,
		Segments: segments,
		GenerationParams: models.GenerationParams{
			Prompt: "p", StartFrame: &start, ReferenceImages: []string{"uploads/ref.jpg"},
		},
		CompositionTarget: models.CompositionTarget{OwnerID: owner, DestinationPath: "out.mp4", TotalDuration: 16},
	}
	require.NoError(t, h.store.CreateJob(ctx, job))

	_, err = h.worker.Tick(ctx, job.ID, TickOptions{})
	require.NoError(t, err)

	require.Len(t, h.gateway.requests, 2)
	first, second := h.gateway.requests[0], h.gateway.requests[1]
	assert.Equal(t, models.ImageModeStartFrame, first.ImageMode)
	require.Len(t, first.Images, 1)
	assert.Equal(t, "png-start", string(first.Images[0].Data))
	assert.Equal(t, "image/png", first.Images[0].MIMEType)

	assert.Equal(t, models.ImageModeReference, second.ImageMode)
	require.Len(t, second.Images, 1)
	assert.Equal(t, "https://cdn.test/uploads/ref.jpg", second.Images[0].URL)
}
