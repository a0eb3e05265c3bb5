package composer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/longform/internal/logging"
	"github.com/bobarin/longform/internal/models"
	"github.com/bobarin/longform/internal/storage"
)

// fakeTool joins file contents with "|" so the output records clip order.
type fakeTool struct {
	base       string
	concatErr  error
	upscaledTo string
	frames     []string
}

func (f *fakeTool) WorkDir(prefix string) (string, error) {
	return os.MkdirTemp(f.base, prefix+"-")
}

func (f *fakeTool) Concatenate(ctx context.Context, clipPaths []string, outputPath string, width, height int) error {
	if f.concatErr != nil {
		return f.concatErr
	}
	f.frames = append(f.frames, fmt.Sprintf("%dx%d", width, height))
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
	return os.WriteFile(outputPath, []byte(fmt.Sprintf("trim%d(%s)", seconds, data)), 0644)
}

func (f *fakeTool) Upscale(ctx context.Context, inputPath, outputPath string, width, height int) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	f.upscaledTo = fmt.Sprintf("%dx%d", width, height)
	return os.WriteFile(outputPath, []byte("4k("+string(data)+")"), 0644)
}

func completedJob(t *testing.T, blob *storage.Memory, order []int) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:               uuid.New(),
		Phase:            models.JobPhaseComposing,
		GenerationParams: models.GenerationParams{AspectRatio: "9:16"},
		CompositionTarget: models.CompositionTarget{
			DestinationPath: "user-1/final.mp4",
			TotalDuration:   30,
		},
	}
	for _, i := range order {
		handle := fmt.Sprintf("%s/segments/%03d.mp4", job.ID, i)
		require.NoError(t, blob.Upload(context.Background(), handle, []byte(fmt.Sprintf("s%d", i)), "video/mp4"))
		job.Segments = append(job.Segments, models.Segment{
			Index:       i,
			Status:      models.SegmentStatusCompleted,
			MediaHandle: &handle,
		})
	}
	return job
}

func TestCompose_OrdersByIndex(t *testing.T) {
	blob := storage.NewMemory("https://cdn.test")
	tool := &fakeTool{base: t.TempDir()}
	c := New(blob, tool, logging.Nop())

	job := completedJob(t, blob, []int{2, 0, 3, 1})

	url, err := c.Compose(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/user-1/final.mp4", url)

	out, err := blob.Download(context.Background(), "user-1/final.mp4")
	require.NoError(t, err)
	assert.Equal(t, "trim30(s0|s1|s2|s3)", string(out))
}

func TestCompose_ExtendPrefixesSource(t *testing.T) {
	ctx := context.Background()
	blob := storage.NewMemory("https://cdn.test")
	require.NoError(t, blob.Upload(ctx, "user-1/prev/final.mp4", []byte("src"), "video/mp4"))
	tool := &fakeTool{base: t.TempDir()}
	c := New(blob, tool, logging.Nop())

	job := completedJob(t, blob, []int{0, 1})
	source := "user-1/prev/final.mp4"
	job.CompositionTarget.SourceMediaPath = &source
	job.CompositionTarget.TotalDuration = 16

	_, err := c.Compose(ctx, job)
	require.NoError(t, err)

	out, err := blob.Download(ctx, "user-1/final.mp4")
	require.NoError(t, err)
	assert.Equal(t, "src|trim16(s0|s1)", string(out))
	assert.Equal(t, []string{"1080x1920", "1080x1920"}, tool.frames, "source and segments share one frame size")
}

func TestCompose_Upscales(t *testing.T) {
	blob := storage.NewMemory("https://cdn.test")
	tool := &fakeTool{base: t.TempDir()}
	c := New(blob, tool, logging.Nop())

	job := completedJob(t, blob, []int{0})
	job.CompositionTarget.Upscale4K = true
	job.CompositionTarget.TotalDuration = 8

	_, err := c.Compose(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "2160x3840", tool.upscaledTo)

	out, err := blob.Download(context.Background(), "user-1/final.mp4")
	require.NoError(t, err)
	assert.Equal(t, "4k(trim8(s0))", string(out))
}

func TestCompose_RejectsIncompleteSegments(t *testing.T) {
	blob := storage.NewMemory("https://cdn.test")
	c := New(blob, &fakeTool{base: t.TempDir()}, logging.Nop())

	job := completedJob(t, blob, []int{0, 1})
	job.Segments[1].Status = models.SegmentStatusPending
	job.Segments[1].MediaHandle = nil

	_, err := c.Compose(context.Background(), job)
	require.Error(t, err)
	assert.Empty(t, blobPathsWithPrefix(blob, "user-1/"))
}

func TestCompose_ToolFailureUploadsNothing(t *testing.T) {
	blob := storage.NewMemory("https://cdn.test")
	c := New(blob, &fakeTool{base: t.TempDir(), concatErr: errors.New("ffmpeg exploded")}, logging.Nop())

	_, err := c.Compose(context.Background(), completedJob(t, blob, []int{0, 1}))
	require.ErrorContains(t, err, "ffmpeg exploded")
	assert.Empty(t, blobPathsWithPrefix(blob, "user-1/"))
}

func blobPathsWithPrefix(m *storage.Memory, prefix string) []string {
	var out []string
	for _, p := range m.Paths() {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out
}
