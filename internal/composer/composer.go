// Package composer turns a job's completed segments into the final video.
package composer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/bobarin/longform/internal/logging"
	"github.com/bobarin/longform/internal/media"
	"github.com/bobarin/longform/internal/models"
	"github.com/bobarin/longform/internal/storage"
)

// VideoTool is the subset of media.FFmpeg the composer needs.
type VideoTool interface {
	WorkDir(prefix string) (string, error)
	Concatenate(ctx context.Context, clipPaths []string, outputPath string, width, height int) error
	Trim(ctx context.Context, inputPath, outputPath string, seconds int) error
	Upscale(ctx context.Context, inputPath, outputPath string, width, height int) error
}

var _ VideoTool = (*media.FFmpeg)(nil)

type Composer struct {
	blob storage.Blob
	tool VideoTool
	log  zerolog.Logger
}

func New(blob storage.Blob, tool VideoTool, log zerolog.Logger) *Composer {
	return &Composer{blob: blob, tool: tool, log: logging.Component(log, "composer")}
}

// Rendered is a composed video on local disk. Close removes it.
type Rendered struct {
	Path string
	dir  string
}

func (r *Rendered) Close() error {
	return os.RemoveAll(r.dir)
}

// Compose renders the job and publishes the result.
func (c *Composer) Compose(ctx context.Context, job *models.Job) (string, error) {
	r, err := c.Render(ctx, job)
	if err != nil {
		return "", err
	}
	defer r.Close()
	return c.Publish(ctx, job, r)
}

// Render downloads every segment in index order, joins them, trims to the
// planned duration, prefixes the source video of an extend job and
// optionally upscales.
func (c *Composer) Render(ctx context.Context, job *models.Job) (_ *Rendered, err error) {
	target := job.CompositionTarget
	if target.DestinationPath == "" {
		return nil, fmt.Errorf("job %s has no destination path", job.ID)
	}

	segments := append([]models.Segment(nil), job.Segments...)
	sort.Slice(segments, func(i, j int) bool { return segments[i].Index < segments[j].Index })

	var handles []string
	for _, seg := range segments {
		if seg.Status != models.SegmentStatusCompleted || seg.MediaHandle == nil {
			return nil, fmt.Errorf("segment %d is %s, not ready to compose", seg.Index, seg.Status)
		}
		handles = append(handles, *seg.MediaHandle)
	}
	if len(handles) == 0 {
		return nil, fmt.Errorf("job %s has no segments", job.ID)
	}

	dir, err := c.tool.WorkDir("compose-" + job.ID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()

	clipPaths := make([]string, len(handles))
	for i, handle := range handles {
		clipPaths[i] = filepath.Join(dir, fmt.Sprintf("clip_%03d.mp4", i))
		if err := c.fetch(ctx, handle, clipPaths[i]); err != nil {
			return nil, fmt.Errorf("failed to fetch segment %d: %w", segments[i].Index, err)
		}
	}

	c.log.Info().Str("job_id", job.ID.String()).Int("clips", len(clipPaths)).Bool("upscale", target.Upscale4K).Msg("composing")

	// Every clip is fitted to one frame size before joining.
	frameW, frameH := media.Resolution1080(job.GenerationParams.AspectRatio)
	joined := filepath.Join(dir, "joined.mp4")
	if err := c.tool.Concatenate(ctx, clipPaths, joined, frameW, frameH); err != nil {
		return nil, err
	}

	// Provider clips can overrun their requested length.
	final := joined
	if target.TotalDuration > 0 {
		trimmed := filepath.Join(dir, "trimmed.mp4")
		if err := c.tool.Trim(ctx, joined, trimmed, target.TotalDuration); err != nil {
			return nil, err
		}
		final = trimmed
	}

	// Extend jobs play the source video first, untrimmed.
	if target.SourceMediaPath != nil && *target.SourceMediaPath != "" {
		source := filepath.Join(dir, "source.mp4")
		if err := c.fetch(ctx, *target.SourceMediaPath, source); err != nil {
			return nil, fmt.Errorf("failed to fetch source video: %w", err)
		}
		extended := filepath.Join(dir, "extended.mp4")
		if err := c.tool.Concatenate(ctx, []string{source, final}, extended, frameW, frameH); err != nil {
			return nil, err
		}
		final = extended
	}

	if target.Upscale4K {
		w, h := media.Resolution4K(job.GenerationParams.AspectRatio)
		upscaled := filepath.Join(dir, "upscaled.mp4")
		if err := c.tool.Upscale(ctx, final, upscaled, w, h); err != nil {
			return nil, err
		}
		final = upscaled
	}

	return &Rendered{Path: final, dir: dir}, nil
}

// Publish uploads a rendered video to the job's destination and returns its
// public URL.
func (c *Composer) Publish(ctx context.Context, job *models.Job, r *Rendered) (string, error) {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read composed video: %w", err)
	}
	if err := c.blob.Upload(ctx, job.CompositionTarget.DestinationPath, data, "video/mp4"); err != nil {
		return "", fmt.Errorf("failed to upload final video: %w", err)
	}
	return c.blob.PublicURL(job.CompositionTarget.DestinationPath), nil
}

func (c *Composer) fetch(ctx context.Context, handle, localPath string) error {
	data, err := c.blob.Download(ctx, handle)
	if err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0644)
}
