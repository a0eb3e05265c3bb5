package worker

import (
	"context"
	"fmt"
	"mime"
	"path"
	"sync"

	"github.com/bobarin/longform/internal/models"
	"github.com/bobarin/longform/internal/provider"
	"github.com/bobarin/longform/internal/scheduler"
	"github.com/bobarin/longform/internal/storage"
)

// segmentTask generates one segment end to end: submit, wait, download from
// the provider, then copy into blob storage. The stored path becomes the
// segment's media handle since provider URIs expire.
func (w *Worker) segmentTask(job *models.Job, images *imageLoader) scheduler.Task {
	params := job.GenerationParams
	jobID := job.ID.String()

	return func(ctx context.Context, seg models.Segment) (string, error) {
		req := provider.SubmitRequest{
			Prompt:         seg.Prompt,
			DurationSec:    seg.DurationSec,
			AspectRatio:    params.AspectRatio,
			Model:          params.Model,
			GenerateAudio:  params.GenerateAudio,
			NegativePrompt: params.NegativePrompt,
			ImageMode:      seg.ImageMode,
		}
		if seg.ImageMode != models.ImageModeNone {
			refs, err := images.forMode(ctx, seg.ImageMode)
			if err != nil {
				return "", err
			}
			req.Images = refs
		}

		uri, err := w.poller.Generate(ctx, req)
		if err != nil {
			return "", err
		}

		data, err := w.poller.Gateway().Download(ctx, uri)
		if err != nil {
			return "", fmt.Errorf("failed to download segment %d: %w", seg.Index, err)
		}

		handle := storage.SegmentPath(jobID, seg.Index)
		if err := w.uploadWithLimit(ctx, func() error {
			return w.blob.Upload(ctx, handle, data, "video/mp4")
		}); err != nil {
			return "", fmt.Errorf("failed to store segment %d: %w", seg.Index, err)
		}
		return handle, nil
	}
}

// uploadWithLimit bounds concurrent storage uploads across all ticks.
func (w *Worker) uploadWithLimit(ctx context.Context, fn func() error) error {
	if err := w.uploadSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("upload cancelled while waiting for slot: %w", err)
	}
	defer w.uploadSem.Release(1)
	return fn()
}

// imageLoader fetches a job's input images from storage once per tick, on
// first use.
type imageLoader struct {
	blob   storage.Blob
	params models.GenerationParams

	once       sync.Once
	startFrame *provider.ImageRef
	references []provider.ImageRef
	err        error
}

func newImageLoader(blob storage.Blob, params models.GenerationParams) *imageLoader {
	return &imageLoader{blob: blob, params: params}
}

func (l *imageLoader) forMode(ctx context.Context, mode models.ImageMode) ([]provider.ImageRef, error) {
	l.once.Do(func() { l.err = l.load(ctx) })
	if l.err != nil {
		return nil, l.err
	}

	switch mode {
	case models.ImageModeStartFrame:
		if l.startFrame != nil {
			return []provider.ImageRef{*l.startFrame}, nil
		}
	case models.ImageModeReference:
		return l.references, nil
	}
	return nil, nil
}

func (l *imageLoader) load(ctx context.Context) error {
	if sf := l.params.StartFrame; sf != nil && *sf != "" {
		ref, err := l.fetch(ctx, *sf)
		if err != nil {
			return err
		}
		l.startFrame = &ref
	}
	for _, p := range l.params.ReferenceImages {
		ref, err := l.fetch(ctx, p)
		if err != nil {
			return err
		}
		l.references = append(l.references, ref)
	}
	return nil
}

func (l *imageLoader) fetch(ctx context.Context, p string) (provider.ImageRef, error) {
	data, err := l.blob.Download(ctx, p)
	if err != nil {
		return provider.ImageRef{}, fmt.Errorf("failed to load image %s: %w", p, err)
	}
	mimeType := mime.TypeByExtension(path.Ext(p))
	if mimeType == "" {
		mimeType = "image/png"
	}
	return provider.ImageRef{URL: l.blob.PublicURL(p), Data: data, MIMEType: mimeType}, nil
}
