// Package provider talks to asynchronous video generation APIs. A generation
// is three steps: submit a request and get an opaque handle, poll the handle
// until it settles, then download the produced media.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bobarin/longform/internal/models"
)

var (
	// ErrQuotaExhausted marks quota and rate-limit rejections. Retrying inside
	// the same job cannot help, so callers treat it as fatal.
	ErrQuotaExhausted = errors.New("provider quota exhausted")
	// ErrSegmentTimeout is returned when a handle never settles within the
	// polling budget.
	ErrSegmentTimeout = errors.New("segment generation timed out")
)

// ImageRef is an input image. Gateways use whichever form they accept.
type ImageRef struct {
	URL      string
	Data     []byte
	MIMEType string
}

type SubmitRequest struct {
	Prompt         string
	DurationSec    int
	AspectRatio    string
	Model          string
	GenerateAudio  bool
	NegativePrompt string
	ImageMode      models.ImageMode
	Images         []ImageRef // start frame first when ImageMode is start_frame
}

type PollResult struct {
	Done     bool
	MediaURI string
	Error    string
}

// Gateway is one video generation backend.
type Gateway interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Poll(ctx context.Context, handle string) (PollResult, error)
	Download(ctx context.Context, mediaURI string) ([]byte, error)
}

var quotaSignals = []string{
	"resource_exhausted",
	"quota",
	"rate limit",
	"too many requests",
	"429",
}

// IsQuotaMessage reports whether a provider message signals quota or rate
// limiting.
func IsQuotaMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, s := range quotaSignals {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// classify wraps quota signals in ErrQuotaExhausted and leaves other errors
// alone.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrQuotaExhausted) {
		return err
	}
	if IsQuotaMessage(err.Error()) {
		return fmt.Errorf("%w: %v", ErrQuotaExhausted, err)
	}
	return err
}

// IsFatal reports whether err should stop the whole job rather than one segment.
func IsFatal(err error) bool {
	return errors.Is(err, ErrQuotaExhausted)
}
