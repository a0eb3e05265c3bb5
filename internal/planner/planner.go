package planner

import (
	"errors"
	"fmt"

	"github.com/bobarin/longform/internal/models"
)

var ErrInvalidDuration = errors.New("planner: total duration and segment cap must be positive")

// Request describes the video to split.
type Request struct {
	Prompt          string
	TotalDuration   int // seconds
	Cap             int // provider's single-call maximum, seconds
	ReferenceImages []string
	StartFrame      *string
}

// Count returns how many segments a total duration needs under the cap.
func Count(totalDuration, cap int) int {
	if totalDuration <= 0 || cap <= 0 {
		return 0
	}
	return (totalDuration + cap - 1) / cap
}

// Plan splits a request into ordered pending segments. Every segment runs at
// the cap except the last, which carries the remainder, so the durations sum
// to exactly TotalDuration.
func Plan(req Request) ([]models.Segment, error) {
	if req.TotalDuration <= 0 || req.Cap <= 0 {
		return nil, ErrInvalidDuration
	}

	n := Count(req.TotalDuration, req.Cap)
	segments := make([]models.Segment, n)

	for i := 0; i < n; i++ {
		duration := req.Cap
		if i == n-1 {
			duration = req.TotalDuration - (n-1)*req.Cap
		}

		segments[i] = models.Segment{
			Index:       i,
			Prompt:      segmentPrompt(req.Prompt, i, n),
			DurationSec: duration,
			ImageMode:   imageMode(req, i),
			Label:       fmt.Sprintf("Segment %d/%d", i+1, n),
			Status:      models.SegmentStatusPending,
		}
	}

	return segments, nil
}

// segmentPrompt is the only thing tying independent generations together:
// continuation segments get an explicit instruction to follow the previous shot.
func segmentPrompt(prompt string, i, n int) string {
	if i == 0 {
		return prompt
	}
	return fmt.Sprintf("%s\n\nMaintain visual consistency and continuous flow from the previous shot, segment %d of %d.", prompt, i+1, n)
}

func imageMode(req Request, i int) models.ImageMode {
	if i == 0 && req.StartFrame != nil && *req.StartFrame != "" {
		return models.ImageModeStartFrame
	}
	if len(req.ReferenceImages) > 0 {
		return models.ImageModeReference
	}
	return models.ImageModeNone
}
