package planner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/longform/internal/models"
)

func TestPlan_ThirtySecondsAtEightSecondCap(t *testing.T) {
	segments, err := Plan(Request{Prompt: "a fox running through snow", TotalDuration: 30, Cap: 8})
	require.NoError(t, err)
	require.Len(t, segments, 4)

	durations := []int{8, 8, 8, 6}
	for i, seg := range segments {
		assert.Equal(t, i, seg.Index)
		assert.Equal(t, durations[i], seg.DurationSec)
		assert.Equal(t, models.SegmentStatusPending, seg.Status)
		assert.Nil(t, seg.MediaHandle)
		assert.Equal(t, models.ImageModeNone, seg.ImageMode)
	}

	assert.Equal(t, "a fox running through snow", segments[0].Prompt)
	assert.Contains(t, segments[2].Prompt, "a fox running through snow")
	assert.Contains(t, segments[2].Prompt, "segment 3 of 4")
	assert.Contains(t, segments[2].Prompt, "continuous flow from the previous shot")
	assert.Equal(t, "Segment 4/4", segments[3].Label)
}

func TestPlan_DurationsSumToTotal(t *testing.T) {
	for total := 1; total <= 200; total++ {
		for _, cap := range []int{4, 6, 8, 15} {
			segments, err := Plan(Request{Prompt: "p", TotalDuration: total, Cap: cap})
			require.NoError(t, err)
			require.Len(t, segments, Count(total, cap))

			sum := 0
			for i, seg := range segments {
				require.Greater(t, seg.DurationSec, 0)
				require.LessOrEqual(t, seg.DurationSec, cap)
				if i < len(segments)-1 {
					require.Equal(t, cap, seg.DurationSec)
				}
				sum += seg.DurationSec
			}
			require.Equal(t, total, sum, "total=%d cap=%d", total, cap)
		}
	}
}

func TestPlan_ImageModes(t *testing.T) {
	start := "uploads/first.png"

	segments, err := Plan(Request{
		Prompt:          "p",
		TotalDuration:   20,
		Cap:             8,
		ReferenceImages: []string{"uploads/ref.png"},
		StartFrame:      &start,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ImageModeStartFrame, segments[0].ImageMode)
	assert.Equal(t, models.ImageModeReference, segments[1].ImageMode)
	assert.Equal(t, models.ImageModeReference, segments[2].ImageMode)

	segments, err = Plan(Request{Prompt: "p", TotalDuration: 16, Cap: 8, StartFrame: &start})
	require.NoError(t, err)
	assert.Equal(t, models.ImageModeStartFrame, segments[0].ImageMode)
	assert.Equal(t, models.ImageModeNone, segments[1].ImageMode)
}

func TestPlan_RejectsNonPositive(t *testing.T) {
	_, err := Plan(Request{Prompt: "p", TotalDuration: 0, Cap: 8})
	require.ErrorIs(t, err, ErrInvalidDuration)

	_, err = Plan(Request{Prompt: "p", TotalDuration: 10, Cap: 0})
	require.ErrorIs(t, err, ErrInvalidDuration)
}

func TestPlan_SingleSegmentHasNoContinuationHint(t *testing.T) {
	segments, err := Plan(Request{Prompt: "short clip", TotalDuration: 5, Cap: 8})
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, 5, segments[0].DurationSec)
	assert.False(t, strings.Contains(segments[0].Prompt, "segment"))
}
