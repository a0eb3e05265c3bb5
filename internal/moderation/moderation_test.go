package moderation

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/longform/internal/logging"
)

type fakeClient struct {
	resp  openai.ModerationResponse
	err   error
	input string
}

func (f *fakeClient) Moderations(ctx context.Context, req openai.ModerationRequest) (openai.ModerationResponse, error) {
	f.input = req.Input
	return f.resp, f.err
}

func TestCheck_DisabledWithoutKey(t *testing.T) {
	m := New("", logging.Nop())
	assert.False(t, m.Enabled())
	assert.NoError(t, m.Check(context.Background(), "anything"))

	var nilModerator *Moderator
	assert.NoError(t, nilModerator.Check(context.Background(), "anything"))
}

func TestCheck_Flagged(t *testing.T) {
	fc := &fakeClient{resp: openai.ModerationResponse{Results: []openai.Result{{
		Flagged:    true,
		Categories: openai.ResultCategories{Violence: true},
	}}}}
	m := &Moderator{client: fc, log: logging.Nop()}

	err := m.Check(context.Background(), "prompt", "negative")
	require.ErrorIs(t, err, ErrFlagged)
	assert.Contains(t, err.Error(), "violence")
	assert.Equal(t, "prompt\n\nnegative", fc.input)
}

func TestCheck_CleanPrompt(t *testing.T) {
	fc := &fakeClient{resp: openai.ModerationResponse{Results: []openai.Result{{Flagged: false}}}}
	m := &Moderator{client: fc, log: logging.Nop()}
	assert.NoError(t, m.Check(context.Background(), "a lighthouse at dusk"))
}

func TestCheck_OutageFailsOpen(t *testing.T) {
	fc := &fakeClient{err: errors.New("503 service unavailable")}
	m := &Moderator{client: fc, log: logging.Nop()}
	assert.NoError(t, m.Check(context.Background(), "a lighthouse at dusk"))
}
