// Package moderation screens prompts with the OpenAI moderation endpoint
// before any credits are reserved.
package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/bobarin/longform/internal/logging"
)

var ErrFlagged = errors.New("prompt rejected by moderation")

type client interface {
	Moderations(ctx context.Context, request openai.ModerationRequest) (openai.ModerationResponse, error)
}

type Moderator struct {
	client client
	log    zerolog.Logger
}

// New returns a moderator backed by OpenAI. An empty key disables screening.
func New(apiKey string, log zerolog.Logger) *Moderator {
	m := &Moderator{log: logging.Component(log, "moderation")}
	if apiKey != "" {
		m.client = openai.NewClient(apiKey)
	}
	return m
}

func (m *Moderator) Enabled() bool {
	return m != nil && m.client != nil
}

// Check returns an error wrapping ErrFlagged when any text is flagged.
// Moderation outages are logged and let the request through.
func (m *Moderator) Check(ctx context.Context, texts ...string) error {
	if !m.Enabled() {
		return nil
	}

	input := strings.TrimSpace(strings.Join(texts, "\n\n"))
	if input == "" {
		return nil
	}

	resp, err := m.client.Moderations(ctx, openai.ModerationRequest{
		Input: input,
		Model: openai.ModerationOmniLatest,
	})
	if err != nil {
		m.log.Warn().Err(err).Msg("moderation unavailable, allowing prompt")
		return nil
	}

	for _, result := range resp.Results {
		if !result.Flagged {
			continue
		}
		categories := flaggedCategories(result.Categories)
		m.log.Info().Strs("categories", categories).Msg("prompt flagged")
		if len(categories) == 0 {
			return ErrFlagged
		}
		return fmt.Errorf("%w: %s", ErrFlagged, strings.Join(categories, ", "))
	}
	return nil
}

// flaggedCategories lists the category names set on a result, using the
// names the API reports them under.
func flaggedCategories(c openai.ResultCategories) []string {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	var flags map[string]bool
	if err := json.Unmarshal(raw, &flags); err != nil {
		return nil
	}
	var out []string
	for name, set := range flags {
		if set {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
