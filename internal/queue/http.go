package queue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bobarin/longform/internal/logging"
)

// HTTPChainer schedules ticks by calling this service's own internal tick
// endpoint, for deployments without Redis. The request runs in the
// background and the caller does not wait for the tick to finish.
type HTTPChainer struct {
	baseURL string
	secret  string
	client  *http.Client
	log     zerolog.Logger
}

func NewHTTPChainer(baseURL, secret string, tickCeiling time.Duration, log zerolog.Logger) *HTTPChainer {
	return &HTTPChainer{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		client:  &http.Client{Timeout: tickCeiling + 30*time.Second},
		log:     logging.Component(log, "http_chainer"),
	}
}

func (c *HTTPChainer) Schedule(ctx context.Context, jobID uuid.UUID, delay time.Duration) error {
	url := fmt.Sprintf("%s/internal/jobs/%s/tick", c.baseURL, jobID)
	// Validate the request now so configuration errors reach the caller.
	if _, err := http.NewRequest(http.MethodPost, url, nil); err != nil {
		return fmt.Errorf("failed to build tick request: %w", err)
	}

	go c.fire(url, jobID, delay)
	return nil
}

func (c *HTTPChainer) fire(url string, jobID uuid.UUID, delay time.Duration) {
	if delay > 0 {
		time.Sleep(delay)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, nil)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to build tick request")
		return
	}
	req.Header.Set("X-Internal-Secret", c.secret)

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Error().Err(err).Str("job_id", jobID.String()).Msg("chained tick failed")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		c.log.Error().Int("status", resp.StatusCode).Str("job_id", jobID.String()).Msg("chained tick rejected")
	}
}
