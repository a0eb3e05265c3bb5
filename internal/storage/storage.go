// Package storage keeps segment media and final videos in Supabase Storage.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/bobarin/longform/internal/logging"
)

const (
	// Per attempt; large final videos need the headroom.
	uploadTimeout   = 180 * time.Second
	downloadTimeout = 120 * time.Second

	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// Blob is the object storage the pipeline writes media to.
type Blob interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	Download(ctx context.Context, path string) ([]byte, error)
	PublicURL(path string) string
}

type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	backoff    func() retry.Backoff
	log        zerolog.Logger
}

var _ Blob = (*Storage)(nil)

func New(url, serviceKey, bucket string, log zerolog.Logger) *Storage {
	return &Storage{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		backoff: defaultBackoff,
		log:     logging.Component(log, "storage"),
	}
}

func defaultBackoff() retry.Backoff {
	b := retry.NewExponential(baseRetryDelay)
	b = retry.WithJitterPercent(25, b)
	b = retry.WithCappedDuration(maxRetryDelay, b)
	return retry.WithMaxRetries(maxRetries, b)
}

// Upload writes data at path, overwriting any existing object.
func (s *Storage) Upload(ctx context.Context, objectPath string, data []byte, contentType string) error {
	url := s.objectURL(objectPath)
	attempt := 0

	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempt++
		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(uploadCtx, http.MethodPut, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("x-upsert", "true")
		req.ContentLength = int64(len(data))

		resp, err := s.client.Do(req)
		if err != nil {
			s.log.Warn().Err(err).Str("path", objectPath).Int("attempt", attempt).Msg("upload failed")
			return retryIf(isRetryableError(err), fmt.Errorf("failed to upload: %w", err))
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			return nil
		}
		err = fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
		s.log.Warn().Err(err).Str("path", objectPath).Int("attempt", attempt).Msg("upload rejected")
		return retryIf(isRetryableStatus(resp.StatusCode), err)
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("path", objectPath).Str("size", humanize.Bytes(uint64(len(data)))).Int("attempts", attempt).Msg("uploaded")
	return nil
}

// Download reads the object at path.
func (s *Storage) Download(ctx context.Context, objectPath string) ([]byte, error) {
	url := s.objectURL(objectPath)
	attempt := 0
	var data []byte

	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempt++
		dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)

		resp, err := s.client.Do(req)
		if err != nil {
			s.log.Warn().Err(err).Str("path", objectPath).Int("attempt", attempt).Msg("download failed")
			return retryIf(isRetryableError(err), fmt.Errorf("failed to download: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			err := fmt.Errorf("download failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
			return retryIf(isRetryableStatus(resp.StatusCode), err)
		}

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("failed to read download body: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// PublicURL returns the public URL for an object in a public bucket.
func (s *Storage) PublicURL(objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, objectPath)
}

func (s *Storage) objectURL(objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, objectPath)
}

// SegmentPath is where a job's generated segment is kept.
func SegmentPath(jobID string, index int) string {
	return path.Join(jobID, "segments", fmt.Sprintf("%03d.mp4", index))
}

// FinalPath is where a job's composed video is written.
func FinalPath(ownerID, jobID string) string {
	return path.Join(ownerID, jobID, "final.mp4")
}

func retryIf(retryable bool, err error) error {
	if retryable {
		return retry.RetryableError(err)
	}
	return err
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
