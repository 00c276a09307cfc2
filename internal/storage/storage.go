// Package storage uploads finished export artifacts to Supabase Storage and
// issues signed download URLs. A job is only marked completed after its
// artifact is durably stored here.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	requestTimeout = 180 * time.Second

	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

type Storage struct {
	url        string
	serviceKey string
	bucket     string
	client     *http.Client
}

func New(url, serviceKey, bucket string) *Storage {
	return &Storage{
		url:        url,
		serviceKey: serviceKey,
		bucket:     bucket,
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// UploadArtifact stores a finished export file under the job's path and
// returns the storage path. Retries with exponential backoff on transient
// failures.
func (s *Storage) UploadArtifact(ctx context.Context, jobID uuid.UUID, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to read artifact: %w", err)
	}
	storagePath := path.Join(jobID.String(), "export.mp4")

	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.bucket, storagePath)
	err = s.withRetry(ctx, "upload "+storagePath, func(attemptCtx context.Context) error {
		req, err := http.NewRequestWithContext(attemptCtx, "PUT", endpoint, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", "video/mp4")
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))
		req.Header.Set("x-upsert", "true")

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			return nil
		}
		return &statusError{code: resp.StatusCode, body: string(body)}
	})
	if err != nil {
		return "", err
	}
	return storagePath, nil
}

// SignedURL creates a temporary download URL for a stored artifact.
func (s *Storage) SignedURL(ctx context.Context, storagePath string, expiresIn time.Duration) (string, error) {
	endpoint := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", s.url, s.bucket, storagePath)
	payload := fmt.Sprintf(`{"expiresIn": %d}`, int(expiresIn.Seconds()))

	var signed string
	err := s.withRetry(ctx, "sign "+storagePath, func(attemptCtx context.Context) error {
		req, err := http.NewRequestWithContext(attemptCtx, "POST", endpoint, strings.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return &statusError{code: resp.StatusCode, body: string(body)}
		}

		var result struct {
			SignedURL string `json:"signedURL"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("failed to parse signed URL response: %w", err)
		}
		signed = s.url + result.SignedURL
		return nil
	})
	if err != nil {
		return "", err
	}
	return signed, nil
}

// withRetry runs one storage operation with bounded retries, exponential
// backoff, and jitter. Non-retryable statuses (4xx other than 408/429) abort
// immediately.
func (s *Storage) withRetry(ctx context.Context, label string, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Printf("[Storage] Retry %d/%d for %s (waiting %v)...", attempt, maxRetries, label, delay)
			select {
			case <-ctx.Done():
				return fmt.Errorf("storage %s cancelled: %w", label, ctx.Err())
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		err := op(attemptCtx)
		cancel()

		if err == nil {
			if attempt > 0 {
				log.Printf("[Storage] %s succeeded on attempt %d", label, attempt+1)
			}
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return fmt.Errorf("storage %s failed: %w", label, err)
		}
		log.Printf("[Storage] %s attempt %d failed (retryable): %v", label, attempt+1, err)
	}
	return fmt.Errorf("storage %s failed after %d attempts: %w", label, maxRetries+1, lastErr)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	body := e.body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("status %d: %s", e.code, body)
}

func isRetryable(err error) bool {
	if se, ok := err.(*statusError); ok {
		switch se.code {
		case http.StatusTooManyRequests, http.StatusRequestTimeout,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "broken pipe")
}

func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}
