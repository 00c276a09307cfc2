// Package assets resolves timeline element sources to local file paths.
// Remote sources are downloaded with bounded retry and exponential backoff;
// concurrent requests for the same source are deduplicated.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	downloadTimeout = 120 * time.Second

	maxRetries     = 3
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 20 * time.Second
)

// Resolver turns element source strings into local paths. Local paths pass
// through untouched; http(s) URLs are fetched into the cache directory.
type Resolver struct {
	cache  *Cache
	dir    string
	client *http.Client
	group  singleflight.Group
}

func NewResolver(cache *Cache, dir string) *Resolver {
	return &Resolver{
		cache: cache,
		dir:   dir,
		client: &http.Client{
			Timeout: downloadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Resolve returns a local path for the source. Concurrent calls for the same
// remote source share one download. Remote paths come back pinned in the
// cache; callers must Release them once the job no longer reads the file.
func (r *Resolver) Resolve(ctx context.Context, source string) (string, error) {
	if !isRemote(source) {
		if _, err := os.Stat(source); err != nil {
			return "", fmt.Errorf("assets: local source unreachable: %w", err)
		}
		return source, nil
	}

	// The acquire-after-download loop covers the narrow window where a fresh
	// entry is evicted before this caller pins it.
	for attempt := 0; attempt < 3; attempt++ {
		if path, ok := r.cache.Acquire(source); ok {
			return path, nil
		}

		_, err, _ := r.group.Do(source, func() (interface{}, error) {
			// Re-check under the flight: a concurrent caller may have
			// finished between our cache miss and the group joining us.
			if path, ok := r.cache.Get(source); ok {
				return path, nil
			}
			return r.download(ctx, source)
		})
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("assets: cache churn while resolving %s", source)
}

// Release drops the pin Resolve took on a remote source's local file. Local
// passthrough paths are untracked and releasing them is a no-op.
func (r *Resolver) Release(path string) {
	r.cache.Release(path)
}

func (r *Resolver) download(ctx context.Context, source string) (string, error) {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return "", fmt.Errorf("assets: failed to create cache dir: %w", err)
	}
	localPath := filepath.Join(r.dir, uuid.NewString()+ext(source))

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Printf("[Assets] Download retry %d/%d for %s (waiting %v)...", attempt, maxRetries, source, delay)
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("assets: download cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		size, err := r.fetch(ctx, source, localPath)
		if err == nil {
			r.cache.Put(source, localPath, size)
			return localPath, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return "", lastErr
		}
		log.Printf("[Assets] Download attempt %d failed (retryable): %v", attempt+1, err)
	}
	return "", fmt.Errorf("assets: download failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (r *Resolver) fetch(ctx context.Context, source, localPath string) (int64, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, "GET", source, nil)
	if err != nil {
		return 0, fmt.Errorf("assets: failed to create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("assets: failed to fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &statusError{code: resp.StatusCode, source: source}
	}

	f, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("assets: failed to create file: %w", err)
	}
	defer f.Close()

	size, err := io.Copy(f, resp.Body)
	if err != nil {
		os.Remove(localPath)
		return 0, fmt.Errorf("assets: failed to write file: %w", err)
	}
	return size, nil
}

type statusError struct {
	code   int
	source string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("assets: fetch of %s returned status %d", e.source, e.code)
}

func isRemote(source string) bool {
	u, err := url.Parse(source)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func ext(source string) string {
	if u, err := url.Parse(source); err == nil {
		return filepath.Ext(u.Path)
	}
	return ""
}

// retryDelay is exponential backoff with 0-25% jitter to avoid synchronized
// retry bursts across concurrent jobs.
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryable limits local recovery to transient network failures; anything
// else surfaces to the job state.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests ||
			se.code == http.StatusRequestTimeout ||
			se.code == http.StatusBadGateway ||
			se.code == http.StatusServiceUnavailable ||
			se.code == http.StatusGatewayTimeout
	}
	msg := err.Error()
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "broken pipe")
}
