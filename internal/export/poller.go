package export

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/silvercrow/onecut/internal/models"
)

// ErrPollTimeout is returned when the poll budget is exhausted before the
// job reached a terminal state. This is distinct from job failure: the
// underlying job may still be running, or may complete after the poller
// gives up, and callers must treat the two conditions separately.
var ErrPollTimeout = errors.New("export poll budget exhausted; job may still be running")

// JobSource is where the poller reads job snapshots from: the local store in
// tests and the worker, an HTTP client in external consumers.
type JobSource interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.ExportJob, error)
}

// PollConfig tunes the adaptive interval bands. Zero values fall back to
// defaults.
type PollConfig struct {
	// ShortInterval is used for the first few polls and the 90-100% home
	// stretch, when state changes quickly.
	ShortInterval time.Duration
	// MediumInterval covers early processing before progress settles.
	MediumInterval time.Duration
	// LongInterval covers steady 10-90% processing and unchanged "queued",
	// bounding server load for the slow middle of an export.
	LongInterval time.Duration
	// MaxPolls bounds total attempts; exhausting it surfaces ErrPollTimeout.
	MaxPolls int
	// InitialShortPolls is how many leading polls use the short band.
	InitialShortPolls int
}

func (c PollConfig) withDefaults() PollConfig {
	if c.ShortInterval <= 0 {
		c.ShortInterval = 2 * time.Second
	}
	if c.MediumInterval <= 0 {
		c.MediumInterval = 5 * time.Second
	}
	if c.LongInterval <= 0 {
		c.LongInterval = 20 * time.Second
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = 120
	}
	if c.InitialShortPolls <= 0 {
		c.InitialShortPolls = 3
	}
	return c
}

// PollResult is the terminal outcome of a poll loop.
type PollResult struct {
	Status       models.ExportStatus
	DownloadURL  string
	ErrorKind    *models.ErrorKind
	ErrorMessage string
}

// Poller is a single sequential timer loop per job per consumer. It is
// cancellable at any time through its context; cancellation does not affect
// the underlying job.
type Poller struct {
	source JobSource
	cfg    PollConfig
}

func NewPoller(source JobSource, cfg PollConfig) *Poller {
	return &Poller{source: source, cfg: cfg.withDefaults()}
}

// Poll watches one job until it terminates or the attempt budget runs out.
// onProgress and onStatus fire only when progress or status actually changed
// since the previous poll; either may be nil.
func (p *Poller) Poll(ctx context.Context, jobID uuid.UUID, onProgress func(int), onStatus func(models.ExportStatus)) (*PollResult, error) {
	lastProgress := -1
	lastStatus := models.ExportStatus("")

	for attempt := 0; attempt < p.cfg.MaxPolls; attempt++ {
		job, err := p.source.GetJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("poll: failed to fetch job: %w", err)
		}

		changed := false
		if job.Status != lastStatus {
			changed = true
			lastStatus = job.Status
			if onStatus != nil {
				onStatus(job.Status)
			}
		}
		if job.Progress != lastProgress {
			changed = true
			lastProgress = job.Progress
			if onProgress != nil {
				onProgress(job.Progress)
			}
		}

		switch job.Status {
		case models.ExportStatusCompleted:
			result := &PollResult{Status: job.Status}
			if job.DownloadURL != nil {
				result.DownloadURL = *job.DownloadURL
			}
			return result, nil
		case models.ExportStatusFailed:
			result := &PollResult{Status: job.Status, ErrorKind: job.ErrorKind}
			if job.ErrorMessage != nil {
				result.ErrorMessage = *job.ErrorMessage
			}
			return result, nil
		}

		interval := p.NextInterval(attempt+1, job.Status, job.Progress, changed)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}

	return nil, ErrPollTimeout
}

// NextInterval picks the adaptive wait before the next poll, with a small
// random jitter so concurrent exports never poll in lockstep.
func (p *Poller) NextInterval(pollCount int, status models.ExportStatus, progress int, changed bool) time.Duration {
	base := p.baseInterval(pollCount, status, progress, changed)
	jitter := time.Duration(rand.Float64() * 0.25 * float64(base))
	return base + jitter
}

func (p *Poller) baseInterval(pollCount int, status models.ExportStatus, progress int, changed bool) time.Duration {
	// The opening polls catch fast validation failures and quick jobs.
	if pollCount <= p.cfg.InitialShortPolls {
		return p.cfg.ShortInterval
	}
	// The home stretch changes quickly again.
	if status == models.ExportStatusProcessing && progress >= 90 {
		return p.cfg.ShortInterval
	}
	// Unchanged queued means the worker pool is busy; back off.
	if status == models.ExportStatusQueued && !changed {
		return p.cfg.LongInterval
	}
	// Steady mid-flight processing.
	if status == models.ExportStatusProcessing && progress >= 10 && progress < 90 {
		return p.cfg.LongInterval
	}
	return p.cfg.MediumInterval
}
