// Package export owns the background lifecycle of an export job: prepare
// (asset resolution and overlay rendering), compile, encode, upload, and
// cleanup, all independent of the request that submitted it.
package export

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/silvercrow/onecut/internal/assets"
	"github.com/silvercrow/onecut/internal/classify"
	"github.com/silvercrow/onecut/internal/db"
	"github.com/silvercrow/onecut/internal/engine"
	"github.com/silvercrow/onecut/internal/filtergraph"
	"github.com/silvercrow/onecut/internal/models"
	"github.com/silvercrow/onecut/internal/overlay"
	"github.com/silvercrow/onecut/internal/storage"
	"github.com/silvercrow/onecut/internal/timeline"
)

// Policy decides whether a recoverable prepare failure degrades the output
// or fails the job. The choice is explicit configuration, never silent.
type Policy string

const (
	PolicyStrict  Policy = "strict"
	PolicyDegrade Policy = "degrade"
)

// Progress phase boundaries. Encode progress from the engine is mapped into
// the middle band; prepare and upload take the edges.
const (
	progressPrepared = 15
	progressEncoded  = 95

	signedURLValidity = 24 * time.Hour
)

type Orchestrator struct {
	db       *db.DB
	storage  *storage.Storage
	resolver *assets.Resolver
	renderer overlay.Renderer
	engine   *engine.Engine

	tempDir       string
	assetPolicy   Policy
	overlayPolicy Policy

	// cancels maps running job IDs to their cancel functions for the
	// best-effort cancel endpoint.
	cancels sync.Map
}

func NewOrchestrator(
	database *db.DB,
	stor *storage.Storage,
	resolver *assets.Resolver,
	renderer overlay.Renderer,
	eng *engine.Engine,
	tempDir string,
	assetPolicy, overlayPolicy Policy,
) *Orchestrator {
	return &Orchestrator{
		db:            database,
		storage:       stor,
		resolver:      resolver,
		renderer:      renderer,
		engine:        eng,
		tempDir:       tempDir,
		assetPolicy:   assetPolicy,
		overlayPolicy: overlayPolicy,
	}
}

// jobError pairs a failure with its classification so every terminal state
// carries a specific error kind.
type jobError struct {
	kind models.ErrorKind
	err  error
}

func (e *jobError) Error() string { return e.err.Error() }
func (e *jobError) Unwrap() error { return e.err }

func failWith(kind models.ErrorKind, format string, args ...interface{}) *jobError {
	return &jobError{kind: kind, err: fmt.Errorf(format, args...)}
}

// Execute runs one export to a terminal state. It records the outcome in the
// job store and never returns a non-nil error for a handled failure; the
// returned error reports only infrastructure problems (e.g. the store being
// unreachable).
func (o *Orchestrator) Execute(ctx context.Context, jobID uuid.UUID, req models.StartExportRequest) error {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.cancels.Store(jobID, cancel)
	defer o.cancels.Delete(jobID)

	if err := o.db.MarkProcessing(ctx, jobID); err != nil {
		return fmt.Errorf("failed to mark job processing: %w", err)
	}

	// Every temp artifact belongs to this job alone and is released on every
	// exit path: success, failure, and cancellation.
	scope := newResourceScope()
	defer scope.release()

	err := o.run(jobCtx, jobID, req, scope)
	if err == nil {
		log.Printf("[Export] Job %s completed", jobID)
		return nil
	}

	kind, message := failureDetails(err)
	log.Printf("[Export] Job %s failed (%s): %v", jobID, kind, err)
	if dbErr := o.db.MarkFailed(ctx, jobID, kind, message); dbErr != nil {
		return fmt.Errorf("failed to record job failure: %w", dbErr)
	}
	return nil
}

// failureDetails classifies a run failure into the error kind and message
// recorded on the job. Cancellation is not an engine fault and gets a plain
// message instead of whatever step the cancel happened to interrupt.
func failureDetails(err error) (models.ErrorKind, string) {
	kind := models.ErrorKindRenderEngine
	var je *jobError
	if errors.As(err, &je) {
		kind = je.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = models.ErrorKindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return kind, "export cancelled before completion"
	}
	return kind, err.Error()
}

func (o *Orchestrator) run(ctx context.Context, jobID uuid.UUID, req models.StartExportRequest, scope *resourceScope) error {
	// The queue payload is revalidated here: the orchestrator trusts nothing
	// that did not pass through it.
	if err := timeline.Validate(req.Elements, req.Tracks, req.Settings); err != nil {
		return &jobError{kind: models.ErrorKindValidation, err: err}
	}

	jobDir := filepath.Join(o.tempDir, jobID.String())
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return failWith(models.ErrorKindRenderEngine, "failed to create job dir: %w", err)
	}
	scope.add(jobDir)

	progress := newProgressTracker(func(p int) {
		if err := o.db.UpdateProgress(ctx, jobID, p); err != nil {
			log.Printf("[Export] Job %s: failed to persist progress: %v", jobID, err)
		}
	})

	styled, media := classify.Classify(req.Elements)
	totalDurationMs := timeline.OutputDurationMs(req.Elements)
	width, height := req.Settings.Dimensions()

	// Prepare phase: native asset resolution and overlay rendering run
	// concurrently and converge before compilation.
	var (
		resolvedMedia []models.TimelineElement
		overlaySeq    *overlay.FrameSequence
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		resolvedMedia, err = o.resolveElements(gctx, media, scope)
		return err
	})
	g.Go(func() error {
		if len(styled) == 0 {
			return nil
		}
		seq, err := o.renderer.RenderFrames(gctx, overlay.Request{
			Elements:   styled,
			Tracks:     req.Tracks,
			DurationMs: totalDurationMs,
			FPS:        req.Settings.FPS,
			Width:      width,
			Height:     height,
			Dir:        filepath.Join(jobDir, "overlay"),
		})
		if err != nil {
			if o.overlayPolicy == PolicyStrict {
				return failWith(models.ErrorKindRenderEngine, "overlay rendering failed: %w", err)
			}
			// Degrade: the whole overlay pass is abandoned, never patched
			// frame by frame.
			log.Printf("[Export] Job %s: overlay rendering failed, continuing without overlay: %v", jobID, err)
			return nil
		}
		overlaySeq = seq
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	// Degraded overlay: styled elements that are ordinary media fold back
	// into the native set so the clip itself still appears, just without its
	// styling. Text and captions have no native rendering and are dropped.
	if overlaySeq == nil && len(styled) > 0 {
		folded, err := o.foldBackStyled(ctx, styled, scope)
		if err != nil {
			return err
		}
		resolvedMedia = append(resolvedMedia, folded...)
	}

	progress.set(progressPrepared)

	var overlayOpt *filtergraph.OverlaySequence
	if overlaySeq != nil {
		overlayOpt = &filtergraph.OverlaySequence{Pattern: overlaySeq.Pattern(), FPS: overlaySeq.FPS}
	}

	graph, err := filtergraph.Compile(resolvedMedia, req.Tracks, filtergraph.Options{
		TotalDurationMs: totalDurationMs,
		Settings:        req.Settings,
		Overlay:         overlayOpt,
	})
	if err != nil {
		return failWith(models.ErrorKindRenderEngine, "filter graph compilation failed: %w", err)
	}

	outputPath := filepath.Join(jobDir, "export.mp4")
	err = o.engine.Run(ctx, engine.RunSpec{
		Graph:      graph,
		OutputPath: outputPath,
		Settings:   req.Settings,
		DurationMs: totalDurationMs,
		OnProgress: func(percent int) {
			progress.set(progressPrepared + percent*(progressEncoded-progressPrepared)/100)
		},
	})
	if err != nil {
		return failWith(models.ErrorKindRenderEngine, "compositing failed: %w", err)
	}

	// A partial artifact must never be reported as a success.
	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return failWith(models.ErrorKindRenderEngine, "output artifact missing or empty")
	}
	progress.set(progressEncoded)

	storagePath, err := o.storage.UploadArtifact(ctx, jobID, outputPath)
	if err != nil {
		return failWith(models.ErrorKindRenderEngine, "artifact upload failed: %w", err)
	}

	downloadURL, err := o.storage.SignedURL(ctx, storagePath, signedURLValidity)
	if err != nil {
		return failWith(models.ErrorKindRenderEngine, "failed to sign download URL: %w", err)
	}

	if err := o.db.MarkCompleted(ctx, jobID, downloadURL); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	return nil
}

// resolveElements downloads each media element's source. Under the strict
// policy any unreachable source fails the job; under degrade the offending
// element is dropped with an explicit log line. Resolved paths are pinned in
// the asset cache until the scope releases, so concurrent jobs cannot evict
// a file this job is still reading.
func (o *Orchestrator) resolveElements(ctx context.Context, media []models.TimelineElement, scope *resourceScope) ([]models.TimelineElement, error) {
	resolved := make([]models.TimelineElement, 0, len(media))
	for _, el := range media {
		localPath, err := o.resolver.Resolve(ctx, el.Source)
		if err != nil {
			if o.assetPolicy == PolicyStrict {
				return nil, failWith(models.ErrorKindAssetResolution, "source for element %s unreachable: %w", el.ID, err)
			}
			log.Printf("[Export] Dropping element %s: source unreachable: %v", el.ID, err)
			continue
		}
		path := localPath
		scope.onRelease(func() { o.resolver.Release(path) })
		el.Source = localPath
		resolved = append(resolved, el)
	}
	return resolved, nil
}

// foldBackStyled returns the media-kind subset of the styled partition with
// sources resolved, for the degraded no-overlay path.
func (o *Orchestrator) foldBackStyled(ctx context.Context, styled []models.TimelineElement, scope *resourceScope) ([]models.TimelineElement, error) {
	var mediaKind []models.TimelineElement
	for _, el := range styled {
		if el.Kind.IsMedia() || el.Kind == models.ElementSticker {
			if el.Kind == models.ElementSticker {
				// A sticker is a still image as far as the native path is
				// concerned.
				el.Kind = models.ElementImage
			}
			mediaKind = append(mediaKind, el)
		} else {
			log.Printf("[Export] Dropping styled element %s (%s): no native rendering without overlay", el.ID, el.Kind)
		}
	}
	return o.resolveElements(ctx, mediaKind, scope)
}

// Cancel requests best-effort cancellation of a running job. A job already
// past subprocess launch may finish rather than abort. Returns false when
// the job is not currently executing on this worker.
func (o *Orchestrator) Cancel(jobID uuid.UUID) bool {
	if v, ok := o.cancels.Load(jobID); ok {
		v.(context.CancelFunc)()
		return true
	}
	return false
}

// progressTracker keeps reported progress monotonic: regressions from the
// engine's stream are clamped, never reported.
type progressTracker struct {
	mu      sync.Mutex
	current int
	report  func(int)
}

func newProgressTracker(report func(int)) *progressTracker {
	return &progressTracker{report: report}
}

func (t *progressTracker) set(p int) {
	t.mu.Lock()
	if p <= t.current || p > 100 {
		t.mu.Unlock()
		return
	}
	t.current = p
	t.mu.Unlock()
	t.report(p)
}

// resourceScope registers temp paths and release hooks at creation and
// releases them unconditionally when the job's execution scope ends.
type resourceScope struct {
	mu    sync.Mutex
	paths []string
	hooks []func()
}

func newResourceScope() *resourceScope {
	return &resourceScope{}
}

func (s *resourceScope) add(path string) {
	s.mu.Lock()
	s.paths = append(s.paths, path)
	s.mu.Unlock()
}

// onRelease registers a hook to run when the scope ends, for resources that
// outlive the job but hold a reference on its behalf (cached asset pins).
func (s *resourceScope) onRelease(fn func()) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *resourceScope) release() {
	s.mu.Lock()
	paths := s.paths
	hooks := s.hooks
	s.paths = nil
	s.hooks = nil
	s.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}

	// Release in reverse creation order so nested paths go first.
	for i := len(paths) - 1; i >= 0; i-- {
		if err := os.RemoveAll(paths[i]); err != nil {
			log.Printf("[Export] Failed to clean up %s: %v", paths[i], err)
		}
	}
}
