// Package overlay defines the styled-overlay frame renderer contract: styled
// elements (text, captions, stickers, richly styled or transition-bearing
// clips) are rendered off-line into a fixed-fps sequence of transparent
// frames the filter graph consumes as an ordinary video input.
package overlay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/silvercrow/onecut/internal/models"
)

const framePattern = "frame_%05d.png"

// Request describes one overlay rendering pass. Frames span the whole output
// duration; each element is visible only within its own timeline window.
type Request struct {
	Elements   []models.TimelineElement `json:"elements"`
	Tracks     []models.Track           `json:"tracks"`
	DurationMs int                      `json:"duration_ms"`
	FPS        int                      `json:"fps"`
	Width      int                      `json:"width"`
	Height     int                      `json:"height"`
	// Dir is the output directory, exclusively owned by one job.
	Dir string `json:"dir"`
}

// FrameCount is the number of frames covering the request's duration.
func (r Request) FrameCount() int {
	return (r.DurationMs*r.FPS + 999) / 1000
}

// FrameSequence is a dense, sequentially-numbered set of transparent frames.
type FrameSequence struct {
	Dir   string
	Count int
	FPS   int
}

// Pattern returns the printf-style frame path pattern the engine reads the
// sequence with.
func (s *FrameSequence) Pattern() string {
	return filepath.Join(s.Dir, framePattern)
}

// FramePath returns the path of frame n.
func (s *FrameSequence) FramePath(n int) string {
	return filepath.Join(s.Dir, fmt.Sprintf(framePattern, n))
}

// Validate checks that every frame from 0 to Count-1 exists. Renderers may
// produce frames in any order, but the sequence must be addressable by a
// strictly increasing number with no gaps, since the compiler consumes it as
// a fixed-frame-rate video input. A missing frame fails the whole pass rather
// than silently corrupting adjacent frames.
func (s *FrameSequence) Validate() error {
	if s.Count <= 0 {
		return fmt.Errorf("overlay: empty frame sequence")
	}
	for n := 0; n < s.Count; n++ {
		info, err := os.Stat(s.FramePath(n))
		if err != nil {
			return fmt.Errorf("overlay: frame %d missing: %w", n, err)
		}
		if info.Size() == 0 {
			return fmt.Errorf("overlay: frame %d is empty", n)
		}
	}
	return nil
}

// Renderer renders a styled-element set into a validated frame sequence.
type Renderer interface {
	RenderFrames(ctx context.Context, req Request) (*FrameSequence, error)
}

// CommandRenderer shells out to a headless renderer binary. The request is
// written to stdin as JSON; the renderer writes numbered PNG frames into the
// request directory and exits zero.
type CommandRenderer struct {
	command string
	timeout time.Duration
}

func NewCommandRenderer(command string, timeout time.Duration) *CommandRenderer {
	return &CommandRenderer{command: command, timeout: timeout}
}

func (r *CommandRenderer) RenderFrames(ctx context.Context, req Request) (*FrameSequence, error) {
	if r.command == "" {
		return nil, fmt.Errorf("overlay: no renderer command configured")
	}
	if err := os.MkdirAll(req.Dir, 0755); err != nil {
		return nil, fmt.Errorf("overlay: failed to create frame dir: %w", err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("overlay: failed to encode request: %w", err)
	}

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	log.Printf("[Overlay] Rendering %d styled elements, %d frames at %dfps into %s",
		len(req.Elements), req.FrameCount(), req.FPS, req.Dir)

	cmd := exec.CommandContext(runCtx, r.command)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("overlay: renderer timed out after %v", r.timeout)
		}
		return nil, fmt.Errorf("overlay: renderer failed: %w (stderr: %s)", err, truncate(stderr.String(), 300))
	}

	seq := &FrameSequence{Dir: req.Dir, Count: req.FrameCount(), FPS: req.FPS}
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	return seq, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
