// Package engine drives the ffmpeg subprocess that executes a compiled
// filter graph in a single pass, streaming progress back to the caller.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strconv"
	"strings"

	"github.com/silvercrow/onecut/internal/filtergraph"
	"github.com/silvercrow/onecut/internal/models"
)

// Engine wraps the ffmpeg and ffprobe binaries.
type Engine struct {
	ffmpegPath  string
	ffprobePath string
}

func New(ffmpegPath, ffprobePath string) *Engine {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Engine{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

// RunSpec is one complete encode: a compiled graph plus encoder parameters.
type RunSpec struct {
	Graph      *filtergraph.Graph
	OutputPath string
	Settings   models.ExportSettings
	DurationMs int
	// OnProgress receives the percent of output duration processed, 0-100.
	// May be nil.
	OnProgress func(percent int)
}

// Run executes the compositing program. It blocks until the subprocess
// exits; cancellation of ctx kills the process.
func (e *Engine) Run(ctx context.Context, spec RunSpec) error {
	if spec.Graph == nil {
		return fmt.Errorf("engine: nil graph")
	}

	args := spec.Graph.InputArgs()
	args = append(args,
		"-filter_complex", spec.Graph.Serialize(),
		"-map", "["+string(spec.Graph.VideoOut)+"]",
		"-map", "["+string(spec.Graph.AudioOut)+"]",
	)
	args = append(args, encoderArgs(spec.Settings)...)
	args = append(args,
		"-t", formatSecs(spec.DurationMs),
		"-progress", "pipe:1",
		"-nostats",
		"-y",
		spec.OutputPath,
	)

	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("engine: failed to open progress pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.Printf("[Engine] Starting ffmpeg: %d inputs, %d chains, duration %s s",
		len(spec.Graph.Inputs), len(spec.Graph.Chains), formatSecs(spec.DurationMs))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("engine: failed to start ffmpeg: %w", err)
	}

	readProgress(stdout, spec.DurationMs, spec.OnProgress)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("engine: cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("engine: ffmpeg failed: %w (stderr: %s)", err, tail(stderr.String(), 800))
	}
	return nil
}

// encoderArgs maps the export settings to encoder parameters. Settings never
// affect graph topology, only these flags.
func encoderArgs(s models.ExportSettings) []string {
	crf := "23"
	switch s.Quality {
	case models.QualityDraft:
		crf = "30"
	case models.QualityHigh:
		crf = "18"
	}

	preset := "medium"
	switch s.Optimization {
	case models.OptimizeSpeed:
		preset = "veryfast"
	case models.OptimizeQuality:
		preset = "slow"
	case models.OptimizeBalanced:
		preset = "medium"
	case models.OptimizeAuto, "":
		if s.Quality == models.QualityDraft {
			preset = "veryfast"
		}
	}

	fps := s.FPS
	if fps <= 0 {
		fps = 30
	}

	return []string{
		"-c:v", "libx264",
		"-preset", preset,
		"-crf", crf,
		"-r", strconv.Itoa(fps),
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "192k",
		"-movflags", "+faststart",
	}
}

// readProgress consumes ffmpeg's -progress key=value stream and reports the
// fraction of output duration processed. Regressions are clamped upstream by
// the orchestrator; here we just report what the engine says.
func readProgress(r io.Reader, durationMs int, onProgress func(int)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		var outMs int64 = -1
		switch key {
		case "out_time_us":
			if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
				outMs = us / 1000
			}
		case "out_time_ms":
			// Despite the name this field is in microseconds in every ffmpeg
			// release that emits it.
			if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
				outMs = us / 1000
			}
		case "out_time":
			outMs = parseOutTimeMs(value)
		}

		if outMs >= 0 && durationMs > 0 && onProgress != nil {
			percent := int(outMs * 100 / int64(durationMs))
			if percent > 100 {
				percent = 100
			}
			onProgress(percent)
		}
	}
}

// parseOutTimeMs parses ffmpeg's "HH:MM:SS.micros" clock format into
// milliseconds, returning -1 when unparseable.
func parseOutTimeMs(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "N/A" {
		return -1
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return -1
	}
	hours, err1 := strconv.ParseInt(parts[0], 10, 64)
	mins, err2 := strconv.ParseInt(parts[1], 10, 64)
	seconds, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return -1
	}
	return hours*3600_000 + mins*60_000 + int64(seconds*1000)
}

// ProbeDurationMs returns a media file's duration in milliseconds via
// ffprobe.
func (e *Engine) ProbeDurationMs(ctx context.Context, path string) (int, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	cmd := exec.CommandContext(ctx, e.ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("engine: ffprobe failed: %w", err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("engine: failed to parse duration: %w", err)
	}
	return int(durationSec * 1000), nil
}

func formatSecs(ms int) string {
	return strconv.FormatFloat(float64(ms)/1000.0, 'f', 3, 64)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
