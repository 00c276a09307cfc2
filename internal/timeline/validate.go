// Package timeline validates the declarative timeline before any export job
// is created. Validation failures are reported synchronously to the caller
// and never reach the queue.
package timeline

import (
	"fmt"
	"math"
	"sort"

	"github.com/silvercrow/onecut/internal/models"
)

const (
	// MinSpeed and MaxSpeed bound the supported playback speed range. Audio
	// tempo adjustment chains atempo stages, each within the engine's
	// [0.5, 2.0] window; four stages cover 1/16x-16x, which is already far
	// beyond anything the editor exposes.
	MinSpeed = 1.0 / 16
	MaxSpeed = 16.0
)

// ValidationError describes a timeline rejected before job creation.
type ValidationError struct {
	ElementID string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.ElementID == "" {
		return fmt.Sprintf("invalid timeline: %s", e.Reason)
	}
	return fmt.Sprintf("invalid timeline: element %s: %s", e.ElementID, e.Reason)
}

// Validate checks the timeline against the export settings. It returns a
// *ValidationError describing the first problem found, or nil.
func Validate(elements []models.TimelineElement, tracks []models.Track, settings models.ExportSettings) error {
	if settings.FPS <= 0 {
		return &ValidationError{Reason: "fps must be positive"}
	}
	if len(elements) == 0 {
		return &ValidationError{Reason: "timeline has no elements"}
	}

	trackByID := make(map[string]models.Track, len(tracks))
	for _, t := range tracks {
		if _, dup := trackByID[t.ID]; dup {
			return &ValidationError{Reason: fmt.Sprintf("duplicate track id %q", t.ID)}
		}
		trackByID[t.ID] = t
	}

	seen := make(map[string]bool, len(elements))
	for _, el := range elements {
		if el.ID == "" {
			return &ValidationError{Reason: "element has empty id"}
		}
		if seen[el.ID] {
			return &ValidationError{ElementID: el.ID, Reason: "duplicate element id"}
		}
		seen[el.ID] = true

		if _, ok := trackByID[el.TrackID]; !ok {
			return &ValidationError{ElementID: el.ID, Reason: fmt.Sprintf("references non-existent track %q", el.TrackID)}
		}
		if err := validateElement(el, settings.FPS); err != nil {
			return err
		}
	}

	// Elements sharing a visual track are concatenated sequentially by the
	// compiler, which assumes non-overlapping clips. Overlap on one track is
	// a contradiction in the timeline, not something to silently reorder.
	return checkTrackOverlap(elements, trackByID)
}

func validateElement(el models.TimelineElement, fps int) error {
	switch el.Kind {
	case models.ElementVideo, models.ElementAudio, models.ElementImage,
		models.ElementText, models.ElementCaption, models.ElementSticker:
	default:
		return &ValidationError{ElementID: el.ID, Reason: fmt.Sprintf("unknown kind %q", el.Kind)}
	}

	if el.TimelineEndMs <= el.TimelineStartMs {
		return &ValidationError{ElementID: el.ID, Reason: "timeline end must be after timeline start"}
	}
	if el.TimelineStartMs < 0 {
		return &ValidationError{ElementID: el.ID, Reason: "timeline start must not be negative"}
	}

	speed := el.EffectiveSpeed()
	if speed <= 0 {
		return &ValidationError{ElementID: el.ID, Reason: "speed must be positive"}
	}
	if speed < MinSpeed || speed > MaxSpeed {
		return &ValidationError{ElementID: el.ID, Reason: fmt.Sprintf("speed %.4g outside supported range [%.4g, %g]", speed, MinSpeed, MaxSpeed)}
	}
	if v := el.EffectiveVolume(); v < 0 {
		return &ValidationError{ElementID: el.ID, Reason: "volume must not be negative"}
	}
	if o := el.EffectiveOpacity(); o < 0 || o > 1 {
		return &ValidationError{ElementID: el.ID, Reason: "opacity must be in [0, 1]"}
	}

	for _, tr := range []*models.Transition{el.TransitionIn, el.TransitionOut} {
		if tr == nil {
			continue
		}
		if tr.DurationMs < 0 {
			return &ValidationError{ElementID: el.ID, Reason: "transition duration must not be negative"}
		}
	}

	if el.Kind.IsMedia() {
		if el.Source == "" {
			return &ValidationError{ElementID: el.ID, Reason: "media element has no source"}
		}
		if el.SourceStartMs < 0 {
			return &ValidationError{ElementID: el.ID, Reason: "source start must not be negative"}
		}
		if el.SourceEndMs <= el.SourceStartMs {
			// A still image is trimmed on the timeline only; its source trim
			// points are allowed to be zero.
			if el.Kind != models.ElementImage {
				return &ValidationError{ElementID: el.ID, Reason: "source end must be after source start"}
			}
		} else if el.Kind != models.ElementImage {
			// Source span must match the timeline span scaled by speed,
			// within one output frame of rounding tolerance.
			want := float64(el.DurationMs()) * speed
			got := float64(el.SourceDurationMs())
			frameMs := math.Ceil(1000 / float64(fps))
			if math.Abs(want-got) > frameMs {
				return &ValidationError{
					ElementID: el.ID,
					Reason: fmt.Sprintf("source span %dms does not match timeline span %dms at speed %.3g",
						el.SourceDurationMs(), el.DurationMs(), speed),
				}
			}
		}
	}
	return nil
}

// checkTrackOverlap rejects timelines where two elements on the same visual
// track occupy overlapping time windows.
func checkTrackOverlap(elements []models.TimelineElement, trackByID map[string]models.Track) error {
	byTrack := make(map[string][]models.TimelineElement)
	for _, el := range elements {
		track := trackByID[el.TrackID]
		// Audio tracks are mixed, not concatenated, so parallel audio on one
		// track is legitimate.
		if track.Kind == models.TrackAudio || el.Kind == models.ElementAudio {
			continue
		}
		byTrack[el.TrackID] = append(byTrack[el.TrackID], el)
	}

	for trackID, els := range byTrack {
		sort.Slice(els, func(i, j int) bool { return els[i].TimelineStartMs < els[j].TimelineStartMs })
		for i := 1; i < len(els); i++ {
			prev, cur := els[i-1], els[i]
			if cur.TimelineStartMs < prev.TimelineEndMs {
				return &ValidationError{
					ElementID: cur.ID,
					Reason: fmt.Sprintf("overlaps element %s on track %q ([%d, %d) vs [%d, %d))",
						prev.ID, trackID, prev.TimelineStartMs, prev.TimelineEndMs, cur.TimelineStartMs, cur.TimelineEndMs),
				}
			}
		}
	}
	return nil
}

// OutputDurationMs is the compiled output duration: the maximum timeline end
// across all elements.
func OutputDurationMs(elements []models.TimelineElement) int {
	max := 0
	for _, el := range elements {
		if el.TimelineEndMs > max {
			max = el.TimelineEndMs
		}
	}
	return max
}
