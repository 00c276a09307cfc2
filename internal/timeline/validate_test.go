package timeline

import (
	"strings"
	"testing"

	"github.com/silvercrow/onecut/internal/models"
)

var testSettings = models.ExportSettings{
	Resolution: models.Resolution1080p,
	FPS:        30,
	Quality:    models.QualityStandard,
}

var testTracks = []models.Track{
	{ID: "v1", Index: 0, Kind: models.TrackVideo},
	{ID: "a1", Index: 1, Kind: models.TrackAudio},
}

func videoEl(id string, startMs, endMs int) models.TimelineElement {
	return models.TimelineElement{
		ID:              id,
		Kind:            models.ElementVideo,
		TrackID:         "v1",
		TimelineStartMs: startMs,
		TimelineEndMs:   endMs,
		SourceStartMs:   0,
		SourceEndMs:     endMs - startMs,
		Source:          "https://cdn.example.com/clip.mp4",
	}
}

func TestValidTimelinePasses(t *testing.T) {
	elements := []models.TimelineElement{
		videoEl("e1", 0, 2000),
		videoEl("e2", 2000, 5000),
	}
	if err := Validate(elements, testTracks, testSettings); err != nil {
		t.Fatalf("expected valid timeline, got %v", err)
	}
}

func TestEmptyTimelineRejected(t *testing.T) {
	err := Validate(nil, testTracks, testSettings)
	if err == nil {
		t.Fatal("expected error for empty timeline")
	}
}

func TestInvalidFPSRejected(t *testing.T) {
	s := testSettings
	s.FPS = 0
	if err := Validate([]models.TimelineElement{videoEl("e1", 0, 1000)}, testTracks, s); err == nil {
		t.Fatal("expected error for fps 0")
	}
}

func TestDuplicateElementIDRejected(t *testing.T) {
	elements := []models.TimelineElement{
		videoEl("same", 0, 1000),
		videoEl("same", 1000, 2000),
	}
	err := Validate(elements, testTracks, testSettings)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestUnknownTrackRejected(t *testing.T) {
	el := videoEl("e1", 0, 1000)
	el.TrackID = "missing"
	err := Validate([]models.TimelineElement{el}, testTracks, testSettings)
	if err == nil || !strings.Contains(err.Error(), "non-existent track") {
		t.Fatalf("expected track reference error, got %v", err)
	}
}

func TestInvertedTimelineSpanRejected(t *testing.T) {
	el := videoEl("e1", 2000, 1000)
	if err := Validate([]models.TimelineElement{el}, testTracks, testSettings); err == nil {
		t.Fatal("expected error for end before start")
	}
}

func TestMediaWithoutSourceRejected(t *testing.T) {
	el := videoEl("e1", 0, 1000)
	el.Source = ""
	err := Validate([]models.TimelineElement{el}, testTracks, testSettings)
	if err == nil || !strings.Contains(err.Error(), "no source") {
		t.Fatalf("expected missing source error, got %v", err)
	}
}

func TestNegativeSourceStartRejected(t *testing.T) {
	el := videoEl("e1", 0, 1000)
	el.SourceStartMs = -500
	el.SourceEndMs = 500
	err := Validate([]models.TimelineElement{el}, testTracks, testSettings)
	if err == nil || !strings.Contains(err.Error(), "source start") {
		t.Fatalf("expected negative source start error, got %v", err)
	}
}

func TestSpeedRangeEnforced(t *testing.T) {
	tooSlow := 1.0 / 32
	el := videoEl("e1", 0, 1000)
	el.Speed = &tooSlow
	el.SourceEndMs = int(1000 * tooSlow)
	if err := Validate([]models.TimelineElement{el}, testTracks, testSettings); err == nil {
		t.Fatal("expected error for speed below 1/16")
	}

	tooFast := 20.0
	el2 := videoEl("e2", 0, 1000)
	el2.Speed = &tooFast
	el2.SourceEndMs = 20000
	if err := Validate([]models.TimelineElement{el2}, testTracks, testSettings); err == nil {
		t.Fatal("expected error for speed above 16")
	}

	boundary := 16.0
	el3 := videoEl("e3", 0, 1000)
	el3.Speed = &boundary
	el3.SourceEndMs = 16000
	if err := Validate([]models.TimelineElement{el3}, testTracks, testSettings); err != nil {
		t.Fatalf("speed 16 should be accepted, got %v", err)
	}
}

func TestSourceSpanMustMatchTimelineSpanAtSpeed(t *testing.T) {
	// 2x speed over a 1s timeline window needs a 2s source span.
	speed := 2.0
	el := videoEl("e1", 0, 1000)
	el.Speed = &speed
	el.SourceEndMs = 2000
	if err := Validate([]models.TimelineElement{el}, testTracks, testSettings); err != nil {
		t.Fatalf("matching span should pass, got %v", err)
	}

	// Off by 500ms is far beyond one frame of tolerance at 30fps.
	el.SourceEndMs = 1500
	err := Validate([]models.TimelineElement{el}, testTracks, testSettings)
	if err == nil || !strings.Contains(err.Error(), "does not match") {
		t.Fatalf("expected span mismatch error, got %v", err)
	}

	// Off by less than one output frame is rounding, not an error.
	el.SourceEndMs = 2020
	if err := Validate([]models.TimelineElement{el}, testTracks, testSettings); err != nil {
		t.Fatalf("sub-frame mismatch should pass, got %v", err)
	}
}

func TestImageExemptFromSourceTrim(t *testing.T) {
	el := models.TimelineElement{
		ID:              "img",
		Kind:            models.ElementImage,
		TrackID:         "v1",
		TimelineStartMs: 0,
		TimelineEndMs:   3000,
		Source:          "https://cdn.example.com/photo.png",
	}
	if err := Validate([]models.TimelineElement{el}, testTracks, testSettings); err != nil {
		t.Fatalf("image without source trim should pass, got %v", err)
	}
}

func TestVisualTrackOverlapRejected(t *testing.T) {
	elements := []models.TimelineElement{
		videoEl("e1", 0, 2000),
		videoEl("e2", 1500, 3000),
	}
	err := Validate(elements, testTracks, testSettings)
	if err == nil || !strings.Contains(err.Error(), "overlaps") {
		t.Fatalf("expected overlap error, got %v", err)
	}
}

func TestAudioTrackOverlapAllowed(t *testing.T) {
	mk := func(id string, start, end int) models.TimelineElement {
		return models.TimelineElement{
			ID:              id,
			Kind:            models.ElementAudio,
			TrackID:         "a1",
			TimelineStartMs: start,
			TimelineEndMs:   end,
			SourceStartMs:   0,
			SourceEndMs:     end - start,
			Source:          "https://cdn.example.com/music.mp3",
		}
	}
	elements := []models.TimelineElement{
		mk("m1", 0, 5000),
		mk("m2", 2000, 4000),
	}
	if err := Validate(elements, testTracks, testSettings); err != nil {
		t.Fatalf("overlapping audio should be allowed, got %v", err)
	}
}

func TestNegativeVolumeRejected(t *testing.T) {
	vol := -0.5
	el := videoEl("e1", 0, 1000)
	el.Volume = &vol
	if err := Validate([]models.TimelineElement{el}, testTracks, testSettings); err == nil {
		t.Fatal("expected error for negative volume")
	}
}

func TestOpacityRangeEnforced(t *testing.T) {
	over := 1.5
	el := videoEl("e1", 0, 1000)
	el.Opacity = &over
	if err := Validate([]models.TimelineElement{el}, testTracks, testSettings); err == nil {
		t.Fatal("expected error for opacity above 1")
	}
}

func TestOutputDurationMs(t *testing.T) {
	elements := []models.TimelineElement{
		videoEl("e1", 0, 2000),
		videoEl("e2", 5000, 8000),
		{ID: "t1", Kind: models.ElementText, TrackID: "v1", TimelineStartMs: 7000, TimelineEndMs: 9500},
	}
	if got := OutputDurationMs(elements); got != 9500 {
		t.Errorf("expected 9500, got %d", got)
	}
	if got := OutputDurationMs(nil); got != 0 {
		t.Errorf("expected 0 for empty set, got %d", got)
	}
}
