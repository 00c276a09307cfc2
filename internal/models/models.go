package models

import (
	"time"

	"github.com/google/uuid"
)

// Enums

type ElementKind string

const (
	ElementVideo   ElementKind = "video"
	ElementAudio   ElementKind = "audio"
	ElementImage   ElementKind = "image"
	ElementText    ElementKind = "text"
	ElementCaption ElementKind = "caption"
	ElementSticker ElementKind = "sticker"
)

// IsMedia reports whether the kind carries its own source media
// (and therefore has source-space trim points).
func (k ElementKind) IsMedia() bool {
	return k == ElementVideo || k == ElementAudio || k == ElementImage
}

// HasAudio reports whether the kind can contribute to the audio mix.
func (k ElementKind) HasAudio() bool {
	return k == ElementVideo || k == ElementAudio
}

// HasVisual reports whether the kind produces pixels.
func (k ElementKind) HasVisual() bool {
	return k != ElementAudio
}

type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
	TrackText  TrackKind = "text"
)

type TransitionKind string

const (
	TransitionFade     TransitionKind = "fade"
	TransitionDissolve TransitionKind = "dissolve"
	TransitionSlide    TransitionKind = "slide"
	TransitionWipe     TransitionKind = "wipe"
	TransitionZoom     TransitionKind = "zoom"
)

type ExportStatus string

const (
	ExportStatusQueued     ExportStatus = "queued"
	ExportStatusProcessing ExportStatus = "processing"
	ExportStatusCompleted  ExportStatus = "completed"
	ExportStatusFailed     ExportStatus = "failed"
	// ExportStatusDownloading is a client-observable sub-state of completed,
	// set while the caller retrieves the artifact. It is never a terminal
	// server-side transition.
	ExportStatusDownloading ExportStatus = "downloading"
)

// ErrorKind classifies terminal export failures so the UI never shows an
// ambiguous error.
type ErrorKind string

const (
	ErrorKindValidation      ErrorKind = "validation"
	ErrorKindAssetResolution ErrorKind = "asset_resolution"
	ErrorKindRenderEngine    ErrorKind = "render_engine"
	ErrorKindTimeout         ErrorKind = "timeout"
)

// Timeline model

type Transition struct {
	Kind       TransitionKind `json:"kind"`
	DurationMs int            `json:"duration_ms"`
}

// ElementStyle holds the visual properties that decide whether an element
// can be rendered natively or needs the overlay renderer.
type ElementStyle struct {
	Shadow       bool    `json:"shadow,omitempty"`
	CornerRadius int     `json:"corner_radius,omitempty"`
	Background   string  `json:"background,omitempty"`  // custom fill behind the element, e.g. "#00000080"
	FontFamily   string  `json:"font_family,omitempty"` // non-empty = custom font
	FontSize     int     `json:"font_size,omitempty"`
	Color        string  `json:"color,omitempty"`
	Animated     bool    `json:"animated,omitempty"` // externally-sourced animated content (GIF stickers etc.)
	X            float64 `json:"x,omitempty"`
	Y            float64 `json:"y,omitempty"`
	Scale        float64 `json:"scale,omitempty"`
}

type TimelineElement struct {
	ID              string        `json:"id"`
	Kind            ElementKind   `json:"kind"`
	TrackID         string        `json:"track_id"`
	TimelineStartMs int           `json:"timeline_start_ms"`
	TimelineEndMs   int           `json:"timeline_end_ms"`
	SourceStartMs   int           `json:"source_start_ms,omitempty"`
	SourceEndMs     int           `json:"source_end_ms,omitempty"`
	Speed           *float64      `json:"speed,omitempty"`   // default 1
	Volume          *float64      `json:"volume,omitempty"`  // default 1; explicit 0 = muted
	Opacity         *float64      `json:"opacity,omitempty"` // default 1
	TransitionIn    *Transition   `json:"transition_in,omitempty"`
	TransitionOut   *Transition   `json:"transition_out,omitempty"`
	Source          string        `json:"source,omitempty"` // media URL or local path
	Text            string        `json:"text,omitempty"`
	Style           *ElementStyle `json:"style,omitempty"`
}

// DurationMs is the element's occupied span on the output timeline.
func (e TimelineElement) DurationMs() int {
	return e.TimelineEndMs - e.TimelineStartMs
}

// SourceDurationMs is the trimmed input-space span for media kinds.
func (e TimelineElement) SourceDurationMs() int {
	return e.SourceEndMs - e.SourceStartMs
}

// EffectiveSpeed returns the playback speed with the default applied.
func (e TimelineElement) EffectiveSpeed() float64 {
	if e.Speed == nil {
		return 1
	}
	return *e.Speed
}

// EffectiveVolume returns the volume multiplier with the default applied.
// An explicit zero means muted, which still contributes a silent stream.
func (e TimelineElement) EffectiveVolume() float64 {
	if e.Volume == nil {
		return 1
	}
	return *e.Volume
}

// EffectiveOpacity returns the opacity with the default applied.
func (e TimelineElement) EffectiveOpacity() float64 {
	if e.Opacity == nil {
		return 1
	}
	return *e.Opacity
}

type Track struct {
	ID    string    `json:"id"`
	Index int       `json:"index"` // z-order: higher renders on top
	Kind  TrackKind `json:"kind"`
}

// Export settings

type ResolutionPreset string

const (
	Resolution480p  ResolutionPreset = "480p"
	Resolution720p  ResolutionPreset = "720p"
	Resolution1080p ResolutionPreset = "1080p"
	Resolution4K    ResolutionPreset = "4k"
)

type QualityTier string

const (
	QualityDraft    QualityTier = "draft"
	QualityStandard QualityTier = "standard"
	QualityHigh     QualityTier = "high"
)

type AspectRatio string

const (
	AspectHorizontal AspectRatio = "horizontal"
	AspectVertical   AspectRatio = "vertical"
)

type Optimization string

const (
	OptimizeAuto     Optimization = "auto"
	OptimizeSpeed    Optimization = "speed"
	OptimizeQuality  Optimization = "quality"
	OptimizeBalanced Optimization = "balanced"
)

// ExportSettings is immutable per job. The settings affect only encoder
// parameters, never filter-graph topology.
type ExportSettings struct {
	Resolution   ResolutionPreset `json:"resolution"`
	FPS          int              `json:"fps"`
	Quality      QualityTier      `json:"quality"`
	AspectRatio  AspectRatio      `json:"aspect_ratio"`
	Optimization Optimization     `json:"optimization,omitempty"`
}

// Dimensions maps the resolution preset and aspect ratio to output pixels.
// Vertical exports swap width and height.
func (s ExportSettings) Dimensions() (width, height int) {
	switch s.Resolution {
	case Resolution480p:
		width, height = 854, 480
	case Resolution720p:
		width, height = 1280, 720
	case Resolution4K:
		width, height = 3840, 2160
	default: // 1080p
		width, height = 1920, 1080
	}
	if s.AspectRatio == AspectVertical {
		width, height = height, width
	}
	return width, height
}

// Export job

type ExportJob struct {
	ID           uuid.UUID    `json:"id"`
	Status       ExportStatus `json:"status"`
	Progress     int          `json:"progress"` // 0-100, monotonic while processing
	ErrorKind    *ErrorKind   `json:"error_kind,omitempty"`
	ErrorMessage *string      `json:"error_message,omitempty"`
	DownloadURL  *string      `json:"download_url,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// API DTOs

type StartExportRequest struct {
	Elements []TimelineElement `json:"elements"`
	Tracks   []Track           `json:"tracks"`
	Settings ExportSettings    `json:"settings"`
}

type StartExportResponse struct {
	JobID  uuid.UUID    `json:"job_id"`
	Status ExportStatus `json:"status"`
}

type ExportStatusResponse struct {
	JobID        uuid.UUID    `json:"job_id"`
	Status       ExportStatus `json:"status"`
	Progress     int          `json:"progress"`
	ErrorKind    *ErrorKind   `json:"error_kind,omitempty"`
	ErrorMessage *string      `json:"error_message,omitempty"`
	DownloadURL  *string      `json:"download_url,omitempty"`
}

type ListExportsResponse struct {
	Exports []ExportJob `json:"exports"`
	Total   int         `json:"total"`
}
