package filtergraph

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/silvercrow/onecut/internal/models"
)

const (
	// Audio mix/synthesis parameters for the final stream.
	audioSampleRate    = 44100
	audioChannelLayout = "stereo"

	// atempo supports tempo factors in [0.5, 2.0] per stage. Speeds outside
	// that range are decomposed into a chain of in-range stages.
	atempoMin = 0.5
	atempoMax = 2.0

	// A transition may occupy at most one-third of its owning clip, so in/out
	// transitions on a short clip can never overlap each other.
	transitionMaxShare = 3
)

// OverlaySequence describes the rendered styled-overlay frames consumed as a
// fixed-frame-rate video input.
type OverlaySequence struct {
	// Pattern is a printf-style numbered frame pattern, e.g.
	// "/tmp/job/overlay/frame_%05d.png".
	Pattern string
	FPS     int
}

// Options carries the per-job compile parameters.
type Options struct {
	// TotalDurationMs is the output duration: max timeline end across ALL
	// elements, styled ones included. The synthetic background and silence
	// run to this duration even when every visual element is styled.
	TotalDurationMs int
	Settings        models.ExportSettings
	Overlay         *OverlaySequence
}

// Compile builds the compositing program for the media-element subset.
// Element sources must already be resolved to local paths.
func Compile(media []models.TimelineElement, tracks []models.Track, opts Options) (*Graph, error) {
	if opts.TotalDurationMs <= 0 {
		return nil, fmt.Errorf("compile: total duration must be positive")
	}
	if opts.Settings.FPS <= 0 {
		return nil, fmt.Errorf("compile: fps must be positive")
	}

	c := &compiler{
		graph:      &Graph{},
		opts:       opts,
		inputs:     make(map[string]int),
		videoFeeds: make(map[int][]StreamLabel),
		audioFeeds: make(map[int][]StreamLabel),
	}
	c.width, c.height = opts.Settings.Dimensions()

	c.mapInputs(media)
	c.fanOutInputs(media)
	if err := c.buildVideo(media, tracks); err != nil {
		return nil, err
	}
	if err := c.buildAudio(media, tracks); err != nil {
		return nil, err
	}
	return c.graph, nil
}

type compiler struct {
	graph  *Graph
	opts   Options
	width  int
	height int

	inputs        map[string]int // source path -> input index
	backgroundIdx int
	overlayIdx    int // -1 when no overlay sequence
	labelSeq      int

	// Per-input fan-out labels. An input pad may only be consumed once, so
	// inputs with multiple consumers go through split/asplit chains and
	// consumers pop their feed label here.
	videoFeeds map[int][]StreamLabel
	audioFeeds map[int][]StreamLabel
}

func (c *compiler) nextLabel(prefix string) StreamLabel {
	c.labelSeq++
	return StreamLabel(fmt.Sprintf("%s%d", prefix, c.labelSeq))
}

func (c *compiler) addChain(inputs []StreamLabel, filters []Filter, outputs ...StreamLabel) {
	c.graph.Chains = append(c.graph.Chains, Chain{Inputs: inputs, Filters: filters, Outputs: outputs})
}

// mapInputs assigns numbered inputs: deduplicated media sources first, then
// the synthetic black background as the last "real" input, then the overlay
// frame sequence if present.
func (c *compiler) mapInputs(media []models.TimelineElement) {
	for _, el := range media {
		if _, ok := c.inputs[el.Source]; ok {
			continue
		}
		kind := InputFile
		if el.Kind == models.ElementImage {
			kind = InputStill
		}
		c.inputs[el.Source] = len(c.graph.Inputs)
		c.graph.Inputs = append(c.graph.Inputs, Input{Kind: kind, Path: el.Source})
	}

	c.backgroundIdx = len(c.graph.Inputs)
	c.graph.Inputs = append(c.graph.Inputs, Input{
		Kind: InputLavfi,
		Path: fmt.Sprintf("color=c=black:s=%dx%d:r=%d:d=%s",
			c.width, c.height, c.opts.Settings.FPS, secs(c.opts.TotalDurationMs)),
	})

	c.overlayIdx = -1
	if c.opts.Overlay != nil {
		c.overlayIdx = len(c.graph.Inputs)
		c.graph.Inputs = append(c.graph.Inputs, Input{
			Kind: InputSequence,
			Path: c.opts.Overlay.Pattern,
			FPS:  c.opts.Overlay.FPS,
		})
	}
}

// fanOutInputs counts consumers per input pad and emits split/asplit chains
// for any pad consumed more than once.
func (c *compiler) fanOutInputs(media []models.TimelineElement) {
	videoCount := make(map[int]int)
	audioCount := make(map[int]int)
	for _, el := range media {
		idx := c.inputs[el.Source]
		if el.Kind.HasVisual() {
			videoCount[idx]++
		}
		if el.Kind.HasAudio() {
			audioCount[idx]++
		}
	}

	for idx := 0; idx < c.backgroundIdx; idx++ {
		if n := videoCount[idx]; n > 1 {
			labels := make([]StreamLabel, n)
			for i := range labels {
				labels[i] = c.nextLabel("sv")
			}
			c.addChain([]StreamLabel{padLabel(idx, "v")},
				[]Filter{{Name: "split", Args: strconv.Itoa(n)}}, labels...)
			c.videoFeeds[idx] = labels
		} else if n == 1 {
			c.videoFeeds[idx] = []StreamLabel{padLabel(idx, "v")}
		}
		if n := audioCount[idx]; n > 1 {
			labels := make([]StreamLabel, n)
			for i := range labels {
				labels[i] = c.nextLabel("sa")
			}
			c.addChain([]StreamLabel{padLabel(idx, "a")},
				[]Filter{{Name: "asplit", Args: strconv.Itoa(n)}}, labels...)
			c.audioFeeds[idx] = labels
		} else if n == 1 {
			c.audioFeeds[idx] = []StreamLabel{padLabel(idx, "a")}
		}
	}
}

func (c *compiler) popFeed(feeds map[int][]StreamLabel, idx int) (StreamLabel, error) {
	queue := feeds[idx]
	if len(queue) == 0 {
		return "", fmt.Errorf("compile: input %d has no remaining feed", idx)
	}
	label := queue[0]
	feeds[idx] = queue[1:]
	return label, nil
}

// buildVideo assembles the visual side: per-element chains, per-track
// concatenated runs, cross-track layering onto the background, and the final
// overlay-frame composite.
func (c *compiler) buildVideo(media []models.TimelineElement, tracks []models.Track) error {
	visual := filterElements(media, func(el models.TimelineElement) bool { return el.Kind.HasVisual() })

	// Tracks composite bottom-up: increasing index renders later, on top.
	ordered := visualTracksByIndex(tracks)

	stack := padLabel(c.backgroundIdx, "v")
	for _, track := range ordered {
		onTrack := filterElements(visual, func(el models.TimelineElement) bool { return el.TrackID == track.ID })
		for _, run := range trackRuns(onTrack, c.opts.Settings.FPS) {
			runLabel, err := c.buildRun(run)
			if err != nil {
				return err
			}
			out := c.nextLabel("layer")
			c.addChain([]StreamLabel{stack, runLabel},
				[]Filter{{Name: "overlay", Args: "x=0:y=0:eof_action=pass"}}, out)
			stack = out
		}
	}

	// Overlay frames are alpha-composited on top of the fully assembled
	// native video as the final visual step.
	if c.overlayIdx >= 0 {
		out := StreamLabel("vout")
		c.addChain([]StreamLabel{stack, padLabel(c.overlayIdx, "v")},
			[]Filter{{Name: "overlay", Args: "x=0:y=0:eof_action=pass"}}, out)
		c.graph.VideoOut = out
		return nil
	}

	if stack == padLabel(c.backgroundIdx, "v") {
		// Nothing composited: relabel the background through a no-op so the
		// muxer still gets a named video output.
		out := StreamLabel("vout")
		c.addChain([]StreamLabel{stack}, []Filter{{Name: "null"}}, out)
		c.graph.VideoOut = out
		return nil
	}

	// Rename the top of the stack to the canonical output label.
	last := &c.graph.Chains[len(c.graph.Chains)-1]
	last.Outputs = []StreamLabel{"vout"}
	c.graph.VideoOut = "vout"
	return nil
}

// buildRun concatenates one contiguous run of same-track clips and positions
// it on the absolute timeline.
func (c *compiler) buildRun(run []models.TimelineElement) (StreamLabel, error) {
	clipLabels := make([]StreamLabel, 0, len(run))
	for _, el := range run {
		label, err := c.buildVideoElement(el)
		if err != nil {
			return "", err
		}
		clipLabels = append(clipLabels, label)
	}

	concatOut := clipLabels[0]
	if len(clipLabels) > 1 {
		concatOut = c.nextLabel("run")
		c.addChain(clipLabels,
			[]Filter{{Name: "concat", Args: fmt.Sprintf("n=%d:v=1:a=0", len(clipLabels))}}, concatOut)
	}

	// Reposition on the absolute timeline by delaying presentation
	// timestamps to the run's start.
	startMs := run[0].TimelineStartMs
	out := c.nextLabel("pos")
	c.addChain([]StreamLabel{concatOut},
		[]Filter{{Name: "setpts", Args: fmt.Sprintf("PTS-STARTPTS+%s/TB", secs(startMs))}}, out)
	return out, nil
}

// buildVideoElement emits the per-element chain: source trim, speed
// adjustment, frame-rate normalization, scale-to-fit with centered padding,
// opacity, and clamped boundary transitions.
func (c *compiler) buildVideoElement(el models.TimelineElement) (StreamLabel, error) {
	idx, ok := c.inputs[el.Source]
	if !ok {
		return "", fmt.Errorf("compile: element %s source not mapped", el.ID)
	}
	feed, err := c.popFeed(c.videoFeeds, idx)
	if err != nil {
		return "", err
	}

	var filters []Filter
	if el.Kind == models.ElementImage {
		// Loop the single frame for the element's visible duration.
		filters = append(filters,
			Filter{Name: "loop", Args: "loop=-1:size=1:start=0"},
			Filter{Name: "fps", Args: strconv.Itoa(c.opts.Settings.FPS)},
			Filter{Name: "trim", Args: "duration=" + secs(el.DurationMs())},
			Filter{Name: "setpts", Args: "PTS-STARTPTS"},
		)
	} else {
		filters = append(filters,
			Filter{Name: "trim", Args: fmt.Sprintf("start=%s:end=%s", secs(el.SourceStartMs), secs(el.SourceEndMs))},
		)
		// Time-stretch video via presentation-timestamp rescale by 1/speed.
		if speed := el.EffectiveSpeed(); speed != 1 {
			filters = append(filters, Filter{Name: "setpts", Args: fmt.Sprintf("(PTS-STARTPTS)/%s", formatSpeed(speed))})
		} else {
			filters = append(filters, Filter{Name: "setpts", Args: "PTS-STARTPTS"})
		}
		filters = append(filters, Filter{Name: "fps", Args: strconv.Itoa(c.opts.Settings.FPS)})
	}

	// Scale-to-fit preserving aspect ratio, pad to output resolution,
	// centered, black fill. setsar keeps concat and overlay happy across
	// sources with odd sample aspect ratios.
	filters = append(filters,
		Filter{Name: "scale", Args: fmt.Sprintf("%d:%d:force_original_aspect_ratio=decrease", c.width, c.height)},
		Filter{Name: "pad", Args: fmt.Sprintf("%d:%d:(ow-iw)/2:(oh-ih)/2:color=black", c.width, c.height)},
		Filter{Name: "setsar", Args: "1"},
		Filter{Name: "format", Args: "yuva420p"},
	)

	if op := el.EffectiveOpacity(); op != 1 {
		filters = append(filters, Filter{Name: "colorchannelmixer", Args: "aa=" + strconv.FormatFloat(op, 'f', 3, 64)})
	}

	// Boundary transitions, expressed as time-windowed alpha fades anchored
	// at the clip edge. The overlay renderer handles full-fidelity styled
	// transitions; this native path covers the degraded fallback.
	if el.TransitionIn != nil && el.TransitionIn.DurationMs > 0 {
		d := ClampTransitionMs(el.TransitionIn.DurationMs, el.DurationMs())
		filters = append(filters, Filter{Name: "fade", Args: fmt.Sprintf("t=in:st=%s:d=%s:alpha=1", secs(0), secs(d))})
	}
	if el.TransitionOut != nil && el.TransitionOut.DurationMs > 0 {
		d := ClampTransitionMs(el.TransitionOut.DurationMs, el.DurationMs())
		st := el.DurationMs() - d
		filters = append(filters, Filter{Name: "fade", Args: fmt.Sprintf("t=out:st=%s:d=%s:alpha=1", secs(st), secs(d))})
	}

	out := c.nextLabel("e")
	c.addChain([]StreamLabel{feed}, filters, out)
	return out, nil
}

// buildAudio assembles the audio side: per-element trim/tempo/volume/delay,
// per-track mixing, cross-track mixing, and full-duration padding. With no
// contributors a silent stream of the output duration is synthesized so the
// muxed output always has an audio channel.
func (c *compiler) buildAudio(media []models.TimelineElement, tracks []models.Track) error {
	contributors := filterElements(media, func(el models.TimelineElement) bool { return el.Kind.HasAudio() })

	if len(contributors) == 0 {
		idx := len(c.graph.Inputs)
		c.graph.Inputs = append(c.graph.Inputs, Input{
			Kind: InputLavfi,
			Path: fmt.Sprintf("anullsrc=r=%d:cl=%s:d=%s", audioSampleRate, audioChannelLayout, secs(c.opts.TotalDurationMs)),
		})
		out := StreamLabel("aout")
		c.addChain([]StreamLabel{padLabel(idx, "a")}, []Filter{{Name: "anull"}}, out)
		c.graph.AudioOut = out
		return nil
	}

	// Elements sharing a track are mixed, not concatenated: audio from
	// parallel media can legitimately overlap.
	byTrack := make(map[string][]models.TimelineElement)
	var trackOrder []string
	for _, el := range contributors {
		if _, ok := byTrack[el.TrackID]; !ok {
			trackOrder = append(trackOrder, el.TrackID)
		}
		byTrack[el.TrackID] = append(byTrack[el.TrackID], el)
	}
	sort.Strings(trackOrder)

	var trackLabels []StreamLabel
	for _, trackID := range trackOrder {
		var elLabels []StreamLabel
		for _, el := range byTrack[trackID] {
			label, err := c.buildAudioElement(el)
			if err != nil {
				return err
			}
			elLabels = append(elLabels, label)
		}
		trackLabels = append(trackLabels, c.mixStreams(elLabels, "at"))
	}

	mixed := c.mixStreams(trackLabels, "amixed")

	// Pad to the full output duration so audio never ends before video.
	out := StreamLabel("aout")
	c.addChain([]StreamLabel{mixed},
		[]Filter{{Name: "apad", Args: "whole_dur=" + secs(c.opts.TotalDurationMs)}}, out)
	c.graph.AudioOut = out
	return nil
}

// mixStreams combines streams with amix, or passes the single contributor
// through untouched (avoids an unnecessary resampling pass).
func (c *compiler) mixStreams(labels []StreamLabel, prefix string) StreamLabel {
	if len(labels) == 1 {
		return labels[0]
	}
	out := c.nextLabel(prefix)
	c.addChain(labels,
		[]Filter{{Name: "amix", Args: fmt.Sprintf("inputs=%d:duration=longest:normalize=0", len(labels))}}, out)
	return out
}

func (c *compiler) buildAudioElement(el models.TimelineElement) (StreamLabel, error) {
	idx, ok := c.inputs[el.Source]
	if !ok {
		return "", fmt.Errorf("compile: element %s source not mapped", el.ID)
	}
	feed, err := c.popFeed(c.audioFeeds, idx)
	if err != nil {
		return "", err
	}

	filters := []Filter{
		{Name: "atrim", Args: fmt.Sprintf("start=%s:end=%s", secs(el.SourceStartMs), secs(el.SourceEndMs))},
		{Name: "asetpts", Args: "PTS-STARTPTS"},
	}
	for _, tempo := range AtempoStages(el.EffectiveSpeed()) {
		filters = append(filters, Filter{Name: "atempo", Args: formatSpeed(tempo)})
	}
	// Volume scaling applies even at zero: a muted element contributes
	// silence, not absence, so the mix keeps a continuous stream.
	filters = append(filters, Filter{Name: "volume", Args: strconv.FormatFloat(el.EffectiveVolume(), 'f', 3, 64)})
	if el.TimelineStartMs > 0 {
		filters = append(filters, Filter{Name: "adelay", Args: fmt.Sprintf("%d|%d", el.TimelineStartMs, el.TimelineStartMs)})
	}

	out := c.nextLabel("a")
	c.addChain([]StreamLabel{feed}, filters, out)
	return out, nil
}

// ClampTransitionMs limits a transition to one-third of its owning clip's
// timeline duration, so in/out transitions within a single short clip can
// never overlap.
func ClampTransitionMs(requestedMs, clipMs int) int {
	max := clipMs / transitionMaxShare
	if requestedMs > max {
		return max
	}
	return requestedMs
}

// AtempoStages decomposes a speed factor into a chain of atempo stages, each
// within the engine's supported [0.5, 2.0] window. A factor of 1 yields no
// stages.
func AtempoStages(speed float64) []float64 {
	if speed == 1 {
		return nil
	}
	var stages []float64
	for speed > atempoMax {
		stages = append(stages, atempoMax)
		speed /= atempoMax
	}
	for speed < atempoMin {
		stages = append(stages, atempoMin)
		speed /= atempoMin
	}
	if speed != 1 {
		stages = append(stages, speed)
	}
	return stages
}

// trackRuns splits a track's clips, ordered by timeline start, into
// contiguous runs that can be concatenated. A gap wider than one frame
// starts a new run; the background shows through the gap.
func trackRuns(els []models.TimelineElement, fps int) [][]models.TimelineElement {
	if len(els) == 0 {
		return nil
	}
	sorted := append([]models.TimelineElement(nil), els...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TimelineStartMs < sorted[j].TimelineStartMs })

	frameMs := 1000 / fps
	if frameMs < 1 {
		frameMs = 1
	}
	var runs [][]models.TimelineElement
	current := []models.TimelineElement{sorted[0]}
	for _, el := range sorted[1:] {
		prev := current[len(current)-1]
		if el.TimelineStartMs-prev.TimelineEndMs > frameMs {
			runs = append(runs, current)
			current = []models.TimelineElement{el}
		} else {
			current = append(current, el)
		}
	}
	return append(runs, current)
}

func visualTracksByIndex(tracks []models.Track) []models.Track {
	var visual []models.Track
	for _, t := range tracks {
		if t.Kind != models.TrackAudio {
			visual = append(visual, t)
		}
	}
	sort.Slice(visual, func(i, j int) bool { return visual[i].Index < visual[j].Index })
	return visual
}

func filterElements(els []models.TimelineElement, keep func(models.TimelineElement) bool) []models.TimelineElement {
	var out []models.TimelineElement
	for _, el := range els {
		if keep(el) {
			out = append(out, el)
		}
	}
	return out
}

// formatSpeed renders a tempo/speed factor with enough precision for the
// engine without trailing noise.
func formatSpeed(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
