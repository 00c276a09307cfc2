package filtergraph

import (
	"math"
	"strings"
	"testing"

	"github.com/silvercrow/onecut/internal/models"
)

var testOpts = Options{
	TotalDurationMs: 10000,
	Settings: models.ExportSettings{
		Resolution: models.Resolution1080p,
		FPS:        30,
	},
}

var testTracks = []models.Track{
	{ID: "v1", Index: 0, Kind: models.TrackVideo},
	{ID: "v2", Index: 1, Kind: models.TrackVideo},
	{ID: "a1", Index: 2, Kind: models.TrackAudio},
}

func videoEl(id, source string, startMs, endMs int) models.TimelineElement {
	return models.TimelineElement{
		ID:              id,
		Kind:            models.ElementVideo,
		TrackID:         "v1",
		TimelineStartMs: startMs,
		TimelineEndMs:   endMs,
		SourceStartMs:   0,
		SourceEndMs:     endMs - startMs,
		Source:          source,
	}
}

func TestCompileSingleVideo(t *testing.T) {
	media := []models.TimelineElement{videoEl("e1", "/tmp/a.mp4", 0, 4000)}

	g, err := Compile(media, testTracks, testOpts)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	// One file input plus the synthetic background.
	if len(g.Inputs) != 2 {
		t.Fatalf("expected 2 inputs, got %d", len(g.Inputs))
	}
	if g.Inputs[0].Kind != InputFile || g.Inputs[0].Path != "/tmp/a.mp4" {
		t.Errorf("input 0 should be the media file, got %+v", g.Inputs[0])
	}
	if g.Inputs[1].Kind != InputLavfi || !strings.Contains(g.Inputs[1].Path, "color=c=black:s=1920x1080") {
		t.Errorf("input 1 should be the background source, got %+v", g.Inputs[1])
	}
	if !strings.Contains(g.Inputs[1].Path, "d=10.000") {
		t.Errorf("background should run the full output duration, got %q", g.Inputs[1].Path)
	}

	if g.VideoOut != "vout" || g.AudioOut != "aout" {
		t.Fatalf("expected canonical output labels, got %q / %q", g.VideoOut, g.AudioOut)
	}

	serialized := g.Serialize()
	for _, want := range []string{
		"trim=start=0.000:end=4.000",
		"scale=1920:1080:force_original_aspect_ratio=decrease",
		"pad=1920:1080:(ow-iw)/2:(oh-ih)/2:color=black",
		"setsar=1",
		"format=yuva420p",
		"overlay=x=0:y=0:eof_action=pass",
		"atrim=start=0.000:end=4.000",
		"apad=whole_dur=10.000",
	} {
		if !strings.Contains(serialized, want) {
			t.Errorf("serialized graph missing %q:\n%s", want, serialized)
		}
	}
}

func TestCompileAllStyledTimeline(t *testing.T) {
	// Every visual element went to the overlay renderer: the native media set
	// is empty and the output is background plus the overlay sequence.
	overlay := &OverlaySequence{Pattern: "/tmp/job/overlay/frame_%05d.png", FPS: 30}
	opts := testOpts
	opts.Overlay = overlay

	g, err := Compile(nil, testTracks, opts)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	if g.Inputs[0].Kind != InputLavfi {
		t.Errorf("expected background first, got %+v", g.Inputs[0])
	}
	if g.Inputs[1].Kind != InputSequence || g.Inputs[1].FPS != 30 {
		t.Errorf("expected overlay sequence input, got %+v", g.Inputs[1])
	}

	args := g.Inputs[1].Args()
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-framerate 30") {
		t.Errorf("sequence input should carry -framerate, got %q", joined)
	}

	chain, ok := g.ChainFor("vout")
	if !ok {
		t.Fatal("no chain produces vout")
	}
	if len(chain.Filters) != 1 || chain.Filters[0].Name != "overlay" {
		t.Errorf("vout should be the overlay composite, got %+v", chain.Filters)
	}

	// No audio contributors: silence for the full duration.
	serialized := g.Serialize()
	if !strings.Contains(g.Inputs[len(g.Inputs)-1].Path, "anullsrc") {
		t.Errorf("expected synthesized silence input")
	}
	if !strings.Contains(serialized, "anull") {
		t.Errorf("aout should pass silence through, got:\n%s", serialized)
	}
}

func TestCompileOverlayCompositedLast(t *testing.T) {
	opts := testOpts
	opts.Overlay = &OverlaySequence{Pattern: "/tmp/f_%05d.png", FPS: 30}
	media := []models.TimelineElement{videoEl("e1", "/tmp/a.mp4", 0, 4000)}

	g, err := Compile(media, testTracks, opts)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	chain, ok := g.ChainFor("vout")
	if !ok {
		t.Fatal("no chain produces vout")
	}
	if len(chain.Inputs) != 2 {
		t.Fatalf("overlay composite takes the stack and the sequence, got %v", chain.Inputs)
	}
	// Second input of the final composite is the overlay sequence pad.
	if chain.Inputs[1] != padLabel(2, "v") {
		t.Errorf("expected overlay pad 2:v as top layer, got %q", chain.Inputs[1])
	}
}

func TestCompileImageLoops(t *testing.T) {
	img := models.TimelineElement{
		ID:              "img",
		Kind:            models.ElementImage,
		TrackID:         "v1",
		TimelineStartMs: 1000,
		TimelineEndMs:   4000,
		Source:          "/tmp/photo.png",
	}

	g, err := Compile([]models.TimelineElement{img}, testTracks, testOpts)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if g.Inputs[0].Kind != InputStill {
		t.Errorf("image should map to a still input, got %+v", g.Inputs[0])
	}

	serialized := g.Serialize()
	if !strings.Contains(serialized, "loop=loop=-1:size=1:start=0") {
		t.Errorf("image chain should loop its single frame:\n%s", serialized)
	}
	if !strings.Contains(serialized, "trim=duration=3.000") {
		t.Errorf("image should be trimmed to its timeline span:\n%s", serialized)
	}
	// Positioned at its absolute start.
	if !strings.Contains(serialized, "PTS-STARTPTS+1.000/TB") {
		t.Errorf("run should be delayed to 1.000s:\n%s", serialized)
	}
}

func TestCompileSpeedAdjustment(t *testing.T) {
	speed := 2.0
	el := videoEl("e1", "/tmp/a.mp4", 0, 2000)
	el.Speed = &speed
	el.SourceEndMs = 4000

	g, err := Compile([]models.TimelineElement{el}, testTracks, testOpts)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	serialized := g.Serialize()
	if !strings.Contains(serialized, "(PTS-STARTPTS)/2") {
		t.Errorf("video should be time-stretched by 1/speed:\n%s", serialized)
	}
	if !strings.Contains(serialized, "atempo=2") {
		t.Errorf("audio should carry an atempo stage:\n%s", serialized)
	}
}

func TestCompileSharedSourceFansOut(t *testing.T) {
	// Two clips cut from the same file: the input pad may only be consumed
	// once, so the compiler must split it.
	a := videoEl("e1", "/tmp/a.mp4", 0, 2000)
	b := videoEl("e2", "/tmp/a.mp4", 3000, 5000)
	b.SourceStartMs = 5000
	b.SourceEndMs = 7000

	g, err := Compile([]models.TimelineElement{a, b}, testTracks, testOpts)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	// Exactly one file input despite two elements.
	fileInputs := 0
	for _, in := range g.Inputs {
		if in.Kind == InputFile {
			fileInputs++
		}
	}
	if fileInputs != 1 {
		t.Fatalf("shared source should be deduplicated, got %d file inputs", fileInputs)
	}

	serialized := g.Serialize()
	if !strings.Contains(serialized, "split=2") {
		t.Errorf("expected a video split chain:\n%s", serialized)
	}
	if !strings.Contains(serialized, "asplit=2") {
		t.Errorf("expected an audio asplit chain:\n%s", serialized)
	}
}

func TestCompileGapStartsNewRun(t *testing.T) {
	// 2s gap between clips on the same track: two runs, background visible
	// in between, so no concat of discontinuous clips.
	a := videoEl("e1", "/tmp/a.mp4", 0, 2000)
	b := videoEl("e2", "/tmp/b.mp4", 4000, 6000)

	g, err := Compile([]models.TimelineElement{a, b}, testTracks, testOpts)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	serialized := g.Serialize()
	if strings.Contains(serialized, "concat=") {
		t.Errorf("discontinuous clips must not be concatenated:\n%s", serialized)
	}
	// Each run overlays the stack separately.
	if got := strings.Count(serialized, "overlay="); got != 2 {
		t.Errorf("expected 2 overlay composites, got %d:\n%s", got, serialized)
	}
}

func TestCompileContiguousClipsConcat(t *testing.T) {
	a := videoEl("e1", "/tmp/a.mp4", 0, 2000)
	b := videoEl("e2", "/tmp/b.mp4", 2000, 5000)

	g, err := Compile([]models.TimelineElement{a, b}, testTracks, testOpts)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	serialized := g.Serialize()
	if !strings.Contains(serialized, "concat=n=2:v=1:a=0") {
		t.Errorf("contiguous clips should be concatenated:\n%s", serialized)
	}
}

func TestCompileMutedElementContributesSilence(t *testing.T) {
	muted := 0.0
	el := videoEl("e1", "/tmp/a.mp4", 0, 2000)
	el.Volume = &muted

	g, err := Compile([]models.TimelineElement{el}, testTracks, testOpts)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	serialized := g.Serialize()
	if !strings.Contains(serialized, "volume=0.000") {
		t.Errorf("muted element should keep a zero-volume stream:\n%s", serialized)
	}
	if strings.Contains(serialized, "anullsrc") {
		t.Errorf("muted element is still a contributor, no synthesized silence expected")
	}
}

func TestCompileOpacity(t *testing.T) {
	half := 0.5
	el := videoEl("e1", "/tmp/a.mp4", 0, 2000)
	el.Opacity = &half

	g, err := Compile([]models.TimelineElement{el}, testTracks, testOpts)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if !strings.Contains(g.Serialize(), "colorchannelmixer=aa=0.500") {
		t.Errorf("expected alpha scaling for opacity 0.5:\n%s", g.Serialize())
	}
}

func TestCompileTransitionsClamped(t *testing.T) {
	el := videoEl("e1", "/tmp/a.mp4", 0, 3000)
	el.TransitionIn = &models.Transition{Kind: models.TransitionFade, DurationMs: 5000}
	el.TransitionOut = &models.Transition{Kind: models.TransitionFade, DurationMs: 400}

	g, err := Compile([]models.TimelineElement{el}, testTracks, testOpts)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	serialized := g.Serialize()
	// 5000ms requested, clamped to a third of the 3000ms clip.
	if !strings.Contains(serialized, "fade=t=in:st=0.000:d=1.000:alpha=1") {
		t.Errorf("in transition should be clamped to 1s:\n%s", serialized)
	}
	// 400ms fits; the out fade is anchored at the clip tail.
	if !strings.Contains(serialized, "fade=t=out:st=2.600:d=0.400:alpha=1") {
		t.Errorf("out transition should start at 2.6s:\n%s", serialized)
	}
}

func TestCompileRejectsInvalidOptions(t *testing.T) {
	if _, err := Compile(nil, testTracks, Options{TotalDurationMs: 0, Settings: testOpts.Settings}); err == nil {
		t.Error("expected error for zero duration")
	}
	bad := testOpts
	bad.Settings.FPS = 0
	if _, err := Compile(nil, testTracks, bad); err == nil {
		t.Error("expected error for zero fps")
	}
}

func TestClampTransitionMs(t *testing.T) {
	if got := ClampTransitionMs(5000, 3000); got != 1000 {
		t.Errorf("expected clamp to 1000, got %d", got)
	}
	if got := ClampTransitionMs(200, 3000); got != 200 {
		t.Errorf("in-range transition should pass unchanged, got %d", got)
	}
}

func TestAtempoStages(t *testing.T) {
	if stages := AtempoStages(1); stages != nil {
		t.Errorf("speed 1 needs no stages, got %v", stages)
	}
	if stages := AtempoStages(1.5); len(stages) != 1 || stages[0] != 1.5 {
		t.Errorf("in-range speed is a single stage, got %v", stages)
	}

	cases := []float64{4, 16, 0.25, 1.0 / 16, 3, 0.2}
	for _, speed := range cases {
		product := 1.0
		for _, s := range AtempoStages(speed) {
			if s < 0.5 || s > 2.0 {
				t.Errorf("speed %v: stage %v outside [0.5, 2.0]", speed, s)
			}
			product *= s
		}
		if math.Abs(product-speed) > 1e-9 {
			t.Errorf("speed %v: stages multiply to %v", speed, product)
		}
	}
}

func TestSerializeChainSyntax(t *testing.T) {
	g := &Graph{
		Chains: []Chain{
			{
				Inputs:  []StreamLabel{"0:v"},
				Filters: []Filter{{Name: "trim", Args: "start=0.000:end=1.000"}, {Name: "setpts", Args: "PTS-STARTPTS"}},
				Outputs: []StreamLabel{"e1"},
			},
			{
				Inputs:  []StreamLabel{"1:v", "e1"},
				Filters: []Filter{{Name: "overlay", Args: "x=0:y=0"}},
				Outputs: []StreamLabel{"vout"},
			},
		},
	}
	want := "[0:v]trim=start=0.000:end=1.000,setpts=PTS-STARTPTS[e1];[1:v][e1]overlay=x=0:y=0[vout]"
	if got := g.Serialize(); got != want {
		t.Errorf("serialize mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestTrackRunsSplitOnGap(t *testing.T) {
	els := []models.TimelineElement{
		videoEl("c", "/tmp/c.mp4", 5000, 6000),
		videoEl("a", "/tmp/a.mp4", 0, 2000),
		videoEl("b", "/tmp/b.mp4", 2000, 4000),
	}
	runs := trackRuns(els, 30)
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0][0].ID != "a" || runs[0][1].ID != "b" {
		t.Errorf("first run should be a then b, got %v", runs[0])
	}
	if runs[1][0].ID != "c" {
		t.Errorf("second run should be c")
	}
}
