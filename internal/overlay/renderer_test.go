package overlay

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFrameCount(t *testing.T) {
	cases := []struct {
		durationMs int
		fps        int
		want       int
	}{
		{1000, 30, 30},
		{10000, 30, 300},
		{1001, 30, 31}, // partial frame rounds up
		{33, 30, 1},
		{500, 24, 12},
	}
	for _, tc := range cases {
		r := Request{DurationMs: tc.durationMs, FPS: tc.fps}
		if got := r.FrameCount(); got != tc.want {
			t.Errorf("%dms at %dfps: expected %d frames, got %d", tc.durationMs, tc.fps, tc.want, got)
		}
	}
}

func TestFramePattern(t *testing.T) {
	seq := FrameSequence{Dir: "/tmp/job/overlay", Count: 3, FPS: 30}
	if got := seq.Pattern(); got != filepath.Join("/tmp/job/overlay", "frame_%05d.png") {
		t.Errorf("unexpected pattern %q", got)
	}
	if got := seq.FramePath(7); !strings.HasSuffix(got, "frame_00007.png") {
		t.Errorf("unexpected frame path %q", got)
	}
}

func writeFrame(t *testing.T, dir string, n int) {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("frame_%05d.png", n))
	if err := os.WriteFile(path, []byte("png"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestValidateCompleteSequence(t *testing.T) {
	dir := t.TempDir()
	for n := 0; n < 5; n++ {
		writeFrame(t, dir, n)
	}
	seq := FrameSequence{Dir: dir, Count: 5, FPS: 30}
	if err := seq.Validate(); err != nil {
		t.Fatalf("complete sequence should validate, got %v", err)
	}
}

func TestValidateRejectsGap(t *testing.T) {
	dir := t.TempDir()
	for n := 0; n < 5; n++ {
		if n == 2 {
			continue
		}
		writeFrame(t, dir, n)
	}
	seq := FrameSequence{Dir: dir, Count: 5, FPS: 30}
	err := seq.Validate()
	if err == nil || !strings.Contains(err.Error(), "frame 2 missing") {
		t.Fatalf("expected missing-frame error, got %v", err)
	}
}

func TestValidateRejectsEmptyFrame(t *testing.T) {
	dir := t.TempDir()
	writeFrame(t, dir, 0)
	if err := os.WriteFile(filepath.Join(dir, "frame_00001.png"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	seq := FrameSequence{Dir: dir, Count: 2, FPS: 30}
	err := seq.Validate()
	if err == nil || !strings.Contains(err.Error(), "frame 1 is empty") {
		t.Fatalf("expected empty-frame error, got %v", err)
	}
}

func TestValidateRejectsEmptySequence(t *testing.T) {
	seq := FrameSequence{Dir: t.TempDir(), Count: 0, FPS: 30}
	if err := seq.Validate(); err == nil {
		t.Fatal("expected error for zero-frame sequence")
	}
}
