// Package filtergraph compiles a declarative timeline into one executable
// FFmpeg compositing program. The graph is modeled as an in-memory
// intermediate representation first (inputs, filter chains, labeled streams)
// and serialized to -filter_complex syntax as a separate step, so graph
// structure can be unit-tested without invoking the engine.
package filtergraph

import (
	"fmt"
	"strconv"
	"strings"
)

// StreamLabel names a stream inside the filter graph. Input pad references
// look like "0:v"; intermediate labels are bare names like "e3v".
type StreamLabel string

type InputKind int

const (
	// InputFile is an ordinary demuxed media file.
	InputFile InputKind = iota
	// InputStill is a single image, looped by the consuming chain.
	InputStill
	// InputLavfi is a synthetic source (black background, silence).
	InputLavfi
	// InputSequence is a fixed-fps numbered image sequence (overlay frames).
	InputSequence
)

// Input is one numbered -i source of the compositing program.
type Input struct {
	Kind InputKind
	// Path is the file path, sequence pattern, or lavfi source spec.
	Path string
	// FPS applies to sequence inputs (-framerate).
	FPS int
}

// Args renders the per-input command-line arguments, including the -i flag.
func (in Input) Args() []string {
	switch in.Kind {
	case InputLavfi:
		return []string{"-f", "lavfi", "-i", in.Path}
	case InputSequence:
		return []string{"-framerate", strconv.Itoa(in.FPS), "-i", in.Path}
	default:
		return []string{"-i", in.Path}
	}
}

// Filter is a single transform node, e.g. {Name: "trim", Args: "start=1.000:end=3.000"}.
type Filter struct {
	Name string
	Args string
}

func (f Filter) String() string {
	if f.Args == "" {
		return f.Name
	}
	return f.Name + "=" + f.Args
}

// Chain applies an ordered filter list to one or more input streams and
// labels the results. Most chains have exactly one output; split/asplit
// chains fan one stream out to several consumers.
type Chain struct {
	Inputs  []StreamLabel
	Filters []Filter
	Outputs []StreamLabel
}

// Graph is the complete compositing program: ordered inputs plus filter
// chains, with the two labeled outputs the orchestrator maps to the muxer.
type Graph struct {
	Inputs   []Input
	Chains   []Chain
	VideoOut StreamLabel
	AudioOut StreamLabel
}

// InputArgs renders the full ordered input argument list.
func (g *Graph) InputArgs() []string {
	var args []string
	for _, in := range g.Inputs {
		args = append(args, in.Args()...)
	}
	return args
}

// ChainFor returns the chain producing the given label, for tests and
// diagnostics.
func (g *Graph) ChainFor(label StreamLabel) (Chain, bool) {
	for _, c := range g.Chains {
		for _, out := range c.Outputs {
			if out == label {
				return c, true
			}
		}
	}
	return Chain{}, false
}

// Serialize renders the graph in FFmpeg -filter_complex syntax. It is a pure
// function of the IR; all numeric decisions were made at compile time.
func (g *Graph) Serialize() string {
	parts := make([]string, 0, len(g.Chains))
	for _, c := range g.Chains {
		var b strings.Builder
		for _, in := range c.Inputs {
			fmt.Fprintf(&b, "[%s]", in)
		}
		for i, f := range c.Filters {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(f.String())
		}
		for _, out := range c.Outputs {
			fmt.Fprintf(&b, "[%s]", out)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, ";")
}

// padLabel builds the "N:v" / "N:a" reference for a numbered input.
func padLabel(index int, stream string) StreamLabel {
	return StreamLabel(fmt.Sprintf("%d:%s", index, stream))
}

// secs converts milliseconds to the engine's native seconds at the point of
// filter construction, not earlier, to avoid compounding rounding error.
func secs(ms int) string {
	return strconv.FormatFloat(float64(ms)/1000.0, 'f', 3, 64)
}
