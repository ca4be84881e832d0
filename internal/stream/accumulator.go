// Package stream turns provider-specific streaming wire formats into one
// normalized sequence of (text, thoughts) updates plus a final result.
package stream

import (
	"strings"

	"neurochat/pkg/chattypes"
)

// UpdateSink receives incremental updates. Both strings are the full
// accumulated values so far and never shrink between calls.
type UpdateSink func(text, thoughts string)

// Final is the completed output of a normalizer.
type Final struct {
	Text     string
	Thoughts string
	Images   []chattypes.ImageRef
}

// Accumulator collects visible text, thoughts and images and forwards
// changes to a sink. It only ever appends, so emitted values are monotonic.
type Accumulator struct {
	sink UpdateSink

	text     strings.Builder
	thoughts strings.Builder

	emittedText     int
	emittedThoughts int
	emitted         bool

	images []chattypes.ImageRef
	seen   map[string]struct{}
}

// NewAccumulator creates an accumulator that reports to sink (which may be nil).
func NewAccumulator(sink UpdateSink) *Accumulator {
	return &Accumulator{
		sink: sink,
		seen: make(map[string]struct{}),
	}
}

// AppendText appends visible text.
func (a *Accumulator) AppendText(s string) {
	a.text.WriteString(s)
}

// AppendThoughts appends reasoning text.
func (a *Accumulator) AppendThoughts(s string) {
	a.thoughts.WriteString(s)
}

// AddImage records an image unless one with the same key was already seen.
// It returns false for duplicates and empty references.
func (a *Accumulator) AddImage(img chattypes.ImageRef) bool {
	key := img.Key()
	if key == "" {
		return false
	}
	if _, ok := a.seen[key]; ok {
		return false
	}
	a.seen[key] = struct{}{}
	a.images = append(a.images, img)
	return true
}

// Emit forwards the current state to the sink if it grew since the last emit.
func (a *Accumulator) Emit() {
	if a.text.Len() == a.emittedText && a.thoughts.Len() == a.emittedThoughts && a.emitted {
		return
	}
	if a.text.Len() == 0 && a.thoughts.Len() == 0 {
		return
	}
	a.emittedText = a.text.Len()
	a.emittedThoughts = a.thoughts.Len()
	a.emitted = true
	if a.sink != nil {
		a.sink(a.text.String(), a.thoughts.String())
	}
}

// Finish emits any pending state and returns the final value, which equals
// the last value passed to the sink.
func (a *Accumulator) Finish() Final {
	a.Emit()
	images := make([]chattypes.ImageRef, len(a.images))
	copy(images, a.images)
	return Final{
		Text:     a.text.String(),
		Thoughts: a.thoughts.String(),
		Images:   images,
	}
}
