package stream

import (
	"context"
	"sync"

	"neurochat/pkg/chattypes"
)

// Official normalizes a single non-streaming response: the whole payload is
// delivered as one completed update.
func Official(text, thoughts string, images []chattypes.ImageRef, sink UpdateSink) Final {
	acc := NewAccumulator(sink)
	acc.AppendThoughts(thoughts)
	acc.AppendText(text)
	for _, img := range images {
		acc.AddImage(img)
	}
	return acc.Finish()
}

// Gate guards a sink for one dispatch. Once the context is cancelled or the
// gate is closed, no further update reaches the wrapped sink.
type Gate struct {
	ctx      context.Context
	sink     UpdateSink
	mu       sync.Mutex
	closed   bool
	suppress func() bool
}

// NewGate wraps sink. suppress, when non-nil, is consulted before every
// update and can veto it (e.g. a session cancelled out of band).
func NewGate(ctx context.Context, sink UpdateSink, suppress func() bool) *Gate {
	return &Gate{ctx: ctx, sink: sink, suppress: suppress}
}

// Sink returns the guarded sink. Calls are serialized.
func (g *Gate) Sink() UpdateSink {
	return func(text, thoughts string) {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.closed || g.sink == nil {
			return
		}
		if g.ctx.Err() != nil {
			g.closed = true
			return
		}
		if g.suppress != nil && g.suppress() {
			g.closed = true
			return
		}
		g.sink(text, thoughts)
	}
}

// Close stops all further updates.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Closed reports whether the gate has stopped forwarding updates.
func (g *Gate) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
