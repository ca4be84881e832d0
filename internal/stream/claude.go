package stream

// Claude Messages API stream event and delta types.
const (
	ClaudeContentBlockDelta = "content_block_delta"
	ClaudeMessageDelta      = "message_delta"
	ClaudeMessageStop       = "message_stop"
	ClaudeError             = "error"

	ClaudeTextDelta     = "text_delta"
	ClaudeThinkingDelta = "thinking_delta"
)

// ClaudeEvent is the transport-independent view of one typed stream event.
type ClaudeEvent struct {
	Type      string
	DeltaType string
	Text      string
}

// ClaudeNormalizer routes typed Claude events into text and thoughts.
// Reasoning arrives as its own delta type, so no tag stripping is needed.
type ClaudeNormalizer struct {
	acc  *Accumulator
	done bool
}

// NewClaudeNormalizer creates a normalizer reporting to sink.
func NewClaudeNormalizer(sink UpdateSink) *ClaudeNormalizer {
	return &ClaudeNormalizer{acc: NewAccumulator(sink)}
}

// HandleEvent processes one event and returns true once the message has terminated.
// Unknown event and delta types are ignored.
func (n *ClaudeNormalizer) HandleEvent(ev ClaudeEvent) bool {
	if n.done {
		return true
	}
	switch ev.Type {
	case ClaudeContentBlockDelta:
		switch ev.DeltaType {
		case ClaudeTextDelta:
			n.acc.AppendText(ev.Text)
		case ClaudeThinkingDelta:
			n.acc.AppendThoughts(ev.Text)
		default:
			return false
		}
		n.acc.Emit()
	case ClaudeMessageDelta, ClaudeMessageStop:
		n.done = true
	}
	return n.done
}

// Finish returns the final value.
func (n *ClaudeNormalizer) Finish() Final {
	return n.acc.Finish()
}
