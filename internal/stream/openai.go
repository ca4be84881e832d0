package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"neurochat/internal/logger"
)

// openAIChunk is the subset of a chat.completion.chunk event we read.
type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// OpenAINormalizer consumes OpenAI-compatible SSE event payloads.
// delta.content may carry inline <think> spans; delta.reasoning_content is
// routed straight into thoughts.
type OpenAINormalizer struct {
	acc   *Accumulator
	split ThinkSplitter
	done  bool
}

// NewOpenAINormalizer creates a normalizer reporting to sink.
func NewOpenAINormalizer(sink UpdateSink) *OpenAINormalizer {
	return &OpenAINormalizer{acc: NewAccumulator(sink)}
}

// HandleEvent processes the data payload of one SSE event. It returns true
// once the [DONE] terminator is seen. Malformed payloads are skipped; an
// error object embedded in the stream is returned as an error.
func (n *OpenAINormalizer) HandleEvent(data []byte) (bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || n.done {
		return n.done, nil
	}
	if bytes.Equal(data, []byte("[DONE]")) {
		n.done = true
		return true, nil
	}

	var chunk openAIChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		logger.Debug("Skipping malformed stream chunk", "provider", "openai_compatible", "error", err)
		return false, nil
	}
	if chunk.Error != nil {
		return false, fmt.Errorf("API error: %s", chunk.Error.Message)
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.ReasoningContent != "" {
			n.acc.AppendThoughts(choice.Delta.ReasoningContent)
		}
		if choice.Delta.Content != "" {
			vis, th := n.split.Feed(choice.Delta.Content)
			n.acc.AppendThoughts(th)
			n.acc.AppendText(vis)
		}
	}
	n.acc.Emit()
	return false, nil
}

// Finish flushes any held-back tag fragment and returns the final value.
func (n *OpenAINormalizer) Finish() Final {
	vis, th := n.split.Flush()
	n.acc.AppendThoughts(th)
	n.acc.AppendText(vis)
	return n.acc.Finish()
}
