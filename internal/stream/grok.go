package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"neurochat/internal/logger"
	"neurochat/pkg/chattypes"
)

// grokBlockedTags are backend-internal render markers. A token containing any
// of them is a control token, not model output.
var grokBlockedTags = []string{
	"xaiartifact",
	"xai:tool_usage_card",
	"grok:render",
	"<tool_usage_card",
	"<argument",
	"<tool_name",
	"<tool_args",
}

// grokImageKeys are the fields image URLs are harvested from.
var grokImageKeys = map[string]bool{
	"fileUri":            true,
	"imageUrl":           true,
	"images":             true,
	"generatedImageUrls": true,
}

// GrokNormalizer consumes the third-vendor JSON-per-line stream.
type GrokNormalizer struct {
	acc       *Accumulator
	assetBase string
}

// NewGrokNormalizer creates a normalizer reporting to sink. Relative image
// paths are resolved against assetBase when it is non-empty.
func NewGrokNormalizer(sink UpdateSink, assetBase string) *GrokNormalizer {
	return &GrokNormalizer{
		acc:       NewAccumulator(sink),
		assetBase: strings.TrimSuffix(assetBase, "/"),
	}
}

// HandleLine processes one line, optionally prefixed with "data:".
// Lines that are not JSON objects are skipped. An error object is returned as an error.
func (n *GrokNormalizer) HandleLine(line []byte) error {
	line = bytes.TrimSpace(line)
	line = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
	if len(line) == 0 || bytes.Equal(line, []byte("[DONE]")) {
		return nil
	}

	var envelope struct {
		Result map[string]any `json:"result"`
		Error  *struct {
			Message string `json:"message"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		logger.Debug("Skipping malformed stream line", "provider", "grok", "error", err)
		return nil
	}
	if envelope.Error != nil {
		return fmt.Errorf("grok error: %s", envelope.Error.Message)
	}
	if envelope.Result == nil {
		return nil
	}

	n.harvestImages(envelope.Result)

	result := envelope.Result
	if nested, ok := result["response"].(map[string]any); ok {
		result = nested
	}

	token, _ := result["token"].(string)
	if token == "" {
		token, _ = result["text"].(string)
	}
	if token == "" || isGrokControlToken(token) {
		n.acc.Emit()
		return nil
	}

	if thinking, _ := result["isThinking"].(bool); thinking {
		n.acc.AppendThoughts(token)
	} else {
		n.acc.AppendText(token)
	}
	n.acc.Emit()
	return nil
}

// Finish returns the final value.
func (n *GrokNormalizer) Finish() Final {
	return n.acc.Finish()
}

func isGrokControlToken(token string) bool {
	for _, tag := range grokBlockedTags {
		if strings.Contains(token, tag) {
			return true
		}
	}
	return false
}

// harvestImages walks v depth-first in sorted key order, collecting image
// URLs from known fields.
func (n *GrokNormalizer) harvestImages(v any) {
	switch t := v.(type) {
	case map[string]any:
		for _, key := range sortedKeys(t) {
			child := t[key]
			if grokImageKeys[key] {
				n.collectImage(child)
				continue
			}
			n.harvestImages(child)
		}
	case []any:
		for _, item := range t {
			n.harvestImages(item)
		}
	}
}

func (n *GrokNormalizer) collectImage(v any) {
	switch t := v.(type) {
	case string:
		if t != "" {
			n.acc.AddImage(chattypes.ImageRef{URL: n.resolve(t)})
		}
	case []any:
		for _, item := range t {
			n.collectImage(item)
		}
	case map[string]any:
		for _, key := range []string{"url", "imageUrl", "fileUri"} {
			if s, ok := t[key].(string); ok && s != "" {
				n.acc.AddImage(chattypes.ImageRef{URL: n.resolve(s)})
				return
			}
		}
	}
}

func (n *GrokNormalizer) resolve(u string) string {
	if n.assetBase == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "data:") {
		return u
	}
	return n.assetBase + "/" + strings.TrimPrefix(u, "/")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
