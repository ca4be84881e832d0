package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"neurochat/internal/logger"
	"neurochat/internal/stream"
	"neurochat/pkg/chattypes"
)

const (
	claudeDefaultMaxTokens = 4096
	claudeMinThinkBudget   = 1024
)

// ClaudeCompatibleClient streams from endpoints that speak the Claude
// Messages protocol. Typed stream events are translated into ClaudeEvents
// and normalized by stream.ClaudeNormalizer.
type ClaudeCompatibleClient struct {
	httpClient *http.Client
}

// NewClaudeCompatibleClient creates a client sending with httpClient
// (http.DefaultClient when nil).
func NewClaudeCompatibleClient(httpClient *http.Client) *ClaudeCompatibleClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ClaudeCompatibleClient{httpClient: httpClient}
}

// GetProviderName returns the provider name for this client.
func (c *ClaudeCompatibleClient) GetProviderName() string {
	return string(chattypes.CompatibleClaude)
}

// claudeBaseURL converts a configured endpoint into the SDK base URL, which
// must not include the API version and must end in a slash.
func claudeBaseURL(baseURL string) string {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u = strings.TrimSuffix(u, "/v1")
	return u + "/"
}

// Stream sends the request and reports deltas to sink. Retries are left to
// the caller, so the SDK's own retry loop is disabled.
func (c *ClaudeCompatibleClient) Stream(ctx context.Context, s chattypes.OpenAICompatibleSettings, model string, req chattypes.ChatRequest, sink stream.UpdateSink) (stream.Final, error) {
	client := anthropic.NewClient(
		option.WithAPIKey(s.APIKey),
		option.WithBaseURL(claudeBaseURL(s.BaseURL)),
		option.WithHTTPClient(c.httpClient),
		option.WithMaxRetries(0),
	)

	messages, err := c.convertMessages(req)
	if err != nil {
		return stream.Final{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(claudeDefaultMaxTokens),
		Messages:  messages,
	}
	if s.MaxTokens > 0 {
		params.MaxTokens = int64(s.MaxTokens)
	}
	if req.SystemInstruction != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemInstruction}}
	}
	if s.ThinkingEnabled {
		budget := int64(max(s.ThinkingBudget, claudeMinThinkBudget))
		params.Thinking = anthropic.ThinkingConfigParamUnion{
			OfEnabled: &anthropic.ThinkingConfigEnabledParam{BudgetTokens: budget},
		}
		if params.MaxTokens <= budget {
			params.MaxTokens = budget + claudeDefaultMaxTokens
		}
	}

	logger.Debug("Claude-compatible stream starting", "provider", "claude", "model", model, "messages", len(messages), "thinking", s.ThinkingEnabled)
	events := client.Messages.NewStreaming(ctx, params)
	defer func() { _ = events.Close() }()

	norm := stream.NewClaudeNormalizer(sink)
	for events.Next() {
		if norm.HandleEvent(claudeEvent(events.Current())) {
			break
		}
	}
	if err := events.Err(); err != nil {
		return norm.Finish(), c.wrapError(err)
	}
	return norm.Finish(), nil
}

// claudeEvent flattens an SDK event into the normalizer's view.
func claudeEvent(event anthropic.MessageStreamEventUnion) stream.ClaudeEvent {
	switch ev := event.AsAny().(type) {
	case anthropic.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return stream.ClaudeEvent{Type: stream.ClaudeContentBlockDelta, DeltaType: stream.ClaudeTextDelta, Text: delta.Text}
		case anthropic.ThinkingDelta:
			return stream.ClaudeEvent{Type: stream.ClaudeContentBlockDelta, DeltaType: stream.ClaudeThinkingDelta, Text: delta.Thinking}
		}
		return stream.ClaudeEvent{Type: stream.ClaudeContentBlockDelta, DeltaType: ev.Delta.Type}
	case anthropic.MessageDeltaEvent:
		return stream.ClaudeEvent{Type: stream.ClaudeMessageDelta}
	case anthropic.MessageStopEvent:
		return stream.ClaudeEvent{Type: stream.ClaudeMessageStop}
	}
	return stream.ClaudeEvent{Type: event.Type}
}

func (c *ClaudeCompatibleClient) convertMessages(req chattypes.ChatRequest) ([]anthropic.MessageParam, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, msg := range req.History {
		var blocks []anthropic.ContentBlockParamUnion
		for _, encoded := range msg.Attachments {
			att, _, err := decodeHistoryAttachment(encoded)
			if err != nil {
				return nil, err
			}
			if att.IsImage() {
				blocks = append(blocks, anthropic.NewImageBlockBase64(att.MIMEType, att.Data))
			}
		}
		if msg.Text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Text))
		}
		if len(blocks) == 0 {
			continue
		}
		if msg.Role == chattypes.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		} else {
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
	}

	var blocks []anthropic.ContentBlockParamUnion
	for _, f := range req.Files {
		if f.IsImage() {
			blocks = append(blocks, anthropic.NewImageBlockBase64(f.MIMEType, f.Data))
		}
	}
	blocks = append(blocks, anthropic.NewTextBlock(req.Text))
	messages = append(messages, anthropic.NewUserMessage(blocks...))
	return messages, nil
}

func (c *ClaudeCompatibleClient) wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &chattypes.ChatError{
			Kind:       chattypes.ErrTransport,
			StatusCode: apiErr.StatusCode,
			Message:    "claude request failed",
			Err:        err,
		}
	}
	return fmt.Errorf("claude stream interrupted: %w", err)
}
