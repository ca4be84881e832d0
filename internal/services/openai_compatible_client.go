package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openai/openai-go/packages/ssestream"

	"neurochat/internal/logger"
	"neurochat/internal/stream"
	"neurochat/pkg/chattypes"
)

// ChatCompletionRequest is the body of a streaming chat completion call.
type ChatCompletionRequest struct {
	Model     string                  `json:"model"`
	Messages  []ChatCompletionMessage `json:"messages"`
	MaxTokens int                     `json:"max_tokens,omitempty"`
	Stream    bool                    `json:"stream"`
}

// ChatCompletionMessage carries either plain string content or a list of
// content parts when images are attached.
type ChatCompletionMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ChatContentPart is one element of multi-part message content.
type ChatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ChatImageURL `json:"image_url,omitempty"`
}

// ChatImageURL references an image, usually as a data: URL.
type ChatImageURL struct {
	URL string `json:"url"`
}

// OpenAICompatibleClient streams chat completions from any endpoint that
// speaks the OpenAI /chat/completions protocol.
type OpenAICompatibleClient struct {
	httpClient *http.Client
}

// NewOpenAICompatibleClient creates a client sending with httpClient
// (http.DefaultClient when nil).
func NewOpenAICompatibleClient(httpClient *http.Client) *OpenAICompatibleClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OpenAICompatibleClient{httpClient: httpClient}
}

// GetProviderName returns the provider name for this client.
func (c *OpenAICompatibleClient) GetProviderName() string {
	return string(chattypes.CompatibleOpenAI)
}

// Stream sends the request and feeds every SSE event through an
// OpenAINormalizer reporting to sink. On failure the partial result is
// returned together with the error.
func (c *OpenAICompatibleClient) Stream(ctx context.Context, s chattypes.OpenAICompatibleSettings, model string, req chattypes.ChatRequest, sink stream.UpdateSink) (stream.Final, error) {
	payload := ChatCompletionRequest{
		Model:     model,
		Messages:  c.convertMessages(req),
		MaxTokens: s.MaxTokens,
		Stream:    true,
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return stream.Final{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(s.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return stream.Final{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+s.APIKey)

	logger.Debug("OpenAI-compatible stream starting", "provider", "openai_compatible", "model", model, "messages", len(payload.Messages))
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return stream.Final{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return stream.Final{}, chattypes.NewTransportError(resp.StatusCode, apiErrorMessage(body))
	}

	norm := stream.NewOpenAINormalizer(sink)
	decoder := ssestream.NewDecoder(resp)
	for decoder.Next() {
		done, err := norm.HandleEvent(decoder.Event().Data)
		if err != nil {
			return norm.Finish(), err
		}
		if done {
			break
		}
	}
	if err := decoder.Err(); err != nil {
		return norm.Finish(), fmt.Errorf("stream interrupted: %w", err)
	}
	return norm.Finish(), nil
}

// convertMessages maps the request onto OpenAI roles. Turns with images use
// content parts; everything else stays a plain string.
func (c *OpenAICompatibleClient) convertMessages(req chattypes.ChatRequest) []ChatCompletionMessage {
	messages := make([]ChatCompletionMessage, 0, len(req.History)+2)
	if req.SystemInstruction != "" {
		messages = append(messages, ChatCompletionMessage{Role: "system", Content: req.SystemInstruction})
	}

	for _, msg := range req.History {
		var images []chattypes.Attachment
		for _, encoded := range msg.Attachments {
			if att, _, err := decodeHistoryAttachment(encoded); err == nil && att.IsImage() {
				images = append(images, att)
			}
		}
		messages = append(messages, ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: openAIContent(msg.Text, images),
		})
	}

	var images []chattypes.Attachment
	for _, f := range req.Files {
		if f.IsImage() {
			images = append(images, f)
		}
	}
	messages = append(messages, ChatCompletionMessage{Role: "user", Content: openAIContent(req.Text, images)})
	return messages
}

func openAIContent(text string, images []chattypes.Attachment) any {
	if len(images) == 0 {
		return text
	}
	parts := []ChatContentPart{{Type: "text", Text: text}}
	for _, img := range images {
		parts = append(parts, ChatContentPart{Type: "image_url", ImageURL: &ChatImageURL{URL: img.DataURL()}})
	}
	return parts
}

// apiErrorMessage extracts error.message from an error body, falling back to
// the raw body.
func apiErrorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(body))
}
