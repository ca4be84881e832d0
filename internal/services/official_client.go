package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"neurochat/internal/logger"
	"neurochat/pkg/chattypes"
)

// Thinking budgets per ThinkingLevel. An empty level lets the model decide.
var officialThinkingBudgets = map[string]int32{
	"off":    0,
	"low":    1024,
	"medium": 8192,
	"high":   24576,
}

// officialReply is the normalized content of a single GenerateContent response.
type officialReply struct {
	Text     string
	Thoughts string
	Images   []chattypes.ImageRef
}

// OfficialClient talks to the stateless official API through genai.
// Clients are created lazily per (API key, base URL) pair and reused.
type OfficialClient struct {
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewOfficialClient creates a client that sends requests with httpClient
// (http.DefaultClient when nil).
func NewOfficialClient(httpClient *http.Client) *OfficialClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OfficialClient{
		httpClient: httpClient,
		clients:    make(map[string]*genai.Client),
	}
}

// GetProviderName returns the provider name for this client.
func (c *OfficialClient) GetProviderName() string {
	return string(chattypes.ProviderOfficial)
}

func (c *OfficialClient) client(ctx context.Context, s chattypes.OfficialSettings) (*genai.Client, error) {
	if s.APIKey == "" {
		return nil, chattypes.NewConfigError("official API key is not configured")
	}

	key := s.APIKey + "|" + s.BaseURL
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[key]; ok {
		return client, nil
	}

	cfg := &genai.ClientConfig{
		APIKey:     s.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.httpClient,
	}
	if s.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: s.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create official client: %w", err)
	}
	logger.Debug("Official client initialized", "provider", "official", "base_url", s.BaseURL)
	c.clients[key] = client
	return client, nil
}

// Generate sends the request and returns the whole reply at once.
func (c *OfficialClient) Generate(ctx context.Context, s chattypes.OfficialSettings, model string, req chattypes.ChatRequest) (officialReply, error) {
	client, err := c.client(ctx, s)
	if err != nil {
		return officialReply{}, err
	}

	contents, err := officialContents(req)
	if err != nil {
		return officialReply{}, err
	}
	config := officialConfig(req.SystemInstruction, s.ThinkingLevel)

	logger.Debug("Official request", "provider", "official", "model", model, "contents", len(contents))
	resp, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return officialReply{}, ctxErr
		}
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return officialReply{}, &chattypes.ChatError{
				Kind:       chattypes.ErrTransport,
				StatusCode: apiErr.Code,
				Message:    officialErrorMessage(apiErr),
				Err:        err,
			}
		}
		return officialReply{}, fmt.Errorf("official request failed: %w", err)
	}

	reply := parseOfficialResponse(resp)
	logger.Debug("Official response received", "provider", "official", "text_length", len(reply.Text), "thoughts_length", len(reply.Thoughts), "images", len(reply.Images))
	return reply, nil
}

func officialErrorMessage(apiErr genai.APIError) string {
	msg := strings.TrimSpace(apiErr.Message)
	if msg == "" {
		msg = apiErr.Status
	}
	return "official request failed: " + msg
}

// officialContents converts history and the current turn into genai contents.
// The API calls the assistant role "model".
func officialContents(req chattypes.ChatRequest) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(req.History)+1)

	for _, msg := range req.History {
		role := "user"
		if msg.Role == chattypes.RoleAssistant {
			role = "model"
		}
		var parts []*genai.Part
		if msg.Text != "" {
			parts = append(parts, &genai.Part{Text: msg.Text})
		}
		for _, encoded := range msg.Attachments {
			att, data, err := decodeHistoryAttachment(encoded)
			if err != nil {
				return nil, err
			}
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: data, MIMEType: att.MIMEType}})
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	parts := []*genai.Part{{Text: req.Text}}
	for _, f := range req.Files {
		data, mime, err := decodeAttachment(f)
		if err != nil {
			return nil, err
		}
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: data, MIMEType: mime}})
	}
	contents = append(contents, &genai.Content{Role: "user", Parts: parts})
	return contents, nil
}

func officialConfig(system, thinkingLevel string) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Role: "user", Parts: []*genai.Part{{Text: system}}}
	}

	level := strings.ToLower(strings.TrimSpace(thinkingLevel))
	budget, known := officialThinkingBudgets[level]
	switch {
	case level == "" || !known:
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	case budget == 0:
		config.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &budget}
	default:
		config.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &budget, IncludeThoughts: true}
	}
	return config
}

func parseOfficialResponse(resp *genai.GenerateContentResponse) officialReply {
	var text, thoughts strings.Builder
	var images []chattypes.ImageRef

	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			switch {
			case part.InlineData != nil && strings.HasPrefix(part.InlineData.MIMEType, "image/"):
				images = append(images, chattypes.ImageRef{
					Base64:   base64.StdEncoding.EncodeToString(part.InlineData.Data),
					MIMEType: part.InlineData.MIMEType,
				})
			case part.Text == "":
			case part.Thought:
				thoughts.WriteString(part.Text)
			default:
				text.WriteString(part.Text)
			}
		}
	}
	return officialReply{Text: text.String(), Thoughts: thoughts.String(), Images: images}
}
