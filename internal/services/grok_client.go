package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"neurochat/internal/logger"
	"neurochat/internal/stream"
	"neurochat/pkg/chattypes"
)

// Grok endpoint defaults.
const (
	DefaultGrokBaseURL   = "https://grok.com"
	DefaultGrokAssetBase = "https://assets.grok.com"
	grokConversationPath = "/rest/app-chat/conversations/new"
	grokMaxLineBytes     = 4 << 20
)

type grokRequest struct {
	Temporary             bool     `json:"temporary"`
	ModelName             string   `json:"modelName"`
	Message               string   `json:"message"`
	FileAttachments       []string `json:"fileAttachments"`
	ImageAttachments      []string `json:"imageAttachments"`
	DisableSearch         bool     `json:"disableSearch"`
	EnableImageGeneration bool     `json:"enableImageGeneration"`
	ReturnImageBytes      bool     `json:"returnImageBytes"`
	SendFinalMetadata     bool     `json:"sendFinalMetadata"`
}

// GrokClient talks to the third-vendor chat API with a browser session
// cookie. Every request opens a temporary conversation, so history is sent
// as a transcript.
type GrokClient struct {
	BaseURL    string
	AssetBase  string
	Cookie     string
	httpClient *http.Client
}

// NewGrokClient creates a client using cookie for authentication.
func NewGrokClient(cookie string, httpClient *http.Client) *GrokClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GrokClient{
		BaseURL:    DefaultGrokBaseURL,
		AssetBase:  DefaultGrokAssetBase,
		Cookie:     cookie,
		httpClient: httpClient,
	}
}

// GetProviderName returns the provider name for this client.
func (c *GrokClient) GetProviderName() string {
	return string(chattypes.ProviderGrok)
}

// IsConfigured returns true if a session cookie is set.
func (c *GrokClient) IsConfigured() bool {
	return c != nil && strings.TrimSpace(c.Cookie) != ""
}

// Stream sends the request and feeds each response line to a GrokNormalizer.
func (c *GrokClient) Stream(ctx context.Context, model string, req chattypes.ChatRequest, sink stream.UpdateSink) (stream.Final, error) {
	if !c.IsConfigured() {
		return stream.Final{}, chattypes.NewConfigError("grok session cookie is not configured")
	}

	message := transcript(req.History, req.Text)
	if req.SystemInstruction != "" {
		message = req.SystemInstruction + "\n\n" + message
	}
	body, err := json.Marshal(grokRequest{
		Temporary:             true,
		ModelName:             model,
		Message:               message,
		FileAttachments:       []string{},
		ImageAttachments:      []string{},
		EnableImageGeneration: true,
		SendFinalMetadata:     true,
	})
	if err != nil {
		return stream.Final{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(c.BaseURL, "/") + grokConversationPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return stream.Final{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Cookie", c.Cookie)

	logger.Debug("Grok stream starting", "provider", "grok", "model", model)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return stream.Final{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return stream.Final{}, chattypes.NewTransportError(resp.StatusCode, apiErrorMessage(raw))
	}

	norm := stream.NewGrokNormalizer(sink, c.AssetBase)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), grokMaxLineBytes)
	for scanner.Scan() {
		if err := norm.HandleLine(scanner.Bytes()); err != nil {
			return norm.Finish(), err
		}
	}
	if err := scanner.Err(); err != nil {
		return norm.Finish(), fmt.Errorf("stream interrupted: %w", err)
	}
	return norm.Finish(), nil
}
