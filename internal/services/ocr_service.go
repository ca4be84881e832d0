package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"neurochat/internal/logger"
	"neurochat/pkg/chattypes"
)

const ocrPrompt = "Extract all text from this document. Preserve the reading order, headings, lists and tables as plain text or Markdown. Reply with the extracted text only."

// TextExtractor turns an image or PDF attachment into plain text.
type TextExtractor interface {
	ExtractText(ctx context.Context, file chattypes.Attachment, cfg chattypes.DocumentPreprocessing) (string, error)
}

// OCRService extracts document text with an OpenAI-compatible vision model.
type OCRService struct {
	httpClient *http.Client
}

// NewOCRService creates an OCRService sending with httpClient
// (http.DefaultClient when nil).
func NewOCRService(httpClient *http.Client) *OCRService {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OCRService{httpClient: httpClient}
}

// Name returns the service name "ocr".
func (s *OCRService) Name() string {
	return "ocr"
}

// ExtractText sends file to the configured model and returns its text.
func (s *OCRService) ExtractText(ctx context.Context, file chattypes.Attachment, cfg chattypes.DocumentPreprocessing) (string, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" || cfg.Model == "" {
		return "", chattypes.NewConfigError("document preprocessing requires a base URL, an API key and a model")
	}

	var part openai.ChatCompletionContentPartUnionParam
	switch {
	case file.IsImage():
		part = openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: file.DataURL()})
	case file.IsPDF():
		part = openai.FileContentPart(openai.ChatCompletionContentPartFileFileParam{
			FileData: openai.String(file.DataURL()),
			Filename: openai.String(file.Name),
		})
	default:
		return "", fmt.Errorf("unsupported document type %q", file.MIMEType)
	}

	baseURL := cfg.BaseURL
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	client := openai.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(s.httpClient),
		option.WithMaxRetries(0),
	)

	logger.Debug("OCR extraction starting", "model", cfg.Model, "file", file.Name, "mime", file.MIMEType)
	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(ocrPrompt),
				part,
			}),
		},
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", &chattypes.ChatError{Kind: chattypes.ErrTransport, StatusCode: apiErr.StatusCode, Message: "OCR request failed", Err: err}
		}
		return "", fmt.Errorf("OCR request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("OCR returned no choices")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("OCR returned empty text for %s", file.Name)
	}
	logger.Debug("OCR extraction finished", "file", file.Name, "text_length", len(text))
	return text, nil
}
