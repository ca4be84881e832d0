// Package chattypes defines the request, result and conversation types shared by
// the dispatcher, the stream normalizers and the history store.
package chattypes

import (
	"net/url"
	"time"
)

// Role identifies the author of a message.
type Role string

// Supported message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the terminal state of a dispatch.
type Status string

// Dispatch outcomes. Cancelled is distinct from Error and is never reported as a failure.
const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Attachment is a file sent along with a user turn.
// It is owned by the message (or request) that references it.
type Attachment struct {
	Data     string `json:"data"`      // base64 payload without a data: prefix
	MIMEType string `json:"mime_type"` // e.g. image/png, application/pdf
	Name     string `json:"name"`      // display name
}

// IsImage reports whether the attachment carries an image.
func (a Attachment) IsImage() bool {
	return len(a.MIMEType) > 6 && a.MIMEType[:6] == "image/"
}

// IsPDF reports whether the attachment carries a PDF document.
func (a Attachment) IsPDF() bool {
	return a.MIMEType == "application/pdf"
}

// DataURL returns the attachment encoded as a data: URL.
func (a Attachment) DataURL() string {
	return "data:" + a.MIMEType + ";base64," + a.Data
}

// StoredURL is DataURL with the file name kept as a name parameter. History
// messages store attachments in this form.
func (a Attachment) StoredURL() string {
	if a.Name == "" {
		return a.DataURL()
	}
	return "data:" + a.MIMEType + ";name=" + url.PathEscape(a.Name) + ";base64," + a.Data
}

// ImageRef describes an image produced by a backend: either a remote URL or inline base64 data.
type ImageRef struct {
	URL      string `json:"url,omitempty"`
	Base64   string `json:"base64,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Alt      string `json:"alt,omitempty"`
}

// Key returns the identity used to deduplicate images.
func (i ImageRef) Key() string {
	if i.URL != "" {
		return i.URL
	}
	return i.Base64
}

// Message is a single turn of a conversation.
// Messages are append-only; the in-progress assistant message is replaced wholesale on completion.
type Message struct {
	Role            Role       `json:"role"`
	Text            string     `json:"text"`
	Attachments     []string   `json:"attachments,omitempty"`
	Thoughts        string     `json:"thoughts,omitempty"`
	GeneratedImages []ImageRef `json:"generated_images,omitempty"`
	IsToolOutput    bool       `json:"is_tool_output,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

// ContinuationContext lets a stateful provider resume an exchange without replaying history.
// Blob is minted and interpreted only by the provider named in Provider.
type ContinuationContext struct {
	Provider ProviderKind `json:"provider"`
	Blob     []byte       `json:"blob"`
}

// DocumentPreprocessing enables OCR extraction of image and PDF attachments before dispatch.
type DocumentPreprocessing struct {
	Enabled bool
	BaseURL string
	APIKey  string
	Model   string
}

// ChatRequest is the input of a single dispatch. It must not be mutated once dispatched.
type ChatRequest struct {
	Text              string
	SystemInstruction string
	History           []Message
	Files             []Attachment
	Model             string
	Settings          ProviderSettings
	SessionID         string
	Continuation      *ContinuationContext
	Preprocess        *DocumentPreprocessing
}

// ChatResult is the normalized outcome of a dispatch.
type ChatResult struct {
	Text         string               `json:"text"`
	Thoughts     string               `json:"thoughts,omitempty"`
	Images       []ImageRef           `json:"images,omitempty"`
	Continuation *ContinuationContext `json:"context,omitempty"`
	Status       Status               `json:"status"`
	ErrorText    string               `json:"error_text,omitempty"`
}

// Conversation is an ordered message log owned by the history store.
type Conversation struct {
	ID           string               `json:"id"`
	Title        string               `json:"title"`
	Messages     []Message            `json:"messages"`
	Timestamp    time.Time            `json:"timestamp"`
	Continuation *ContinuationContext `json:"continuation,omitempty"`
}
