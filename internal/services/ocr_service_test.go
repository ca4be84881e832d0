package services

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurochat/pkg/chattypes"
)

const chatCompletionReply = `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"vision",
"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"  INVOICE 42  "}}]}`

func newOCRServer(t *testing.T, status int, reply string) (*httptest.Server, *string) {
	t.Helper()
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		assert.Equal(t, "Bearer ocr-key", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(server.Close)
	return server, &body
}

func TestOCRService_ExtractText(t *testing.T) {
	tests := []struct {
		name     string
		file     chattypes.Attachment
		wantPart string
	}{
		{"image", chattypes.Attachment{Data: "aGk=", MIMEType: "image/png", Name: "scan.png"}, `"image_url"`},
		{"pdf", chattypes.Attachment{Data: "aGk=", MIMEType: "application/pdf", Name: "doc.pdf"}, `"file_data":"data:application/pdf;base64,aGk="`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, body := newOCRServer(t, http.StatusOK, chatCompletionReply)
			svc := NewOCRService(server.Client())

			text, err := svc.ExtractText(context.Background(), tt.file, chattypes.DocumentPreprocessing{
				Enabled: true, BaseURL: server.URL + "/v1", APIKey: "ocr-key", Model: "vision",
			})
			require.NoError(t, err)
			assert.Equal(t, "INVOICE 42", text)
			assert.Contains(t, *body, tt.wantPart)
			assert.Contains(t, *body, `"model":"vision"`)
		})
	}
}

func TestOCRService_Failures(t *testing.T) {
	cfg := chattypes.DocumentPreprocessing{Enabled: true, APIKey: "ocr-key", Model: "vision"}
	png := chattypes.Attachment{Data: "aGk=", MIMEType: "image/png", Name: "scan.png"}

	t.Run("missing configuration", func(t *testing.T) {
		_, err := NewOCRService(nil).ExtractText(context.Background(), png, chattypes.DocumentPreprocessing{Enabled: true})
		assert.Equal(t, chattypes.ErrConfiguration, chattypes.KindOf(err))
	})

	t.Run("unsupported type", func(t *testing.T) {
		server, _ := newOCRServer(t, http.StatusOK, chatCompletionReply)
		c := cfg
		c.BaseURL = server.URL
		_, err := NewOCRService(server.Client()).ExtractText(context.Background(), chattypes.Attachment{MIMEType: "text/csv"}, c)
		assert.ErrorContains(t, err, "unsupported document type")
	})

	t.Run("http error", func(t *testing.T) {
		server, _ := newOCRServer(t, http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
		c := cfg
		c.BaseURL = server.URL
		_, err := NewOCRService(server.Client()).ExtractText(context.Background(), png, c)
		var ce *chattypes.ChatError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, http.StatusUnauthorized, ce.StatusCode)
	})

	t.Run("empty text", func(t *testing.T) {
		server, _ := newOCRServer(t, http.StatusOK, strings.Replace(chatCompletionReply, "  INVOICE 42  ", " ", 1))
		c := cfg
		c.BaseURL = server.URL
		_, err := NewOCRService(server.Client()).ExtractText(context.Background(), png, c)
		assert.ErrorContains(t, err, "empty text")
	})
}
