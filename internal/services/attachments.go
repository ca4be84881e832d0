package services

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"neurochat/pkg/chattypes"
)

// decodeAttachment returns the raw bytes of a request file. A missing MIME
// type is sniffed from the content.
func decodeAttachment(a chattypes.Attachment) ([]byte, string, error) {
	data, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, "", fmt.Errorf("decode attachment %q: %w", a.Name, err)
	}
	mime := a.MIMEType
	if mime == "" {
		mime = sniffMIME(data)
	}
	return data, mime, nil
}

// decodeHistoryAttachment decodes an attachment stored on a history message,
// either a data URL or bare base64. The MIME type and name come from the data
// URL; the type is sniffed only when the URL has none.
func decodeHistoryAttachment(encoded string) (chattypes.Attachment, []byte, error) {
	encoded = strings.TrimSpace(encoded)
	var att chattypes.Attachment
	if rest, ok := strings.CutPrefix(encoded, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(header, ";base64") {
			return chattypes.Attachment{}, nil, fmt.Errorf("decode history attachment: not a base64 data URL")
		}
		att.MIMEType, att.Name = parseDataURLHeader(strings.TrimSuffix(header, ";base64"))
		encoded = payload
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return chattypes.Attachment{}, nil, fmt.Errorf("decode history attachment: %w", err)
	}
	att.Data = encoded
	if att.MIMEType == "" {
		att.MIMEType = sniffMIME(data)
	}
	return att, data, nil
}

// parseDataURLHeader splits "mime;name=x;..." into the media type and the
// unescaped name parameter.
func parseDataURLHeader(header string) (mimeType, name string) {
	params := strings.Split(header, ";")
	mimeType = strings.ToLower(strings.TrimSpace(params[0]))
	for _, p := range params[1:] {
		key, value, ok := strings.Cut(p, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "name") {
			continue
		}
		if unescaped, err := url.PathUnescape(value); err == nil {
			value = unescaped
		}
		name = value
	}
	return mimeType, name
}

func sniffMIME(data []byte) string {
	mime := http.DetectContentType(data)
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	return mime
}

// transcript folds prior turns into a single prompt for providers that keep
// no server-side state.
func transcript(history []chattypes.Message, text string) string {
	if len(history) == 0 {
		return text
	}
	var b strings.Builder
	for _, m := range history {
		if m.IsToolOutput || strings.TrimSpace(m.Text) == "" {
			continue
		}
		switch m.Role {
		case chattypes.RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(m.Text)
		b.WriteString("\n\n")
	}
	if b.Len() == 0 {
		return text
	}
	b.WriteString("User: ")
	b.WriteString(text)
	return b.String()
}
