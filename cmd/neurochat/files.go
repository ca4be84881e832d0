package main

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"neurochat/pkg/chattypes"
)

// loadAttachment reads path into an attachment. The MIME type comes from the
// extension, falling back to content sniffing.
func loadAttachment(path string) (chattypes.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return chattypes.Attachment{}, fmt.Errorf("failed to read attachment: %w", err)
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}

	return chattypes.Attachment{
		Data:     base64.StdEncoding.EncodeToString(data),
		MIMEType: mimeType,
		Name:     filepath.Base(path),
	}, nil
}

func loadAttachments(paths []string) ([]chattypes.Attachment, error) {
	files := make([]chattypes.Attachment, 0, len(paths))
	for _, p := range paths {
		f, err := loadAttachment(p)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}
