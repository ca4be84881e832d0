package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"neurochat/internal/logger"
	"neurochat/pkg/chattypes"
)

// Web app endpoints.
const (
	DefaultWebBaseURL   = "https://gemini.google.com"
	DefaultWebUploadURL = "https://content-push.googleapis.com/upload"

	webGeneratePath  = "/_/BardChatUi/data/assistant.lamda.BardFrontendService/StreamGenerate"
	webModelHeader   = "x-goog-ext-525001261-jspb"
	webUploadPushID  = "feeds/mcudyrk2a4khkz"
	webResponseGuard = ")]}'"
	webMaxBodyBytes  = 32 << 20
)

var accessTokenPattern = regexp.MustCompile(`"SNlM0e":"([^"]+)"`)

// HTTPWebTransport talks to the web app with one browser session cookie per
// account index. Access tokens are scraped from the app page and cached
// until the server rejects them.
type HTTPWebTransport struct {
	BaseURL      string
	UploadURL    string
	Cookies      map[int]string
	ModelHeaders map[string]string
	httpClient   *http.Client

	mu     sync.Mutex
	tokens map[int]string
}

// NewHTTPWebTransport creates a transport for the given account cookies.
func NewHTTPWebTransport(cookies map[int]string, modelHeaders map[string]string, httpClient *http.Client) *HTTPWebTransport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPWebTransport{
		BaseURL:      DefaultWebBaseURL,
		UploadURL:    DefaultWebUploadURL,
		Cookies:      cookies,
		ModelHeaders: modelHeaders,
		httpClient:   httpClient,
		tokens:       make(map[int]string),
	}
}

func notLoggedIn(account int, detail string) error {
	return &chattypes.ChatError{Kind: chattypes.ErrAuth, Message: fmt.Sprintf("not logged in (account %d): %s", account, detail)}
}

// Generate sends one prompt and parses the complete answer.
func (t *HTTPWebTransport) Generate(ctx context.Context, req WebRequest) (WebReply, error) {
	cookie := t.Cookies[req.Account]
	if cookie == "" {
		return WebReply{}, notLoggedIn(req.Account, "no session cookie configured")
	}

	token, err := t.accessToken(ctx, req.Account, cookie)
	if err != nil {
		return WebReply{}, err
	}

	files, err := t.upload(ctx, cookie, req.Files)
	if err != nil {
		return WebReply{}, err
	}

	fReq, err := buildWebPayload(req.Prompt, files, req.Context)
	if err != nil {
		return WebReply{}, err
	}
	form := url.Values{"f.req": {fReq}, "at": {token}}
	query := url.Values{"rt": {"c"}, "_reqid": {strconv.Itoa(10000 + rand.IntN(90000))}}
	endpoint := fmt.Sprintf("%s/u/%d%s?%s", strings.TrimSuffix(t.BaseURL, "/"), req.Account, webGeneratePath, query.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return WebReply{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")
	httpReq.Header.Set("Cookie", cookie)
	httpReq.Header.Set("X-Same-Domain", "1")
	if header := t.ModelHeaders[req.Model]; header != "" {
		httpReq.Header.Set(webModelHeader, header)
	}

	logger.Debug("Web request", "provider", "web", "account", req.Account, "model", req.Model, "continued", req.Context != nil, "files", len(files))
	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return WebReply{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, webMaxBodyBytes))
	if err != nil {
		return WebReply{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			t.forgetToken(req.Account)
		}
		return WebReply{}, chattypes.NewTransportError(resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return parseWebResponse(body)
}

func (t *HTTPWebTransport) accessToken(ctx context.Context, account int, cookie string) (string, error) {
	t.mu.Lock()
	token, ok := t.tokens[account]
	t.mu.Unlock()
	if ok {
		return token, nil
	}

	endpoint := fmt.Sprintf("%s/u/%d/app", strings.TrimSuffix(t.BaseURL, "/"), account)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Cookie", cookie)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("fetch app page: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	page, err := io.ReadAll(io.LimitReader(resp.Body, webMaxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read app page: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", chattypes.NewTransportError(resp.StatusCode, "fetch app page")
	}
	m := accessTokenPattern.FindSubmatch(page)
	if m == nil {
		return "", notLoggedIn(account, "access token missing from app page")
	}

	token = string(m[1])
	t.mu.Lock()
	t.tokens[account] = token
	t.mu.Unlock()
	return token, nil
}

func (t *HTTPWebTransport) forgetToken(account int) {
	t.mu.Lock()
	delete(t.tokens, account)
	t.mu.Unlock()
}

type webFile struct {
	ID   string
	Name string
}

// upload pushes each attachment to the upload service and returns the
// identifiers the generate call refers to.
func (t *HTTPWebTransport) upload(ctx context.Context, cookie string, files []chattypes.Attachment) ([]webFile, error) {
	out := make([]webFile, 0, len(files))
	for i, f := range files {
		data, _, err := decodeAttachment(f)
		if err != nil {
			return nil, err
		}
		name := f.Name
		if name == "" {
			name = fmt.Sprintf("file-%d", i+1)
		}

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			return nil, fmt.Errorf("build upload: %w", err)
		}
		if _, err := part.Write(data); err != nil {
			return nil, fmt.Errorf("build upload: %w", err)
		}
		if err := mw.Close(); err != nil {
			return nil, fmt.Errorf("build upload: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.UploadURL, &buf)
		if err != nil {
			return nil, fmt.Errorf("failed to create upload request: %w", err)
		}
		httpReq.Header.Set("Content-Type", mw.FormDataContentType())
		httpReq.Header.Set("Push-ID", webUploadPushID)
		httpReq.Header.Set("Cookie", cookie)

		resp, err := t.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", name, err)
		}
		id, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("upload %s: %w", name, readErr)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, chattypes.NewTransportError(resp.StatusCode, "upload "+name)
		}
		out = append(out, webFile{ID: strings.TrimSpace(string(id)), Name: name})
	}
	return out, nil
}

// buildWebPayload encodes the f.req form value: a JSON array whose second
// element is itself a JSON-encoded [message, nil, [cid, rid, rcid]].
func buildWebPayload(prompt string, files []webFile, wc *WebContext) (string, error) {
	var fileParts any
	if len(files) > 0 {
		parts := make([]any, 0, len(files))
		for _, f := range files {
			parts = append(parts, []any{[]any{f.ID, 1}, f.Name})
		}
		fileParts = parts
	}
	message := []any{prompt, 0, nil, fileParts}

	meta := []any{nil, nil, nil}
	if wc != nil {
		meta = []any{wc.CID, wc.RID, wc.RCID}
	}

	inner, err := json.Marshal([]any{message, nil, meta})
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	outer, err := json.Marshal([]any{nil, string(inner)})
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(outer), nil
}

// parseWebResponse reads the guarded, line-framed response. Each frame is a
// JSON array of envelopes; "wrb.fr" envelopes carry a JSON string payload
// with metadata at [1] and candidates at [4]. Later frames supersede earlier
// ones.
func parseWebResponse(body []byte) (WebReply, error) {
	text := strings.TrimPrefix(strings.TrimSpace(string(body)), webResponseGuard)

	var reply WebReply
	found := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") || !gjson.Valid(line) {
			continue
		}
		gjson.Parse(line).ForEach(func(_, envelope gjson.Result) bool {
			if envelope.Get("0").String() != "wrb.fr" {
				return true
			}
			raw := envelope.Get("2")
			if raw.Type != gjson.String || !gjson.Valid(raw.String()) {
				return true
			}
			payload := gjson.Parse(raw.String())
			candidate := payload.Get("4.0")
			if !candidate.Exists() {
				return true
			}
			reply = WebReply{
				Text:     candidate.Get("1.0").String(),
				Thoughts: candidate.Get("37.0.0").String(),
				Images:   webImages(candidate),
				Context: WebContext{
					CID:  payload.Get("1.0").String(),
					RID:  payload.Get("1.1").String(),
					RCID: candidate.Get("0").String(),
				},
			}
			found = true
			return true
		})
	}
	if !found {
		return WebReply{}, &chattypes.ChatError{Kind: chattypes.ErrNetworkGlitch, Message: "no valid response found"}
	}
	return reply, nil
}

// webImages collects linked web images (candidate[12][1]) and generated
// images (candidate[12][7][0]).
func webImages(candidate gjson.Result) []chattypes.ImageRef {
	var images []chattypes.ImageRef
	candidate.Get("12.1").ForEach(func(_, img gjson.Result) bool {
		if u := img.Get("0.0.0").String(); u != "" {
			images = append(images, chattypes.ImageRef{URL: u, Alt: img.Get("7.0").String()})
		}
		return true
	})
	candidate.Get("12.7.0").ForEach(func(_, img gjson.Result) bool {
		if u := img.Get("0.3.3").String(); u != "" {
			images = append(images, chattypes.ImageRef{URL: u})
		}
		return true
	})
	return images
}
