package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurochat/internal/retry"
	"neurochat/pkg/chattypes"
)

// fakeExtractor returns canned text per attachment name.
type fakeExtractor struct {
	mu    sync.Mutex
	texts map[string]string
	err   error
	calls []string
}

func (f *fakeExtractor) ExtractText(_ context.Context, file chattypes.Attachment, _ chattypes.DocumentPreprocessing) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, file.Name)
	if f.err != nil {
		return "", f.err
	}
	return f.texts[file.Name], nil
}

// scriptedTransport answers web requests from a queue of results.
type scriptedTransport struct {
	mu       sync.Mutex
	results  []func(WebRequest) (WebReply, error)
	requests []WebRequest
}

func (s *scriptedTransport) Generate(_ context.Context, req WebRequest) (WebReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.results) == 0 {
		return WebReply{}, errors.New("no scripted result left")
	}
	next := s.results[0]
	s.results = s.results[1:]
	return next(req)
}

func (s *scriptedTransport) seen() []WebRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WebRequest(nil), s.requests...)
}

func reply(text, cid string) func(WebRequest) (WebReply, error) {
	return func(WebRequest) (WebReply, error) {
		return WebReply{Text: text, Context: WebContext{CID: cid, RID: "r-" + cid, RCID: "rc-" + cid}}, nil
	}
}

func fail(err error) func(WebRequest) (WebReply, error) {
	return func(WebRequest) (WebReply, error) { return WebReply{}, err }
}

func instantPolicy() *retry.Policy {
	p := retry.NewPolicy(retry.NewAccountPool())
	p.BaseDelay = 0
	p.MaxJitter = 0
	return p
}

func newTestDispatcher(t *testing.T, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(opts...)
	require.NoError(t, err)
	return d
}

func TestDispatcher_DefaultsToWebClient(t *testing.T) {
	transport := &scriptedTransport{results: []func(WebRequest) (WebReply, error){reply("from web", "c1")}}
	d := newTestDispatcher(t, WithWebClient(NewWebClient(transport, instantPolicy())))

	rec := &recorder{}
	res, err := d.Dispatch(context.Background(), chattypes.ChatRequest{Text: "hi", SessionID: "s"}, rec.sink)
	require.NoError(t, err)
	assert.Equal(t, chattypes.StatusSuccess, res.Status)
	assert.Equal(t, "from web", res.Text)
	require.NotNil(t, res.Continuation)
	assert.Equal(t, chattypes.ProviderWebClient, res.Continuation.Provider)
	assert.Equal(t, [][2]string{{"from web", ""}}, rec.all())

	seen := transport.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, 0, seen[0].Account)
	assert.Equal(t, d.Catalog().DefaultModel(chattypes.ProviderWebClient), seen[0].Model)
}

func TestDispatcher_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name     string
		settings chattypes.ProviderSettings
		want     string
	}{
		{"official without key", chattypes.OfficialSettings{}, "API key"},
		{"compatible without base URL", chattypes.OpenAICompatibleSettings{APIKey: "k"}, "base URL"},
		{"compatible without key", chattypes.OpenAICompatibleSettings{BaseURL: "http://127.0.0.1:1"}, "API key"},
		{"compatible unknown type", chattypes.OpenAICompatibleSettings{BaseURL: "http://127.0.0.1:1", APIKey: "k", ProviderType: "gopher"}, "provider type"},
		{"grok without cookie", chattypes.GrokSettings{}, "cookie"},
	}
	d := newTestDispatcher(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := d.Dispatch(context.Background(), chattypes.ChatRequest{Text: "x", Settings: tt.settings}, nil)
			require.Error(t, err)
			assert.Equal(t, chattypes.ErrConfiguration, chattypes.KindOf(err))
			assert.Equal(t, chattypes.StatusError, res.Status)
			assert.Contains(t, res.ErrorText, tt.want)
		})
	}
}

func TestDispatcher_WebExhaustedRetriesIsErrorResult(t *testing.T) {
	glitch := &chattypes.ChatError{Kind: chattypes.ErrNetworkGlitch, Message: "connection reset"}
	transport := &scriptedTransport{results: []func(WebRequest) (WebReply, error){fail(glitch), fail(glitch)}}
	d := newTestDispatcher(t, WithWebClient(NewWebClient(transport, instantPolicy())))

	res, err := d.Dispatch(context.Background(), chattypes.ChatRequest{
		Text:     "hi",
		Settings: chattypes.WebClientSettings{AccountIndices: []int{0}},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, chattypes.StatusError, res.Status)
	assert.Contains(t, res.ErrorText, "connection reset")
	assert.Len(t, transport.seen(), 2)
}

func TestDispatcher_PreprocessesDocuments(t *testing.T) {
	server, captured := newSSEServer(t, []string{contentChunk("summary")})
	extractor := &fakeExtractor{texts: map[string]string{"scan.png": "INVOICE 42", "doc.pdf": "page one"}}
	d := newTestDispatcher(t, WithTextExtractor(extractor))

	res, err := d.Dispatch(context.Background(), chattypes.ChatRequest{
		Text: "summarize",
		Files: []chattypes.Attachment{
			{Data: "aGk=", MIMEType: "image/png", Name: "scan.png"},
			{Data: "aGk=", MIMEType: "application/pdf", Name: "doc.pdf"},
		},
		Preprocess: &chattypes.DocumentPreprocessing{Enabled: true, BaseURL: "http://ocr", APIKey: "k", Model: "vision"},
		Settings:   compatibleSettings(server.URL),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "summary", res.Text)
	assert.Equal(t, []string{"scan.png", "doc.pdf"}, extractor.calls)

	require.Len(t, *captured, 1)
	raw := (*captured)[0].Raw
	assert.Contains(t, raw, "INVOICE 42")
	assert.Contains(t, raw, "page one")
	assert.NotContains(t, raw, "image_url")
}

func TestDispatcher_PreprocessingFailureAborts(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer server.Close()

	extractor := &fakeExtractor{err: errors.New("vision model unavailable")}
	d := newTestDispatcher(t, WithTextExtractor(extractor))

	res, err := d.Dispatch(context.Background(), chattypes.ChatRequest{
		Text:       "summarize",
		Files:      []chattypes.Attachment{{Data: "aGk=", MIMEType: "image/png", Name: "scan.png"}},
		Preprocess: &chattypes.DocumentPreprocessing{Enabled: true, BaseURL: "http://ocr", APIKey: "k", Model: "vision"},
		Settings:   compatibleSettings(server.URL),
	}, nil)
	require.Error(t, err)
	assert.Equal(t, chattypes.StatusError, res.Status)
	assert.Contains(t, res.ErrorText, "scan.png")
	assert.Zero(t, hits)
}

func TestDispatcher_ConfigurationErrorsComeBeforeOCR(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer server.Close()

	ocr := &chattypes.DocumentPreprocessing{Enabled: true, BaseURL: "http://ocr", APIKey: "k", Model: "vision"}
	tests := []struct {
		name       string
		settings   chattypes.ProviderSettings
		preprocess *chattypes.DocumentPreprocessing
		want       string
	}{
		{"official without key", chattypes.OfficialSettings{}, ocr, "API key"},
		{"compatible without base URL", chattypes.OpenAICompatibleSettings{APIKey: "k"}, ocr, "base URL"},
		{"compatible without key", chattypes.OpenAICompatibleSettings{BaseURL: server.URL}, ocr, "API key"},
		{"grok without cookie", chattypes.GrokSettings{}, ocr, "cookie"},
		{"OCR without credentials", compatibleSettings(server.URL), &chattypes.DocumentPreprocessing{Enabled: true}, "document preprocessing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			extractor := &fakeExtractor{texts: map[string]string{"scan.png": "text"}}
			d := newTestDispatcher(t, WithTextExtractor(extractor))

			res, err := d.Dispatch(context.Background(), chattypes.ChatRequest{
				Text:       "summarize",
				Files:      []chattypes.Attachment{{Data: "aGk=", MIMEType: "image/png", Name: "scan.png"}},
				Preprocess: tt.preprocess,
				Settings:   tt.settings,
			}, nil)
			require.Error(t, err)
			assert.Equal(t, chattypes.ErrConfiguration, chattypes.KindOf(err))
			assert.Equal(t, chattypes.StatusError, res.Status)
			assert.Contains(t, res.ErrorText, tt.want)
			assert.Empty(t, extractor.calls)
		})
	}
	assert.Zero(t, hits)
}

func TestDispatcher_PreprocessingDisabledKeepsFiles(t *testing.T) {
	extractor := &fakeExtractor{}
	d := newTestDispatcher(t, WithTextExtractor(extractor))

	req := chattypes.ChatRequest{
		Text:       "x",
		Files:      []chattypes.Attachment{{Data: "aGk=", MIMEType: "image/png", Name: "a.png"}},
		Preprocess: &chattypes.DocumentPreprocessing{Enabled: false},
	}
	out, err := d.preprocess(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req, out)
	assert.Empty(t, extractor.calls)

	req.Preprocess.Enabled = true
	req.Files = []chattypes.Attachment{{Data: "aGk=", MIMEType: "text/plain", Name: "notes.txt"}}
	out, err = d.preprocess(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, out.Files, 1)
}

// blockingServer sends one chunk and then holds the stream open until the
// client goes away.
func blockingServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprintf(w, "data: %s\n\n", contentChunk("partial"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDispatcher_CancelSession(t *testing.T) {
	server := blockingServer(t)
	d := newTestDispatcher(t)

	var mu sync.Mutex
	var updates []string
	sink := func(text, _ string) {
		mu.Lock()
		updates = append(updates, text)
		mu.Unlock()
		d.CancelSession("session-1")
	}

	res, err := d.Dispatch(context.Background(), chattypes.ChatRequest{
		Text:      "x",
		SessionID: "session-1",
		Settings:  compatibleSettings(server.URL),
	}, sink)
	require.Error(t, err)
	assert.True(t, chattypes.IsCancelled(err))
	assert.Equal(t, chattypes.StatusCancelled, res.Status)
	assert.Empty(t, res.ErrorText)

	mu.Lock()
	assert.Equal(t, []string{"partial"}, updates)
	mu.Unlock()
	assert.Zero(t, d.sessions.InFlight("session-1"))
}

func TestDispatcher_ContextCancellation(t *testing.T) {
	server := blockingServer(t)
	d := newTestDispatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	res, err := d.Dispatch(ctx, chattypes.ChatRequest{Text: "x", Settings: compatibleSettings(server.URL)}, func(string, string) {
		count++
		cancel()
	})
	require.Error(t, err)
	assert.Equal(t, chattypes.StatusCancelled, res.Status)
	assert.Equal(t, 1, count)
}

func TestDispatcher_RequestTimeout(t *testing.T) {
	server := blockingServer(t)
	d := newTestDispatcher(t)

	settings := compatibleSettings(server.URL)
	settings.RequestTimeout = 100 * time.Millisecond
	res, err := d.Dispatch(context.Background(), chattypes.ChatRequest{Text: "x", Settings: settings}, nil)
	require.Error(t, err)
	assert.Equal(t, chattypes.StatusError, res.Status)
	assert.Equal(t, chattypes.ErrNetworkGlitch, chattypes.KindOf(err))
	assert.Contains(t, res.ErrorText, "timed out")
	assert.Equal(t, "partial", res.Text)
}

func TestDispatcher_SuppressesUpdatesOfCancelledSession(t *testing.T) {
	transport := &scriptedTransport{}
	d := newTestDispatcher(t, WithWebClient(NewWebClient(transport, instantPolicy())))

	transport.results = append(transport.results, func(WebRequest) (WebReply, error) {
		// a cancellation racing with the final update must win
		d.sessions.mu.Lock()
		d.sessions.cancelled["s"] = d.sessions.now()
		d.sessions.mu.Unlock()
		return WebReply{Text: "late"}, nil
	})

	rec := &recorder{}
	_, err := d.Dispatch(context.Background(), chattypes.ChatRequest{Text: "x", SessionID: "s"}, rec.sink)
	require.NoError(t, err)
	assert.Empty(t, rec.all())
}
