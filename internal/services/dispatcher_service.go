package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"neurochat/internal/logger"
	"neurochat/internal/metrics"
	"neurochat/internal/stream"
	"neurochat/pkg/chattypes"
)

// Dispatcher routes a ChatRequest to the provider selected by its settings,
// normalizes the stream and reports one ChatResult.
type Dispatcher struct {
	httpClient *http.Client
	catalog    *ModelCatalogService
	official   *OfficialClient
	compatible *OpenAICompatibleClient
	claude     *ClaudeCompatibleClient
	web        *WebClient
	grok       *GrokClient
	ocr        TextExtractor
	sessions   *SessionRegistry
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient sets the HTTP client of every provider built by default.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithModelCatalog replaces the embedded catalog.
func WithModelCatalog(c *ModelCatalogService) DispatcherOption {
	return func(d *Dispatcher) { d.catalog = c }
}

// WithWebClient sets the web client, typically over an HTTPWebTransport
// holding the account cookies.
func WithWebClient(w *WebClient) DispatcherOption {
	return func(d *Dispatcher) { d.web = w }
}

// WithGrokClient sets the Grok client.
func WithGrokClient(g *GrokClient) DispatcherOption {
	return func(d *Dispatcher) { d.grok = g }
}

// WithTextExtractor replaces the OCR service used for document preprocessing.
func WithTextExtractor(e TextExtractor) DispatcherOption {
	return func(d *Dispatcher) { d.ocr = e }
}

// WithSessionRegistry shares a session registry between dispatchers.
func WithSessionRegistry(r *SessionRegistry) DispatcherOption {
	return func(d *Dispatcher) { d.sessions = r }
}

// NewDispatcher builds a dispatcher. Providers that were not supplied are
// created with default settings.
func NewDispatcher(opts ...DispatcherOption) (*Dispatcher, error) {
	d := &Dispatcher{}
	for _, opt := range opts {
		opt(d)
	}

	if d.httpClient == nil {
		d.httpClient = http.DefaultClient
	}
	if d.catalog == nil {
		d.catalog = NewModelCatalogService()
		if err := d.catalog.Initialize(); err != nil {
			return nil, fmt.Errorf("failed to load model catalog: %w", err)
		}
	}
	d.official = NewOfficialClient(d.httpClient)
	d.compatible = NewOpenAICompatibleClient(d.httpClient)
	d.claude = NewClaudeCompatibleClient(d.httpClient)
	if d.web == nil {
		d.web = NewWebClient(NewHTTPWebTransport(nil, d.catalog.WebHeaders(), d.httpClient), nil)
	}
	if d.grok == nil {
		d.grok = NewGrokClient("", d.httpClient)
	}
	if d.ocr == nil {
		d.ocr = NewOCRService(d.httpClient)
	}
	if d.sessions == nil {
		d.sessions = NewSessionRegistry(DefaultCancelGrace)
	}
	return d, nil
}

// Name returns the service name "dispatcher".
func (d *Dispatcher) Name() string {
	return "dispatcher"
}

// Catalog returns the model catalog in use.
func (d *Dispatcher) Catalog() *ModelCatalogService {
	return d.catalog
}

// CancelSession cancels every in-flight dispatch of sessionID. Late updates
// from those dispatches are suppressed.
func (d *Dispatcher) CancelSession(sessionID string) int {
	n := d.sessions.Cancel(sessionID)
	logger.Debug("Session cancelled", "session", sessionID, "inflight", n)
	return n
}

// Dispatch sends req and streams normalized updates to sink. The returned
// result is always populated: Status is success, error (with ErrorText) or
// cancelled. The error is nil exactly when Status is success and is a
// *chattypes.ChatError where the failure has a known kind.
func (d *Dispatcher) Dispatch(ctx context.Context, req chattypes.ChatRequest, sink stream.UpdateSink) (chattypes.ChatResult, error) {
	settings := chattypes.SettingsOrDefault(req.Settings)
	kind := settings.Kind()
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	started, release := d.sessions.Track(req.SessionID, cancel)
	defer release()

	gate := stream.NewGate(ctx, sink, func() bool {
		return d.sessions.Suppressed(req.SessionID, started)
	})
	defer gate.Close()

	logger.ServiceOperation("dispatcher", "dispatch", "provider", kind, "session", req.SessionID)
	res, err := d.dispatch(ctx, settings, req, gate.Sink())
	res, err = d.finish(ctx, kind, res, err)

	m := metrics.Global()
	m.Dispatches.WithLabelValues(string(kind), string(res.Status)).Inc()
	m.DispatchDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, settings chattypes.ProviderSettings, req chattypes.ChatRequest, sink stream.UpdateSink) (chattypes.ChatResult, error) {
	// Configuration problems surface before any transport call, OCR included.
	if _, err := settings.Accept(settingsCheck{grok: d.grok}); err != nil {
		return chattypes.ChatResult{}, err
	}
	if err := checkPreprocessing(req); err != nil {
		return chattypes.ChatResult{}, err
	}
	req, err := d.preprocess(ctx, req)
	if err != nil {
		return chattypes.ChatResult{}, err
	}
	return settings.Accept(&providerRun{d: d, ctx: ctx, req: req, sink: sink})
}

func (d *Dispatcher) finish(ctx context.Context, kind chattypes.ProviderKind, res chattypes.ChatResult, err error) (chattypes.ChatResult, error) {
	switch {
	case err == nil:
		res.Status = chattypes.StatusSuccess
		res.ErrorText = ""
		return res, nil

	case chattypes.IsCancelled(err) || errors.Is(ctx.Err(), context.Canceled):
		logger.Debug("Dispatch cancelled", "provider", kind)
		res.Status = chattypes.StatusCancelled
		res.ErrorText = ""
		res.Continuation = nil
		if chattypes.KindOf(err) != chattypes.ErrCancelled {
			err = chattypes.NewCancelledError(err)
		}
		return res, err

	default:
		if chattypes.KindOf(err) == "" && errors.Is(err, context.DeadlineExceeded) {
			err = &chattypes.ChatError{Kind: chattypes.ErrNetworkGlitch, Message: "request timed out", Err: err}
		}
		logger.Warn("Dispatch failed", "provider", kind, "kind", chattypes.KindOf(err), "error", err)
		res.Status = chattypes.StatusError
		res.ErrorText = err.Error()
		res.Continuation = nil
		return res, err
	}
}

func checkPreprocessing(req chattypes.ChatRequest) error {
	p := req.Preprocess
	if p == nil || !p.Enabled {
		return nil
	}
	for _, f := range req.Files {
		if !f.IsImage() && !f.IsPDF() {
			continue
		}
		if strings.TrimSpace(p.BaseURL) == "" || strings.TrimSpace(p.APIKey) == "" || strings.TrimSpace(p.Model) == "" {
			return chattypes.NewConfigError("document preprocessing requires a base URL, an API key and a model")
		}
		return nil
	}
	return nil
}

// settingsCheck validates provider settings without touching the network.
type settingsCheck struct {
	grok *GrokClient
}

var _ chattypes.ProviderVisitor = settingsCheck{}

func (settingsCheck) VisitOfficial(s chattypes.OfficialSettings) (chattypes.ChatResult, error) {
	if strings.TrimSpace(s.APIKey) == "" {
		return chattypes.ChatResult{}, chattypes.NewConfigError("official API key is not configured")
	}
	return chattypes.ChatResult{}, nil
}

func (settingsCheck) VisitWebClient(chattypes.WebClientSettings) (chattypes.ChatResult, error) {
	return chattypes.ChatResult{}, nil
}

func (settingsCheck) VisitOpenAICompatible(s chattypes.OpenAICompatibleSettings) (chattypes.ChatResult, error) {
	if strings.TrimSpace(s.BaseURL) == "" {
		return chattypes.ChatResult{}, chattypes.NewConfigError("OpenAI-compatible base URL is not configured")
	}
	if strings.TrimSpace(s.APIKey) == "" {
		return chattypes.ChatResult{}, chattypes.NewConfigError("OpenAI-compatible API key is not configured")
	}
	switch s.ProviderType {
	case chattypes.CompatibleClaude, chattypes.CompatibleOpenAI, "":
		return chattypes.ChatResult{}, nil
	default:
		return chattypes.ChatResult{}, chattypes.NewConfigError("unknown OpenAI-compatible provider type %q", s.ProviderType)
	}
}

func (c settingsCheck) VisitGrok(chattypes.GrokSettings) (chattypes.ChatResult, error) {
	if c.grok == nil || !c.grok.IsConfigured() {
		return chattypes.ChatResult{}, chattypes.NewConfigError("grok session cookie is not configured")
	}
	return chattypes.ChatResult{}, nil
}

// preprocess replaces image and PDF attachments by their extracted text when
// document preprocessing is enabled. Any extraction failure aborts the
// dispatch.
func (d *Dispatcher) preprocess(ctx context.Context, req chattypes.ChatRequest) (chattypes.ChatRequest, error) {
	p := req.Preprocess
	if p == nil || !p.Enabled || len(req.Files) == 0 {
		return req, nil
	}

	var docs, rest []chattypes.Attachment
	for _, f := range req.Files {
		if f.IsImage() || f.IsPDF() {
			docs = append(docs, f)
		} else {
			rest = append(rest, f)
		}
	}
	if len(docs) == 0 {
		return req, nil
	}

	var b strings.Builder
	b.WriteString(req.Text)
	for i, f := range docs {
		name := f.Name
		if name == "" {
			name = fmt.Sprintf("document %d", i+1)
		}
		text, err := d.ocr.ExtractText(ctx, f, *p)
		if err != nil {
			metrics.Global().OCRExtractions.WithLabelValues("error").Inc()
			return req, fmt.Errorf("document preprocessing failed for %s: %w", name, err)
		}
		metrics.Global().OCRExtractions.WithLabelValues("success").Inc()
		fmt.Fprintf(&b, "\n\n[Extracted text: %s]\n%s", name, text)
	}

	out := req
	out.Text = b.String()
	out.Files = rest
	logger.Debug("Documents preprocessed", "documents", len(docs), "remaining_files", len(rest))
	return out, nil
}

// providerRun is the visitor for a single dispatch.
type providerRun struct {
	d    *Dispatcher
	ctx  context.Context
	req  chattypes.ChatRequest
	sink stream.UpdateSink
}

var _ chattypes.ProviderVisitor = (*providerRun)(nil)

func resultFrom(f stream.Final) chattypes.ChatResult {
	return chattypes.ChatResult{Text: f.Text, Thoughts: f.Thoughts, Images: f.Images}
}

func (r *providerRun) VisitOfficial(s chattypes.OfficialSettings) (chattypes.ChatResult, error) {
	model := ResolveModel(r.req.Model, nil, nil, s.Model, r.d.catalog.DefaultModel(chattypes.ProviderOfficial))

	reply, err := r.d.official.Generate(r.ctx, s, model, r.req)
	if err != nil {
		return chattypes.ChatResult{}, err
	}
	return resultFrom(stream.Official(reply.Text, reply.Thoughts, reply.Images, r.sink)), nil
}

func (r *providerRun) VisitWebClient(s chattypes.WebClientSettings) (chattypes.ChatResult, error) {
	model := ResolveModel(r.req.Model, s.Binding, s.Bindings, s.Model, r.d.catalog.DefaultModel(chattypes.ProviderWebClient))
	return r.d.web.Chat(r.ctx, s, model, r.req, r.sink)
}

func (r *providerRun) VisitOpenAICompatible(s chattypes.OpenAICompatibleSettings) (chattypes.ChatResult, error) {
	model := ResolveModel(r.req.Model, s.Binding, s.Bindings, s.Model, r.d.catalog.DefaultModel(chattypes.ProviderOpenAICompatible))

	ctx := r.ctx
	if s.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.RequestTimeout)
		defer cancel()
	}

	var final stream.Final
	var err error
	switch s.ProviderType {
	case chattypes.CompatibleClaude:
		final, err = r.d.claude.Stream(ctx, s, model, r.req, r.sink)
	case chattypes.CompatibleOpenAI, "":
		final, err = r.d.compatible.Stream(ctx, s, model, r.req, r.sink)
	default:
		return chattypes.ChatResult{}, chattypes.NewConfigError("unknown OpenAI-compatible provider type %q", s.ProviderType)
	}
	if err != nil && r.ctx.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = &chattypes.ChatError{
			Kind:    chattypes.ErrNetworkGlitch,
			Message: fmt.Sprintf("request timed out after %s", s.RequestTimeout),
			Err:     err,
		}
	}
	return resultFrom(final), err
}

func (r *providerRun) VisitGrok(s chattypes.GrokSettings) (chattypes.ChatResult, error) {
	model := ResolveModel(r.req.Model, nil, nil, s.Model, r.d.catalog.DefaultModel(chattypes.ProviderGrok))

	final, err := r.d.grok.Stream(r.ctx, model, r.req, r.sink)
	return resultFrom(final), err
}
