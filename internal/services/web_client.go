package services

import (
	"context"
	"encoding/json"
	"sync"

	"neurochat/internal/logger"
	"neurochat/internal/metrics"
	"neurochat/internal/retry"
	"neurochat/internal/stream"
	"neurochat/pkg/chattypes"
)

// WebContext is the web app's conversation pointer: conversation, response
// and candidate IDs, valid only for the account that created them.
type WebContext struct {
	Account int    `json:"account"`
	CID     string `json:"cid"`
	RID     string `json:"rid"`
	RCID    string `json:"rcid"`
}

// Empty reports whether the context points at no conversation.
func (w WebContext) Empty() bool {
	return w.CID == ""
}

// Continuation wraps the context in an opaque ContinuationContext.
func (w WebContext) Continuation() *chattypes.ContinuationContext {
	if w.Empty() {
		return nil
	}
	blob, err := json.Marshal(w)
	if err != nil {
		return nil
	}
	return &chattypes.ContinuationContext{Provider: chattypes.ProviderWebClient, Blob: blob}
}

// ParseWebContext decodes a continuation minted by the web client. Contexts
// from other providers and malformed blobs are rejected.
func ParseWebContext(cc *chattypes.ContinuationContext) (WebContext, bool) {
	if cc == nil || cc.Provider != chattypes.ProviderWebClient || len(cc.Blob) == 0 {
		return WebContext{}, false
	}
	var w WebContext
	if err := json.Unmarshal(cc.Blob, &w); err != nil || w.Empty() {
		return WebContext{}, false
	}
	return w, true
}

// WebRequest is one transport call for one account.
type WebRequest struct {
	Account int
	Model   string
	Prompt  string
	Files   []chattypes.Attachment
	Context *WebContext
}

// WebReply is the parsed answer of one transport call.
type WebReply struct {
	Text     string
	Thoughts string
	Images   []chattypes.ImageRef
	Context  WebContext
}

// WebTransport performs a single web app exchange.
type WebTransport interface {
	Generate(ctx context.Context, req WebRequest) (WebReply, error)
}

// WebClient drives the web transport with retries and account rotation and
// keeps the last continuation per session.
type WebClient struct {
	transport WebTransport
	policy    *retry.Policy

	mu    sync.Mutex
	cache map[string]WebContext
}

// NewWebClient creates a client over transport. A nil policy uses the
// default delays with a fresh account pool.
func NewWebClient(transport WebTransport, policy *retry.Policy) *WebClient {
	if policy == nil {
		policy = retry.NewPolicy(retry.NewAccountPool())
	}
	return &WebClient{
		transport: transport,
		policy:    policy,
		cache:     make(map[string]WebContext),
	}
}

// GetProviderName returns the provider name for this client.
func (w *WebClient) GetProviderName() string {
	return string(chattypes.ProviderWebClient)
}

// Cached returns the continuation stored for sessionID.
func (w *WebClient) Cached(sessionID string) (WebContext, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wc, ok := w.cache[sessionID]
	return wc, ok
}

// Invalidate drops the continuation stored for sessionID.
func (w *WebClient) Invalidate(sessionID string) {
	w.mu.Lock()
	delete(w.cache, sessionID)
	w.mu.Unlock()
}

func (w *WebClient) store(sessionID string, wc WebContext) {
	w.mu.Lock()
	w.cache[sessionID] = wc
	w.mu.Unlock()
}

// Chat runs one web exchange. The request continuation is preferred over the
// cached one; either is used only while the account that minted it is
// current. Without a usable continuation the history is replayed as a
// transcript.
func (w *WebClient) Chat(ctx context.Context, s chattypes.WebClientSettings, model string, req chattypes.ChatRequest, sink stream.UpdateSink) (chattypes.ChatResult, error) {
	cont, haveCont := ParseWebContext(req.Continuation)
	if !haveCont {
		cont, haveCont = w.Cached(req.SessionID)
	}

	rotated := false
	policy := *w.policy
	policy.OnRotate = func(from, to int) {
		rotated = true
		w.Invalidate(req.SessionID)
		metrics.Global().AccountRotations.Inc()
		if w.policy.OnRotate != nil {
			w.policy.OnRotate(from, to)
		}
	}
	policy.OnRetry = func(attempt int, class retry.Class, err error) {
		metrics.Global().Retries.WithLabelValues(class.String()).Inc()
		logger.Debug("Web attempt failed, retrying", "provider", "web", "attempt", attempt, "class", class.String(), "error", err)
		if w.policy.OnRetry != nil {
			w.policy.OnRetry(attempt, class, err)
		}
	}

	var reply WebReply
	err := policy.Run(ctx, s.AccountIndices, func(ctx context.Context, account int) error {
		var wc *WebContext
		if haveCont && !rotated && cont.Account == account {
			c := cont
			wc = &c
		}
		prompt := req.Text
		if wc == nil {
			prompt = transcript(req.History, req.Text)
			if req.SystemInstruction != "" {
				prompt = req.SystemInstruction + "\n\n" + prompt
			}
		}

		r, err := w.transport.Generate(ctx, WebRequest{
			Account: account,
			Model:   model,
			Prompt:  prompt,
			Files:   req.Files,
			Context: wc,
		})
		if err != nil {
			return err
		}
		r.Context.Account = account
		reply = r
		return nil
	})
	if err != nil {
		return chattypes.ChatResult{}, err
	}

	if !reply.Context.Empty() {
		w.store(req.SessionID, reply.Context)
	}
	final := stream.Official(reply.Text, reply.Thoughts, reply.Images, sink)
	return chattypes.ChatResult{
		Text:         final.Text,
		Thoughts:     final.Thoughts,
		Images:       final.Images,
		Continuation: reply.Context.Continuation(),
		Status:       chattypes.StatusSuccess,
	}, nil
}
