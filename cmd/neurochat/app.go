package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"neurochat/internal/config"
	"neurochat/internal/logger"
	"neurochat/internal/services"
)

// app holds the services every command shares.
type app struct {
	cfg        *config.Config
	dispatcher *services.Dispatcher
	chats      *services.ChatSessionService
	markdown   *services.MarkdownService
	thinking   *services.ThinkingRendererService
	close      func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, closeHistory, err := cfg.OpenHistory(ctx)
	if err != nil {
		return nil, err
	}
	var httpClient *http.Client
	if strings.EqualFold(cfg.LogLevel, "debug") {
		httpClient = services.NewDebugHTTPClient()
	}
	dispatcher, err := cfg.NewDispatcher(httpClient)
	if err != nil {
		_ = closeHistory()
		return nil, err
	}

	style := ""
	if cfg.TestMode {
		style = "notty"
	}
	markdown := services.NewMarkdownService(style)
	if err := markdown.Initialize(); err != nil {
		logger.Warn("Markdown rendering disabled", "error", err)
	}

	logger.Debug("Services initialized", "history", cfg.History.Backend, "provider", cfg.Provider)
	return &app{
		cfg:        cfg,
		dispatcher: dispatcher,
		chats:      services.NewChatSessionService(dispatcher, store),
		markdown:   markdown,
		thinking:   services.NewThinkingRendererService(),
		close:      closeHistory,
	}, nil
}

func (a *app) Close() {
	if err := a.close(); err != nil {
		logger.Warn("Failed to close history", "error", err)
	}
}

// printAnswer writes dimmed thoughts followed by the rendered answer.
func (a *app) printAnswer(w io.Writer, text, thoughts string) {
	if block := a.thinking.RenderThoughts(thoughts); block != "" {
		fmt.Fprintln(w, block)
	}
	if strings.TrimSpace(text) != "" {
		fmt.Fprintln(w, strings.TrimRight(a.markdown.RenderOrPlain(text), "\n"))
	}
}

// deltaPrinter streams cumulative updates as increments.
type deltaPrinter struct {
	w       io.Writer
	printed string
}

func (p *deltaPrinter) Update(text, _ string) {
	if !strings.HasPrefix(text, p.printed) {
		// the provider rewrote earlier text; the final render covers it
		return
	}
	if delta := text[len(p.printed):]; delta != "" {
		fmt.Fprint(p.w, delta)
		p.printed = text
	}
}
