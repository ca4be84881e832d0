// Package server exposes the dispatcher and the conversation history over HTTP.
//
// POST /v1/chat streams Server-Sent Events: zero or more "update" events
// carrying the cumulative text and thoughts, then one "result" event.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"neurochat/internal/history"
	"neurochat/internal/logger"
	"neurochat/internal/services"
	"neurochat/internal/version"
	"neurochat/pkg/chattypes"
)

// SessionCanceller stops in-flight dispatches of a session.
type SessionCanceller interface {
	CancelSession(sessionID string) int
}

// SettingsFunc resolves provider settings by name; "" means the default provider.
type SettingsFunc func(provider string) chattypes.ProviderSettings

// Server is the HTTP API.
type Server struct {
	chats      *services.ChatSessionService
	canceller  SessionCanceller
	settings   SettingsFunc
	preprocess *chattypes.DocumentPreprocessing
	engine     *gin.Engine
}

// Options configures optional collaborators.
type Options struct {
	Canceller  SessionCanceller
	Settings   SettingsFunc
	Preprocess *chattypes.DocumentPreprocessing
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	ConversationID    string                 `json:"conversation_id"`
	Text              string                 `json:"text"`
	SystemInstruction string                 `json:"system_instruction"`
	Files             []chattypes.Attachment `json:"files"`
	Model             string                 `json:"model"`
	Provider          string                 `json:"provider"`
	Regenerate        bool                   `json:"regenerate"`
}

// Update is the payload of an "update" event.
type Update struct {
	Text     string `json:"text"`
	Thoughts string `json:"thoughts,omitempty"`
}

// ChatResponse is the payload of the "result" event.
type ChatResponse struct {
	ConversationID string               `json:"conversation_id"`
	Result         chattypes.ChatResult `json:"result"`
	Error          string               `json:"error,omitempty"`
}

// ConversationSummary is one entry of GET /v1/conversations.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Timestamp    time.Time `json:"timestamp"`
	MessageCount int       `json:"message_count"`
}

// New builds the API over chats.
func New(chats *services.ChatSessionService, opts Options) *Server {
	s := &Server{
		chats:      chats,
		canceller:  opts.Canceller,
		settings:   opts.Settings,
		preprocess: opts.Preprocess,
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.POST("/chat", s.chat)
	v1.GET("/conversations", s.listConversations)
	v1.GET("/conversations/:id", s.getConversation)
	v1.DELETE("/conversations/:id", s.deleteConversation)
	v1.POST("/sessions/:id/cancel", s.cancelSession)

	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("HTTP server shutting down")
	return srv.Shutdown(shutdownCtx)
}

func requestLogger() gin.HandlerFunc {
	httpLog := logger.NewStyledLogger("HTTP")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		httpLog.Debug("Request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "version": version.Version})
}

func (s *Server) chat(c *gin.Context) {
	var body ChatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	if body.Text == "" && len(body.Files) == 0 && !body.Regenerate {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text or files required"})
		return
	}
	if body.ConversationID != "" {
		if _, err := s.chats.Store().Get(c.Request.Context(), body.ConversationID); err != nil {
			s.fail(c, err)
			return
		}
	}

	turn := services.Turn{
		ConversationID:    body.ConversationID,
		Text:              body.Text,
		SystemInstruction: body.SystemInstruction,
		Files:             body.Files,
		Model:             body.Model,
		Preprocess:        s.preprocess,
		Regenerate:        body.Regenerate,
	}
	if s.settings != nil {
		turn.Settings = s.settings(body.Provider)
	}

	ctx := c.Request.Context()
	updates := make(chan Update, 16)
	done := make(chan ChatResponse, 1)
	go func() {
		defer close(updates)
		conv, res, err := s.chats.Send(ctx, turn, func(text, thoughts string) {
			select {
			case updates <- Update{Text: text, Thoughts: thoughts}:
			case <-ctx.Done():
			}
		})
		resp := ChatResponse{ConversationID: conv.ID, Result: res}
		if err != nil {
			resp.Error = err.Error()
		}
		done <- resp
	}()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(io.Writer) bool {
		u, ok := <-updates
		if !ok {
			return false
		}
		c.SSEvent("update", u)
		return true
	})

	resp := <-done
	if ctx.Err() != nil {
		logger.Debug("Client went away before the result", "conversation", resp.ConversationID)
		return
	}
	c.SSEvent("result", resp)
	c.Writer.Flush()
}

func (s *Server) listConversations(c *gin.Context) {
	convs, err := s.chats.Store().List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]ConversationSummary, len(convs))
	for i, conv := range convs {
		out[i] = ConversationSummary{
			ID:           conv.ID,
			Title:        conv.Title,
			Timestamp:    conv.Timestamp,
			MessageCount: len(conv.Messages),
		}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

func (s *Server) getConversation(c *gin.Context) {
	conv, err := s.chats.Store().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) deleteConversation(c *gin.Context) {
	if err := s.chats.Store().Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) cancelSession(c *gin.Context) {
	if s.canceller == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "cancellation is not available"})
		return
	}
	n := s.canceller.CancelSession(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"cancelled": n})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, history.ErrNotFound):
		status = http.StatusNotFound
	case chattypes.KindOf(err) == chattypes.ErrConfiguration:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logger.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
