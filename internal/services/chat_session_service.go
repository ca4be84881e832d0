package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"neurochat/internal/history"
	"neurochat/internal/logger"
	"neurochat/internal/stream"
	"neurochat/pkg/chattypes"
)

// ChatDispatcher is the part of Dispatcher a chat session needs.
type ChatDispatcher interface {
	Dispatch(ctx context.Context, req chattypes.ChatRequest, sink stream.UpdateSink) (chattypes.ChatResult, error)
}

// Turn is one user turn sent through ChatSessionService.
type Turn struct {
	ConversationID    string
	Text              string
	SystemInstruction string
	Files             []chattypes.Attachment
	Model             string
	Settings          chattypes.ProviderSettings
	Preprocess        *chattypes.DocumentPreprocessing

	// Regenerate drops the trailing answer and re-sends the last user
	// message instead of appending Text.
	Regenerate bool
}

// ChatSessionService runs conversation turns: it records the user message,
// dispatches it with the stored history and continuation, and saves the answer.
type ChatSessionService struct {
	dispatcher ChatDispatcher
	store      *history.Store
}

// NewChatSessionService creates a session service over store.
func NewChatSessionService(dispatcher ChatDispatcher, store *history.Store) *ChatSessionService {
	return &ChatSessionService{dispatcher: dispatcher, store: store}
}

// Name returns the service name "chat_session" for registration.
func (c *ChatSessionService) Name() string {
	return "chat_session"
}

// Store returns the underlying history store.
func (c *ChatSessionService) Store() *history.Store {
	return c.store
}

// Send runs one turn. The conversation is created when turn.ConversationID is
// empty. Whatever text the provider produced is saved even when the dispatch
// fails or is cancelled. The returned error follows Dispatcher.Dispatch, or
// reports a storage failure of an otherwise successful turn.
func (c *ChatSessionService) Send(ctx context.Context, turn Turn, sink stream.UpdateSink) (chattypes.Conversation, chattypes.ChatResult, error) {
	conv, err := c.open(ctx, turn.ConversationID)
	if err != nil {
		return chattypes.Conversation{}, chattypes.ChatResult{}, err
	}

	req := chattypes.ChatRequest{
		SystemInstruction: turn.SystemInstruction,
		Model:             turn.Model,
		Settings:          turn.Settings,
		SessionID:         conv.ID,
		Preprocess:        turn.Preprocess,
	}

	if turn.Regenerate {
		if conv, err = c.prepareRegenerate(ctx, conv, &req); err != nil {
			return conv, chattypes.ChatResult{}, err
		}
	} else {
		if strings.TrimSpace(turn.Text) == "" && len(turn.Files) == 0 {
			return conv, chattypes.ChatResult{}, chattypes.NewConfigError("message is empty")
		}
		req.Text = turn.Text
		req.Files = turn.Files
		req.History = conv.Messages
		req.Continuation = conv.Continuation

		user := chattypes.Message{Role: chattypes.RoleUser, Text: turn.Text}
		for _, f := range turn.Files {
			user.Attachments = append(user.Attachments, f.StoredURL())
		}
		if conv, err = c.store.Append(ctx, conv.ID, user); err != nil {
			return conv, chattypes.ChatResult{}, err
		}
	}

	res, dispatchErr := c.dispatcher.Dispatch(ctx, req, sink)

	// the caller may have gone away; the answer is still worth keeping
	saveCtx := context.WithoutCancel(ctx)
	updated, saveErr := c.save(saveCtx, conv.ID, res)
	if saveErr != nil {
		logger.Error("Failed to save chat turn", "conversation", conv.ID, "error", saveErr)
		if dispatchErr == nil {
			return conv, res, saveErr
		}
		return conv, res, dispatchErr
	}
	return updated, res, dispatchErr
}

// FindByPrefix resolves a conversation by exact id or unique id prefix.
func (c *ChatSessionService) FindByPrefix(ctx context.Context, identifier string) (chattypes.Conversation, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return chattypes.Conversation{}, fmt.Errorf("conversation id cannot be empty")
	}

	convs, err := c.store.List(ctx)
	if err != nil {
		return chattypes.Conversation{}, err
	}

	var matches []chattypes.Conversation
	for _, conv := range convs {
		if conv.ID == identifier {
			return conv, nil
		}
		if strings.HasPrefix(conv.ID, identifier) {
			matches = append(matches, conv)
		}
	}

	switch len(matches) {
	case 0:
		return chattypes.Conversation{}, fmt.Errorf("no conversation matches '%s': %w", identifier, history.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return chattypes.Conversation{}, fmt.Errorf("multiple conversations match prefix '%s': %s", identifier, strings.Join(ids, ", "))
	}
}

func (c *ChatSessionService) open(ctx context.Context, id string) (chattypes.Conversation, error) {
	if id == "" {
		return c.store.Create(ctx)
	}
	return c.store.Get(ctx, id)
}

// prepareRegenerate removes a trailing answer and points req at the last
// user message and the history before it.
func (c *ChatSessionService) prepareRegenerate(ctx context.Context, conv chattypes.Conversation, req *chattypes.ChatRequest) (chattypes.Conversation, error) {
	var err error
	if n := len(conv.Messages); n > 0 && conv.Messages[n-1].Role == chattypes.RoleAssistant {
		if conv, err = c.store.TruncateLastAssistant(ctx, conv.ID); err != nil {
			return conv, err
		}
	}

	n := len(conv.Messages)
	if n == 0 || conv.Messages[n-1].Role != chattypes.RoleUser {
		return conv, chattypes.NewConfigError("conversation %s has no user message to regenerate", conv.ID)
	}

	last := conv.Messages[n-1]
	req.Text = last.Text
	req.History = conv.Messages[:n-1]
	req.Continuation = nil
	for _, encoded := range last.Attachments {
		att, _, err := decodeHistoryAttachment(encoded)
		if err != nil {
			return conv, fmt.Errorf("failed to restore attachment: %w", err)
		}
		req.Files = append(req.Files, att)
	}
	return conv, nil
}

func (c *ChatSessionService) save(ctx context.Context, id string, res chattypes.ChatResult) (chattypes.Conversation, error) {
	if res.Text != "" || res.Thoughts != "" || len(res.Images) > 0 {
		_, err := c.store.ReplaceLastAssistant(ctx, id, chattypes.Message{
			Text:            res.Text,
			Thoughts:        res.Thoughts,
			GeneratedImages: res.Images,
		})
		if err != nil {
			return chattypes.Conversation{}, err
		}
	}

	var cc *chattypes.ContinuationContext
	if res.Status == chattypes.StatusSuccess {
		cc = res.Continuation
	}
	if err := c.store.SetContinuation(ctx, id, cc); err != nil {
		return chattypes.Conversation{}, err
	}
	conv, err := c.store.Get(ctx, id)
	if errors.Is(err, history.ErrNotFound) {
		// evicted between writes
		return chattypes.Conversation{}, fmt.Errorf("conversation %s was evicted: %w", id, err)
	}
	return conv, err
}
