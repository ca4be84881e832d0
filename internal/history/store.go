package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"neurochat/internal/logger"
	"neurochat/internal/metrics"
	"neurochat/pkg/chattypes"
)

const (
	titleMaxRunes = 50
	defaultTitle  = "New conversation"
)

// Store is the conversation log. All conversations are kept as one JSON list
// under a single key; every mutation is a read-modify-evict-write cycle.
type Store struct {
	kv     KV
	policy Policy

	mu    sync.Mutex
	now   func() time.Time
	newID func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces uuid generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// NewStore creates a store over kv.
func NewStore(kv KV, policy Policy, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		policy: policy,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the eviction policy in use.
func (s *Store) Policy() Policy {
	return s.policy
}

// Create persists an empty conversation at the front of the list.
func (s *Store) Create(ctx context.Context) (chattypes.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convs, err := s.load(ctx)
	if err != nil {
		return chattypes.Conversation{}, err
	}
	conv := chattypes.Conversation{
		ID:        s.newID(),
		Title:     defaultTitle,
		Messages:  []chattypes.Message{},
		Timestamp: s.now(),
	}
	convs = append([]chattypes.Conversation{conv}, convs...)
	if err := s.persist(ctx, convs); err != nil {
		return chattypes.Conversation{}, err
	}
	return conv, nil
}

// Append adds msg to the conversation, moves it to the front and bumps its timestamp.
func (s *Store) Append(ctx context.Context, id string, msg chattypes.Message) (chattypes.Conversation, error) {
	return s.mutate(ctx, id, true, func(c *chattypes.Conversation) error {
		c.Messages = append(c.Messages, s.stamp(msg))
		return nil
	})
}

// ReplaceLastAssistant swaps the trailing assistant message for msg, or
// appends msg when the conversation does not end with one. It is used to
// finalize an in-progress streamed answer.
func (s *Store) ReplaceLastAssistant(ctx context.Context, id string, msg chattypes.Message) (chattypes.Conversation, error) {
	msg.Role = chattypes.RoleAssistant
	return s.mutate(ctx, id, true, func(c *chattypes.Conversation) error {
		if n := len(c.Messages); n > 0 && c.Messages[n-1].Role == chattypes.RoleAssistant {
			c.Messages[n-1] = s.stamp(msg)
			return nil
		}
		c.Messages = append(c.Messages, s.stamp(msg))
		return nil
	})
}

// TruncateLastAssistant removes the trailing assistant message so the answer
// can be regenerated. The stored continuation is dropped along with it.
func (s *Store) TruncateLastAssistant(ctx context.Context, id string) (chattypes.Conversation, error) {
	return s.mutate(ctx, id, false, func(c *chattypes.Conversation) error {
		n := len(c.Messages)
		if n == 0 || c.Messages[n-1].Role != chattypes.RoleAssistant {
			return fmt.Errorf("conversation %s does not end with an assistant message", id)
		}
		c.Messages = c.Messages[:n-1]
		c.Continuation = nil
		return nil
	})
}

// SetContinuation stores the provider continuation for the conversation.
func (s *Store) SetContinuation(ctx context.Context, id string, cc *chattypes.ContinuationContext) error {
	_, err := s.mutate(ctx, id, false, func(c *chattypes.Conversation) error {
		c.Continuation = cc
		return nil
	})
	return err
}

// Get returns one conversation or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (chattypes.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convs, err := s.load(ctx)
	if err != nil {
		return chattypes.Conversation{}, err
	}
	for _, c := range convs {
		if c.ID == id {
			return c, nil
		}
	}
	return chattypes.Conversation{}, ErrNotFound
}

// List returns all conversations, most recent first.
func (s *Store) List(ctx context.Context) ([]chattypes.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Delete removes a conversation.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	convs, err := s.load(ctx)
	if err != nil {
		return err
	}
	idx := indexOf(convs, id)
	if idx < 0 {
		return ErrNotFound
	}
	convs = append(convs[:idx], convs[idx+1:]...)
	return s.persist(ctx, convs)
}

func (s *Store) mutate(ctx context.Context, id string, touch bool, fn func(*chattypes.Conversation) error) (chattypes.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convs, err := s.load(ctx)
	if err != nil {
		return chattypes.Conversation{}, err
	}
	idx := indexOf(convs, id)
	if idx < 0 {
		return chattypes.Conversation{}, ErrNotFound
	}

	conv := convs[idx]
	conv.Messages = append([]chattypes.Message(nil), conv.Messages...)
	if err := fn(&conv); err != nil {
		return chattypes.Conversation{}, err
	}
	if conv.Title == "" || conv.Title == defaultTitle {
		conv.Title = deriveTitle(conv.Messages)
	}

	if touch {
		conv.Timestamp = s.now()
		rest := append(convs[:idx:idx], convs[idx+1:]...)
		convs = append([]chattypes.Conversation{conv}, rest...)
	} else {
		convs[idx] = conv
	}

	if err := s.persist(ctx, convs); err != nil {
		return chattypes.Conversation{}, err
	}
	return conv, nil
}

func (s *Store) stamp(msg chattypes.Message) chattypes.Message {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	return msg
}

func (s *Store) load(ctx context.Context) ([]chattypes.Conversation, error) {
	raw, err := s.kv.Get(ctx, Namespace, HistoryKey)
	if errors.Is(err, ErrNotFound) {
		return []chattypes.Conversation{}, nil
	}
	if err != nil {
		return nil, &chattypes.ChatError{Kind: chattypes.ErrStorage, Message: "load history", Err: err}
	}
	var convs []chattypes.Conversation
	if err := json.Unmarshal(raw, &convs); err != nil {
		return nil, &chattypes.ChatError{Kind: chattypes.ErrStorage, Message: "decode history", Err: err}
	}
	return convs, nil
}

// persist evicts and writes. When the write is rejected it drops the oldest
// remaining conversation and tries exactly once more.
func (s *Store) persist(ctx context.Context, convs []chattypes.Conversation) error {
	kept := Evict(convs, s.policy, func() (int64, error) {
		return s.kv.UsedBytes(ctx, Namespace)
	})
	if dropped := len(convs) - len(kept); dropped > 0 {
		metrics.Global().HistoryEvicted.Add(float64(dropped))
		logger.Debug("Evicted conversations", "component", "history", "dropped", dropped, "kept", len(kept))
	}

	err := s.write(ctx, kept)
	if err == nil {
		return nil
	}
	metrics.Global().HistoryWriteErrs.Inc()
	logger.Warn("History write rejected, dropping oldest conversation", "component", "history", "error", err)

	if len(kept) > 0 {
		kept = kept[:len(kept)-1]
		metrics.Global().HistoryEvicted.Inc()
	}
	if err := s.write(ctx, kept); err != nil {
		metrics.Global().HistoryWriteErrs.Inc()
		return &chattypes.ChatError{Kind: chattypes.ErrStorage, Message: "persist history", Err: err}
	}
	return nil
}

func (s *Store) write(ctx context.Context, convs []chattypes.Conversation) error {
	raw, err := json.Marshal(convs)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return s.kv.Set(ctx, Namespace, HistoryKey, raw)
}

func indexOf(convs []chattypes.Conversation, id string) int {
	for i, c := range convs {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// deriveTitle uses the first user message, flattened to one line and cut to
// 50 runes.
func deriveTitle(msgs []chattypes.Message) string {
	for _, m := range msgs {
		if m.Role != chattypes.RoleUser || strings.TrimSpace(m.Text) == "" {
			continue
		}
		title := strings.Join(strings.Fields(m.Text), " ")
		runes := []rune(title)
		if len(runes) > titleMaxRunes {
			title = string(runes[:titleMaxRunes-3]) + "..."
		}
		return title
	}
	return defaultTitle
}
