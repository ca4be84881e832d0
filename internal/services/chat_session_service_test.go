package services

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurochat/internal/history"
	"neurochat/internal/stream"
	"neurochat/pkg/chattypes"
)

type fakeChatDispatcher struct {
	reqs    []chattypes.ChatRequest
	updates [][2]string
	result  chattypes.ChatResult
	err     error
}

func (f *fakeChatDispatcher) Dispatch(_ context.Context, req chattypes.ChatRequest, sink stream.UpdateSink) (chattypes.ChatResult, error) {
	f.reqs = append(f.reqs, req)
	for _, u := range f.updates {
		if sink != nil {
			sink(u[0], u[1])
		}
	}
	return f.result, f.err
}

func (f *fakeChatDispatcher) last() chattypes.ChatRequest {
	return f.reqs[len(f.reqs)-1]
}

func webContinuation(blob string) *chattypes.ContinuationContext {
	return &chattypes.ContinuationContext{Provider: chattypes.ProviderWebClient, Blob: []byte(blob)}
}

func newChatSessions(d ChatDispatcher, opts ...history.Option) *ChatSessionService {
	return NewChatSessionService(d, history.NewStore(history.NewMemoryKV(0), history.DefaultPolicy(), opts...))
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestChatSessionService_Name(t *testing.T) {
	assert.Equal(t, "chat_session", NewChatSessionService(nil, nil).Name())
}

func TestChatSessionService_FirstAndFollowUpTurn(t *testing.T) {
	ctx := context.Background()
	d := &fakeChatDispatcher{
		updates: [][2]string{{"Hi", ""}, {"Hi there", "greeting"}},
		result: chattypes.ChatResult{
			Text: "Hi there", Thoughts: "greeting",
			Status: chattypes.StatusSuccess, Continuation: webContinuation("c1"),
		},
	}
	svc := newChatSessions(d)

	var seen []string
	conv, res, err := svc.Send(ctx, Turn{Text: "hello", Settings: chattypes.WebClientSettings{AccountIndices: []int{0}}}, func(text, _ string) {
		seen = append(seen, text)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi", "Hi there"}, seen)
	assert.Equal(t, "Hi there", res.Text)

	req := d.last()
	assert.Equal(t, conv.ID, req.SessionID)
	assert.Equal(t, "hello", req.Text)
	assert.Empty(t, req.History)
	assert.Nil(t, req.Continuation)

	require.Len(t, conv.Messages, 2)
	assert.Equal(t, chattypes.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "Hi there", conv.Messages[1].Text)
	assert.Equal(t, "greeting", conv.Messages[1].Thoughts)
	assert.Equal(t, "hello", conv.Title)
	assert.Equal(t, webContinuation("c1"), conv.Continuation)

	d.result = chattypes.ChatResult{Text: "Sure", Status: chattypes.StatusSuccess, Continuation: webContinuation("c2")}
	conv, _, err = svc.Send(ctx, Turn{ConversationID: conv.ID, Text: "and more"}, nil)
	require.NoError(t, err)

	req = d.last()
	require.Len(t, req.History, 2)
	assert.Equal(t, "Hi there", req.History[1].Text)
	assert.Equal(t, webContinuation("c1"), req.Continuation)
	assert.Len(t, conv.Messages, 4)
	assert.Equal(t, webContinuation("c2"), conv.Continuation)
}

func TestChatSessionService_FailureKeepsPartialAndClearsContinuation(t *testing.T) {
	ctx := context.Background()
	d := &fakeChatDispatcher{result: chattypes.ChatResult{Text: "ok", Status: chattypes.StatusSuccess, Continuation: webContinuation("c1")}}
	svc := newChatSessions(d)
	conv, _, err := svc.Send(ctx, Turn{Text: "first"}, nil)
	require.NoError(t, err)

	failure := &chattypes.ChatError{Kind: chattypes.ErrNetworkGlitch, Message: "stream reset"}
	d.result = chattypes.ChatResult{Text: "half an ans", Status: chattypes.StatusError, ErrorText: failure.Error()}
	d.err = failure

	conv, res, err := svc.Send(ctx, Turn{ConversationID: conv.ID, Text: "second"}, nil)
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, chattypes.StatusError, res.Status)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "half an ans", conv.Messages[3].Text)
	assert.Nil(t, conv.Continuation)
}

func TestChatSessionService_CancelledTurnIsSaved(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := &fakeChatDispatcher{
		result: chattypes.ChatResult{Text: "par", Status: chattypes.StatusCancelled},
		err:    chattypes.NewCancelledError(context.Canceled),
	}
	svc := newChatSessions(d)

	conv, _, err := svc.Send(ctx, Turn{Text: "long question"}, nil)
	assert.True(t, chattypes.IsCancelled(err))
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "par", conv.Messages[1].Text)
}

func TestChatSessionService_NothingToSaveOnEmptyFailure(t *testing.T) {
	d := &fakeChatDispatcher{
		result: chattypes.ChatResult{Status: chattypes.StatusError, ErrorText: "api key missing"},
		err:    chattypes.NewConfigError("api key missing"),
	}
	svc := newChatSessions(d)

	conv, _, err := svc.Send(context.Background(), Turn{Text: "q"}, nil)
	assert.Equal(t, chattypes.ErrConfiguration, chattypes.KindOf(err))
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, chattypes.RoleUser, conv.Messages[0].Role)
}

func TestChatSessionService_Rejects(t *testing.T) {
	ctx := context.Background()
	d := &fakeChatDispatcher{}
	svc := newChatSessions(d)

	_, _, err := svc.Send(ctx, Turn{Text: "   "}, nil)
	assert.Equal(t, chattypes.ErrConfiguration, chattypes.KindOf(err))

	_, _, err = svc.Send(ctx, Turn{ConversationID: "missing", Text: "x"}, nil)
	assert.ErrorIs(t, err, history.ErrNotFound)

	_, _, err = svc.Send(ctx, Turn{Regenerate: true}, nil)
	assert.ErrorContains(t, err, "no user message to regenerate")

	assert.Empty(t, d.reqs)
}

func TestChatSessionService_Regenerate(t *testing.T) {
	ctx := context.Background()
	d := &fakeChatDispatcher{result: chattypes.ChatResult{Text: "first answer", Status: chattypes.StatusSuccess, Continuation: webContinuation("c1")}}
	svc := newChatSessions(d)

	image := chattypes.Attachment{Name: "shot.png", MIMEType: "image/png", Data: base64.StdEncoding.EncodeToString(pngHeader)}
	notes := chattypes.Attachment{Name: "release notes; v2.md", MIMEType: "text/markdown", Data: base64.StdEncoding.EncodeToString([]byte("# Notes"))}
	conv, _, err := svc.Send(ctx, Turn{Text: "describe", Files: []chattypes.Attachment{image, notes}}, nil)
	require.NoError(t, err)
	require.Len(t, conv.Messages[0].Attachments, 2)

	d.result = chattypes.ChatResult{Text: "second answer", Status: chattypes.StatusSuccess}
	conv, _, err = svc.Send(ctx, Turn{ConversationID: conv.ID, Regenerate: true}, nil)
	require.NoError(t, err)

	req := d.last()
	assert.Equal(t, "describe", req.Text)
	assert.Empty(t, req.History)
	assert.Nil(t, req.Continuation)
	assert.Equal(t, []chattypes.Attachment{image, notes}, req.Files)

	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "second answer", conv.Messages[1].Text)
}

func TestChatSessionService_FindByPrefix(t *testing.T) {
	ctx := context.Background()
	ids := []string{"abc-1", "abc-2", "xyz-1"}
	n := 0
	svc := newChatSessions(&fakeChatDispatcher{}, history.WithIDGenerator(func() string {
		n++
		return ids[n-1]
	}))
	for range ids {
		_, err := svc.Store().Create(ctx)
		require.NoError(t, err)
	}

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr string
	}{
		{"exact", "abc-1", "abc-1", ""},
		{"unique prefix", "xy", "xyz-1", ""},
		{"ambiguous", "abc", "", "multiple conversations match prefix 'abc'"},
		{"none", "q", "", "no conversation matches 'q'"},
		{"empty", "  ", "", "cannot be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv, err := svc.FindByPrefix(ctx, tt.input)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, conv.ID)
		})
	}
}
