package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurochat/pkg/chattypes"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

// flakyKV rejects the next failSets writes.
type flakyKV struct {
	*MemoryKV
	mu       sync.Mutex
	failSets int
	sets     int
}

func (f *flakyKV) Set(ctx context.Context, namespace, key string, value []byte) error {
	f.mu.Lock()
	f.sets++
	if f.failSets > 0 {
		f.failSets--
		f.mu.Unlock()
		return ErrQuotaExceeded
	}
	f.mu.Unlock()
	return f.MemoryKV.Set(ctx, namespace, key, value)
}

func newTestStore(kv KV, policy Policy) *Store {
	clock := &fakeClock{t: epoch}
	n := 0
	return NewStore(kv, policy,
		WithClock(clock.Now),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("conv-%d", n)
		}),
	)
}

func userMsg(text string) chattypes.Message {
	return chattypes.Message{Role: chattypes.RoleUser, Text: text}
}

func assistantMsg(text string) chattypes.Message {
	return chattypes.Message{Role: chattypes.RoleAssistant, Text: text}
}

func TestStore_CreateAppendOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(NewMemoryKV(0), countPolicy(100))

	a, err := s.Create(ctx)
	require.NoError(t, err)
	b, err := s.Create(ctx)
	require.NoError(t, err)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID, a.ID}, ids(list))

	updated, err := s.Append(ctx, a.ID, userMsg("hello there"))
	require.NoError(t, err)
	assert.True(t, updated.Timestamp.After(b.Timestamp))
	assert.Equal(t, "hello there", updated.Title)
	require.Len(t, updated.Messages, 1)
	assert.False(t, updated.Messages[0].Timestamp.IsZero())

	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, ids(list))
}

func TestStore_Title(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(NewMemoryKV(0), countPolicy(100))
	c, err := s.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, defaultTitle, c.Title)

	long := strings.Repeat("ünïcode ", 20)
	c, err = s.Append(ctx, c.ID, userMsg("  "+long+"\nsecond line"))
	require.NoError(t, err)
	assert.Equal(t, titleMaxRunes, len([]rune(c.Title)))
	assert.True(t, strings.HasSuffix(c.Title, "..."))
	assert.NotContains(t, c.Title, "\n")

	c, err = s.Append(ctx, c.ID, userMsg("another question"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(c.Title, "ünïcode"), "title stays with the first user message")
}

func TestStore_ReplaceAndTruncateLastAssistant(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(NewMemoryKV(0), countPolicy(100))
	c, err := s.Create(ctx)
	require.NoError(t, err)

	_, err = s.Append(ctx, c.ID, userMsg("question"))
	require.NoError(t, err)

	c, err = s.ReplaceLastAssistant(ctx, c.ID, assistantMsg("partial"))
	require.NoError(t, err)
	require.Len(t, c.Messages, 2)

	c, err = s.ReplaceLastAssistant(ctx, c.ID, chattypes.Message{Text: "final", Thoughts: "reasoned"})
	require.NoError(t, err)
	require.Len(t, c.Messages, 2)
	assert.Equal(t, chattypes.RoleAssistant, c.Messages[1].Role)
	assert.Equal(t, "final", c.Messages[1].Text)
	assert.Equal(t, "reasoned", c.Messages[1].Thoughts)

	require.NoError(t, s.SetContinuation(ctx, c.ID, &chattypes.ContinuationContext{Provider: chattypes.ProviderWebClient, Blob: []byte("x")}))
	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Continuation)

	c, err = s.TruncateLastAssistant(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, c.Messages, 1)
	assert.Nil(t, c.Continuation)

	_, err = s.TruncateLastAssistant(ctx, c.ID)
	assert.Error(t, err)
}

func TestStore_UnknownConversation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(NewMemoryKV(0), countPolicy(100))

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Append(ctx, "nope", userMsg("x"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "nope"), ErrNotFound)
	assert.ErrorIs(t, s.SetContinuation(ctx, "nope", nil), ErrNotFound)
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(NewMemoryKV(0), countPolicy(100))
	a, _ := s.Create(ctx)
	b, _ := s.Create(ctx)

	require.NoError(t, s.Delete(ctx, a.ID))
	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids(list))
}

func TestStore_AppliesCountEviction(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(NewMemoryKV(0), countPolicy(10))

	var created []string
	for i := 0; i < 9; i++ {
		c, err := s.Create(ctx)
		require.NoError(t, err)
		created = append(created, c.ID)
	}

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 8)
	assert.NotContains(t, ids(list), created[0])
	assert.Equal(t, created[8], list[0].ID)
}

func TestStore_WriteFailureDropsOldestAndRetriesOnce(t *testing.T) {
	ctx := context.Background()
	kv := &flakyKV{MemoryKV: NewMemoryKV(0)}
	s := newTestStore(kv, countPolicy(100))

	var created []string
	for i := 0; i < 3; i++ {
		c, err := s.Create(ctx)
		require.NoError(t, err)
		created = append(created, c.ID)
	}

	kv.failSets = 1
	setsBefore := kv.sets
	_, err := s.Append(ctx, created[2], userMsg("hi"))
	require.NoError(t, err)
	assert.Equal(t, 2, kv.sets-setsBefore)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{created[2], created[1]}, ids(list))
}

func TestStore_WriteFailureTwiceIsStorageError(t *testing.T) {
	ctx := context.Background()
	kv := &flakyKV{MemoryKV: NewMemoryKV(0)}
	s := newTestStore(kv, countPolicy(100))
	c, err := s.Create(ctx)
	require.NoError(t, err)

	kv.failSets = 2
	_, err = s.Append(ctx, c.ID, userMsg("hi"))
	require.Error(t, err)
	assert.Equal(t, chattypes.ErrStorage, chattypes.KindOf(err))
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestStore_StaysWithinQuota(t *testing.T) {
	ctx := context.Background()
	const quota = 4000
	kv := NewMemoryKV(quota)
	p := countPolicy(100)
	p.QuotaBytes = quota
	s := newTestStore(kv, p)

	for i := 0; i < 30; i++ {
		c, err := s.Create(ctx)
		require.NoError(t, err)
		_, err = s.Append(ctx, c.ID, userMsg(strings.Repeat("z", 400)))
		require.NoError(t, err, "iteration %d", i)

		used, err := kv.UsedBytes(ctx, Namespace)
		require.NoError(t, err)
		assert.LessOrEqual(t, used, int64(quota))
	}

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, list)
	assert.Less(t, len(list), 30)
}

type brokenKV struct{ MemoryKV }

func (*brokenKV) Get(context.Context, string, string) ([]byte, error) {
	return nil, errors.New("disk unreadable")
}

func TestStore_LoadFailureIsStorageError(t *testing.T) {
	s := newTestStore(&brokenKV{}, countPolicy(100))
	_, err := s.List(context.Background())
	require.Error(t, err)
	assert.Equal(t, chattypes.ErrStorage, chattypes.KindOf(err))
}

func TestStore_SQLiteBackend(t *testing.T) {
	ctx := context.Background()
	kv, err := OpenSQLKV(ctx, "sqlite", t.TempDir()+"/store.db")
	require.NoError(t, err)
	defer kv.Close()

	s := newTestStore(kv, DefaultPolicy())
	c, err := s.Create(ctx)
	require.NoError(t, err)
	_, err = s.Append(ctx, c.ID, userMsg("persist me"))
	require.NoError(t, err)

	reopened := NewStore(kv, DefaultPolicy())
	got, err := reopened.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "persist me", got.Messages[0].Text)
}
