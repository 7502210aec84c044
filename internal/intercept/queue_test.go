package intercept

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vishalbelsare/memori-sub000/internal/classify"
	"github.com/vishalbelsare/memori-sub000/internal/session"
	"github.com/vishalbelsare/memori-sub000/internal/store"
	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

func testPipeline(t *testing.T, queueSize int) (*Pipeline, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(":memory:", store.Options{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// No provider configured: classification uses the deterministic
	// rule-based path.
	classifier := classify.New(nil, types.UserContext{}, zerolog.Nop())
	p := NewPipeline(st, classifier, queueSize, 1, zerolog.Nop())
	t.Cleanup(p.Stop)
	return p, st
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPipelinePersistsExchange(t *testing.T) {
	p, st := testPipeline(t, 8)
	ctx := context.Background()

	ok := p.Enqueue(Job{
		Namespace: "default",
		SessionID: "session_1",
		UserInput: "I prefer postgres over mysql for all new services",
		AIOutput:  "Understood, postgres it is.",
	})
	assert.True(t, ok)

	waitFor(t, func() bool {
		stats, err := st.Stats(ctx, "default")
		return err == nil && stats.ChatCount == 1 && stats.ShortTermCount == 1
	})
}

func TestPipelineSkipsUnstorableExchange(t *testing.T) {
	p, st := testPipeline(t, 8)
	ctx := context.Background()

	// Too short for the fallback classifier to find signal.
	require.True(t, p.Enqueue(Job{Namespace: "default", UserInput: "hi", AIOutput: "yo"}))

	waitFor(t, func() bool {
		stats, err := st.Stats(ctx, "default")
		return err == nil && stats.ChatCount == 1
	})

	stats, err := st.Stats(ctx, "default")
	require.NoError(t, err)
	assert.Zero(t, stats.ShortTermCount)
	assert.Zero(t, stats.LongTermCount)
}

func TestPipelinePreservesChatOrder(t *testing.T) {
	p, st := testPipeline(t, 64)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.True(t, p.Enqueue(Job{
			Namespace: "default",
			UserInput: "question with enough text to be stored properly",
			AIOutput:  "answer",
		}))
	}
	waitFor(t, func() bool {
		stats, err := st.Stats(ctx, "default")
		return err == nil && stats.ChatCount == 20
	})
}

func TestPipelineStoredHook(t *testing.T) {
	p, _ := testPipeline(t, 8)

	var stored atomic.Int64
	p.OnStored(func(chatID string, row types.MemoryRow) {
		assert.NotEmpty(t, chatID)
		assert.NotEmpty(t, row.MemoryID)
		stored.Add(1)
	})

	require.True(t, p.Enqueue(Job{
		Namespace: "default",
		UserInput: "I prefer tabs over spaces in this repository always",
		AIOutput:  "Noted.",
	}))

	waitFor(t, func() bool { return stored.Load() == 1 })
}

func TestPipelineStopIsIdempotentAndDropsAfter(t *testing.T) {
	p, _ := testPipeline(t, 8)
	p.Stop()
	p.Stop()

	assert.False(t, p.Enqueue(Job{Namespace: "default", UserInput: "late arrival text", AIOutput: "x"}))
	assert.Equal(t, int64(1), p.DropCount())
}

func TestWrappedClientInjectsAndRecords(t *testing.T) {
	var prepared, recorded atomic.Int64

	inner := chatFunc(func(ctx context.Context, msgs []types.Message) (types.Completion, error) {
		return types.Completion{
			Message:    types.Message{Role: "assistant", Content: "hello back"},
			Model:      "gpt-4o-mini",
			TokensUsed: 42,
		}, nil
	})
	w := Wrap(inner,
		func(ctx context.Context, sessionID string, msgs []types.Message) []types.Message {
			prepared.Add(1)
			return msgs
		},
		func(sessionID, userInput string, reply types.Completion) {
			recorded.Add(1)
			assert.Equal(t, "hello", userInput)
			assert.Equal(t, "hello back", reply.Message.Content)
			assert.Equal(t, "gpt-4o-mini", reply.Model)
			assert.Equal(t, 42, reply.TokensUsed)
		},
		zerolog.Nop())

	reply, err := w.Complete(context.Background(), []types.Message{{Role: "user", Content: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hello back", reply.Message.Content)
	assert.Equal(t, int64(1), prepared.Load())
	assert.Equal(t, int64(1), recorded.Load())
	assert.NotEmpty(t, w.SessionID())
}

func TestPipelinePersistsModelAndTokens(t *testing.T) {
	p, st := testPipeline(t, 8)
	ctx := context.Background()

	var chatID atomic.Value
	p.OnStored(func(id string, row types.MemoryRow) { chatID.Store(id) })

	require.True(t, p.Enqueue(Job{
		Namespace:  "default",
		SessionID:  "session_1",
		Model:      "gpt-4o-mini",
		UserInput:  "I prefer postgres over mysql for all new services",
		AIOutput:   "Understood, postgres it is.",
		TokensUsed: 73,
		Metadata:   map[string]string{"source": "chat"},
	}))
	waitFor(t, func() bool { return chatID.Load() != nil })

	rec, err := st.GetChat(ctx, "default", chatID.Load().(string))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", rec.Model)
	assert.Equal(t, 73, rec.TokensUsed)
	assert.Equal(t, "chat", rec.Metadata["source"])
}

func TestWrappedClientSkipsPlannerScope(t *testing.T) {
	var prepared atomic.Int64

	inner := chatFunc(func(ctx context.Context, msgs []types.Message) (types.Completion, error) {
		return types.Completion{Message: types.Message{Role: "assistant", Content: "plan"}}, nil
	})
	w := Wrap(inner,
		func(ctx context.Context, sessionID string, msgs []types.Message) []types.Message {
			prepared.Add(1)
			return msgs
		},
		func(string, string, types.Completion) { prepared.Add(100) },
		zerolog.Nop())

	ctx := session.WithPlannerScope(context.Background())
	_, err := w.Complete(ctx, []types.Message{{Role: "user", Content: "plan this"}})
	require.NoError(t, err)
	assert.Zero(t, prepared.Load(), "planner-scope calls bypass injection and recording")
}

func TestWrappedClientErrorSkipsRecording(t *testing.T) {
	var recorded atomic.Int64

	inner := chatFunc(func(ctx context.Context, msgs []types.Message) (types.Completion, error) {
		return types.Completion{}, context.DeadlineExceeded
	})
	w := Wrap(inner,
		func(ctx context.Context, sessionID string, msgs []types.Message) []types.Message { return msgs },
		func(string, string, types.Completion) { recorded.Add(1) },
		zerolog.Nop())

	_, err := w.Complete(context.Background(), []types.Message{{Role: "user", Content: "hello"}})
	assert.Error(t, err)
	assert.Zero(t, recorded.Load())
}

// chatFunc adapts a function to the ChatClient interface.
type chatFunc func(ctx context.Context, msgs []types.Message) (types.Completion, error)

func (f chatFunc) Complete(ctx context.Context, msgs []types.Message) (types.Completion, error) {
	return f(ctx, msgs)
}
