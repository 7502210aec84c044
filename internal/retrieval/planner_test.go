package retrieval

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vishalbelsare/memori-sub000/internal/search"
	"github.com/vishalbelsare/memori-sub000/internal/session"
	"github.com/vishalbelsare/memori-sub000/internal/store"
	"github.com/vishalbelsare/memori-sub000/pkg/providers"
	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

// stubClient scripts structured responses and records call contexts.
type stubClient struct {
	payload      any
	err          error
	calls        atomic.Int64
	plannerScope atomic.Bool
}

func (s *stubClient) Structured(ctx context.Context, _, _ string, _ *providers.Schema, out any) error {
	s.calls.Add(1)
	if session.InPlannerScope(ctx) {
		s.plannerScope.Store(true)
	}
	if s.err != nil {
		return s.err
	}
	raw, err := json.Marshal(s.payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *stubClient) Name() string    { return "stub" }
func (s *stubClient) Available() bool { return true }

func testEngine(t *testing.T) (*search.Engine, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(":memory:", store.Options{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return search.NewEngine(st, zerolog.Nop()), st
}

func seedMemory(t *testing.T, st store.Store, id, content string) {
	t.Helper()
	_, err := st.PutMemory(context.Background(), &types.MemoryRow{
		MemoryID:   id,
		Kind:       types.KindLongTerm,
		Importance: 0.8,
		Category:   types.CategoryFact,
		Retention:  types.RetentionLongTerm,
		Namespace:  "default",
		Searchable: content,
		Summary:    content,
	}, nil)
	require.NoError(t, err)
}

func TestRetrieveExecutesPlan(t *testing.T) {
	engine, st := testEngine(t)
	seedMemory(t, st, "mem_pg", "user prefers postgres for the atlas project")

	client := &stubClient{payload: Plan{
		Intent:        "database preference lookup",
		SearchQueries: []string{"postgres atlas"},
		MaxResults:    5,
	}}
	p := NewPlanner(client, engine, zerolog.Nop())

	hits := p.Retrieve(context.Background(), "default", "which database should I use for atlas?")
	require.Len(t, hits, 1)
	assert.Equal(t, "mem_pg", hits[0].MemoryID)
}

func TestRetrieveMarksPlannerScope(t *testing.T) {
	engine, _ := testEngine(t)
	client := &stubClient{payload: Plan{SearchQueries: []string{"anything"}, MaxResults: 3}}
	p := NewPlanner(client, engine, zerolog.Nop())

	p.Retrieve(context.Background(), "default", "what did we decide about caching?")
	assert.True(t, client.plannerScope.Load(), "planner LLM calls must carry the planner-scope marker")
}

func TestRetrievePlanCaching(t *testing.T) {
	engine, _ := testEngine(t)
	client := &stubClient{payload: Plan{SearchQueries: []string{"atlas"}, MaxResults: 3}}
	p := NewPlanner(client, engine, zerolog.Nop())

	prompt := "tell me about the atlas project status"
	p.Retrieve(context.Background(), "default", prompt)
	p.Retrieve(context.Background(), "default", prompt)
	assert.Equal(t, int64(1), client.calls.Load())

	// Different namespace is a different cache key.
	p.Retrieve(context.Background(), "other", prompt)
	assert.Equal(t, int64(2), client.calls.Load())
}

func TestRetrievePlanInvalidatedByMemoryGrowth(t *testing.T) {
	engine, st := testEngine(t)
	seedMemory(t, st, "mem_atlas", "user is migrating the atlas project to postgres")

	client := &stubClient{payload: Plan{SearchQueries: []string{"atlas"}, MaxResults: 3}}
	p := NewPlanner(client, engine, zerolog.Nop())

	prompt := "tell me about the atlas project status"
	p.Retrieve(context.Background(), "default", prompt)
	p.Retrieve(context.Background(), "default", prompt)
	assert.Equal(t, int64(1), client.calls.Load())

	// One memory sat in bucket 1; a second moves the count into bucket 2,
	// so the cached plan no longer applies.
	seedMemory(t, st, "mem_postgres", "user prefers postgres over mysql")
	p.Retrieve(context.Background(), "default", prompt)
	assert.Equal(t, int64(2), client.calls.Load())
}

func TestCountBucketScale(t *testing.T) {
	assert.Equal(t, 0, countBucket(0))
	assert.Equal(t, 1, countBucket(1))
	assert.Equal(t, 2, countBucket(2))
	assert.Equal(t, 2, countBucket(3))
	assert.Equal(t, 3, countBucket(4))
	assert.Equal(t, 7, countBucket(100))
	// Inserts inside a bucket reuse the cached plan.
	assert.Equal(t, countBucket(70), countBucket(100))
}

func TestRetrieveFallsBackOnProviderError(t *testing.T) {
	engine, st := testEngine(t)
	seedMemory(t, st, "mem_docker", "user deploys services with docker compose")

	client := &stubClient{err: providers.ErrRefused}
	p := NewPlanner(client, engine, zerolog.Nop())

	// The fallback extracts keywords from the prompt itself.
	hits := p.Retrieve(context.Background(), "default", "how do I restart the docker deployment?")
	require.Len(t, hits, 1)
	assert.Equal(t, "mem_docker", hits[0].MemoryID)
}

func TestRetrieveWithoutClient(t *testing.T) {
	engine, st := testEngine(t)
	seedMemory(t, st, "mem_go", "user writes backend services in go")

	p := NewPlanner(nil, engine, zerolog.Nop())
	hits := p.Retrieve(context.Background(), "default", "what language are the backend services written in?")
	require.Len(t, hits, 1)
	assert.Equal(t, "mem_go", hits[0].MemoryID)
}

func TestRetrieveEmptyPrompt(t *testing.T) {
	engine, _ := testEngine(t)
	p := NewPlanner(&stubClient{}, engine, zerolog.Nop())
	assert.Empty(t, p.Retrieve(context.Background(), "default", "   "))
}

func TestSanitizePlan(t *testing.T) {
	t.Run("trims and bounds queries", func(t *testing.T) {
		plan := sanitizePlan(Plan{
			SearchQueries: []string{" a ", "", "b", "c", "d"},
			MaxResults:    5,
		}, "prompt")
		assert.Equal(t, []string{"a", "b", "c"}, plan.SearchQueries)
	})

	t.Run("empty plan falls back to prompt keywords", func(t *testing.T) {
		plan := sanitizePlan(Plan{}, "postgres migration checklist")
		require.Len(t, plan.SearchQueries, 1)
		assert.Contains(t, plan.SearchQueries[0], "postgres")
	})
}

func TestFallbackPlanBoundsTerms(t *testing.T) {
	plan := fallbackPlan("alpha beta gamma delta epsilon zeta eta theta iota kappa lambda")
	require.Len(t, plan.SearchQueries, 1)
	assert.Equal(t, defaultMaxResults, plan.MaxResults)
}
