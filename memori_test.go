package memori

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vishalbelsare/memori-sub000/internal/classify"
	"github.com/vishalbelsare/memori-sub000/internal/session"
	"github.com/vishalbelsare/memori-sub000/internal/store"
	"github.com/vishalbelsare/memori-sub000/pkg/providers"
	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

func testConfig() *Config {
	cfg := Default()
	cfg.Database.ConnectionString = ":memory:"
	cfg.Memory.AnalysisIntervalMin = 0
	cfg.Memory.ExpiryIntervalMin = 0
	cfg.Logging.Level = "error"
	return cfg
}

func enabled(t *testing.T, cfg *Config) *Memori {
	t.Helper()
	m, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Enable(context.Background()))
	t.Cleanup(func() { m.Disable() })
	return m
}

// scriptedClient answers classification and planning calls from canned
// payloads, distinguishing them by schema name.
type scriptedClient struct {
	memory types.ProcessedMemory
	plan   any
	err    error
	calls  atomic.Int64
}

func (s *scriptedClient) Structured(ctx context.Context, _, _ string, schema *providers.Schema, out any) error {
	s.calls.Add(1)
	if s.err != nil {
		return s.err
	}
	var payload any = s.memory
	if schema.Name == "retrieval_plan" {
		payload = s.plan
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *scriptedClient) Name() string    { return "scripted" }
func (s *scriptedClient) Available() bool { return true }

// echoClient is the application's "provider": it records what it was sent
// and returns a fixed reply.
type echoClient struct {
	lastMsgs []types.Message
	reply    string
}

func (e *echoClient) Complete(ctx context.Context, msgs []types.Message) (types.Completion, error) {
	e.lastMsgs = msgs
	return types.Completion{
		Message:    types.Message{Role: "assistant", Content: e.reply},
		Model:      "echo-1",
		TokensUsed: 7,
	}, nil
}

func storedMemory(category types.Category, retention types.RetentionType, summary string) types.ProcessedMemory {
	return types.ProcessedMemory{
		Category:          types.CategoryAssessment{Primary: category, Confidence: 0.9},
		Importance:        types.Importance{Score: 0.8, Novelty: 0.6, Relevance: 0.7, Actionability: 0.5, Retention: retention},
		Summary:           summary,
		SearchableContent: summary,
		ShouldStore:       true,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

func TestLifecycleStates(t *testing.T) {
	m, err := New(testConfig())
	require.NoError(t, err)

	// Configured but not enabled: operations refuse.
	_, err = m.Record(context.Background(), "a longer user input", "output", "model")
	assert.ErrorIs(t, err, ErrNotEnabled)

	require.NoError(t, m.Enable(context.Background()))
	require.NoError(t, m.Enable(context.Background())) // idempotent

	_, err = m.Record(context.Background(), "I prefer postgres for new services", "Noted.", "test-model")
	assert.NoError(t, err)

	require.NoError(t, m.Disable())
	_, err = m.Record(context.Background(), "after close with enough text", "out", "model")
	assert.ErrorIs(t, err, ErrClosed)

	// Disabled is terminal.
	assert.ErrorIs(t, m.Enable(context.Background()), ErrClosed)
}

func TestDisableBeforeEnableIsNoOp(t *testing.T) {
	m, err := New(testConfig())
	require.NoError(t, err)

	// Disabling a configured-but-never-enabled instance changes nothing;
	// the instance must still be enableable afterwards.
	require.NoError(t, m.Disable())
	require.NoError(t, m.Disable())

	require.NoError(t, m.Enable(context.Background()))
	defer m.Disable()

	_, err = m.Record(context.Background(), "I prefer short variable names", "Noted.", "test-model")
	assert.NoError(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.RetentionPolicy = "forever"
	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrConfig)

	cfg = testConfig()
	cfg.Database.ConnectionString = ""
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrConfig)
}

// ═══════════════════════════════════════════════════════════════════════════════
// RECORD AND RETRIEVE
// ═══════════════════════════════════════════════════════════════════════════════

func TestRecordThenSearch(t *testing.T) {
	m := enabled(t, testConfig())
	ctx := context.Background()

	m.client = &scriptedClient{memory: storedMemory(types.CategoryPreference, types.RetentionLongTerm,
		"user prefers postgres for the atlas project")}
	m.classifier = classify.New(m.client, m.cfg.Memory.UserContext, m.logger)

	chatID, err := m.Record(ctx, "use postgres for atlas", "Will do.", "test-model")
	require.NoError(t, err)
	assert.NotEmpty(t, chatID)

	hits, err := m.SearchMemories(ctx, types.SearchQuery{Text: "postgres atlas"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, types.CategoryPreference, hits[0].Category)
}

func TestSearchBumpsAccessCount(t *testing.T) {
	m := enabled(t, testConfig())
	ctx := context.Background()

	m.client = &scriptedClient{memory: storedMemory(types.CategoryFact, types.RetentionLongTerm,
		"the atlas deploy runs on fridays")}
	m.classifier = classify.New(m.client, m.cfg.Memory.UserContext, m.logger)

	_, err := m.Record(ctx, "atlas deploys go out on fridays", "Got it.", "test-model")
	require.NoError(t, err)

	_, err = m.SearchMemories(ctx, types.SearchQuery{Text: "atlas deploy"})
	require.NoError(t, err)

	rows, err := m.store.ListLongTerm(ctx, m.cfg.Memory.Namespace, store.LongTermFilters{Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].AccessCount)
	require.NotNil(t, rows[0].LastAccessed)
}

func TestRecordFallbackWhenProviderFails(t *testing.T) {
	m := enabled(t, testConfig())
	ctx := context.Background()

	m.client = &scriptedClient{err: providers.ErrRefused}
	m.classifier = classify.New(m.client, m.cfg.Memory.UserContext, m.logger)

	_, err := m.Record(ctx, "I prefer tabs over spaces in every repository", "Noted.", "test-model")
	require.NoError(t, err)

	stats, err := m.GetMemoryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ClassifierFallbacks)
	assert.Equal(t, int64(1), stats.ShortTermCount) // fallback stores short-term
}

func TestRetrieveContextDegradesToEmpty(t *testing.T) {
	m := enabled(t, testConfig())

	hits, err := m.RetrieveContext(context.Background(), "anything about nothing stored yet")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

// ═══════════════════════════════════════════════════════════════════════════════
// WRAPPED CLIENT END TO END
// ═══════════════════════════════════════════════════════════════════════════════

func TestWrappedClientPrimesOncePerSession(t *testing.T) {
	m := enabled(t, testConfig())
	ctx := context.Background()

	// Seed a long-term memory and promote it into the working set.
	m.client = &scriptedClient{memory: storedMemory(types.CategoryFact, types.RetentionLongTerm,
		"user is building the atlas service")}
	m.classifier = classify.New(m.client, m.cfg.Memory.UserContext, m.logger)
	_, err := m.Record(ctx, "I am building the atlas service", "Good to know.", "test-model")
	require.NoError(t, err)
	_, err = m.TriggerConsciousAnalysis(ctx)
	require.NoError(t, err)

	inner := &echoClient{reply: "ok"}
	w, err := m.WrapClient(inner)
	require.NoError(t, err)

	_, err = w.Complete(ctx, []types.Message{{Role: "user", Content: "what am I building again?"}})
	require.NoError(t, err)
	require.NotEmpty(t, inner.lastMsgs)
	first := inner.lastMsgs[0]
	assert.Equal(t, "system", first.Role)
	assert.Contains(t, first.Content, "atlas service")

	// Second call in the same session: no re-priming; with nothing else to
	// retrieve the message list passes through clean.
	m.cfg.Memory.AutoIngest = false
	_, err = w.Complete(ctx, []types.Message{{Role: "user", Content: "unrelated question entirely"}})
	require.NoError(t, err)
	assert.Equal(t, "user", inner.lastMsgs[0].Role)

	// A new wrapped client is a new session and primes again.
	m.cfg.Memory.AutoIngest = true
	inner2 := &echoClient{reply: "ok"}
	w2, err := m.WrapClient(inner2)
	require.NoError(t, err)
	_, err = w2.Complete(ctx, []types.Message{{Role: "user", Content: "remind me of my project"}})
	require.NoError(t, err)
	assert.Equal(t, "system", inner2.lastMsgs[0].Role)
}

func TestWrappedClientPlannerScopePassesThrough(t *testing.T) {
	m := enabled(t, testConfig())

	inner := &echoClient{reply: "plan"}
	w, err := m.WrapClient(inner)
	require.NoError(t, err)

	ctx := session.WithPlannerScope(context.Background())
	_, err = w.Complete(ctx, []types.Message{{Role: "user", Content: "internal planning call"}})
	require.NoError(t, err)
	assert.Equal(t, "user", inner.lastMsgs[0].Role, "planner-scope traffic must not be injected into")

	stats, err := m.GetMemoryStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.ChatCount, "planner-scope traffic must not be recorded")
}

func TestWrappedClientInjectsRules(t *testing.T) {
	m := enabled(t, testConfig())
	ctx := context.Background()

	require.NoError(t, m.AddRule(ctx, "answer in formal English", types.RuleInstruction, 8))

	inner := &echoClient{reply: "certainly"}
	w, err := m.WrapClient(inner)
	require.NoError(t, err)

	_, err = w.Complete(ctx, []types.Message{{Role: "user", Content: "summarize the plan"}})
	require.NoError(t, err)
	require.NotEmpty(t, inner.lastMsgs)
	assert.Contains(t, inner.lastMsgs[0].Content, "answer in formal English")
}

// ═══════════════════════════════════════════════════════════════════════════════
// SURFACE OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

func TestRulesSurface(t *testing.T) {
	m := enabled(t, testConfig())
	ctx := context.Background()

	require.NoError(t, m.AddRule(ctx, "low priority rule", types.RulePreference, 2))
	require.NoError(t, m.AddRule(ctx, "high priority rule", types.RuleConstraint, 9))

	rules, err := m.GetRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "high priority rule", rules[0].Text)
}

func TestRelationshipsSurface(t *testing.T) {
	m := enabled(t, testConfig())
	ctx := context.Background()

	require.NoError(t, m.LinkMemories(ctx, "mem_a", "mem_b", types.RelExpands, 0.8))

	rels, err := m.RelatedMemories(ctx, "mem_a", 10)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "mem_b", rels[0].TargetID)
}

func TestGetEssentialConversations(t *testing.T) {
	m := enabled(t, testConfig())
	ctx := context.Background()

	m.client = &scriptedClient{memory: storedMemory(types.CategoryFact, types.RetentionLongTerm,
		"user leads the data platform team")}
	m.classifier = classify.New(m.client, m.cfg.Memory.UserContext, m.logger)
	_, err := m.Record(ctx, "I lead the data platform team", "Understood.", "test-model")
	require.NoError(t, err)

	n, err := m.TriggerConsciousAnalysis(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := m.GetEssentialConversations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].Summary, "data platform")
}

func TestHealthSurface(t *testing.T) {
	m := enabled(t, testConfig())
	h, err := m.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Connected)
	assert.Equal(t, "sqlite", h.Backend)
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG
// ═══════════════════════════════════════════════════════════════════════════════

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults valid", func(*Config) {}, true},
		{"empty connection string", func(c *Config) { c.Database.ConnectionString = "" }, false},
		{"empty namespace", func(c *Config) { c.Memory.Namespace = "" }, false},
		{"bad retention policy", func(c *Config) { c.Memory.RetentionPolicy = "eventually" }, false},
		{"bad api type", func(c *Config) { c.Agent.APIType = "bard" }, false},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, false},
		{"negative budget", func(c *Config) { c.Memory.TokenBudget = -1 }, false},
		{"postgres url", func(c *Config) { c.Database.ConnectionString = "postgres://u:p@localhost/db" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrConfig)
			}
		})
	}
}

func TestRetentionMaxAge(t *testing.T) {
	cfg := Default()
	cfg.Memory.RetentionPolicy = "7_days"
	d, ok := cfg.RetentionMaxAge()
	assert.True(t, ok)
	assert.Equal(t, "168h0m0s", d.String())

	cfg.Memory.RetentionPolicy = "permanent"
	_, ok = cfg.RetentionMaxAge()
	assert.False(t, ok)
}

func TestConfigFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/memori.yaml"

	cfg := Default()
	cfg.Memory.Namespace = "roundtrip"
	require.NoError(t, writeConfigFile(path, cfg))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "roundtrip", loaded.Memory.Namespace)
	assert.Equal(t, cfg.Memory.RetentionPolicy, loaded.Memory.RetentionPolicy)
}

func TestLoadFromPathMissingFile(t *testing.T) {
	_, err := LoadFromPath(t.TempDir() + "/nope.yaml")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestConfigSearchPathsOrder(t *testing.T) {
	paths := configSearchPaths()
	require.NotEmpty(t, paths)
	assert.Equal(t, "memori.yaml", paths[0])
	assert.True(t, strings.HasSuffix(paths[len(paths)-1], "/etc/memori/memori.yaml"))
}
