package inject

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

func msg(role, content string) types.Message {
	return types.Message{Role: role, Content: content}
}

func wsRow(id, summary string, age time.Duration) types.MemoryRow {
	return types.MemoryRow{
		MemoryID:     id,
		Kind:         types.KindShortTerm,
		Category:     types.CategoryFact,
		Summary:      summary,
		CreatedAt:    types.Now().Add(-age),
		PromotedFrom: "src_" + id,
	}
}

func hit(id, summary string, score float64) types.MemoryHit {
	return types.MemoryHit{
		MemoryID: id,
		Kind:     types.KindLongTerm,
		Category: types.CategoryPreference,
		Summary:  summary,
		Score:    score,
	}
}

func TestInjectPrependsSystemMessage(t *testing.T) {
	inj := New(0, zerolog.Nop())
	original := []types.Message{msg("user", "what should I use?")}

	out := inj.Inject(original,
		[]types.Rule{{Text: "respond in English"}},
		[]types.MemoryRow{wsRow("m1", "user works on atlas", time.Hour)},
		[]types.MemoryHit{hit("m2", "user prefers postgres", 0.9)},
	)

	require.Len(t, out, 2)
	assert.Equal(t, "system", out[0].Role)
	assert.Contains(t, out[0].Content, "respond in English")
	assert.Contains(t, out[0].Content, "Relevant prior context:")
	assert.Contains(t, out[0].Content, "user works on atlas")
	assert.Contains(t, out[0].Content, "user prefers postgres")
	assert.Equal(t, original[0], out[1])
}

func TestInjectDoesNotMutateInput(t *testing.T) {
	inj := New(0, zerolog.Nop())
	original := []types.Message{msg("system", "app prompt"), msg("user", "hello there friend")}
	snapshot := append([]types.Message(nil), original...)

	inj.Inject(original, nil, nil, []types.MemoryHit{hit("m1", "something", 0.5)})
	assert.Equal(t, snapshot, original)
}

func TestInjectNothingToInject(t *testing.T) {
	inj := New(0, zerolog.Nop())
	original := []types.Message{msg("user", "hi")}

	out := inj.Inject(original, nil, nil, nil)
	assert.Equal(t, original, out)
	assert.Zero(t, inj.InjectionCount())
}

func TestInjectDedupesAutoAgainstWorkingSet(t *testing.T) {
	inj := New(0, zerolog.Nop())
	ws := wsRow("ws1", "user works on atlas", time.Hour) // promoted from src_ws1

	out := inj.Inject([]types.Message{msg("user", "q")},
		nil,
		[]types.MemoryRow{ws},
		[]types.MemoryHit{
			hit("src_ws1", "user works on atlas", 0.9), // same memory through retrieval
			hit("m2", "user prefers postgres", 0.8),
		},
	)

	require.Len(t, out, 2)
	assert.Equal(t, 1, strings.Count(out[0].Content, "user works on atlas"))
	assert.Contains(t, out[0].Content, "user prefers postgres")
}

func TestInjectBudgetDropsLowestAutoFirst(t *testing.T) {
	// A tiny budget forces trimming; ranked order means the tail drops.
	inj := New(30, zerolog.Nop())

	var auto []types.MemoryHit
	for i := 0; i < 10; i++ {
		auto = append(auto, hit(fmt.Sprintf("m%d", i),
			fmt.Sprintf("fairly long retrieved summary number %d with padding text", i),
			1.0-float64(i)*0.05))
	}
	SortHits(auto)

	out := inj.Inject([]types.Message{msg("user", "q")}, nil, nil, auto)
	require.Len(t, out, 2)

	content := out[0].Content
	assert.LessOrEqual(t, types.EstimateTokens(content), 30)
	assert.Contains(t, content, "number 0")       // best hit survives
	assert.NotContains(t, content, "number 9")    // worst hit trimmed
}

func TestInjectBudgetDropsOldestConsciousAfterAuto(t *testing.T) {
	inj := New(25, zerolog.Nop())

	conscious := []types.MemoryRow{
		wsRow("new", "recent working set entry with some longer text", time.Hour),
		wsRow("old", "ancient working set entry with some longer text", 90*24*time.Hour),
	}
	auto := []types.MemoryHit{hit("a1", "retrieved entry with quite a lot of padding text here", 0.9)}

	out := inj.Inject([]types.Message{msg("user", "q")}, nil, conscious, auto)
	require.Len(t, out, 2)

	content := out[0].Content
	assert.LessOrEqual(t, types.EstimateTokens(content), 25)
	assert.Contains(t, content, "recent working set entry")
	assert.NotContains(t, content, "ancient working set entry")
}

func TestInjectRulesNeverDropped(t *testing.T) {
	inj := New(10, zerolog.Nop())
	rules := []types.Rule{{Text: "always answer in English with full sentences"}}
	auto := []types.MemoryHit{hit("m1", strings.Repeat("padding ", 50), 0.9)}

	out := inj.Inject([]types.Message{msg("user", "q")}, rules, nil, auto)
	require.Len(t, out, 2)
	assert.Contains(t, out[0].Content, "always answer in English")
	assert.NotContains(t, out[0].Content, "padding")
}

func TestInjectionCounter(t *testing.T) {
	inj := New(0, zerolog.Nop())
	msgs := []types.Message{msg("user", "q")}

	inj.Inject(msgs, nil, nil, []types.MemoryHit{hit("m1", "s", 0.5)})
	inj.Inject(msgs, nil, nil, []types.MemoryHit{hit("m2", "s", 0.5)})
	inj.Inject(msgs, nil, nil, nil) // nothing injected
	assert.Equal(t, int64(2), inj.InjectionCount())
}

func TestSortHits(t *testing.T) {
	hits := []types.MemoryHit{hit("low", "a", 0.2), hit("high", "b", 0.9), hit("mid", "c", 0.5)}
	SortHits(hits)
	assert.Equal(t, "high", hits[0].MemoryID)
	assert.Equal(t, "low", hits[2].MemoryID)
}
