// Package inject renders retrieved memories into the outgoing message list.
// Injection is additive and non-mutating: callers get a fresh slice with one
// extra system message, and the caller's own messages are never reordered or
// rewritten.
package inject

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

// DefaultTokenBudget bounds the injected context block. Roughly 800 tokens
// keeps injection well under typical prompt limits.
const DefaultTokenBudget = 800

const contextHeader = "Relevant prior context:"

// Injector assembles and budgets the injected system message.
type Injector struct {
	budget     int
	logger     zerolog.Logger
	injections atomic.Int64
}

func New(tokenBudget int, logger zerolog.Logger) *Injector {
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}
	return &Injector{budget: tokenBudget, logger: logger}
}

// Inject returns a new message list with a single system message prepended,
// carrying active rules, the primed working set, and auto-retrieved hits.
// When everything is empty the original slice is returned untouched.
//
// Over budget, auto hits are dropped lowest score first, then working-set
// rows oldest first. Rules are never dropped.
func (inj *Injector) Inject(msgs []types.Message, rules []types.Rule, conscious []types.MemoryRow, auto []types.MemoryHit) []types.Message {
	conscious, auto = dedupe(conscious, auto)

	block := inj.render(rules, conscious, auto)
	for types.EstimateTokens(block) > inj.budget && (len(auto) > 0 || len(conscious) > 0) {
		if len(auto) > 0 {
			auto = auto[:len(auto)-1] // hits arrive ranked, lowest score last
		} else {
			conscious = dropOldest(conscious)
		}
		block = inj.render(rules, conscious, auto)
	}

	if block == "" {
		return msgs
	}

	inj.injections.Add(1)
	out := make([]types.Message, 0, len(msgs)+1)
	out = append(out, types.Message{Role: "system", Content: block})
	out = append(out, msgs...)
	return out
}

// render builds the system message body. An empty result means there is
// nothing to inject.
func (inj *Injector) render(rules []types.Rule, conscious []types.MemoryRow, auto []types.MemoryHit) string {
	var b strings.Builder

	if len(rules) > 0 {
		b.WriteString("Rules to always apply:\n")
		for _, r := range rules {
			fmt.Fprintf(&b, "- %s\n", r.Text)
		}
	}

	if len(conscious) > 0 || len(auto) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(contextHeader)
		b.WriteString("\n")
		for _, row := range conscious {
			fmt.Fprintf(&b, "- [%s] %s\n", row.Category, row.Summary)
		}
		for _, hit := range auto {
			fmt.Fprintf(&b, "- [%s] %s\n", hit.Category, hit.Summary)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// dedupe removes auto hits that duplicate a working-set row. Working-set
// rows carry the id of the long-term memory they were promoted from, so both
// ids count as the same memory.
func dedupe(conscious []types.MemoryRow, auto []types.MemoryHit) ([]types.MemoryRow, []types.MemoryHit) {
	seen := make(map[string]bool, len(conscious)*2)
	for _, row := range conscious {
		seen[row.MemoryID] = true
		if row.PromotedFrom != "" {
			seen[row.PromotedFrom] = true
		}
	}

	out := auto[:0:0]
	for _, h := range auto {
		if seen[h.MemoryID] {
			continue
		}
		seen[h.MemoryID] = true
		out = append(out, h)
	}
	return conscious, out
}

func dropOldest(rows []types.MemoryRow) []types.MemoryRow {
	if len(rows) == 0 {
		return rows
	}
	oldest := 0
	for i, r := range rows {
		if r.CreatedAt.Before(rows[oldest].CreatedAt) {
			oldest = i
		}
	}
	out := make([]types.MemoryRow, 0, len(rows)-1)
	out = append(out, rows[:oldest]...)
	return append(out, rows[oldest+1:]...)
}

// SortHits orders hits by descending score so budget trimming drops the
// weakest first.
func SortHits(hits []types.MemoryHit) {
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}

// InjectionCount reports how many calls received injected context.
func (inj *Injector) InjectionCount() int64 { return inj.injections.Load() }
