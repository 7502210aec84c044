// Package retrieval decides what to look up for an outgoing prompt. A
// planner LLM turns the prompt into a small search plan; plans are cached,
// budgeted, and degrade to keyword extraction so the conversation path never
// stalls on planning.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/bits"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/vishalbelsare/memori-sub000/internal/search"
	"github.com/vishalbelsare/memori-sub000/internal/session"
	"github.com/vishalbelsare/memori-sub000/pkg/providers"
	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

const (
	// planBudget bounds one planning LLM call. Past it the planner falls
	// back to keyword extraction for this prompt.
	planBudget = 2 * time.Second

	// planCacheSize and planCacheTTL bound the plan cache. Similar prompts
	// inside the TTL window reuse the cached plan.
	planCacheSize = 256
	planCacheTTL  = 5 * time.Minute

	// defaultMaxResults caps memories returned per retrieval.
	defaultMaxResults = 5

	// maxPlanQueries bounds how many searches one plan may run.
	maxPlanQueries = 3
)

// Plan is the planner LLM's structured output.
type Plan struct {
	Intent        string   `json:"intent"`
	SearchQueries []string `json:"search_queries"`
	Categories    []string `json:"categories,omitempty"`
	ImportantOnly bool     `json:"important_only"`
	MaxResults    int      `json:"max_results"`
}

var planSchema = providers.MustSchemaFor[Plan]("retrieval_plan")

const plannerSystemPrompt = `You are a memory-retrieval planner. Given the user's next prompt, produce a plan for searching a store of structured memories about the user.

Return 1 to 3 short keyword search queries that would surface memories useful for answering the prompt. Optionally narrow by category (fact, preference, skill, rule, context) and set important_only when only high-importance memories would help. Set max_results between 1 and 10.`

// Planner turns outgoing prompts into executed memory searches.
type Planner struct {
	client providers.ProcessingClient
	engine *search.Engine
	cache  *lru.LRU[string, Plan]
	logger zerolog.Logger

	timeouts atomic.Int64
}

func NewPlanner(client providers.ProcessingClient, engine *search.Engine, logger zerolog.Logger) *Planner {
	return &Planner{
		client: client,
		engine: engine,
		cache:  lru.NewLRU[string, Plan](planCacheSize, nil, planCacheTTL),
		logger: logger,
	}
}

// Retrieve plans and executes searches for the prompt, returning ranked,
// deduplicated hits. It never returns an error: every failure path degrades
// to cheaper planning and ultimately to an empty result.
func (p *Planner) Retrieve(ctx context.Context, ns, prompt string) []types.MemoryHit {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil
	}

	plan := p.plan(ctx, ns, prompt)

	limit := plan.MaxResults
	if limit <= 0 || limit > 10 {
		limit = defaultMaxResults
	}

	var cats []types.Category
	for _, c := range plan.Categories {
		if cat := types.Category(c); cat.Valid() {
			cats = append(cats, cat)
		}
	}

	seen := make(map[string]bool)
	var out []types.MemoryHit
	for _, q := range plan.SearchQueries {
		hits := p.engine.Search(ctx, types.SearchQuery{
			Text:          q,
			Namespace:     ns,
			Categories:    cats,
			ImportantOnly: plan.ImportantOnly,
			Limit:         limit,
		})
		for _, h := range hits {
			if seen[h.MemoryID] {
				continue
			}
			seen[h.MemoryID] = true
			out = append(out, h)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// plan returns a cached plan, an LLM plan, or the keyword fallback, in that
// order of preference.
func (p *Planner) plan(ctx context.Context, ns, prompt string) Plan {
	key := planKey(ns, prompt, p.engine.MemoryCount(ctx, ns))
	if cached, ok := p.cache.Get(key); ok {
		return cached
	}

	plan, err := p.llmPlan(ctx, prompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.timeouts.Add(1)
		}
		p.logger.Debug().Err(err).Msg("planner degraded to keyword extraction")
		plan = fallbackPlan(prompt)
	}
	plan = sanitizePlan(plan, prompt)

	p.cache.Add(key, plan)
	return plan
}

func (p *Planner) llmPlan(ctx context.Context, prompt string) (Plan, error) {
	if p.client == nil || !p.client.Available() {
		return Plan{}, providers.ErrUnavailable
	}

	// The marker keeps an intercepted client from recording or re-planning
	// this internal call.
	ctx = session.WithPlannerScope(ctx)
	ctx, cancel := context.WithTimeout(ctx, planBudget)
	defer cancel()

	var plan Plan
	user := fmt.Sprintf("Next user prompt:\n%s\n\nProduce the retrieval plan.", prompt)
	if err := p.client.Structured(ctx, plannerSystemPrompt, user, planSchema, &plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// fallbackPlan extracts keywords from the prompt itself.
func fallbackPlan(prompt string) Plan {
	terms := search.Tokenize(prompt)
	if len(terms) > 8 {
		terms = terms[:8]
	}
	return Plan{
		Intent:        "keyword fallback",
		SearchQueries: []string{strings.Join(terms, " ")},
		MaxResults:    defaultMaxResults,
	}
}

// sanitizePlan enforces plan bounds regardless of where the plan came from.
func sanitizePlan(plan Plan, prompt string) Plan {
	var queries []string
	for _, q := range plan.SearchQueries {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
		if len(queries) == maxPlanQueries {
			break
		}
	}
	if len(queries) == 0 {
		return fallbackPlan(prompt)
	}
	plan.SearchQueries = queries
	return plan
}

// TimeoutCount reports how many plans ran past the planning budget.
func (p *Planner) TimeoutCount() int64 { return p.timeouts.Load() }

// planKey buckets the memory count on a log2 scale so a cached plan is
// invalidated when the population changes materially, not on every insert.
func planKey(ns, prompt string, memoryCount int64) string {
	h := fnv.New64a()
	h.Write([]byte(prompt))
	return fmt.Sprintf("%s|%x|%d", ns, h.Sum64(), countBucket(memoryCount))
}

func countBucket(n int64) int {
	if n <= 0 {
		return 0
	}
	return bits.Len64(uint64(n))
}
