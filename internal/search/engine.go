// Package search ranks stored memories against free-text queries. It fans a
// query out to the store's candidate strategies (FTS5 when available, LIKE
// scans, entity index), merges hits per memory, and orders them by a
// composite of match strength, importance, and recency.
package search

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/vishalbelsare/memori-sub000/internal/store"
	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

// Composite score weights. Match strength dominates; importance and recency
// break ties between equally matched memories.
const (
	weightMatch      = 0.6
	weightImportance = 0.3
	weightRecency    = 0.1

	// recencyHalfLife is the age at which the recency component halves.
	recencyHalfLife = 30 * 24 * time.Hour

	importantThreshold = 0.7
	defaultLimit       = 20

	// candidateFanout bounds per-strategy candidate pulls relative to the
	// requested limit.
	candidateFanout = 3
)

// Engine composes the store's candidate strategies into ranked results.
type Engine struct {
	querier store.Querier
	logger  zerolog.Logger
}

func NewEngine(querier store.Querier, logger zerolog.Logger) *Engine {
	return &Engine{querier: querier, logger: logger}
}

// MemoryCount reports the namespace's total memory rows, 0 when the count
// itself fails.
func (e *Engine) MemoryCount(ctx context.Context, ns string) int64 {
	n, err := e.querier.CountMemories(ctx, ns)
	if err != nil {
		e.logger.Debug().Err(err).Str("namespace", ns).Msg("memory count failed")
		return 0
	}
	return n
}

// Search runs every available strategy and returns ranked, deduplicated
// hits. A failing strategy is logged and skipped; only a failure of every
// strategy surfaces as an empty result, never as an error to the caller's
// conversation flow.
func (e *Engine) Search(ctx context.Context, q types.SearchQuery) []types.MemoryHit {
	if q.Namespace == "" {
		q.Namespace = "default"
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}

	terms := Tokenize(q.Text)
	if len(terms) == 0 {
		return nil
	}
	fanout := q.Limit * candidateFanout

	merged := make(map[string]*types.MemoryHit)
	matchScore := make(map[string]float64)

	collect := func(name string, cands []store.Candidate, err error) {
		if err != nil {
			e.logger.Warn().Err(err).Str("strategy", name).Msg("search strategy failed")
			return
		}
		for _, c := range cands {
			hit, ok := merged[c.MemoryID]
			if !ok {
				hit = &types.MemoryHit{
					MemoryID:   c.MemoryID,
					Kind:       c.Kind,
					Summary:    c.Summary,
					Category:   c.Category,
					Importance: c.Importance,
					CreatedAt:  c.CreatedAt,
				}
				merged[c.MemoryID] = hit
			}
			hit.Strategies = appendUnique(hit.Strategies, c.Strategy)
			if c.Score > matchScore[c.MemoryID] {
				matchScore[c.MemoryID] = c.Score
			}
		}
	}

	if e.querier.FTSAvailable() {
		cands, err := e.querier.FTSCandidates(ctx, q.Namespace, BuildMatch(terms), fanout)
		collect("fts", cands, err)
	}
	cands, err := e.querier.LikeCandidates(ctx, q.Namespace, terms, fanout)
	collect("like", cands, err)
	cands, err = e.querier.EntityCandidates(ctx, q.Namespace, terms, fanout)
	collect("entity", cands, err)

	now := types.Now()
	hits := make([]types.MemoryHit, 0, len(merged))
	for id, hit := range merged {
		if !e.passesFilters(hit, q) {
			continue
		}
		hit.Score = compositeScore(matchScore[id], hit.Importance, now.Sub(hit.CreatedAt))
		hits = append(hits, *hit)
	}

	sort.Slice(hits, func(i, j int) bool {
		return lessHits(hits[i], hits[j])
	})

	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits
}

// lessHits orders results by composite score, then importance, then
// creation time (newer first), then id for determinism.
func lessHits(a, b types.MemoryHit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Importance != b.Importance {
		return a.Importance > b.Importance
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.MemoryID < b.MemoryID
}

func (e *Engine) passesFilters(hit *types.MemoryHit, q types.SearchQuery) bool {
	if len(q.Categories) > 0 && !containsCategory(q.Categories, hit.Category) {
		return false
	}
	if q.ImportantOnly && hit.Importance < importantThreshold {
		return false
	}
	if q.Since != nil && hit.CreatedAt.Before(*q.Since) {
		return false
	}
	if q.Until != nil && hit.CreatedAt.After(*q.Until) {
		return false
	}
	return true
}

func compositeScore(match, importance float64, age time.Duration) float64 {
	recency := math.Exp2(-age.Hours() / recencyHalfLife.Hours())
	if age < 0 {
		recency = 1
	}
	return types.Clamp01(match*weightMatch + importance*weightImportance + recency*weightRecency)
}

func containsCategory(cats []types.Category, c types.Category) bool {
	for _, cat := range cats {
		if cat == c {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
