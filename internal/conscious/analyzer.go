// Package conscious selects the short list of long-term memories an
// assistant should have at hand in every conversation. The analyzer scores
// candidates on stored classifier dimensions plus usage signals, applies a
// category diversity cap, and promotes the winners into the short-term
// working set.
package conscious

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/vishalbelsare/memori-sub000/internal/store"
	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

const (
	// Scoring weights over the stored classifier dimensions.
	weightImportance    = 0.4
	weightNovelty       = 0.2
	weightRelevance     = 0.3
	weightActionability = 0.1

	// Usage signals layered on top.
	weightFrequency = 0.25
	weightRecency   = 0.15

	// labelBoost rewards memories the classifier already flagged as
	// working-set candidates.
	labelBoost = 0.15

	// freqSaturation is the access count at which the frequency component
	// reaches 1.0.
	freqSaturation = 10.0

	// recencyHalfLife halves the recency component per elapsed period.
	recencyHalfLife = 14 * 24 * time.Hour

	// DefaultWorkingSetSize is the promotion count when unconfigured.
	DefaultWorkingSetSize = 10

	// maxCategoryShare caps any single category's share of the working set.
	maxCategoryShare = 0.4

	// candidateScanLimit bounds the long-term scan per analysis cycle.
	candidateScanLimit = 500
)

// Analyzer promotes essential long-term memories into the working set.
type Analyzer struct {
	store          store.Store
	logger         zerolog.Logger
	workingSetSize int
}

func NewAnalyzer(st store.Store, workingSetSize int, logger zerolog.Logger) *Analyzer {
	if workingSetSize <= 0 {
		workingSetSize = DefaultWorkingSetSize
	}
	return &Analyzer{store: st, logger: logger, workingSetSize: workingSetSize}
}

// scored pairs a candidate row with its promotion score.
type scored struct {
	row   types.MemoryRow
	score float64
}

// Analyze scores the namespace's long-term memories and upserts the winners
// into the working set. Re-running over unchanged data converges: each
// long-term source maps to at most one working-set row. Returns the number
// of promoted memories.
func (a *Analyzer) Analyze(ctx context.Context, ns string) (int, error) {
	rows, err := a.store.ListLongTerm(ctx, ns, store.LongTermFilters{Limit: candidateScanLimit})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	now := types.Now()
	candidates := make([]scored, 0, len(rows))
	for _, row := range rows {
		candidates = append(candidates, scored{row: row, score: promotionScore(row, now)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].row.MemoryID < candidates[j].row.MemoryID
	})

	selected := applyDiversityCap(candidates, a.workingSetSize)

	promoted := 0
	for _, s := range selected {
		ws := buildWorkingSetRow(s.row, now)
		if err := a.store.UpsertWorkingSet(ctx, &ws); err != nil {
			a.logger.Warn().Err(err).Str("memory_id", s.row.MemoryID).Msg("working set promotion failed")
			continue
		}
		promoted++
	}

	a.logger.Debug().Str("namespace", ns).Int("candidates", len(candidates)).
		Int("promoted", promoted).Msg("conscious analysis complete")
	return promoted, nil
}

// promotionScore blends the stored classifier dimensions with usage signals.
func promotionScore(row types.MemoryRow, now time.Time) float64 {
	freq := math.Min(float64(row.AccessCount)/freqSaturation, 1.0)

	// Recency tracks the last access; rows never read fall back to their
	// creation time.
	ref := row.CreatedAt
	if row.LastAccessed != nil {
		ref = *row.LastAccessed
	}
	age := now.Sub(ref)
	recency := math.Exp2(-age.Hours() / recencyHalfLife.Hours())
	if age < 0 {
		recency = 1
	}

	score := row.Importance*weightImportance +
		row.Novelty*weightNovelty +
		row.Relevance*weightRelevance +
		row.Actionability*weightActionability +
		freq*weightFrequency +
		recency*weightRecency

	if row.ConsciousFlags != "" {
		score += labelBoost
	}
	return score
}

// applyDiversityCap walks the ranked candidates and limits any category to
// maxCategoryShare of the target size, so one dominant category cannot crowd
// out the rest.
func applyDiversityCap(ranked []scored, size int) []scored {
	perCategory := int(math.Ceil(float64(size) * maxCategoryShare))
	counts := make(map[types.Category]int)

	out := make([]scored, 0, size)
	for _, c := range ranked {
		if len(out) >= size {
			break
		}
		if counts[c.row.Category] >= perCategory {
			continue
		}
		counts[c.row.Category]++
		out = append(out, c)
	}
	return out
}

// buildWorkingSetRow derives the short-term copy of a promoted long-term
// memory. The copy never expires on its own; the next analysis cycle
// refreshes or replaces it through the promoted_from upsert key.
func buildWorkingSetRow(src types.MemoryRow, now time.Time) types.MemoryRow {
	return types.MemoryRow{
		MemoryID:           store.NewMemoryID(),
		ChatID:             src.ChatID,
		Kind:               types.KindShortTerm,
		Processed:          src.Processed,
		Importance:         src.Importance,
		Category:           src.Category,
		Retention:          types.RetentionShortTerm,
		Namespace:          src.Namespace,
		CreatedAt:          now.UTC(),
		Searchable:         src.Searchable,
		Summary:            src.Summary,
		IsPermanentContext: true,
		PromotedFrom:       src.MemoryID,
		PromotedAt:         timeRef(now.UTC()),
	}
}

func timeRef(t time.Time) *time.Time { return &t }
