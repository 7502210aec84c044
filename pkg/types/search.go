package types

import "time"

// SearchQuery is the search engine's input.
type SearchQuery struct {
	Text          string     `json:"text"`
	Namespace     string     `json:"namespace"`
	Categories    []Category `json:"categories,omitempty"`
	ImportantOnly bool       `json:"important_only,omitempty"` // gate at importance >= 0.7
	Since         *time.Time `json:"since,omitempty"`
	Until         *time.Time `json:"until,omitempty"`
	Limit         int        `json:"limit"`
}

// MemoryHit is one ranked search result. Score is the composite ranking
// value; Strategies names the retrieval strategies that matched.
type MemoryHit struct {
	MemoryID   string     `json:"memory_id"`
	Kind       MemoryKind `json:"memory_type"`
	Summary    string     `json:"summary"`
	Category   Category   `json:"category_primary"`
	Importance float64    `json:"importance_score"`
	CreatedAt  time.Time  `json:"created_at"`
	Score      float64    `json:"score"`
	Strategies []string   `json:"strategies"`
}

// MemoryStats aggregates row counts and degradation counters for operators.
type MemoryStats struct {
	Namespace string `json:"namespace"`

	ChatCount       int64 `json:"chat_count"`
	ShortTermCount  int64 `json:"short_term_count"`
	LongTermCount   int64 `json:"long_term_count"`
	RuleCount       int64 `json:"rule_count"`
	EntityCount     int64 `json:"entity_count"`
	WorkingSetCount int64 `json:"working_set_count"`

	CategoryDistribution map[Category]int64 `json:"category_distribution"`
	AvgImportance        float64            `json:"avg_importance"`

	// Degradation counters; non-zero values indicate the layer is shedding
	// work rather than failing callers.
	QueueDrops          int64 `json:"queue_drops"`
	ClassifierFallbacks int64 `json:"classifier_fallbacks"`
	PlannerTimeouts     int64 `json:"planner_timeouts"`
	ContextInjections   int64 `json:"context_injections"`
	AttachFailures      int64 `json:"attach_failures"`
}
