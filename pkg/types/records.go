package types

import "time"

// ChatRecord is one recorded prompt/response exchange. Rows are append-only:
// created on interceptor capture, never mutated, pruned only by explicit
// retention policy.
type ChatRecord struct {
	ChatID     string            `json:"chat_id"`
	UserInput  string            `json:"user_input"`
	AIOutput   string            `json:"ai_output"`
	Model      string            `json:"model"`
	Timestamp  time.Time         `json:"timestamp"`
	SessionID  string            `json:"session_id"`
	Namespace  string            `json:"namespace"`
	TokensUsed int               `json:"tokens_used"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// MemoryRow is a stored memory in either the short-term or long-term table.
// Kind selects the table; the long-term-only columns are zero-valued on
// short-term rows.
type MemoryRow struct {
	MemoryID     string          `json:"memory_id"`
	ChatID       string          `json:"chat_id,omitempty"`
	Kind         MemoryKind      `json:"memory_type"`
	Processed    ProcessedMemory `json:"processed_data"`
	Importance   float64         `json:"importance_score"`
	Category     Category        `json:"category_primary"`
	Retention    RetentionType   `json:"retention_type"`
	Namespace    string          `json:"namespace"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"` // nil = never auto-pruned
	AccessCount  int             `json:"access_count"`
	LastAccessed *time.Time      `json:"last_accessed,omitempty"`
	Searchable   string          `json:"searchable_content"`
	Summary      string          `json:"summary"`

	// Long-term only.
	Novelty            float64 `json:"novelty_score,omitempty"`
	Relevance          float64 `json:"relevance_score,omitempty"`
	Actionability      float64 `json:"actionability_score,omitempty"`
	ConsciousFlags     string  `json:"classification,omitempty"` // comma-joined conscious labels
	IsPermanentContext bool    `json:"is_permanent_context,omitempty"`

	// Working-set rows carry the id of the long-term row they were promoted
	// from; empty for classifier-created rows.
	PromotedFrom string     `json:"promoted_from,omitempty"`
	PromotedAt   *time.Time `json:"promoted_at,omitempty"`
}

// EntityRow is one entry in the entity index. Rows are created with their
// parent memory and cascade-deleted with it.
type EntityRow struct {
	EntityID   string     `json:"entity_id"`
	MemoryID   string     `json:"memory_id"`
	MemoryType MemoryKind `json:"memory_type"`
	EntityType string     `json:"entity_type"`
	Value      string     `json:"entity_value"`
	Relevance  float64    `json:"relevance_score"`
	Namespace  string     `json:"namespace"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Rule is an always-evaluated directive stored in rules_memory.
type Rule struct {
	RuleID     string    `json:"rule_id"`
	Text       string    `json:"rule_text"`
	Type       RuleType  `json:"rule_type"`
	Priority   int       `json:"priority"` // 1..10, higher wins
	Active     bool      `json:"active"`
	Conditions string    `json:"context_conditions,omitempty"`
	Namespace  string    `json:"namespace"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Relationship is a typed edge between two memories.
type Relationship struct {
	RelID     string           `json:"rel_id"`
	SourceID  string           `json:"source_memory_id"`
	TargetID  string           `json:"target_memory_id"`
	Type      RelationshipType `json:"relationship_type"`
	Strength  float64          `json:"strength"` // 0..1
	Namespace string           `json:"namespace"`
	CreatedAt time.Time        `json:"created_at"`
}
