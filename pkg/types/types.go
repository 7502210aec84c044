// Package types defines the shared record shapes used across all Memori
// components: the raw chat exchange, the classifier's ProcessedMemory
// output, stored memory rows, and search inputs/outputs.
package types

import (
	"sort"
	"strings"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TOKEN ESTIMATION
// ═══════════════════════════════════════════════════════════════════════════════

// CharsPerToken is the heuristic for token estimation (~4 chars per token).
// This is a common approximation for English text with LLM tokenizers.
const CharsPerToken = 4

// EstimateTokens provides a rough token estimate for a given text.
func EstimateTokens(text string) int {
	return len(text) / CharsPerToken
}

// ═══════════════════════════════════════════════════════════════════════════════
// ENUMS
// ═══════════════════════════════════════════════════════════════════════════════

// Category is the primary classification of a processed memory.
type Category string

const (
	CategoryFact       Category = "fact"
	CategoryPreference Category = "preference"
	CategorySkill      Category = "skill"
	CategoryContext    Category = "context"
	CategoryRule       Category = "rule"
)

// ValidCategories returns the closed category set in tie-break precedence
// order: rule wins over preference, and so on down to context.
func ValidCategories() []Category {
	return []Category{CategoryRule, CategoryPreference, CategorySkill, CategoryFact, CategoryContext}
}

// Valid reports whether c is a member of the enumerated category set.
func (c Category) Valid() bool {
	switch c {
	case CategoryFact, CategoryPreference, CategorySkill, CategoryContext, CategoryRule:
		return true
	}
	return false
}

// RetentionType controls how long a memory row survives.
type RetentionType string

const (
	// RetentionShortTerm rows expire roughly seven days after creation.
	RetentionShortTerm RetentionType = "short_term"
	// RetentionLongTerm rows are subject to the configured retention policy.
	RetentionLongTerm RetentionType = "long_term"
	// RetentionPermanent rows are never auto-pruned.
	RetentionPermanent RetentionType = "permanent"
)

// Valid reports whether r is a member of the enumerated retention set.
func (r RetentionType) Valid() bool {
	switch r {
	case RetentionShortTerm, RetentionLongTerm, RetentionPermanent:
		return true
	}
	return false
}

// MemoryKind distinguishes the two memory tables a row can live in.
type MemoryKind string

const (
	KindShortTerm MemoryKind = "short_term"
	KindLongTerm  MemoryKind = "long_term"
)

// ConsciousLabel flags a memory as a working-set promotion candidate.
type ConsciousLabel string

const (
	LabelIdentity          ConsciousLabel = "identity"
	LabelPreference        ConsciousLabel = "preference"
	LabelSkill             ConsciousLabel = "skill"
	LabelCurrentProject    ConsciousLabel = "current_project"
	LabelRepeatedReference ConsciousLabel = "repeated_reference"
)

// RuleType categorizes a stored rule.
type RuleType string

const (
	RulePreference  RuleType = "preference"
	RuleInstruction RuleType = "instruction"
	RuleConstraint  RuleType = "constraint"
	RuleGoal        RuleType = "goal"
)

// RelationshipType labels an edge between two memories.
type RelationshipType string

const (
	RelReferences  RelationshipType = "references"
	RelContradicts RelationshipType = "contradicts"
	RelExpands     RelationshipType = "expands"
	RelSimilar     RelationshipType = "similar"
	RelCausedBy    RelationshipType = "caused_by"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PROCESSED MEMORY
// ═══════════════════════════════════════════════════════════════════════════════

// MaxSummaryLen caps the classifier's summary field.
const MaxSummaryLen = 500

// CategoryAssessment is the classifier's category verdict.
type CategoryAssessment struct {
	Primary    Category `json:"primary_category"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning,omitempty"`
}

// Entities groups the named entities extracted from an exchange.
// Each group behaves as a set: order is irrelevant and duplicates collapse.
type Entities struct {
	People       []string `json:"people,omitempty"`
	Technologies []string `json:"technologies,omitempty"`
	Topics       []string `json:"topics,omitempty"`
	Skills       []string `json:"skills,omitempty"`
	Projects     []string `json:"projects,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
}

// EntityValue is a single typed entity.
type EntityValue struct {
	Type  string
	Value string
}

// All returns every entity group flattened into (entity_type, value) pairs.
func (e Entities) All() []EntityValue {
	var out []EntityValue
	add := func(typ string, vals []string) {
		for _, v := range vals {
			out = append(out, EntityValue{Type: typ, Value: v})
		}
	}
	add("person", e.People)
	add("technology", e.Technologies)
	add("topic", e.Topics)
	add("skill", e.Skills)
	add("project", e.Projects)
	add("keyword", e.Keywords)
	return out
}

// Count returns the total number of entities across all groups.
func (e Entities) Count() int {
	return len(e.People) + len(e.Technologies) + len(e.Topics) +
		len(e.Skills) + len(e.Projects) + len(e.Keywords)
}

// Importance carries the classifier's scoring dimensions.
type Importance struct {
	Score         float64       `json:"importance_score"`
	Novelty       float64       `json:"novelty_score"`
	Relevance     float64       `json:"relevance_score"`
	Actionability float64       `json:"actionability_score"`
	Retention     RetentionType `json:"retention_type"`
	Reasoning     string        `json:"reasoning,omitempty"`
}

// ProcessedMemory is the validated output of classifying one exchange.
type ProcessedMemory struct {
	Category          CategoryAssessment `json:"category"`
	Entities          Entities           `json:"entities"`
	Importance        Importance         `json:"importance"`
	Summary           string             `json:"summary"`
	SearchableContent string             `json:"searchable_content"`
	ShouldStore       bool               `json:"should_store"`
	ConsciousLabels   []ConsciousLabel   `json:"conscious_labels,omitempty"`
}

// Normalize clamps all numeric scores into [0,1], coerces unknown enum
// values to their documented defaults, truncates oversize summaries, and
// collapses duplicate entities. Validation happens here, at the boundary
// between classifier output and the store; nothing downstream inspects
// raw string literals.
func (pm *ProcessedMemory) Normalize() {
	pm.Category.Confidence = Clamp01(pm.Category.Confidence)
	if !pm.Category.Primary.Valid() {
		pm.Category.Primary = CategoryContext
	}

	pm.Importance.Score = Clamp01(pm.Importance.Score)
	pm.Importance.Novelty = Clamp01(pm.Importance.Novelty)
	pm.Importance.Relevance = Clamp01(pm.Importance.Relevance)
	pm.Importance.Actionability = Clamp01(pm.Importance.Actionability)
	if !pm.Importance.Retention.Valid() {
		pm.Importance.Retention = RetentionShortTerm
	}

	if len(pm.Summary) > MaxSummaryLen {
		pm.Summary = pm.Summary[:MaxSummaryLen]
	}

	pm.Entities.People = dedupeSet(pm.Entities.People)
	pm.Entities.Technologies = dedupeSet(pm.Entities.Technologies)
	pm.Entities.Topics = dedupeSet(pm.Entities.Topics)
	pm.Entities.Skills = dedupeSet(pm.Entities.Skills)
	pm.Entities.Projects = dedupeSet(pm.Entities.Projects)
	pm.Entities.Keywords = dedupeSet(pm.Entities.Keywords)

	pm.ConsciousLabels = dedupeLabels(pm.ConsciousLabels)
}

// HasConsciousLabel reports whether the memory carries any working-set flag.
func (pm *ProcessedMemory) HasConsciousLabel() bool {
	return len(pm.ConsciousLabels) > 0
}

// Clamp01 clamps v into the closed interval [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// dedupeSet collapses duplicates (case-insensitive) and drops empties,
// returning a deterministically ordered slice.
func dedupeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]string, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; !ok {
			seen[key] = v
		}
	}
	out := make([]string, 0, len(seen))
	for _, v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func dedupeLabels(in []ConsciousLabel) []ConsciousLabel {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[ConsciousLabel]bool, len(in))
	out := make([]ConsciousLabel, 0, len(in))
	for _, l := range in {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// USER CONTEXT
// ═══════════════════════════════════════════════════════════════════════════════

// UserContext biases classification toward the caller's current situation.
// It feeds into the categorization prompt but is never updated automatically.
type UserContext struct {
	CurrentProjects []string `json:"current_projects,omitempty"`
	RelevantSkills  []string `json:"relevant_skills,omitempty"`
	Preferences     []string `json:"preferences,omitempty"`
}

// Empty reports whether the context carries no signal.
func (uc UserContext) Empty() bool {
	return len(uc.CurrentProjects) == 0 && len(uc.RelevantSkills) == 0 && len(uc.Preferences) == 0
}

// ═══════════════════════════════════════════════════════════════════════════════
// MESSAGES
// ═══════════════════════════════════════════════════════════════════════════════

// Message is a provider-neutral conversation message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Completion is one provider reply plus the accounting the capture side
// persists alongside it.
type Completion struct {
	Message    Message           `json:"message"`
	Model      string            `json:"model,omitempty"`
	TokensUsed int               `json:"tokens_used,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// LastUserContent returns the content of the last user-role message, or "".
func LastUserContent(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

// ═══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ═══════════════════════════════════════════════════════════════════════════════

// Health describes the state of a store backend.
type Health struct {
	Connected     bool   `json:"connected"`
	Backend       string `json:"backend"`
	SchemaVersion int    `json:"schema_version"`
	FTSAvailable  bool   `json:"fts_available"`
}

// Now is the package-level time source; tests may substitute it.
var Now = time.Now
