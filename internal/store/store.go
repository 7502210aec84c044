// Package store provides transactional persistence for all memory-layer
// tables and exposes narrow query verbs to the rest of the core. Two
// backends implement the Store interface: an embedded SQLite engine
// (default) and PostgreSQL for networked deployments. Behavior divergences,
// FTS availability above all, are hidden behind the interface.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

// SchemaVersion is the schema revision this build understands. A database
// reporting a higher version is rejected at open.
const SchemaVersion = 1

var (
	// ErrConflict is a constraint violation, typically a duplicate
	// memory_id. Logged and surfaced, never silently swallowed.
	ErrConflict = errors.New("storage conflict")

	// ErrTransient is a retryable connection or lock error. It surfaces
	// only after retries are exhausted.
	ErrTransient = errors.New("transient storage error")

	// ErrNotFound reports a lookup for a row that does not exist.
	ErrNotFound = errors.New("row not found")

	// ErrFatal is an unrecoverable storage error such as a schema version
	// mismatch. The coordinator transitions to disabled on it.
	ErrFatal = errors.New("fatal storage error")
)

// Store is the persistence surface the rest of the core programs against.
// All verbs are namespace-scoped and each write verb runs in a single
// transaction. Reads are consistent within one verb, never across verbs.
type Store interface {
	Querier

	// PutChat appends one exchange to chat_history, assigning ChatID when
	// empty, and returns the id.
	PutChat(ctx context.Context, rec *types.ChatRecord) (string, error)

	// GetChat fetches one recorded exchange by id.
	GetChat(ctx context.Context, ns, chatID string) (*types.ChatRecord, error)

	// PutMemory inserts a memory row into the table selected by Kind
	// together with its entity rows, atomically. Returns the memory id.
	PutMemory(ctx context.Context, row *types.MemoryRow, entities []types.EntityRow) (string, error)

	// UpsertWorkingSet inserts a promoted working-set row, or refreshes the
	// existing row promoted from the same long-term source.
	UpsertWorkingSet(ctx context.Context, row *types.MemoryRow) error

	// TouchMemory atomically bumps access_count and last_accessed.
	TouchMemory(ctx context.Context, ns, memoryID string) error

	// ExpireShortTerm deletes short-term rows whose expires_at has passed
	// and returns the number removed. Working-set rows (expires_at null)
	// are untouched.
	ExpireShortTerm(ctx context.Context, ns string, now time.Time) (int64, error)

	// ApplyRetentionPolicy deletes long-term rows with retention_type
	// long_term older than maxAge. Permanent rows are never removed.
	ApplyRetentionPolicy(ctx context.Context, ns string, maxAge time.Duration, now time.Time) (int64, error)

	// ListShortTerm returns short-term rows, working set first, then by
	// importance descending.
	ListShortTerm(ctx context.Context, ns string, limit int) ([]types.MemoryRow, error)

	// ListLongTerm returns long-term rows matching the filters, newest first.
	ListLongTerm(ctx context.Context, ns string, f LongTermFilters) ([]types.MemoryRow, error)

	// PutRule inserts or updates a rule.
	PutRule(ctx context.Context, rule *types.Rule) error

	// GetRules returns rules ordered by priority descending.
	GetRules(ctx context.Context, ns string, activeOnly bool) ([]types.Rule, error)

	// PutRelationship records a typed edge between two memories.
	PutRelationship(ctx context.Context, rel *types.Relationship) error

	// ListRelated returns edges touching the given memory.
	ListRelated(ctx context.Context, ns, memoryID string, limit int) ([]types.Relationship, error)

	// Stats returns row counts, category distribution, and average
	// importance for the namespace.
	Stats(ctx context.Context, ns string) (types.MemoryStats, error)

	// Health reports connectivity, schema version, and FTS capability.
	Health(ctx context.Context) types.Health

	Close() error
}

// Querier exposes the raw candidate scans the search engine composes into
// ranked results. Each scan covers both memory tables.
type Querier interface {
	// FTSAvailable reports whether the backend probed FTS support at open.
	// The search engine branches once on it rather than retrying per query.
	FTSAvailable() bool

	// FTSCandidates runs a full-text match over searchable_content and
	// summary, scored by the FTS engine.
	FTSCandidates(ctx context.Context, ns, match string, limit int) ([]Candidate, error)

	// LikeCandidates runs a substring scan over searchable_content and
	// summary for each term.
	LikeCandidates(ctx context.Context, ns string, terms []string, limit int) ([]Candidate, error)

	// EntityCandidates matches terms against the entity index, exact first
	// with a prefix fallback, weighted by entity relevance.
	EntityCandidates(ctx context.Context, ns string, terms []string, limit int) ([]Candidate, error)

	// CountMemories totals the rows across both memory tables. The
	// retrieval planner folds it into its cache key so cached plans age
	// out as the population grows.
	CountMemories(ctx context.Context, ns string) (int64, error)
}

// Candidate is one unranked strategy hit; the search engine owns composite
// scoring and deduplication.
type Candidate struct {
	MemoryID   string
	Kind       types.MemoryKind
	Summary    string
	Category   types.Category
	Importance float64
	CreatedAt  time.Time
	Score      float64 // strategy-intrinsic score, already in [0,1]
	Strategy   string  // "fts", "like", or "entity"
}

// LongTermFilters narrows ListLongTerm scans.
type LongTermFilters struct {
	Categories    []types.Category
	MinImportance float64
	Since         *time.Time
	Limit         int
}

// Options configures backend construction.
type Options struct {
	// ConnectionString selects the backend: a postgres:// URL opens the
	// networked backend, anything else is treated as a SQLite path
	// (":memory:" included).
	ConnectionString string

	// PoolSize bounds the connection pool on the networked backend.
	PoolSize int

	// MaxRetries bounds transient-error retries per write verb.
	MaxRetries int

	// EchoSQL logs every statement at debug level.
	EchoSQL bool
}

func (o *Options) applyDefaults() {
	if o.PoolSize <= 0 {
		o.PoolSize = 10
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
}

// IsPostgres reports whether the connection string addresses PostgreSQL.
func IsPostgres(conn string) bool {
	return strings.HasPrefix(conn, "postgres://") || strings.HasPrefix(conn, "postgresql://")
}

// withRetry runs fn up to attempts times, backing off exponentially while
// the error remains transient.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	backoff := 50 * time.Millisecond
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}

// splitStatements splits a migration file into executable statements,
// keeping BEGIN...END trigger bodies intact.
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	depth := 0

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}

		upper := strings.ToUpper(trimmed)
		if strings.HasSuffix(upper, "BEGIN") {
			depth++
		}
		if depth > 0 && (upper == "END;" || strings.HasSuffix(upper, " END;")) {
			depth--
		}

		current.WriteString(line)
		current.WriteString("\n")

		if depth == 0 && strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSpace(current.String())
			if stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}

	if final := strings.TrimSpace(current.String()); final != "" {
		statements = append(statements, final)
	}
	return statements
}

// Open selects and opens a backend from the connection string: postgres://
// URLs get the networked backend, everything else is a SQLite path.
func Open(opts Options, logger zerolog.Logger) (Store, error) {
	opts.applyDefaults()
	if IsPostgres(opts.ConnectionString) {
		return OpenPostgres(opts.ConnectionString, opts, logger)
	}
	path := opts.ConnectionString
	if path == "" {
		path = "memori.db"
	}
	return OpenSQLite(path, opts, logger)
}
