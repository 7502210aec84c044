package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

//go:embed migrations/sqlite/0001_schema.sql
var sqliteSchema string

//go:embed migrations/sqlite/0002_fts.sql
var sqliteFTSSchema string

// SQLite is the embedded single-file backend. Writers are serialized through
// a single connection; readers share it under WAL.
type SQLite struct {
	db     *sql.DB
	opts   Options
	fts    bool
	logger zerolog.Logger
}

// OpenSQLite opens (or creates) the database at path, runs migrations,
// validates the schema version, and probes FTS5 support.
func OpenSQLite(path string, opts Options, logger zerolog.Logger) (*SQLite, error) {
	opts.applyDefaults()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLite{db: db, opts: opts, logger: logger}

	if err := s.initPragmas(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize pragmas: %w", err)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info().Str("path", path).Bool("fts", s.fts).Msg("sqlite store opened")
	return s, nil
}

func (s *SQLite) initPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate runs the core schema, validates _schema_version, and probes FTS5.
func (s *SQLite) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.runScript(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("core schema: %w", err)
	}
	if err := validateSchemaVersion(ctx, s.db, bindQuestion); err != nil {
		return err
	}

	// FTS5 is a compile-time option of the SQLite build; probe once and
	// remember the answer instead of retrying per query.
	if err := s.runScript(ctx, sqliteFTSSchema); err != nil {
		s.logger.Warn().Err(err).Msg("fts5 unavailable, search degrades to LIKE scans")
		s.fts = false
	} else {
		s.fts = true
	}
	return nil
}

func (s *SQLite) runScript(ctx context.Context, script string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute statement %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}

// validateSchemaVersion checks the persisted schema revision against this
// build, stamping a fresh database. Shared by both backends.
func validateSchemaVersion(ctx context.Context, db interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, bind bindFunc) error {
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM _schema_version").Scan(&version); err != nil {
		return fmt.Errorf("%w: read schema version: %v", ErrFatal, err)
	}
	if !version.Valid || version.Int64 == 0 {
		if _, err := db.ExecContext(ctx, bind("INSERT INTO _schema_version (version, applied_at) VALUES (?, ?)"),
			SchemaVersion, types.Now().UTC()); err != nil {
			return fmt.Errorf("%w: stamp schema version: %v", ErrFatal, err)
		}
		return nil
	}
	if version.Int64 != SchemaVersion {
		return fmt.Errorf("%w: schema version %d, this build supports %d", ErrFatal, version.Int64, SchemaVersion)
	}
	return nil
}

// mapSQLiteErr translates driver errors into the store taxonomy.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"),
		strings.Contains(msg, "PRIMARY KEY constraint"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "SQLITE_BUSY"):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	case strings.Contains(msg, "disk"), strings.Contains(msg, "readonly"):
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	return err
}

// write runs fn in a transaction with transient retries.
func (s *SQLite) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return withRetry(ctx, s.opts.MaxRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return mapSQLiteErr(err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return mapSQLiteErr(err)
		}
		return mapSQLiteErr(tx.Commit())
	})
}

func (s *SQLite) echo(query string) {
	if s.opts.EchoSQL {
		s.logger.Debug().Str("sql", strings.Join(strings.Fields(query), " ")).Msg("exec")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// WRITE VERBS
// ═══════════════════════════════════════════════════════════════════════════════

const insertChatSQL = `
INSERT INTO chat_history (chat_id, user_input, ai_output, model, timestamp, session_id, namespace, tokens_used, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLite) PutChat(ctx context.Context, rec *types.ChatRecord) (string, error) {
	if rec.ChatID == "" {
		rec.ChatID = NewChatID()
	}
	if rec.Namespace == "" {
		rec.Namespace = "default"
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = types.Now().UTC()
	}
	meta, err := json.Marshal(orEmptyMap(rec.Metadata))
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	s.echo(insertChatSQL)
	err = s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insertChatSQL,
			rec.ChatID, rec.UserInput, rec.AIOutput, rec.Model, rec.Timestamp.UTC(),
			rec.SessionID, rec.Namespace, rec.TokensUsed, string(meta))
		return err
	})
	if err != nil {
		return "", err
	}
	return rec.ChatID, nil
}

const getChatSQL = `
SELECT chat_id, user_input, ai_output, model, timestamp, session_id, namespace, tokens_used, metadata
FROM chat_history WHERE namespace = ? AND chat_id = ?`

func (s *SQLite) GetChat(ctx context.Context, ns, chatID string) (*types.ChatRecord, error) {
	s.echo(getChatSQL)
	rec, err := scanChat(s.db.QueryRowContext(ctx, getChatSQL, ns, chatID))
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	return rec, nil
}

const insertShortTermSQL = `
INSERT INTO short_term_memory (memory_id, chat_id, processed_data, importance_score, category_primary,
    retention_type, namespace, created_at, expires_at, access_count, last_accessed,
    searchable_content, summary, is_permanent_context, promoted_from, promoted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?, ?, ?, ?)`

const insertLongTermSQL = `
INSERT INTO long_term_memory (memory_id, chat_id, processed_data, importance_score, novelty_score,
    relevance_score, actionability_score, category_primary, retention_type, classification,
    namespace, created_at, expires_at, access_count, last_accessed, searchable_content, summary, is_permanent_context)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?, ?)`

const insertEntitySQL = `
INSERT INTO memory_entities (entity_id, memory_id, memory_type, entity_type, entity_value, relevance_score, namespace, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLite) PutMemory(ctx context.Context, row *types.MemoryRow, entities []types.EntityRow) (string, error) {
	prepareMemoryRow(row)
	processed, err := json.Marshal(row.Processed)
	if err != nil {
		return "", fmt.Errorf("marshal processed_data: %w", err)
	}

	err = s.write(ctx, func(tx *sql.Tx) error {
		if err := insertMemoryTx(ctx, tx, row, processed); err != nil {
			return err
		}
		for i := range entities {
			e := &entities[i]
			prepareEntityRow(e, row)
			if _, err := tx.ExecContext(ctx, insertEntitySQL,
				e.EntityID, e.MemoryID, string(e.MemoryType), e.EntityType, e.Value,
				e.Relevance, e.Namespace, e.CreatedAt.UTC()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return row.MemoryID, nil
}

func insertMemoryTx(ctx context.Context, tx *sql.Tx, row *types.MemoryRow, processed []byte) error {
	if row.Kind == types.KindLongTerm {
		_, err := tx.ExecContext(ctx, insertLongTermSQL,
			row.MemoryID, nullStr(row.ChatID), string(processed), row.Importance, row.Novelty,
			row.Relevance, row.Actionability, string(row.Category), string(row.Retention),
			row.ConsciousFlags, row.Namespace, row.CreatedAt.UTC(), nullTime(row.ExpiresAt),
			row.Searchable, row.Summary, row.IsPermanentContext)
		return err
	}
	_, err := tx.ExecContext(ctx, insertShortTermSQL,
		row.MemoryID, nullStr(row.ChatID), string(processed), row.Importance, string(row.Category),
		string(row.Retention), row.Namespace, row.CreatedAt.UTC(), nullTime(row.ExpiresAt),
		row.Searchable, row.Summary, row.IsPermanentContext, nullStr(row.PromotedFrom), nullTime(row.PromotedAt))
	return err
}

const upsertWorkingSetSQL = `
INSERT INTO short_term_memory (memory_id, chat_id, processed_data, importance_score, category_primary,
    retention_type, namespace, created_at, expires_at, access_count, last_accessed,
    searchable_content, summary, is_permanent_context, promoted_from, promoted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, NULL, ?, ?, TRUE, ?, ?)
ON CONFLICT (namespace, promoted_from) WHERE promoted_from IS NOT NULL DO UPDATE SET
    processed_data = excluded.processed_data,
    importance_score = excluded.importance_score,
    category_primary = excluded.category_primary,
    searchable_content = excluded.searchable_content,
    summary = excluded.summary,
    promoted_at = excluded.promoted_at`

func (s *SQLite) UpsertWorkingSet(ctx context.Context, row *types.MemoryRow) error {
	prepareMemoryRow(row)
	processed, err := json.Marshal(row.Processed)
	if err != nil {
		return fmt.Errorf("marshal processed_data: %w", err)
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, upsertWorkingSetSQL,
			row.MemoryID, nullStr(row.ChatID), string(processed), row.Importance, string(row.Category),
			string(types.RetentionShortTerm), row.Namespace, row.CreatedAt.UTC(),
			row.Searchable, row.Summary, nullStr(row.PromotedFrom), nullTime(row.PromotedAt))
		return err
	})
}

func (s *SQLite) TouchMemory(ctx context.Context, ns, memoryID string) error {
	now := types.Now().UTC()
	return s.write(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"short_term_memory", "long_term_memory"} {
			q := fmt.Sprintf(
				"UPDATE %s SET access_count = access_count + 1, last_accessed = ? WHERE namespace = ? AND memory_id = ?",
				table)
			if _, err := tx.ExecContext(ctx, q, now, ns, memoryID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) ExpireShortTerm(ctx context.Context, ns string, now time.Time) (int64, error) {
	var removed int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM short_term_memory WHERE namespace = ? AND expires_at IS NOT NULL AND expires_at < ?",
			ns, now.UTC())
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

func (s *SQLite) ApplyRetentionPolicy(ctx context.Context, ns string, maxAge time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-maxAge).UTC()
	var removed int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM long_term_memory WHERE namespace = ? AND retention_type = ? AND created_at < ?",
			ns, string(types.RetentionLongTerm), cutoff)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

func (s *SQLite) PutRule(ctx context.Context, rule *types.Rule) error {
	prepareRule(rule)
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO rules_memory (rule_id, rule_text, rule_type, priority, active, context_conditions, namespace, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (rule_id) DO UPDATE SET
    rule_text = excluded.rule_text,
    rule_type = excluded.rule_type,
    priority = excluded.priority,
    active = excluded.active,
    context_conditions = excluded.context_conditions,
    updated_at = excluded.updated_at`,
			rule.RuleID, rule.Text, string(rule.Type), rule.Priority, rule.Active,
			rule.Conditions, rule.Namespace, rule.CreatedAt.UTC(), rule.UpdatedAt.UTC())
		return err
	})
}

func (s *SQLite) PutRelationship(ctx context.Context, rel *types.Relationship) error {
	prepareRelationship(rel)
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO memory_relationships (rel_id, source_memory_id, target_memory_id, relationship_type, strength, namespace, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rel.RelID, rel.SourceID, rel.TargetID, string(rel.Type), rel.Strength,
			rel.Namespace, rel.CreatedAt.UTC())
		return err
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// READ VERBS
// ═══════════════════════════════════════════════════════════════════════════════

const shortTermColumns = `memory_id, chat_id, processed_data, importance_score, category_primary,
retention_type, namespace, created_at, expires_at, access_count, last_accessed,
searchable_content, summary, is_permanent_context, promoted_from, promoted_at`

const longTermColumns = `memory_id, chat_id, processed_data, importance_score, novelty_score,
relevance_score, actionability_score, category_primary, retention_type, classification,
namespace, created_at, expires_at, access_count, last_accessed, searchable_content, summary, is_permanent_context`

func (s *SQLite) ListShortTerm(ctx context.Context, ns string, limit int) ([]types.MemoryRow, error) {
	if limit <= 0 {
		limit = 50
	}
	q := fmt.Sprintf(`SELECT %s FROM short_term_memory WHERE namespace = ?
ORDER BY is_permanent_context DESC, importance_score DESC, created_at DESC LIMIT ?`, shortTermColumns)
	s.echo(q)

	rows, err := s.db.QueryContext(ctx, q, ns, limit)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	return scanShortTermRows(rows)
}

func (s *SQLite) ListLongTerm(ctx context.Context, ns string, f LongTermFilters) ([]types.MemoryRow, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	q := fmt.Sprintf("SELECT %s FROM long_term_memory WHERE namespace = ?", longTermColumns)
	args := []any{ns}

	if len(f.Categories) > 0 {
		placeholders := make([]string, len(f.Categories))
		for i, c := range f.Categories {
			placeholders[i] = "?"
			args = append(args, string(c))
		}
		q += fmt.Sprintf(" AND category_primary IN (%s)", strings.Join(placeholders, ", "))
	}
	if f.MinImportance > 0 {
		q += " AND importance_score >= ?"
		args = append(args, f.MinImportance)
	}
	if f.Since != nil {
		q += " AND created_at >= ?"
		args = append(args, f.Since.UTC())
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, f.Limit)
	s.echo(q)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	return scanLongTermRows(rows)
}

func (s *SQLite) GetRules(ctx context.Context, ns string, activeOnly bool) ([]types.Rule, error) {
	q := `SELECT rule_id, rule_text, rule_type, priority, active, context_conditions, namespace, created_at, updated_at
FROM rules_memory WHERE namespace = ?`
	if activeOnly {
		q += " AND active = 1"
	}
	q += " ORDER BY priority DESC, created_at ASC"

	rows, err := s.db.QueryContext(ctx, q, ns)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func (s *SQLite) ListRelated(ctx context.Context, ns, memoryID string, limit int) ([]types.Relationship, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT rel_id, source_memory_id, target_memory_id, relationship_type, strength, namespace, created_at
FROM memory_relationships
WHERE namespace = ? AND (source_memory_id = ? OR target_memory_id = ?)
ORDER BY strength DESC LIMIT ?`, ns, memoryID, memoryID, limit)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

func (s *SQLite) Stats(ctx context.Context, ns string) (types.MemoryStats, error) {
	return queryStats(ctx, s.db, ns, bindQuestion)
}

func (s *SQLite) Health(ctx context.Context) types.Health {
	h := types.Health{Backend: "sqlite", SchemaVersion: SchemaVersion, FTSAvailable: s.fts}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err == nil && one == 1 {
		h.Connected = true
	}
	return h
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	// Flush the WAL before closing; failure is not worth masking the close.
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn().Err(err).Msg("wal checkpoint failed")
	}
	return s.db.Close()
}

// ═══════════════════════════════════════════════════════════════════════════════
// SEARCH CANDIDATES
// ═══════════════════════════════════════════════════════════════════════════════

func (s *SQLite) FTSAvailable() bool { return s.fts }

// The MATCH and bm25() run in inner selects over the FTS table alone;
// aliasing an FTS5 table breaks both under the modernc driver.
const ftsCandidateSQL = `
SELECT f.memory_id, f.memory_type, m.summary, m.category_primary, m.importance_score, m.created_at, f.rank
FROM (
	SELECT memory_id, memory_type, bm25(memory_search_fts) AS rank
	FROM memory_search_fts
	WHERE memory_search_fts MATCH ? AND namespace = ?
) AS f
JOIN short_term_memory m ON m.memory_id = f.memory_id AND f.memory_type = 'short_term'
UNION ALL
SELECT f.memory_id, f.memory_type, m.summary, m.category_primary, m.importance_score, m.created_at, f.rank
FROM (
	SELECT memory_id, memory_type, bm25(memory_search_fts) AS rank
	FROM memory_search_fts
	WHERE memory_search_fts MATCH ? AND namespace = ?
) AS f
JOIN long_term_memory m ON m.memory_id = f.memory_id AND f.memory_type = 'long_term'
ORDER BY rank ASC
LIMIT ?`

func (s *SQLite) FTSCandidates(ctx context.Context, ns, match string, limit int) ([]Candidate, error) {
	if !s.fts || match == "" {
		return nil, nil
	}
	s.echo(ftsCandidateSQL)

	rows, err := s.db.QueryContext(ctx, ftsCandidateSQL, match, ns, match, ns, limit)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var kind string
		var rank float64
		if err := rows.Scan(&c.MemoryID, &kind, &c.Summary, &c.Category, &c.Importance, &c.CreatedAt, &rank); err != nil {
			return nil, err
		}
		c.Kind = types.MemoryKind(kind)
		c.Score = normalizeBM25(rank)
		c.Strategy = "fts"
		out = append(out, c)
	}
	return out, rows.Err()
}

const countMemoriesSQL = `
SELECT (SELECT COUNT(*) FROM short_term_memory WHERE namespace = ?)
     + (SELECT COUNT(*) FROM long_term_memory WHERE namespace = ?)`

func (s *SQLite) CountMemories(ctx context.Context, ns string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, countMemoriesSQL, ns, ns).Scan(&n); err != nil {
		return 0, mapSQLiteErr(err)
	}
	return n, nil
}

// normalizeBM25 maps SQLite's bm25 rank (negative, lower is better) onto
// [0,1], treating -10 as maximal relevance.
func normalizeBM25(rank float64) float64 {
	return types.Clamp01((-rank) / 10.0)
}

func (s *SQLite) LikeCandidates(ctx context.Context, ns string, terms []string, limit int) ([]Candidate, error) {
	if len(terms) == 0 {
		return nil, nil
	}

	conds := make([]string, 0, len(terms))
	args := []any{}
	for _, t := range terms {
		pat := "%" + strings.ToLower(t) + "%"
		conds = append(conds, "(lower(searchable_content) LIKE ? OR lower(summary) LIKE ?)")
		args = append(args, pat, pat)
	}
	where := strings.Join(conds, " OR ")

	q := fmt.Sprintf(`
SELECT memory_id, 'short_term', summary, category_primary, importance_score, created_at, searchable_content
FROM short_term_memory WHERE namespace = ? AND (%s)
UNION ALL
SELECT memory_id, 'long_term', summary, category_primary, importance_score, created_at, searchable_content
FROM long_term_memory WHERE namespace = ? AND (%s)
LIMIT ?`, where, where)

	all := append([]any{ns}, args...)
	all = append(all, ns)
	all = append(all, args...)
	all = append(all, limit)
	s.echo(q)

	rows, err := s.db.QueryContext(ctx, q, all...)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	return scanLikeCandidates(rows, terms)
}

func (s *SQLite) EntityCandidates(ctx context.Context, ns string, terms []string, limit int) ([]Candidate, error) {
	if len(terms) == 0 {
		return nil, nil
	}

	conds := make([]string, 0, len(terms))
	args := []any{ns}
	for _, t := range terms {
		lower := strings.ToLower(t)
		conds = append(conds, "(lower(entity_value) = ? OR lower(entity_value) LIKE ?)")
		args = append(args, lower, lower+"%")
	}
	q := fmt.Sprintf(`
SELECT memory_id, memory_type, entity_value, relevance_score
FROM memory_entities WHERE namespace = ? AND (%s) LIMIT ?`, strings.Join(conds, " OR "))
	args = append(args, limit*4)
	s.echo(q)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	scores, err := scoreEntityMatches(rows, terms)
	if err != nil {
		return nil, err
	}
	return s.hydrateCandidates(ctx, ns, scores, limit)
}

// hydrateCandidates fetches summary/importance/created_at for entity-matched
// memory ids and attaches the entity scores.
func (s *SQLite) hydrateCandidates(ctx context.Context, ns string, scores map[candidateKey]float64, limit int) ([]Candidate, error) {
	var out []Candidate
	for key, score := range scores {
		table := "short_term_memory"
		if key.kind == types.KindLongTerm {
			table = "long_term_memory"
		}
		q := fmt.Sprintf(
			"SELECT summary, category_primary, importance_score, created_at FROM %s WHERE namespace = ? AND memory_id = ?",
			table)

		c := Candidate{MemoryID: key.id, Kind: key.kind, Score: score, Strategy: "entity"}
		err := s.db.QueryRowContext(ctx, q, ns, key.id).
			Scan(&c.Summary, &c.Category, &c.Importance, &c.CreatedAt)
		if err == sql.ErrNoRows {
			continue // entity row outlived its parent; skip
		}
		if err != nil {
			return nil, mapSQLiteErr(err)
		}
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ROW PREPARATION AND SCANNING (shared with the postgres backend)
// ═══════════════════════════════════════════════════════════════════════════════

// NewChatID returns a fresh chat identifier.
func NewChatID() string {
	id, err := gonanoid.New()
	if err != nil {
		return "chat_" + uuid.NewString()
	}
	return "chat_" + id
}

// NewMemoryID returns a fresh memory identifier.
func NewMemoryID() string { return "mem_" + uuid.NewString() }

func prepareMemoryRow(row *types.MemoryRow) {
	if row.MemoryID == "" {
		row.MemoryID = NewMemoryID()
	}
	if row.Namespace == "" {
		row.Namespace = "default"
	}
	if row.Kind == "" {
		row.Kind = types.KindShortTerm
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = types.Now().UTC()
	}
	row.Importance = types.Clamp01(row.Importance)
	row.Novelty = types.Clamp01(row.Novelty)
	row.Relevance = types.Clamp01(row.Relevance)
	row.Actionability = types.Clamp01(row.Actionability)
}

func prepareEntityRow(e *types.EntityRow, parent *types.MemoryRow) {
	if e.EntityID == "" {
		e.EntityID = "ent_" + uuid.NewString()
	}
	if e.MemoryID == "" {
		e.MemoryID = parent.MemoryID
	}
	if e.MemoryType == "" {
		e.MemoryType = parent.Kind
	}
	if e.Namespace == "" {
		e.Namespace = parent.Namespace
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = parent.CreatedAt
	}
	e.Relevance = types.Clamp01(e.Relevance)
}

func prepareRule(rule *types.Rule) {
	if rule.RuleID == "" {
		rule.RuleID = "rule_" + uuid.NewString()
	}
	if rule.Namespace == "" {
		rule.Namespace = "default"
	}
	if rule.Priority < 1 {
		rule.Priority = 1
	}
	if rule.Priority > 10 {
		rule.Priority = 10
	}
	now := types.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
}

func prepareRelationship(rel *types.Relationship) {
	if rel.RelID == "" {
		rel.RelID = "rel_" + uuid.NewString()
	}
	if rel.Namespace == "" {
		rel.Namespace = "default"
	}
	rel.Strength = types.Clamp01(rel.Strength)
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = types.Now().UTC()
	}
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func scanChat(row *sql.Row) (*types.ChatRecord, error) {
	var rec types.ChatRecord
	var meta string
	if err := row.Scan(&rec.ChatID, &rec.UserInput, &rec.AIOutput, &rec.Model,
		&rec.Timestamp, &rec.SessionID, &rec.Namespace, &rec.TokensUsed, &meta); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if len(rec.Metadata) == 0 {
		rec.Metadata = nil
	}
	return &rec, nil
}

func scanShortTermRows(rows *sql.Rows) ([]types.MemoryRow, error) {
	var out []types.MemoryRow
	for rows.Next() {
		var r types.MemoryRow
		var chatID, promotedFrom sql.NullString
		var expiresAt, lastAccessed, promotedAt sql.NullTime
		var processed string
		if err := rows.Scan(&r.MemoryID, &chatID, &processed, &r.Importance, &r.Category,
			&r.Retention, &r.Namespace, &r.CreatedAt, &expiresAt, &r.AccessCount, &lastAccessed,
			&r.Searchable, &r.Summary, &r.IsPermanentContext, &promotedFrom, &promotedAt); err != nil {
			return nil, err
		}
		r.Kind = types.KindShortTerm
		r.ChatID = chatID.String
		r.PromotedFrom = promotedFrom.String
		r.ExpiresAt = timePtr(expiresAt)
		r.LastAccessed = timePtr(lastAccessed)
		r.PromotedAt = timePtr(promotedAt)
		if err := json.Unmarshal([]byte(processed), &r.Processed); err != nil {
			return nil, fmt.Errorf("unmarshal processed_data for %s: %w", r.MemoryID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanLongTermRows(rows *sql.Rows) ([]types.MemoryRow, error) {
	var out []types.MemoryRow
	for rows.Next() {
		var r types.MemoryRow
		var chatID sql.NullString
		var expiresAt, lastAccessed sql.NullTime
		var processed string
		if err := rows.Scan(&r.MemoryID, &chatID, &processed, &r.Importance, &r.Novelty,
			&r.Relevance, &r.Actionability, &r.Category, &r.Retention, &r.ConsciousFlags,
			&r.Namespace, &r.CreatedAt, &expiresAt, &r.AccessCount, &lastAccessed,
			&r.Searchable, &r.Summary, &r.IsPermanentContext); err != nil {
			return nil, err
		}
		r.Kind = types.KindLongTerm
		r.ChatID = chatID.String
		r.ExpiresAt = timePtr(expiresAt)
		r.LastAccessed = timePtr(lastAccessed)
		if err := json.Unmarshal([]byte(processed), &r.Processed); err != nil {
			return nil, fmt.Errorf("unmarshal processed_data for %s: %w", r.MemoryID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRules(rows *sql.Rows) ([]types.Rule, error) {
	var out []types.Rule
	for rows.Next() {
		var r types.Rule
		if err := rows.Scan(&r.RuleID, &r.Text, &r.Type, &r.Priority, &r.Active,
			&r.Conditions, &r.Namespace, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRelationships(rows *sql.Rows) ([]types.Relationship, error) {
	var out []types.Relationship
	for rows.Next() {
		var r types.Relationship
		if err := rows.Scan(&r.RelID, &r.SourceID, &r.TargetID, &r.Type, &r.Strength,
			&r.Namespace, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// scanLikeCandidates scores each row by the fraction of search terms present
// in its searchable content or summary.
func scanLikeCandidates(rows *sql.Rows, terms []string) ([]Candidate, error) {
	defer rows.Close()
	var out []Candidate
	for rows.Next() {
		var c Candidate
		var kind, searchable string
		if err := rows.Scan(&c.MemoryID, &kind, &c.Summary, &c.Category, &c.Importance, &c.CreatedAt, &searchable); err != nil {
			return nil, err
		}
		c.Kind = types.MemoryKind(kind)
		c.Strategy = "like"

		haystack := strings.ToLower(searchable + " " + c.Summary)
		matched := 0
		for _, t := range terms {
			if strings.Contains(haystack, strings.ToLower(t)) {
				matched++
			}
		}
		c.Score = float64(matched) / float64(len(terms))
		out = append(out, c)
	}
	return out, rows.Err()
}

type candidateKey struct {
	id   string
	kind types.MemoryKind
}

// scoreEntityMatches folds raw entity matches into a per-memory score:
// entity relevance weighted 1.0 for exact matches, 0.7 for prefix matches,
// keeping the maximum per memory.
func scoreEntityMatches(rows *sql.Rows, terms []string) (map[candidateKey]float64, error) {
	defer rows.Close()
	exact := make(map[string]bool, len(terms))
	for _, t := range terms {
		exact[strings.ToLower(t)] = true
	}

	scores := make(map[candidateKey]float64)
	for rows.Next() {
		var id, kind, value string
		var relevance float64
		if err := rows.Scan(&id, &kind, &value, &relevance); err != nil {
			return nil, err
		}
		weight := 0.7
		if exact[strings.ToLower(value)] {
			weight = 1.0
		}
		key := candidateKey{id: id, kind: types.MemoryKind(kind)}
		if s := relevance * weight; s > scores[key] {
			scores[key] = s
		}
	}
	return scores, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}
