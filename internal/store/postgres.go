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

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

//go:embed migrations/postgres/0001_schema.sql
var postgresSchema string

// Postgres is the networked backend for multi-process deployments. It shares
// the schema shape with SQLite but has no FTS index; search degrades to the
// LIKE and entity strategies.
type Postgres struct {
	db     *sqlx.DB
	opts   Options
	logger zerolog.Logger
}

// OpenPostgres connects to the database named by the connection string, runs
// migrations, and validates the schema version.
func OpenPostgres(conn string, opts Options, logger zerolog.Logger) (*Postgres, error) {
	opts.applyDefaults()

	db, err := sqlx.Open("postgres", conn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(opts.PoolSize)
	db.SetMaxIdleConns(opts.PoolSize / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrTransient, err)
	}

	p := &Postgres{db: db, opts: opts, logger: logger}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info().Int("pool_size", opts.PoolSize).Msg("postgres store opened")
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range splitStatements(postgresSchema) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute statement %d: %w", i+1, err)
		}
	}
	if err := validateSchemaVersion(ctx, tx, p.bind); err != nil {
		return err
	}
	return tx.Commit()
}

// bind rewrites '?' placeholders into the $N form lib/pq expects.
func (p *Postgres) bind(query string) string {
	return sqlx.Rebind(sqlx.DOLLAR, query)
}

// mapPgErr translates lib/pq errors into the store taxonomy.
func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if pqErr, ok := err.(*pq.Error); ok {
		code := string(pqErr.Code)
		switch {
		case code == "23505": // unique_violation
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case strings.HasPrefix(code, "08"), // connection exceptions
			code == "40001", // serialization_failure
			code == "40P01", // deadlock_detected
			code == "55P03", // lock_not_available
			code == "57014": // query_canceled
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return err
	}
	if err == sql.ErrConnDone || strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

func (p *Postgres) write(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return withRetry(ctx, p.opts.MaxRetries, func() error {
		tx, err := p.db.BeginTxx(ctx, nil)
		if err != nil {
			return mapPgErr(err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return mapPgErr(err)
		}
		return mapPgErr(tx.Commit())
	})
}

func (p *Postgres) echo(query string) {
	if p.opts.EchoSQL {
		p.logger.Debug().Str("sql", strings.Join(strings.Fields(query), " ")).Msg("exec")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// WRITE VERBS
// ═══════════════════════════════════════════════════════════════════════════════

func (p *Postgres) PutChat(ctx context.Context, rec *types.ChatRecord) (string, error) {
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

	q := p.bind(insertChatSQL)
	p.echo(q)
	err = p.write(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			rec.ChatID, rec.UserInput, rec.AIOutput, rec.Model, rec.Timestamp.UTC(),
			rec.SessionID, rec.Namespace, rec.TokensUsed, string(meta))
		return err
	})
	if err != nil {
		return "", err
	}
	return rec.ChatID, nil
}

func (p *Postgres) GetChat(ctx context.Context, ns, chatID string) (*types.ChatRecord, error) {
	q := p.bind(getChatSQL)
	p.echo(q)
	rec, err := scanChat(p.db.QueryRowContext(ctx, q, ns, chatID))
	if err != nil {
		return nil, mapPgErr(err)
	}
	return rec, nil
}

func (p *Postgres) PutMemory(ctx context.Context, row *types.MemoryRow, entities []types.EntityRow) (string, error) {
	prepareMemoryRow(row)
	processed, err := json.Marshal(row.Processed)
	if err != nil {
		return "", fmt.Errorf("marshal processed_data: %w", err)
	}

	err = p.write(ctx, func(tx *sqlx.Tx) error {
		if row.Kind == types.KindLongTerm {
			if _, err := tx.ExecContext(ctx, p.bind(insertLongTermSQL),
				row.MemoryID, nullStr(row.ChatID), string(processed), row.Importance, row.Novelty,
				row.Relevance, row.Actionability, string(row.Category), string(row.Retention),
				row.ConsciousFlags, row.Namespace, row.CreatedAt.UTC(), nullTime(row.ExpiresAt),
				row.Searchable, row.Summary, row.IsPermanentContext); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx, p.bind(insertShortTermSQL),
				row.MemoryID, nullStr(row.ChatID), string(processed), row.Importance, string(row.Category),
				string(row.Retention), row.Namespace, row.CreatedAt.UTC(), nullTime(row.ExpiresAt),
				row.Searchable, row.Summary, row.IsPermanentContext, nullStr(row.PromotedFrom), nullTime(row.PromotedAt)); err != nil {
				return err
			}
		}
		for i := range entities {
			e := &entities[i]
			prepareEntityRow(e, row)
			if _, err := tx.ExecContext(ctx, p.bind(insertEntitySQL),
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

func (p *Postgres) UpsertWorkingSet(ctx context.Context, row *types.MemoryRow) error {
	prepareMemoryRow(row)
	processed, err := json.Marshal(row.Processed)
	if err != nil {
		return fmt.Errorf("marshal processed_data: %w", err)
	}
	q := p.bind(upsertWorkingSetSQL)
	return p.write(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			row.MemoryID, nullStr(row.ChatID), string(processed), row.Importance, string(row.Category),
			string(types.RetentionShortTerm), row.Namespace, row.CreatedAt.UTC(),
			row.Searchable, row.Summary, nullStr(row.PromotedFrom), nullTime(row.PromotedAt))
		return err
	})
}

func (p *Postgres) TouchMemory(ctx context.Context, ns, memoryID string) error {
	now := types.Now().UTC()
	return p.write(ctx, func(tx *sqlx.Tx) error {
		for _, table := range []string{"short_term_memory", "long_term_memory"} {
			q := p.bind(fmt.Sprintf(
				"UPDATE %s SET access_count = access_count + 1, last_accessed = ? WHERE namespace = ? AND memory_id = ?",
				table))
			if _, err := tx.ExecContext(ctx, q, now, ns, memoryID); err != nil {
				return err
			}
		}
		return nil
	})
}

// Postgres has no cascade triggers; deletes clean the entity index in the
// same transaction.
func (p *Postgres) ExpireShortTerm(ctx context.Context, ns string, now time.Time) (int64, error) {
	var removed int64
	err := p.write(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, p.bind(`
DELETE FROM memory_entities WHERE namespace = ? AND memory_type = 'short_term' AND memory_id IN (
    SELECT memory_id FROM short_term_memory WHERE namespace = ? AND expires_at IS NOT NULL AND expires_at < ?)`),
			ns, ns, now.UTC()); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, p.bind(
			"DELETE FROM short_term_memory WHERE namespace = ? AND expires_at IS NOT NULL AND expires_at < ?"),
			ns, now.UTC())
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

func (p *Postgres) ApplyRetentionPolicy(ctx context.Context, ns string, maxAge time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-maxAge).UTC()
	var removed int64
	err := p.write(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, p.bind(`
DELETE FROM memory_entities WHERE namespace = ? AND memory_type = 'long_term' AND memory_id IN (
    SELECT memory_id FROM long_term_memory WHERE namespace = ? AND retention_type = ? AND created_at < ?)`),
			ns, ns, string(types.RetentionLongTerm), cutoff); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, p.bind(
			"DELETE FROM long_term_memory WHERE namespace = ? AND retention_type = ? AND created_at < ?"),
			ns, string(types.RetentionLongTerm), cutoff)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

func (p *Postgres) PutRule(ctx context.Context, rule *types.Rule) error {
	prepareRule(rule)
	return p.write(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, p.bind(`
INSERT INTO rules_memory (rule_id, rule_text, rule_type, priority, active, context_conditions, namespace, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (rule_id) DO UPDATE SET
    rule_text = excluded.rule_text,
    rule_type = excluded.rule_type,
    priority = excluded.priority,
    active = excluded.active,
    context_conditions = excluded.context_conditions,
    updated_at = excluded.updated_at`),
			rule.RuleID, rule.Text, string(rule.Type), rule.Priority, rule.Active,
			rule.Conditions, rule.Namespace, rule.CreatedAt.UTC(), rule.UpdatedAt.UTC())
		return err
	})
}

func (p *Postgres) PutRelationship(ctx context.Context, rel *types.Relationship) error {
	prepareRelationship(rel)
	return p.write(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, p.bind(`
INSERT INTO memory_relationships (rel_id, source_memory_id, target_memory_id, relationship_type, strength, namespace, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
			rel.RelID, rel.SourceID, rel.TargetID, string(rel.Type), rel.Strength,
			rel.Namespace, rel.CreatedAt.UTC())
		return err
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// READ VERBS
// ═══════════════════════════════════════════════════════════════════════════════

func (p *Postgres) ListShortTerm(ctx context.Context, ns string, limit int) ([]types.MemoryRow, error) {
	if limit <= 0 {
		limit = 50
	}
	q := p.bind(fmt.Sprintf(`SELECT %s FROM short_term_memory WHERE namespace = ?
ORDER BY is_permanent_context DESC, importance_score DESC, created_at DESC LIMIT ?`, shortTermColumns))
	p.echo(q)

	rows, err := p.db.QueryContext(ctx, q, ns, limit)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()
	return scanShortTermRows(rows)
}

func (p *Postgres) ListLongTerm(ctx context.Context, ns string, f LongTermFilters) ([]types.MemoryRow, error) {
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
	q = p.bind(q)
	p.echo(q)

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()
	return scanLongTermRows(rows)
}

func (p *Postgres) GetRules(ctx context.Context, ns string, activeOnly bool) ([]types.Rule, error) {
	q := `SELECT rule_id, rule_text, rule_type, priority, active, context_conditions, namespace, created_at, updated_at
FROM rules_memory WHERE namespace = ?`
	if activeOnly {
		q += " AND active = TRUE"
	}
	q += " ORDER BY priority DESC, created_at ASC"

	rows, err := p.db.QueryContext(ctx, p.bind(q), ns)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func (p *Postgres) ListRelated(ctx context.Context, ns, memoryID string, limit int) ([]types.Relationship, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.db.QueryContext(ctx, p.bind(`
SELECT rel_id, source_memory_id, target_memory_id, relationship_type, strength, namespace, created_at
FROM memory_relationships
WHERE namespace = ? AND (source_memory_id = ? OR target_memory_id = ?)
ORDER BY strength DESC LIMIT ?`), ns, memoryID, memoryID, limit)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

func (p *Postgres) Stats(ctx context.Context, ns string) (types.MemoryStats, error) {
	stats, err := queryStats(ctx, p.db, ns, p.bind)
	if err != nil {
		return stats, mapPgErr(err)
	}
	return stats, nil
}

func (p *Postgres) Health(ctx context.Context) types.Health {
	h := types.Health{Backend: "postgres", SchemaVersion: SchemaVersion, FTSAvailable: false}
	if err := p.db.PingContext(ctx); err == nil {
		h.Connected = true
	}
	return h
}

func (p *Postgres) Close() error { return p.db.Close() }

// ═══════════════════════════════════════════════════════════════════════════════
// SEARCH CANDIDATES
// ═══════════════════════════════════════════════════════════════════════════════

// FTSAvailable is always false here; the composite engine relies on the LIKE
// and entity strategies instead.
func (p *Postgres) FTSAvailable() bool { return false }

func (p *Postgres) FTSCandidates(ctx context.Context, ns, match string, limit int) ([]Candidate, error) {
	return nil, nil
}

func (p *Postgres) LikeCandidates(ctx context.Context, ns string, terms []string, limit int) ([]Candidate, error) {
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
	q = p.bind(q)
	p.echo(q)

	rows, err := p.db.QueryContext(ctx, q, all...)
	if err != nil {
		return nil, mapPgErr(err)
	}
	return scanLikeCandidates(rows, terms)
}

func (p *Postgres) CountMemories(ctx context.Context, ns string) (int64, error) {
	var n int64
	if err := p.db.QueryRowContext(ctx, p.bind(countMemoriesSQL), ns, ns).Scan(&n); err != nil {
		return 0, mapPgErr(err)
	}
	return n, nil
}

func (p *Postgres) EntityCandidates(ctx context.Context, ns string, terms []string, limit int) ([]Candidate, error) {
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
	q = p.bind(q)
	p.echo(q)

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapPgErr(err)
	}
	scores, err := scoreEntityMatches(rows, terms)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for key, score := range scores {
		table := "short_term_memory"
		if key.kind == types.KindLongTerm {
			table = "long_term_memory"
		}
		mq := p.bind(fmt.Sprintf(
			"SELECT summary, category_primary, importance_score, created_at FROM %s WHERE namespace = ? AND memory_id = ?",
			table))

		c := Candidate{MemoryID: key.id, Kind: key.kind, Score: score, Strategy: "entity"}
		err := p.db.QueryRowContext(ctx, mq, ns, key.id).
			Scan(&c.Summary, &c.Category, &c.Importance, &c.CreatedAt)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, mapPgErr(err)
		}
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
