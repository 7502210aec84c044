package store

import (
	"context"
	"database/sql"

	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

// dbQuerier is the read-only subset of *sql.DB / *sql.Tx the stats queries need.
type dbQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// bindFunc rewrites '?' placeholders for the backend dialect.
type bindFunc func(query string) string

func bindQuestion(query string) string { return query }

// queryStats aggregates counts and the category distribution across both
// memory tables. Shared by the sqlite and postgres backends.
func queryStats(ctx context.Context, db dbQuerier, ns string, bind bindFunc) (types.MemoryStats, error) {
	stats := types.MemoryStats{
		Namespace:            ns,
		CategoryDistribution: map[types.Category]int64{},
	}

	counts := []struct {
		query string
		dst   *int64
	}{
		{"SELECT COUNT(*) FROM chat_history WHERE namespace = ?", &stats.ChatCount},
		{"SELECT COUNT(*) FROM short_term_memory WHERE namespace = ?", &stats.ShortTermCount},
		{"SELECT COUNT(*) FROM long_term_memory WHERE namespace = ?", &stats.LongTermCount},
		{"SELECT COUNT(*) FROM rules_memory WHERE namespace = ? AND active = TRUE", &stats.RuleCount},
		{"SELECT COUNT(*) FROM short_term_memory WHERE namespace = ? AND promoted_from IS NOT NULL", &stats.WorkingSetCount},
		{"SELECT COUNT(*) FROM memory_entities WHERE namespace = ?", &stats.EntityCount},
	}
	for _, c := range counts {
		if err := db.QueryRowContext(ctx, bind(c.query), ns).Scan(c.dst); err != nil {
			return stats, err
		}
	}

	rows, err := db.QueryContext(ctx, bind(`
SELECT category_primary, COUNT(*) FROM (
    SELECT category_primary, namespace FROM short_term_memory
    UNION ALL
    SELECT category_primary, namespace FROM long_term_memory
) AS m WHERE m.namespace = ? GROUP BY category_primary`), ns)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		var n int64
		if err := rows.Scan(&cat, &n); err != nil {
			return stats, err
		}
		stats.CategoryDistribution[types.Category(cat)] = n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	var avg sql.NullFloat64
	err = db.QueryRowContext(ctx, bind(`
SELECT AVG(importance_score) FROM (
    SELECT importance_score, namespace FROM short_term_memory
    UNION ALL
    SELECT importance_score, namespace FROM long_term_memory
) AS m WHERE m.namespace = ?`), ns).Scan(&avg)
	if err != nil {
		return stats, err
	}
	stats.AvgImportance = avg.Float64
	return stats, nil
}
