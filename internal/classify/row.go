package classify

import (
	"strings"
	"time"

	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

// shortTermTTL is how long unreviewed short-term memories live before the
// expiry sweep removes them.
const shortTermTTL = 7 * 24 * time.Hour

// BuildRow materializes a classified exchange into a storable row plus its
// entity index entries. Retention picks the table: short_term rows expire,
// long_term and permanent rows go to the long-term table.
func BuildRow(ns, chatID string, pm types.ProcessedMemory) (types.MemoryRow, []types.EntityRow) {
	now := types.Now().UTC()

	row := types.MemoryRow{
		ChatID:     chatID,
		Processed:  pm,
		Importance: pm.Importance.Score,
		Category:   pm.Category.Primary,
		Retention:  pm.Importance.Retention,
		Namespace:  ns,
		CreatedAt:  now,
		Searchable: pm.SearchableContent,
		Summary:    pm.Summary,
	}

	switch pm.Importance.Retention {
	case types.RetentionShortTerm:
		row.Kind = types.KindShortTerm
		expires := now.Add(shortTermTTL)
		row.ExpiresAt = &expires
	case types.RetentionPermanent:
		row.Kind = types.KindLongTerm
		row.IsPermanentContext = true
		fallthrough
	default:
		row.Kind = types.KindLongTerm
		row.Novelty = pm.Importance.Novelty
		row.Relevance = pm.Importance.Relevance
		row.Actionability = pm.Importance.Actionability
		row.ConsciousFlags = joinLabels(pm.ConsciousLabels)
	}

	entities := make([]types.EntityRow, 0, pm.Entities.Count())
	for _, ev := range pm.Entities.All() {
		entities = append(entities, types.EntityRow{
			EntityType: ev.Type,
			Value:      ev.Value,
			Relevance:  pm.Importance.Score,
			Namespace:  ns,
			CreatedAt:  now,
		})
	}
	return row, entities
}

func joinLabels(labels []types.ConsciousLabel) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = string(l)
	}
	return strings.Join(parts, ",")
}
