package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

func TestFallbackDeterminism(t *testing.T) {
	user := "I prefer PostgreSQL over MySQL for the Atlas project"
	ai := "Noted, PostgreSQL it is."

	first := Fallback(user, ai)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Fallback(user, ai))
	}
}

func TestFallbackShortExchangeNotStored(t *testing.T) {
	pm := Fallback("hi", "hello")
	assert.False(t, pm.ShouldStore)
	assert.Equal(t, types.CategoryContext, pm.Category.Primary)
	assert.Equal(t, types.RetentionShortTerm, pm.Importance.Retention)
}

func TestFallbackCategoryFixedAtContext(t *testing.T) {
	// The fallback never guesses a category, even for text that reads like
	// a rule or a preference; that judgement is the provider's.
	tests := []struct {
		name string
		user string
	}{
		{"preference-like text", "I prefer tabs over spaces in this codebase"},
		{"rule-like text", "Always respond in formal English going forward"},
		{"plain statement", "The deployment pipeline runs on weekday mornings"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm := Fallback(tt.user, "Understood.")
			require.True(t, pm.ShouldStore)
			assert.Equal(t, types.CategoryContext, pm.Category.Primary)
			assert.Equal(t, types.RetentionShortTerm, pm.Importance.Retention)
			assert.Equal(t, 0.5, pm.Importance.Score)
		})
	}
}

func TestFallbackEntityExtraction(t *testing.T) {
	pm := Fallback(
		"We are moving the Atlas service from MySQL to PostgreSQL with Docker",
		"Migrating Atlas to PostgreSQL makes sense.",
	)
	require.True(t, pm.ShouldStore)

	assert.Contains(t, pm.Entities.Technologies, "MySQL")
	assert.Contains(t, pm.Entities.Technologies, "PostgreSQL")
	assert.Contains(t, pm.Entities.Technologies, "Docker")
	assert.Contains(t, pm.Entities.Keywords, "Atlas")
}

func TestFallbackSkipsSentenceStartCapitals(t *testing.T) {
	// "Tomorrow" only ever appears at a sentence start, so it is not
	// treated as a proper noun.
	pm := Fallback("Tomorrow we should review the cache settings. Tomorrow works for me.", "Sounds good.")
	assert.NotContains(t, pm.Entities.Keywords, "Tomorrow")
}

func TestFallbackSummaryBounded(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "the quick brown fox jumps over something "
	}
	pm := Fallback(long, "ok")
	assert.LessOrEqual(t, len(pm.Summary), types.MaxSummaryLen)
}

func TestBuildRowRetentionRouting(t *testing.T) {
	base := types.ProcessedMemory{
		Category:          types.CategoryAssessment{Primary: types.CategoryFact},
		Summary:           "user works on Atlas",
		SearchableContent: "atlas project",
		ShouldStore:       true,
	}

	t.Run("short term expires", func(t *testing.T) {
		pm := base
		pm.Importance = types.Importance{Score: 0.4, Retention: types.RetentionShortTerm}
		row, _ := BuildRow("default", "chat_1", pm)
		assert.Equal(t, types.KindShortTerm, row.Kind)
		require.NotNil(t, row.ExpiresAt)
		assert.Equal(t, shortTermTTL, row.ExpiresAt.Sub(row.CreatedAt))
	})

	t.Run("long term does not expire", func(t *testing.T) {
		pm := base
		pm.Importance = types.Importance{Score: 0.8, Novelty: 0.6, Retention: types.RetentionLongTerm}
		pm.ConsciousLabels = []types.ConsciousLabel{types.LabelIdentity}
		row, _ := BuildRow("default", "chat_1", pm)
		assert.Equal(t, types.KindLongTerm, row.Kind)
		assert.Nil(t, row.ExpiresAt)
		assert.Equal(t, 0.6, row.Novelty)
		assert.Equal(t, "identity", row.ConsciousFlags)
		assert.False(t, row.IsPermanentContext)
	})

	t.Run("permanent flagged", func(t *testing.T) {
		pm := base
		pm.Importance = types.Importance{Score: 0.9, Retention: types.RetentionPermanent}
		row, _ := BuildRow("default", "chat_1", pm)
		assert.Equal(t, types.KindLongTerm, row.Kind)
		assert.True(t, row.IsPermanentContext)
		assert.Nil(t, row.ExpiresAt)
	})
}

func TestBuildRowEntities(t *testing.T) {
	pm := types.ProcessedMemory{
		Category:   types.CategoryAssessment{Primary: types.CategorySkill},
		Importance: types.Importance{Score: 0.7, Retention: types.RetentionLongTerm},
		Entities: types.Entities{
			Technologies: []string{"Go"},
			Skills:       []string{"profiling"},
		},
		ShouldStore: true,
	}
	row, entities := BuildRow("ns1", "chat_9", pm)

	require.Len(t, entities, 2)
	for _, e := range entities {
		assert.Equal(t, "ns1", e.Namespace)
		assert.Equal(t, 0.7, e.Relevance)
	}
	assert.Equal(t, "ns1", row.Namespace)
	assert.Equal(t, "chat_9", row.ChatID)
}
