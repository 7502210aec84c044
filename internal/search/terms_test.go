package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"basic", "What database does the Atlas project use?", []string{"database", "atlas", "project", "use"}},
		{"dedupes", "go go go", []string{"go"}},
		{"drops short and stopwords", "I am a fan of it", []string{"am", "fan"}},
		{"empty", "", nil},
		{"punctuation only", "?! ...", nil},
		{"keeps hyphenated", "install the go-nanoid package", []string{"install", "go-nanoid", "package"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.in)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildMatch(t *testing.T) {
	assert.Equal(t, "", BuildMatch(nil))
	assert.Equal(t, `"atlas"`, BuildMatch([]string{"atlas"}))
	assert.Equal(t, `"atlas" OR "postgres"`, BuildMatch([]string{"atlas", "postgres"}))
}

func TestBuildMatchQuotesFTSSyntax(t *testing.T) {
	// FTS operators must arrive quoted, not interpreted.
	m := BuildMatch([]string{"near", "not"})
	assert.Equal(t, `"near" OR "not"`, m)
}

func TestIsStopword(t *testing.T) {
	assert.True(t, IsStopword("The"))
	assert.True(t, IsStopword("with"))
	assert.False(t, IsStopword("postgres"))
}
