package classify

import (
	"regexp"
	"strings"

	"github.com/vishalbelsare/memori-sub000/internal/search"
	"github.com/vishalbelsare/memori-sub000/pkg/types"
)

// minFallbackLen is the combined exchange length below which the fallback
// declines to store anything; there is no signal in a one-word exchange.
const minFallbackLen = 20

// capitalizedToken matches words that look like proper nouns mid-sentence.
var capitalizedToken = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9_.+-]{2,}\b`)

// techKeywords is a curated keyword list for the rule-based extractor. Exact
// lowercase matches only.
var techKeywords = map[string]bool{
	"api": true, "aws": true, "azure": true, "cache": true, "ci": true,
	"cli": true, "database": true, "docker": true, "gcp": true, "git": true,
	"github": true, "go": true, "golang": true, "graphql": true, "grpc": true,
	"http": true, "java": true, "javascript": true, "json": true,
	"kubernetes": true, "linux": true, "mysql": true, "node": true,
	"postgres": true, "postgresql": true, "python": true, "react": true,
	"redis": true, "rest": true, "rust": true, "sql": true, "sqlite": true,
	"terraform": true, "typescript": true, "yaml": true,
}

// Fallback is the deterministic rule-based classifier used when no provider
// is configured or the provider call fails. Identical input always yields
// identical output: category context, importance 0.5, short-term retention.
// Category judgement is the provider's job; the fallback only extracts
// entities and keeps the exchange searchable.
func Fallback(userInput, aiOutput string) types.ProcessedMemory {
	text := strings.TrimSpace(userInput + " " + aiOutput)
	if len(text) < minFallbackLen {
		return types.ProcessedMemory{
			Category:    types.CategoryAssessment{Primary: types.CategoryContext, Confidence: 0.2},
			Importance:  types.Importance{Score: 0.1, Retention: types.RetentionShortTerm},
			ShouldStore: false,
		}
	}

	pm := types.ProcessedMemory{
		Category: types.CategoryAssessment{
			Primary:    types.CategoryContext,
			Confidence: 0.3,
			Reasoning:  "rule-based fallback",
		},
		Entities:          extractEntities(userInput, aiOutput),
		Importance:        types.Importance{Score: 0.5, Retention: types.RetentionShortTerm},
		Summary:           fallbackSummary(userInput),
		SearchableContent: text,
		ShouldStore:       true,
	}
	pm.Normalize()
	return pm
}

// extractEntities pulls capitalized tokens and curated tech keywords. The
// first sentence word is skipped unless it reappears capitalized later or is
// a known keyword, since English capitalizes sentence starts regardless.
func extractEntities(userInput, aiOutput string) types.Entities {
	text := userInput + " " + aiOutput
	var e types.Entities

	for _, tok := range capitalizedToken.FindAllString(text, -1) {
		if search.IsStopword(tok) || isSentenceStartOnly(text, tok) {
			continue
		}
		if techKeywords[strings.ToLower(tok)] {
			e.Technologies = append(e.Technologies, tok)
		} else {
			e.Keywords = append(e.Keywords, tok)
		}
	}
	for _, word := range search.Tokenize(text) {
		if techKeywords[word] {
			e.Technologies = append(e.Technologies, word)
		}
	}
	return e
}

// isSentenceStartOnly reports whether every occurrence of tok sits at the
// start of the text or right after sentence punctuation.
func isSentenceStartOnly(text, tok string) bool {
	idx := 0
	for {
		pos := strings.Index(text[idx:], tok)
		if pos < 0 {
			return true
		}
		abs := idx + pos
		if !atSentenceStart(text, abs) {
			return false
		}
		idx = abs + len(tok)
	}
}

func atSentenceStart(text string, pos int) bool {
	for i := pos - 1; i >= 0; i-- {
		switch text[i] {
		case ' ', '\t', '\n', '\r', '"', '\'':
			continue
		case '.', '!', '?':
			return true
		default:
			return false
		}
	}
	return true // start of text
}

func fallbackSummary(userInput string) string {
	s := strings.TrimSpace(userInput)
	if len(s) > types.MaxSummaryLen {
		s = s[:types.MaxSummaryLen]
	}
	return s
}

