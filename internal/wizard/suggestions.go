package wizard

import "github.com/JonMunkholm/importwizard/internal/importsvc"

// DefaultSuggestionThreshold is the confidence a suggestion must exceed to
// be applied.
const DefaultSuggestionThreshold = 0.5

// ApplySuggestions returns a copy of mappings with FieldName overwritten for
// every column that has a suggestion strictly above threshold. Order,
// length and DefaultValue are preserved, so applying the same suggestions
// twice gives the same result as applying them once.
//
// When the server sends several suggestions for one column, the most
// confident wins.
func ApplySuggestions(mappings []importsvc.ColumnMapping, suggestions []importsvc.MappingSuggestion, threshold float64) []importsvc.ColumnMapping {
	best := make(map[string]importsvc.MappingSuggestion, len(suggestions))
	for _, s := range suggestions {
		if s.Confidence <= threshold || s.SuggestedField == "" {
			continue
		}
		if cur, ok := best[s.ColumnName]; !ok || s.Confidence > cur.Confidence {
			best[s.ColumnName] = s
		}
	}

	out := make([]importsvc.ColumnMapping, len(mappings))
	for i, m := range mappings {
		if s, ok := best[m.ColumnName]; ok {
			m.FieldName = s.SuggestedField
		}
		out[i] = m
	}
	return out
}

// countChanged returns how many mappings differ in FieldName.
func countChanged(before, after []importsvc.ColumnMapping) int {
	n := 0
	for i := range before {
		if i < len(after) && before[i].FieldName != after[i].FieldName {
			n++
		}
	}
	return n
}
