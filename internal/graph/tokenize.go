package graph

import (
	"strings"
	"unicode"
)

// tokenize lowercases s and splits it on any non-letter, non-digit rune.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// entityTokens collects the token set of an entity: its name plus every
// string leaf of its content, however deeply nested.
func entityTokens(name string, content map[string]any) map[string]struct{} {
	tokens := map[string]struct{}{}
	for _, tok := range tokenize(name) {
		tokens[tok] = struct{}{}
	}
	collectStringLeaves(content, tokens)
	return tokens
}

func collectStringLeaves(v any, tokens map[string]struct{}) {
	switch val := v.(type) {
	case string:
		for _, tok := range tokenize(val) {
			tokens[tok] = struct{}{}
		}
	case map[string]any:
		for _, item := range val {
			collectStringLeaves(item, tokens)
		}
	case []any:
		for _, item := range val {
			collectStringLeaves(item, tokens)
		}
	}
}
