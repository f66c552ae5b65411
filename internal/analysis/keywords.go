package analysis

import (
	"slices"
	"strings"
	"unicode"
)

// Keywords derives the search index of an aggregate from its message and the
// text of each of its comments. Text is split on every rune that is neither a
// letter nor a digit (so "_" separates too), tokens are lower-cased and
// deduplicated. The result is sorted so re-deriving from unchanged input
// always yields the same slice.
func Keywords(message string, comments ...string) []string {
	seen := make(map[string]struct{})
	collect := func(text string) {
		for _, tok := range Tokenize(text) {
			seen[tok] = struct{}{}
		}
	}

	collect(message)
	for _, c := range comments {
		collect(c)
	}

	out := make([]string, 0, len(seen))
	for tok := range seen {
		out = append(out, tok)
	}
	slices.Sort(out)
	return out
}

// Tokenize splits text into lower-cased word tokens, keeping duplicates and order.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, isSeparator)
	for i, f := range fields {
		fields[i] = strings.ToLower(f)
	}
	return fields
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
