package learning

import (
	"strings"
	"unicode"
)

const minTermLength = 4

var stopWords = map[string]struct{}{
	"this": {}, "that": {}, "with": {}, "from": {}, "have": {}, "your": {}, "will": {},
	"about": {}, "there": {}, "their": {}, "would": {}, "could": {}, "should": {}, "please": {},
	"thanks": {}, "thank": {}, "regards": {}, "hello": {}, "dear": {}, "just": {}, "also": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "were": {}, "been": {}, "into": {},
	"here": {}, "they": {}, "them": {}, "then": {}, "than": {}, "some": {}, "more": {},
	"only": {}, "other": {}, "after": {}, "before": {}, "email": {}, "sent": {}, "best": {},
}

// extractTerms returns the distinct candidate keywords of a text.
func extractTerms(texts ...string) []string {
	seen := make(map[string]struct{})
	var terms []string
	for _, text := range texts {
		words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, w := range words {
			if len(w) < minTermLength || isNumeric(w) {
				continue
			}
			if _, stop := stopWords[w]; stop {
				continue
			}
			if _, dup := seen[w]; dup {
				continue
			}
			seen[w] = struct{}{}
			terms = append(terms, w)
		}
	}
	return terms
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
