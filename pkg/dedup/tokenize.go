// Package dedup implements C8 Deduplication Engine (spec §4.2): a
// title-token Jaccard similarity combined with Elasticsearch BM25
// candidate retrieval, scored through a confidence-tiered priority
// order, grounded on original_source's scoring.py (the stripping
// tokenizer there is the one SPEC_FULL.md's ambiguity resolution names
// as authoritative — see DESIGN.md's "two tokenizers" entry).
package dedup

import (
	"regexp"
	"strings"
)

var (
	tagPattern   = regexp.MustCompile(`<[^>]+>`)
	tokenPattern = regexp.MustCompile(`[a-zA-Z0-9]+`)
)

// Tokenize strips XML/HTML tags (including MathML) before extracting
// lowercase alphanumeric tokens, so markup artifacts like "mml" or
// "xmlns" never pollute the similarity comparison.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	clean := tagPattern.ReplaceAllString(text, " ")
	matches := tokenPattern.FindAllString(clean, -1)
	tokens := make([]string, len(matches))
	for i, m := range matches {
		tokens[i] = strings.ToLower(m)
	}
	return tokens
}

// TitleJaccard computes the Jaccard similarity of two titles' token
// sets: |intersection| / |union|. Returns 0 if either title tokenizes
// to nothing.
func TitleJaccard(t1, t2 string) float64 {
	set1 := tokenSet(t1)
	set2 := tokenSet(t2)
	if len(set1) == 0 || len(set2) == 0 {
		return 0
	}

	intersection := 0
	for tok := range set1 {
		if set2[tok] {
			intersection++
		}
	}
	union := len(set1) + len(set2) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(text string) map[string]bool {
	tokens := Tokenize(text)
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}
