package search

import (
	"regexp"
	"strings"

	"github.com/openbiblio/corpus/pkg/models"
)

// DefaultSearchFields is the field list a bare q= expands to when the
// caller names no explicit field (SPEC_FULL.md ambiguity resolution §2,
// resolved from original_source's es.py default multi-match fields).
var DefaultSearchFields = []string{"title", "abstract", "authors"}

// BuildSearchQuery constructs the query body for the §6 q= search
// endpoint: a multi-match across DefaultSearchFields (or explicit
// fields, if given), filtered to the requested visibilities.
func BuildSearchQuery(q string, fields []string, visibilities []models.Visibility) map[string]any {
	if len(fields) == 0 {
		fields = DefaultSearchFields
	}
	must := []map[string]any{
		{"multi_match": map[string]any{"query": q, "fields": fields}},
	}
	filter := []map[string]any{}
	if len(visibilities) > 0 {
		filter = append(filter, map[string]any{"terms": map[string]any{"visibility": visibilities}})
	}
	return map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must":   must,
				"filter": filter,
			},
		},
	}
}

var authorTokenPattern = regexp.MustCompile(`[a-zA-Z]+`)

// maxCandidateAuthorTokens bounds the dis-max clause count (spec §4.2's
// "up to K author tokens").
const maxCandidateAuthorTokens = 10

// collaborationAuthorGuard and collaborationGuardSlots implement spec
// §4.2's collaboration guard: author-token overlap is dropped for
// reference authors lists that look like large-collaboration
// author lists, since they inflate BM25 without discriminating signal.
const (
	collaborationAuthorGuard = 50
	collaborationGuardSlots  = 5
)

// collaborationMarkers are checked against the first
// collaborationGuardSlots author slots (spec §4.2).
var collaborationMarkers = []string{"collaboration", "cern", "atlas", "cms"}

// authorTokens extracts the dis-max clause tokens for a candidate
// query: lowercase alphabetic tokens from every author name, dropping
// single-letter initials and any token shorter than 2 characters, and
// capped at maxCandidateAuthorTokens (spec §4.2).
func authorTokens(authors []string) []string {
	tokens := make([]string, 0, len(authors))
	for _, a := range authors {
		for _, m := range authorTokenPattern.FindAllString(a, -1) {
			if len(m) < 2 {
				continue
			}
			tokens = append(tokens, strings.ToLower(m))
			if len(tokens) >= maxCandidateAuthorTokens {
				return tokens
			}
		}
	}
	return tokens
}

// isCollaborationAuthorList reports whether authors looks like a
// large-collaboration author list: more than 50 authors, or one of the
// collaboration markers appearing in the first five author slots (spec
// §4.2).
func isCollaborationAuthorList(authors []string) bool {
	if len(authors) > collaborationAuthorGuard {
		return true
	}
	limit := len(authors)
	if limit > collaborationGuardSlots {
		limit = collaborationGuardSlots
	}
	for _, a := range authors[:limit] {
		lower := strings.ToLower(a)
		for _, marker := range collaborationMarkers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

// BuildCandidateQuery constructs the dedup engine's candidate-retrieval
// query (spec §4.2): a fuzzy, minimum-should-match title match, a
// dis-max across filtered author tokens guarded against large
// collaborations, an optional year filter, and a filter limiting
// results to active-canonical documents (so a reference is only ever
// scored against current canonicals, never against another
// already-resolved duplicate).
func BuildCandidateQuery(title string, authors []string, year *int) map[string]any {
	must := []map[string]any{
		{"match": map[string]any{"title": map[string]any{
			"query":                title,
			"fuzziness":            "AUTO",
			"minimum_should_match": "50%",
		}}},
	}

	if !isCollaborationAuthorList(authors) {
		if tokens := authorTokens(authors); len(tokens) > 0 {
			clauses := make([]map[string]any, 0, len(tokens))
			for _, tok := range tokens {
				clauses = append(clauses, map[string]any{"match": map[string]any{"authors": tok}})
			}
			must = append(must, map[string]any{
				"dis_max": map[string]any{"queries": clauses, "tie_breaker": 0.3},
			})
		}
	}

	filter := []map[string]any{
		{"term": map[string]any{"active_canonical": true}},
	}
	if year != nil {
		filter = append(filter, map[string]any{
			"range": map[string]any{"year": map[string]any{"gte": *year - 1, "lte": *year + 1}},
		})
	}

	return map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must":   must,
				"filter": filter,
			},
		},
	}
}
