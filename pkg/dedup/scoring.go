package dedup

import (
	"strings"

	"github.com/openbiblio/corpus/pkg/models"
)

// ConfidenceLevel is the pairwise-score confidence tier (spec §4.2).
type ConfidenceLevel string

// Known confidence levels.
const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// ScoringConfig holds the thresholds PairScorer.Score tests against,
// matching original_source's DedupScoringConfig field-for-field so its
// documented benchmark thresholds transfer directly.
type ScoringConfig struct {
	ESHighScoreThreshold   float64
	HighScoreMinJaccard    float64
	ESMinScoreThreshold    float64
	JaccardThreshold       float64
	ShortTitleMaxTokens    int
	ShortTitleMinESScore   float64
	ShortTitleMinJaccard   float64
	DOISafetyMinTitleTokens int
}

// DefaultScoringConfig holds the thresholds named in original_source's
// scoring.py docstring (ES >= 100 high, ES >= 50 + Jaccard >= 0.6
// medium, short-title fallback ES >= 20 + Jaccard >= 0.99).
var DefaultScoringConfig = ScoringConfig{
	ESHighScoreThreshold:    100,
	HighScoreMinJaccard:     0.5,
	ESMinScoreThreshold:     50,
	JaccardThreshold:        0.6,
	ShortTitleMaxTokens:     2,
	ShortTitleMinESScore:    20,
	ShortTitleMinJaccard:    0.99,
	DOISafetyMinTitleTokens: 3,
}

// CandidateView is the lightweight projection of a reference used for
// scoring, avoiding a full Reference load for every candidate.
type CandidateView struct {
	ReferenceID string
	Title       string
	Authors     []string
	Year        *int
	DOI         string
	OpenAlexID  string
	PubMedID    string
}

// ViewFromProjection builds a CandidateView from a reference's merged
// projection and identifiers.
func ViewFromProjection(referenceID string, proj models.Projection, identifiers []models.Identifier) CandidateView {
	v := CandidateView{ReferenceID: referenceID, Title: proj.Title, Authors: proj.Authors, Year: proj.Year}
	if doi, ok := models.ValueOfType(identifiers, models.IdentifierDOI); ok {
		v.DOI = strings.ToLower(doi)
	}
	if oa, ok := models.ValueOfType(identifiers, models.IdentifierOpenAlex); ok {
		v.OpenAlexID = oa
	}
	if pm, ok := models.ValueOfType(identifiers, models.IdentifierPubMed); ok {
		v.PubMedID = pm
	}
	return v
}

// ScoringResult is the outcome of scoring one candidate against a
// source reference (spec §4.2).
type ScoringResult struct {
	Candidate     CandidateView
	CombinedScore float64
	Confidence    ConfidenceLevel
	ESScore       float64
	JaccardScore  float64
	IDMatchType   string
}

// PairScorer scores a source reference against retrieved candidates
// using the ES+Jaccard algorithm (spec §4.2), prioritizing precision
// over recall: identifier short-circuits first, then ES+Jaccard
// verification tiers, then a low-confidence default.
type PairScorer struct {
	config ScoringConfig
}

// NewPairScorer constructs a PairScorer with the given thresholds.
func NewPairScorer(cfg ScoringConfig) *PairScorer {
	return &PairScorer{config: cfg}
}

// Score evaluates candidates against source, each paired with its
// Elasticsearch BM25 score, and returns results sorted by combined
// score descending.
func (p *PairScorer) Score(source CandidateView, candidates []CandidateView, esScores map[string]float64) []ScoringResult {
	results := make([]ScoringResult, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, p.scorePair(source, c, esScores[c.ReferenceID]))
	}
	sortByScoreDesc(results)
	return results
}

func (p *PairScorer) scorePair(source, candidate CandidateView, esScore float64) ScoringResult {
	jaccard := TitleJaccard(source.Title, candidate.Title)
	srcTokens := len(Tokenize(source.Title))

	if r := p.checkIdentifierMatch(source, candidate, srcTokens, esScore, jaccard); r != nil {
		return *r
	}

	// Step 3: ES high-score threshold requires a minimum Jaccard to
	// guard against large-collaboration papers whose author-token
	// overlap inflates the ES score without the titles actually
	// matching (e.g. CERN papers with thousands of co-authors).
	if esScore >= p.config.ESHighScoreThreshold && jaccard >= p.config.HighScoreMinJaccard {
		return ScoringResult{Candidate: candidate, CombinedScore: 0.95, Confidence: ConfidenceHigh, ESScore: esScore, JaccardScore: jaccard}
	}

	if esScore >= p.config.ESMinScoreThreshold && jaccard >= p.config.JaccardThreshold {
		combined := 0.5 + jaccard*0.3 + min(esScore, 100)/100*0.2
		return ScoringResult{Candidate: candidate, CombinedScore: combined, Confidence: ConfidenceMedium, ESScore: esScore, JaccardScore: jaccard}
	}

	if srcTokens <= p.config.ShortTitleMaxTokens && esScore >= p.config.ShortTitleMinESScore && jaccard >= p.config.ShortTitleMinJaccard {
		return ScoringResult{Candidate: candidate, CombinedScore: 0.7, Confidence: ConfidenceMedium, ESScore: esScore, JaccardScore: jaccard}
	}

	combined := jaccard*0.5 + min(esScore, 100)/100*0.3
	return ScoringResult{Candidate: candidate, CombinedScore: combined, Confidence: ConfidenceLow, ESScore: esScore, JaccardScore: jaccard}
}

func (p *PairScorer) checkIdentifierMatch(source, candidate CandidateView, srcTokens int, esScore, jaccard float64) *ScoringResult {
	if source.OpenAlexID != "" && candidate.OpenAlexID != "" && source.OpenAlexID == candidate.OpenAlexID {
		return &ScoringResult{Candidate: candidate, CombinedScore: 1.0, Confidence: ConfidenceHigh, ESScore: esScore, JaccardScore: jaccard, IDMatchType: "openalex"}
	}

	if source.DOI != "" && candidate.DOI != "" && source.DOI == candidate.DOI {
		hasYear := source.Year != nil
		hasAuthors := len(source.Authors) > 0
		if hasYear && (hasAuthors || srcTokens >= p.config.DOISafetyMinTitleTokens) {
			return &ScoringResult{Candidate: candidate, CombinedScore: 1.0, Confidence: ConfidenceHigh, ESScore: esScore, JaccardScore: jaccard, IDMatchType: "doi_safe"}
		}
	}

	return nil
}

func sortByScoreDesc(results []ScoringResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].CombinedScore > results[j-1].CombinedScore; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}
