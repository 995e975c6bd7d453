package dedup

import (
	"context"

	"github.com/openbiblio/corpus/pkg/errstax"
	"github.com/openbiblio/corpus/pkg/models"
	"github.com/openbiblio/corpus/pkg/search"
	"github.com/openbiblio/corpus/pkg/store"
)

// MinSearchabilityTokens is the searchability gate (spec §4.2): a
// reference whose title tokenizes to fewer tokens than this never
// enters scoring and is recorded unsearchable outright, since there's
// not enough signal to score it safely.
const MinSearchabilityTokens = 1

// CandidatesPerQuery caps how many ES hits feed the pair scorer,
// matching original_source's top_k=10 default.
const CandidatesPerQuery = 10

// Engine runs C8's per-reference dedup pass: searchability gate,
// candidate retrieval, pairwise scoring, and decision recording (spec
// §4.2).
type Engine struct {
	refs      *store.ReferenceStore
	enhs      *store.EnhancementStore
	decisions *store.DecisionStore
	es        *search.Client
	scorer    *PairScorer
	newID     func() string
}

// NewEngine constructs a dedup Engine over the given repositories.
func NewEngine(refs *store.ReferenceStore, enhs *store.EnhancementStore, decisions *store.DecisionStore, es *search.Client, scorer *PairScorer, newID func() string) *Engine {
	return &Engine{refs: refs, enhs: enhs, decisions: decisions, es: es, scorer: scorer, newID: newID}
}

// Run scores referenceID against the corpus and records the resulting
// decision (spec §4.2). It is idempotent: re-running it on a reference
// that already has an active decision supersedes that decision with a
// fresh one.
func (e *Engine) Run(ctx context.Context, referenceID string) (*models.ReferenceDuplicateDecision, error) {
	ref, err := e.refs.Get(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	enhancements, err := e.enhs.ListByReference(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	ref.Enhancements = enhancements
	proj := models.BuildProjection(*ref)

	if len(Tokenize(proj.Title)) < MinSearchabilityTokens {
		return e.record(ctx, referenceID, models.DeterminationUnsearchable, nil, nil)
	}

	source := ViewFromProjection(referenceID, proj, ref.Identifiers)

	candidateDocs, err := e.es.Search(ctx, buildCandidateQueryExcluding(proj, ref.Identifiers, referenceID), CandidatesPerQuery)
	if err != nil {
		return nil, errstax.ErrDeduplication
	}
	if len(candidateDocs) == 0 {
		return e.record(ctx, referenceID, models.DeterminationCanonical, nil, nil)
	}

	candidates := make([]CandidateView, 0, len(candidateDocs))
	esScores := make(map[string]float64, len(candidateDocs))
	for _, doc := range candidateDocs {
		cv := CandidateView{ReferenceID: doc.ReferenceID, Title: doc.Title, Authors: doc.Authors, Year: doc.Year}
		for _, id := range doc.Identifiers {
			switch id.Type {
			case models.IdentifierDOI:
				cv.DOI = id.Value
			case models.IdentifierOpenAlex:
				cv.OpenAlexID = id.Value
			case models.IdentifierPubMed:
				cv.PubMedID = id.Value
			}
		}
		candidates = append(candidates, cv)
		esScores[doc.ReferenceID] = doc.Score
	}

	results := e.scorer.Score(source, candidates, esScores)
	best := results[0]

	candidateIDs := make([]string, 0, len(results))
	for _, r := range results {
		candidateIDs = append(candidateIDs, r.Candidate.ReferenceID)
	}

	switch best.Confidence {
	case ConfidenceHigh:
		determination := models.DeterminationDuplicate
		if best.IDMatchType == "openalex" || best.IDMatchType == "doi_safe" {
			determination = models.DeterminationExactDuplicate
		}
		canonicalID := best.Candidate.ReferenceID
		return e.record(ctx, referenceID, determination, &canonicalID, candidateIDs)
	case ConfidenceMedium:
		canonicalID := best.Candidate.ReferenceID
		return e.record(ctx, referenceID, models.DeterminationDuplicate, &canonicalID, candidateIDs)
	default:
		return e.record(ctx, referenceID, models.DeterminationCanonical, nil, candidateIDs)
	}
}

func (e *Engine) record(ctx context.Context, referenceID string, determination models.DuplicateDetermination, canonicalID *string, candidates []string) (*models.ReferenceDuplicateDecision, error) {
	d := &models.ReferenceDuplicateDecision{
		ID:                    e.newID(),
		ReferenceID:           referenceID,
		DuplicateDetermination: determination,
		CanonicalReferenceID:  canonicalID,
		CandidateCanonicalIDs: candidates,
		ActiveDecision:        true,
	}
	if err := e.decisions.Record(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func buildCandidateQueryExcluding(proj models.Projection, identifiers []models.Identifier, excludeID string) map[string]any {
	q := search.BuildCandidateQuery(proj.Title, proj.Authors, proj.Year)
	boolQuery := q["query"].(map[string]any)["bool"].(map[string]any)
	mustNot := []map[string]any{{"term": map[string]any{"reference_id": excludeID}}}
	boolQuery["must_not"] = mustNot
	return q
}
