package dedup

import "testing"

func intPtr(n int) *int { return &n }

func TestPairScorer_OpenAlexMatchIsExactDuplicateRegardlessOfScore(t *testing.T) {
	scorer := NewPairScorer(DefaultScoringConfig)
	source := CandidateView{ReferenceID: "a", Title: "Totally Different Title", OpenAlexID: "W123"}
	candidate := CandidateView{ReferenceID: "b", Title: "Completely Unrelated Text", OpenAlexID: "W123"}

	results := scorer.Score(source, []CandidateView{candidate}, map[string]float64{"b": 0})

	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].Confidence != ConfidenceHigh || results[0].IDMatchType != "openalex" {
		t.Fatalf("result = %+v, want high/openalex", results[0])
	}
	if results[0].CombinedScore != 1.0 {
		t.Fatalf("CombinedScore = %v, want 1.0", results[0].CombinedScore)
	}
}

func TestPairScorer_DOIMatchRequiresYearAndAuthorsOrLongTitle(t *testing.T) {
	scorer := NewPairScorer(DefaultScoringConfig)
	candidate := CandidateView{ReferenceID: "b", Title: "Some Paper", DOI: "10.1/x"}

	// DOI matches but source carries no year: not a safe match, falls
	// through to the ordinary ES/Jaccard tiers instead.
	source := CandidateView{ReferenceID: "a", Title: "Some Paper", DOI: "10.1/x"}
	results := scorer.Score(source, []CandidateView{candidate}, map[string]float64{"b": 0})
	if results[0].IDMatchType == "doi_safe" {
		t.Fatalf("DOI match without year should not be doi_safe, got %+v", results[0])
	}

	// Year present with authors: doi_safe.
	source.Year = intPtr(2020)
	source.Authors = []string{"A. Author"}
	results = scorer.Score(source, []CandidateView{candidate}, map[string]float64{"b": 0})
	if results[0].IDMatchType != "doi_safe" {
		t.Fatalf("DOI+year+authors should be doi_safe, got %+v", results[0])
	}
}

func TestPairScorer_HighConfidenceRequiresESAndJaccardTogether(t *testing.T) {
	scorer := NewPairScorer(DefaultScoringConfig)
	source := CandidateView{ReferenceID: "a", Title: "Measurement of the W Boson Mass with the ATLAS Detector"}
	candidate := CandidateView{ReferenceID: "b", Title: "Measurement of the W Boson Mass with the ATLAS Detector"}

	// ES score alone, clearing the high threshold, with a weak title
	// match should NOT reach high confidence — this is exactly the
	// "textually weak top hit" scenario the real BM25 score threading is
	// meant to guard against (spec §4.2).
	weakCandidate := CandidateView{ReferenceID: "c", Title: "Completely Different Subject Entirely"}
	weak := scorer.Score(source, []CandidateView{weakCandidate}, map[string]float64{"c": 150})
	if weak[0].Confidence == ConfidenceHigh {
		t.Fatalf("high ES score with no title overlap should not be high confidence, got %+v", weak[0])
	}

	strong := scorer.Score(source, []CandidateView{candidate}, map[string]float64{"b": 150})
	if strong[0].Confidence != ConfidenceHigh {
		t.Fatalf("high ES + matching title should be high confidence, got %+v", strong[0])
	}
}

func TestPairScorer_MediumConfidenceTier(t *testing.T) {
	scorer := NewPairScorer(DefaultScoringConfig)
	source := CandidateView{ReferenceID: "a", Title: "Search for Supersymmetric Particles in Proton Collisions"}
	candidate := CandidateView{ReferenceID: "b", Title: "Search for Supersymmetric Particles in Proton Events"}

	results := scorer.Score(source, []CandidateView{candidate}, map[string]float64{"b": 60})
	if results[0].Confidence != ConfidenceMedium {
		t.Fatalf("Confidence = %v, want medium", results[0].Confidence)
	}
}

func TestPairScorer_ShortTitleFallbackNeedsNearExactJaccard(t *testing.T) {
	scorer := NewPairScorer(DefaultScoringConfig)
	source := CandidateView{ReferenceID: "a", Title: "Dark Matter"}
	candidate := CandidateView{ReferenceID: "b", Title: "Dark Matter"}

	results := scorer.Score(source, []CandidateView{candidate}, map[string]float64{"b": 25})
	if results[0].Confidence != ConfidenceMedium {
		t.Fatalf("short-title fallback: Confidence = %v, want medium", results[0].Confidence)
	}
}

func TestPairScorer_DefaultsToLowConfidence(t *testing.T) {
	scorer := NewPairScorer(DefaultScoringConfig)
	source := CandidateView{ReferenceID: "a", Title: "Neutrino Oscillation Measurements in Long-Baseline Experiments"}
	candidate := CandidateView{ReferenceID: "b", Title: "Completely Unrelated Astrophysics Survey Results"}

	results := scorer.Score(source, []CandidateView{candidate}, map[string]float64{"b": 5})
	if results[0].Confidence != ConfidenceLow {
		t.Fatalf("Confidence = %v, want low", results[0].Confidence)
	}
}

func TestPairScorer_SortsResultsByCombinedScoreDescending(t *testing.T) {
	scorer := NewPairScorer(DefaultScoringConfig)
	source := CandidateView{ReferenceID: "a", Title: "Measurement of the Top Quark Mass"}
	weak := CandidateView{ReferenceID: "weak", Title: "Unrelated Biology Paper"}
	strong := CandidateView{ReferenceID: "strong", Title: "Measurement of the Top Quark Mass"}

	results := scorer.Score(source, []CandidateView{weak, strong}, map[string]float64{"weak": 1, "strong": 150})

	if results[0].Candidate.ReferenceID != "strong" {
		t.Fatalf("results[0] = %s, want strong to sort first", results[0].Candidate.ReferenceID)
	}
	if results[0].CombinedScore < results[1].CombinedScore {
		t.Fatalf("results not sorted descending: %+v", results)
	}
}
