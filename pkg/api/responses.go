package api

import "github.com/openbiblio/corpus/pkg/search"

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// searchResponse is returned by GET /references/search/.
type searchResponse struct {
	Results []search.Document `json:"results"`
	Page    int               `json:"page"`
}

// batchEnvelope is returned by POST /robot-enhancement-batches/ on 200.
type batchEnvelope struct {
	ID               string `json:"id"`
	ReferenceFileURL string `json:"reference_file_url"`
	ExpiresAt        string `json:"expires_at"`
	UnitCount        int    `json:"unit_count"`
}

// robotSecretResponse is returned once, at creation, by POST
// /api/v1/robots — the only time the plaintext client secret is ever
// visible.
type robotSecretResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ClientSecret string `json:"client_secret"`
}
