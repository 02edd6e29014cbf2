package domain

import "time"

// IngestStatus tracks a legal-corpus chunk through the quarantine
// workflow: new material is not searchable until confirmed.
type IngestStatus string

const (
	IngestQuarantined IngestStatus = "quarantined"
	IngestConfirmed   IngestStatus = "confirmed"
	IngestRejected    IngestStatus = "rejected"
)

// LegalChunk is one time-sliced, citable unit of the corpus (a law
// article, amendment, or ruling excerpt) indexed by internal/rag.
type LegalChunk struct {
	ID            string       `json:"id"`
	LawID         string       `json:"law_id"`
	Article       string       `json:"article,omitempty"`
	Text          string       `json:"text"`
	Embedding     []float32    `json:"-"` // never serialized to API responses
	Keywords      []string     `json:"keywords,omitempty"`
	EffectiveFrom time.Time    `json:"effective_from"`
	EffectiveTo   *time.Time   `json:"effective_to,omitempty"` // nil means still in force
	Status        IngestStatus `json:"status"`
	IngestedAt    time.Time    `json:"ingested_at"`
	ConfirmedBy   string       `json:"confirmed_by,omitempty"`
}

// EffectiveAt reports whether the chunk was in force at t, the
// predicate behind time-sliced retrieval. Both bounds are inclusive:
// a chunk whose effective_to is the day before a successor's cutover
// still answers queries dated to that last day.
func (c LegalChunk) EffectiveAt(t time.Time) bool {
	if t.Before(c.EffectiveFrom) {
		return false
	}
	if c.EffectiveTo != nil && t.After(*c.EffectiveTo) {
		return false
	}
	return true
}

// RetrievedChunk pairs a LegalChunk with its ranking score for a query.
type RetrievedChunk struct {
	Chunk      LegalChunk `json:"chunk"`
	Similarity float64    `json:"similarity"`
	MatchedVia string     `json:"matched_via"` // "dense", "keyword", or "both"
}
