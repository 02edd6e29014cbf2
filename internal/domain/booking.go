package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
)

// NewFingerprint derives the dedup key for a booking: the same blob
// ingested twice for the same (client, doc_class) must collapse to the
// same fingerprint before it ever reaches PROPOSED.
func NewFingerprint(clientID string, docClass DocClass, blobID string) string {
	h := sha256.Sum256([]byte(clientID + "|" + string(docClass) + "|" + blobID))
	return hex.EncodeToString(h[:])
}

// BookingState is the full booking lifecycle.
type BookingState string

const (
	StateIngested    BookingState = "INGESTED"
	StateExtracted   BookingState = "EXTRACTED"
	StateVerified    BookingState = "VERIFIED"
	StateProposed    BookingState = "PROPOSED"
	StateNeedsReview BookingState = "NEEDS_REVIEW"
	StateApproved    BookingState = "APPROVED"
	StateRejected    BookingState = "REJECTED"
	StateCorrected   BookingState = "CORRECTED"
	StateExported    BookingState = "EXPORTED"
	StateBlocked     BookingState = "BLOCKED"
)

// validTransitions enumerates the allowed edges of the booking state
// machine. A transition not present here is always rejected by
// internal/booking regardless of caller role. INGESTED is the birth
// state of an uploaded document; CORRECTED is the birth state of a
// correction successor (the predecessor moves to REJECTED), which
// re-verification then advances to PROPOSED or NEEDS_REVIEW.
var validTransitions = map[BookingState][]BookingState{
	StateIngested:    {StateExtracted, StateBlocked},
	StateExtracted:   {StateVerified, StateBlocked},
	StateVerified:    {StateProposed, StateNeedsReview, StateBlocked},
	StateProposed:    {StateApproved, StateRejected, StateNeedsReview, StateBlocked},
	StateNeedsReview: {StateApproved, StateRejected, StateBlocked},
	StateCorrected:   {StateProposed, StateNeedsReview, StateBlocked},
	StateApproved:    {StateExported, StateBlocked},
	StateRejected:    {},
	StateExported:    {},
	StateBlocked:     {StateNeedsReview},
}

// CanTransition reports whether from->to is a legal edge.
func CanTransition(from, to BookingState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// BlockerReason is the closed set of conditions that route a booking
// to NEEDS_REVIEW instead of PROPOSED.
type BlockerReason string

const (
	BlockerLowConsensus        BlockerReason = "consensus_1of3_or_none"
	BlockerConsensusBelowFloor BlockerReason = "consensus_below_floor"
	BlockerLedgerImbalance     BlockerReason = "ledger_imbalance"
	BlockerAMLThreshold        BlockerReason = "aml_threshold_exceeded"
	BlockerSupplierIDDrift     BlockerReason = "supplier_fiscal_id_drift"
	BlockerRuleConflict        BlockerReason = "l2_rule_conflict"
	BlockerFXUnavailable       BlockerReason = "fx_rate_unavailable"
)

// CitationRef ties a proposed booking entry back to the legal corpus
// chunk(s) that justified its account classification.
type CitationRef struct {
	ChunkID    string  `json:"chunk_id"`
	LawID      string  `json:"law_id"`
	Article    string  `json:"article,omitempty"`
	Similarity float64 `json:"similarity"`
}

// Entry is one line of a balanced booking proposal.
type Entry struct {
	Account     string `json:"account"`
	Side        string `json:"side"` // "debit" or "credit"
	Amount      Money  `json:"amount"`
	Description string `json:"description,omitempty"`
}

// Booking is the aggregate root driven through BookingState.
type Booking struct {
	ID              string          `json:"id"`
	ClientID        string          `json:"client_id"`
	BlobID          string          `json:"blob_id"`
	Fingerprint     string          `json:"fingerprint"` // dedup key, see NewFingerprint
	DocClass        DocClass        `json:"doc_class"`
	State           BookingState    `json:"state"`
	Entries         []Entry         `json:"entries,omitempty"`
	Citations       []CitationRef   `json:"citations,omitempty"`
	Blockers        []BlockerReason `json:"blockers,omitempty"`
	Verified        *VerifiedDoc    `json:"verified,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ApprovedBy      string          `json:"approved_by,omitempty"`
	RejectedReason  string          `json:"rejected_reason,omitempty"`
	CorrectionNote  string          `json:"correction_note,omitempty"`
	ExportReceiptID string          `json:"export_receipt_id,omitempty"`
	CorrectedFrom   string          `json:"corrected_from,omitempty"`
}

// Balanced reports whether Entries sum to zero per currency, required
// before a Booking may leave VERIFIED toward PROPOSED.
func (b Booking) Balanced() bool {
	sums := map[string]Money{}
	for _, e := range b.Entries {
		cur := e.Amount.Currency
		acc, ok := sums[cur]
		if !ok {
			acc = Money{Amount: decimal.Zero, Currency: cur}
		}
		switch e.Side {
		case "debit":
			acc.Amount = acc.Amount.Add(e.Amount.Amount)
		case "credit":
			acc.Amount = acc.Amount.Sub(e.Amount.Amount)
		default:
			return false
		}
		sums[cur] = acc
	}
	for _, acc := range sums {
		if !acc.IsZero() {
			return false
		}
	}
	return true
}
