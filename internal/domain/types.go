package domain

import "time"

// The types below are the wire shapes for the HTTP/WebSocket API:
// request/response DTOs that httpapi decodes/encodes, kept separate
// from the aggregate types in booking.go/doc.go/legal.go so persisted
// shape and wire shape can evolve independently.

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

type UploadDocumentResponse struct {
	BlobID    string `json:"blob_id"`
	BookingID string `json:"booking_id"`
	Status    string `json:"status"`
}

// BookingSummary is the list-view shape for GET /bookings.
type BookingSummary struct {
	ID        string       `json:"id"`
	DocClass  DocClass     `json:"doc_class"`
	State     BookingState `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func NewBookingSummary(b Booking) BookingSummary {
	return BookingSummary{ID: b.ID, DocClass: b.DocClass, State: b.State, CreatedAt: b.CreatedAt, UpdatedAt: b.UpdatedAt}
}

type ApproveResponse struct {
	ID    string       `json:"id"`
	State BookingState `json:"state"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

// CorrectRequest is the patch a human operator applies to a booking
// stuck in PROPOSED or NEEDS_REVIEW. Any zero-valued field is left
// unchanged; Entries/Citations, when present, replace the prior set
// wholesale.
type CorrectRequest struct {
	Entries        []Entry       `json:"entries,omitempty"`
	Citations      []CitationRef `json:"citations,omitempty"`
	Narrative      string        `json:"narrative,omitempty"`
	OverrideReason string        `json:"override_reason,omitempty"`
}

type CorrectResponse struct {
	NewBookingID string       `json:"new_booking_id"`
	State        BookingState `json:"state"`
}

type ExportRequest struct {
	Target string `json:"target"`
}

type ExportReceiptView struct {
	Target      string    `json:"target"`
	Filename    string    `json:"filename"`
	BytesHash   string    `json:"bytes_hash"`
	DeliveredAt time.Time `json:"delivered_at,omitempty"`
	Status      string    `json:"status"`
}

type ExportResponse struct {
	Receipts []ExportReceiptView `json:"receipts"`
}

// ChatMessage is one frame of the /chat WebSocket protocol, used for
// both the client's initial prompt and the server's streamed tokens.
type ChatMessage struct {
	Type      string `json:"type"` // "prompt", "token", "done", "error"
	Prompt    string `json:"prompt,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Token     string `json:"token,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Error     string `json:"error,omitempty"`
}

func NewLawSearchResult(r RetrievedChunk) LawSearchResult {
	return LawSearchResult{
		ChunkID: r.Chunk.ID, LawID: r.Chunk.LawID, Article: r.Chunk.Article, Text: r.Chunk.Text,
		Similarity: r.Similarity, MatchedVia: r.MatchedVia, EffectiveFrom: r.Chunk.EffectiveFrom,
	}
}

type LawSearchResult struct {
	ChunkID       string    `json:"chunk_id"`
	LawID         string    `json:"law_id"`
	Article       string    `json:"article,omitempty"`
	Text          string    `json:"text"`
	Similarity    float64   `json:"similarity"`
	MatchedVia    string    `json:"matched_via"`
	EffectiveFrom time.Time `json:"effective_from"`
}

func NewAuditEventView(e AuditEvent) AuditEventView {
	return AuditEventView{
		Seq: e.Seq, Action: e.Action, EntityID: e.EntityID, ActorID: e.ActorID,
		Payload: e.Payload, Hash: e.Hash, At: e.At,
	}
}

type AuditEventView struct {
	Seq      int64     `json:"seq"`
	Action   string    `json:"action"`
	EntityID string    `json:"entity_id"`
	ActorID  string    `json:"actor_id"`
	Payload  string    `json:"payload"`
	Hash     string    `json:"hash"`
	At       time.Time `json:"at"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
