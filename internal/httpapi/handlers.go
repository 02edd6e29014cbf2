// Package httpapi implements the HTTP/WebSocket API: it wires
// internal/session, internal/booking, internal/approval,
// internal/erpexport, internal/audit, internal/rag, and
// internal/memory behind the endpoint table, translating the domain
// error taxonomy into HTTP statuses.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
	"github.com/mladen1312/nyx-light-racunovodja/internal/erpexport"
	"github.com/mladen1312/nyx-light-racunovodja/internal/inference"
	"github.com/mladen1312/nyx-light-racunovodja/internal/memory"
	"github.com/mladen1312/nyx-light-racunovodja/internal/rag"
	"github.com/mladen1312/nyx-light-racunovodja/internal/session"
	"github.com/mladen1312/nyx-light-racunovodja/internal/store"
)

// Approval is the slice of internal/approval.Gateway handlers call.
type Approval interface {
	List(ctx context.Context, role string, filter store.BookingFilter) ([]domain.Booking, error)
	Get(ctx context.Context, role, id string) (domain.Booking, error)
	Approve(ctx context.Context, role, id, actorID, correlationID string) (domain.Booking, error)
	Reject(ctx context.Context, role, id, actorID, reason, correlationID string) (domain.Booking, error)
	Correct(ctx context.Context, role, id string, patch domain.CorrectRequest, actorID, correlationID string) (domain.Booking, error)
}

// Ingester is the slice of internal/booking.Pipeline used by /documents.
type Ingester interface {
	Ingest(ctx context.Context, clientID, mediaType string, data []byte, docClassHint domain.DocClass, correlationID, actorID string) (domain.Booking, error)
}

// Exporter is the slice of internal/erpexport.Exporter used by /export.
type Exporter interface {
	Export(ctx context.Context, bookingID string, target erpexport.Target, correlationID, actorID string) (domain.ExportReceiptView, error)
}

// Auditor is the slice of internal/audit.Auditor used by /audit.
type Auditor interface {
	Range(ctx context.Context, fromSeq, toSeq int64) ([]domain.AuditEvent, error)
	Verify(ctx context.Context) (*domain.ChainBreak, error)
}

// Legal is the slice of internal/rag.Index used by /laws/search and
// the admin quarantine endpoints.
type Legal interface {
	Search(ctx context.Context, embedder rag.Embedder, query string, asOf time.Time, topK int) ([]domain.RetrievedChunk, error)
	Quarantined(ctx context.Context) ([]domain.LegalChunk, error)
	Confirm(ctx context.Context, chunkID, confirmedBy string) error
	Reject(ctx context.Context, chunkID string) error
}

// MemorySuggester is the slice of internal/memory.Hierarchy used by
// GET /memory/suggest.
type MemorySuggester interface {
	Suggest(ctx context.Context, docClass domain.DocClass, candidate map[string]string) ([]memory.RuleSuggestion, error)
}

// Chatter is the slice of internal/inference.Orchestrator used by the
// /chat WebSocket.
type Chatter interface {
	Stream(ctx context.Context, req inference.Request) (<-chan inference.Token, error)
}

type Handlers struct {
	sessions *session.Manager
	approval Approval
	ingest   Ingester
	export   Exporter
	audit    Auditor
	legal    Legal
	memSug   MemorySuggester
	chat     Chatter
	embedder rag.Embedder
	upgrader websocket.Upgrader
}

func NewHandlers(sessions *session.Manager, approval Approval, ingest Ingester, export Exporter, aud Auditor, legal Legal, memSug MemorySuggester, chat Chatter, embedder rag.Embedder) *Handlers {
	return &Handlers{
		sessions: sessions, approval: approval, ingest: ingest, export: export,
		audit: aud, legal: legal, memSug: memSug, chat: chat, embedder: embedder,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
	}
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, domain.ErrorResponse{Error: msg, Code: strconv.Itoa(code)})
}

func httpStatusForErr(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrInputError), errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrStateConflict), errors.Is(err, store.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrAuthFailed):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrLocked):
		return http.StatusLocked
	case errors.Is(err, domain.ErrUnextractable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrVerificationBlock):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrOverloaded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrInferenceFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrExportPending):
		return http.StatusAccepted
	case errors.Is(err, domain.ErrExportFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrAuditIntegrity):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSafetyViolation):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func publicErrMessage(code int, err error) string {
	if code >= 500 {
		return "internal error"
	}
	return err.Error()
}

func correlationID(r *http.Request) string {
	if c := r.Header.Get("X-Correlation-Id"); c != "" {
		return c
	}
	return uuid.New().String()
}

func principalOr(w http.ResponseWriter, r *http.Request) (session.Principal, bool) {
	p, ok := session.FromContext(r.Context())
	if !ok {
		writeErr(w, http.StatusUnauthorized, "auth_failed")
		return session.Principal{}, false
	}
	return p, true
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.HealthResponse{Status: "ok"})
}

// POST /auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp, err := h.sessions.Login(ctx, req, correlationID(r))
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /documents — multipart form with fields "file", "client_id",
// and optional "doc_class".
func (h *Handlers) UploadDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, ok := principalOr(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	clientID := r.FormValue("client_id")
	if strings.TrimSpace(clientID) == "" {
		writeErr(w, http.StatusBadRequest, "missing client_id")
		return
	}
	docClass := domain.DocClass(r.FormValue("doc_class"))

	mediaType := header.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	b, err := h.ingest.Ingest(ctx, clientID, mediaType, data, docClass, correlationID(r), p.UserID)
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusAccepted, domain.UploadDocumentResponse{BlobID: b.BlobID, BookingID: b.ID, Status: string(b.State)})
}

// GET /bookings?status=&client=
func (h *Handlers) ListBookings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, ok := principalOr(w, r)
	if !ok {
		return
	}
	filter := store.BookingFilter{
		State:    domain.BookingState(r.URL.Query().Get("status")),
		ClientID: r.URL.Query().Get("client"),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	bookings, err := h.approval.List(ctx, p.Role, filter)
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	summaries := make([]domain.BookingSummary, 0, len(bookings))
	for _, b := range bookings {
		summaries = append(summaries, domain.NewBookingSummary(b))
	}
	writeJSON(w, http.StatusOK, summaries)
}

// GET /bookings/{id}
func (h *Handlers) GetBooking(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, ok := principalOr(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	b, err := h.approval.Get(ctx, p.Role, id)
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// POST /bookings/{id}/approve
func (h *Handlers) ApproveBooking(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, ok := principalOr(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	b, err := h.approval.Approve(ctx, p.Role, id, p.UserID, correlationID(r))
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusOK, domain.ApproveResponse{ID: b.ID, State: b.State})
}

// POST /bookings/{id}/reject
func (h *Handlers) RejectBooking(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, ok := principalOr(w, r)
	if !ok {
		return
	}
	var req domain.RejectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	b, err := h.approval.Reject(ctx, p.Role, id, p.UserID, req.Reason, correlationID(r))
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusOK, domain.ApproveResponse{ID: b.ID, State: b.State})
}

// POST /bookings/{id}/correct
func (h *Handlers) CorrectBooking(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, ok := principalOr(w, r)
	if !ok {
		return
	}
	var req domain.CorrectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	b, err := h.approval.Correct(ctx, p.Role, id, req, p.UserID, correlationID(r))
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusOK, domain.CorrectResponse{NewBookingID: b.ID, State: b.State})
}

// POST /export/{client_id}
func (h *Handlers) ExportClient(w http.ResponseWriter, r *http.Request, clientID string) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, ok := principalOr(w, r)
	if !ok {
		return
	}
	var req domain.ExportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	target := erpexport.Target(req.Target)

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()
	approved, err := h.approval.List(ctx, p.Role, store.BookingFilter{State: domain.StateApproved, ClientID: clientID})
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}

	var receipts []domain.ExportReceiptView
	for _, b := range approved {
		view, err := h.export.Export(ctx, b.ID, target, correlationID(r), p.UserID)
		if err != nil {
			code := httpStatusForErr(err)
			writeErr(w, code, publicErrMessage(code, err))
			return
		}
		receipts = append(receipts, view)
	}
	writeJSON(w, http.StatusOK, domain.ExportResponse{Receipts: receipts})
}

// GET /laws/search?query=&as_of=
func (h *Handlers) SearchLaws(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := principalOr(w, r); !ok {
		return
	}
	query := r.URL.Query().Get("query")
	if strings.TrimSpace(query) == "" {
		writeErr(w, http.StatusBadRequest, "missing query")
		return
	}
	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			asOf = t
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	results, err := h.legal.Search(ctx, h.embedder, query, asOf, 10)
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	out := make([]domain.LawSearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, domain.NewLawSearchResult(r))
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /memory/suggest?client=&supplier=&doc_class=
func (h *Handlers) SuggestMemory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := principalOr(w, r); !ok {
		return
	}
	docClass := domain.DocClass(r.URL.Query().Get("doc_class"))
	candidate := map[string]string{}
	if supplier := r.URL.Query().Get("supplier"); supplier != "" {
		candidate["supplier_fiscal_id"] = supplier
	}
	if client := r.URL.Query().Get("client"); client != "" {
		candidate["client_id"] = client
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	suggestions, err := h.memSug.Suggest(ctx, docClass, candidate)
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusOK, suggestions)
}

// GET /audit?range=from-to
func (h *Handlers) GetAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, ok := principalOr(w, r)
	if !ok {
		return
	}
	if p.Role != "admin" {
		writeErr(w, http.StatusForbidden, "audit log access requires admin role")
		return
	}

	var from, to int64 = 1, 0
	if rng := r.URL.Query().Get("range"); rng != "" {
		parts := strings.SplitN(rng, "-", 2)
		if len(parts) == 2 {
			from, _ = strconv.ParseInt(parts[0], 10, 64)
			to, _ = strconv.ParseInt(parts[1], 10, 64)
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	events, err := h.audit.Range(ctx, from, to)
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	views := make([]domain.AuditEventView, 0, len(events))
	for _, e := range events {
		views = append(views, domain.NewAuditEventView(e))
	}
	writeJSON(w, http.StatusOK, views)
}

// GET /admin/rag/quarantine
func (h *Handlers) ListQuarantine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, ok := principalOr(w, r)
	if !ok {
		return
	}
	if p.Role != "admin" {
		writeErr(w, http.StatusForbidden, "quarantine review requires admin role")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	chunks, err := h.legal.Quarantined(ctx)
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusOK, chunks)
}

// POST /admin/rag/quarantine/{id}/confirm
func (h *Handlers) ConfirmQuarantine(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := principalOr(w, r)
	if !ok {
		return
	}
	if p.Role != "admin" {
		writeErr(w, http.StatusForbidden, "quarantine review requires admin role")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.legal.Confirm(ctx, id, p.UserID); err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusOK, domain.HealthResponse{Status: "confirmed"})
}

// POST /admin/rag/quarantine/{id}/reject
func (h *Handlers) RejectQuarantine(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := principalOr(w, r)
	if !ok {
		return
	}
	if p.Role != "admin" {
		writeErr(w, http.StatusForbidden, "quarantine review requires admin role")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.legal.Reject(ctx, id); err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}
	writeJSON(w, http.StatusOK, domain.HealthResponse{Status: "rejected"})
}

// POST /chat (WebSocket upgrade)
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOr(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var initial domain.ChatMessage
	if err := conn.ReadJSON(&initial); err != nil {
		_ = conn.WriteJSON(domain.ChatMessage{Type: "error", Error: "invalid initial frame"})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go watchForCancel(conn, cancel)

	tokens, err := h.chat.Stream(ctx, inference.Request{
		Kind:   inference.KindChat,
		Prompt: initial.Prompt,
		Context: map[string]string{"client_id": initial.ClientID, "actor_id": p.UserID},
	})
	if err != nil {
		code := httpStatusForErr(err)
		_ = conn.WriteJSON(domain.ChatMessage{Type: "error", Error: publicErrMessage(code, err)})
		return
	}

	for tok := range tokens {
		if tok.Cancelled {
			_ = conn.WriteJSON(domain.ChatMessage{Type: "done", Cancelled: true})
			return
		}
		if tok.Done {
			_ = conn.WriteJSON(domain.ChatMessage{Type: "done"})
			return
		}
		if err := conn.WriteJSON(domain.ChatMessage{Type: "token", Token: tok.Text}); err != nil {
			cancel()
			return
		}
	}
}

// watchForCancel keeps reading client frames for a {"cancelled":true}
// signal and cancels ctx when it arrives, so a client-initiated stop
// releases the inference slot promptly.
func watchForCancel(conn *websocket.Conn, cancel context.CancelFunc) {
	for {
		var msg domain.ChatMessage
		if err := conn.ReadJSON(&msg); err != nil {
			cancel()
			return
		}
		if msg.Cancelled {
			cancel()
			return
		}
	}
}
