package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
)

// ErrStateConflict is returned when a caller attempts a transition that
// either isn't a legal edge of domain.BookingState, or lost a race to
// another writer holding the same booking's advisory lock.
var ErrStateConflict = errors.New("booking state conflict")

// advisoryKey derives a stable bigint lock key from a booking ID, the
// same "single writer via pg_advisory_xact_lock" idiom store.go uses
// for idempotency keys, generalized to an arbitrary string key.
func advisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

type bookingRow struct {
	Entries   []domain.Entry        `json:"entries"`
	Citations []domain.CitationRef  `json:"citations"`
	Blockers  []domain.BlockerReason `json:"blockers"`
	Verified  *domain.VerifiedDoc   `json:"verified"`
}

// CreateBooking inserts a new booking in INGESTED state. If a booking
// with the same fingerprint already exists it is returned unchanged
// (idempotent dedup). The owning client is attached separately via
// SetBookingClient once the caller's upload context is known.
func (s *Store) CreateBooking(ctx context.Context, blobID, fingerprint string, docClass domain.DocClass, correlationID string) (domain.Booking, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.Booking{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey("booking-fp:"+fingerprint)); err != nil {
		return domain.Booking{}, err
	}

	existing, err := s.getBookingTx(ctx, tx, "fingerprint", fingerprint)
	if err == nil {
		return existing, tx.Commit(ctx)
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.Booking{}, err
	}

	id := uuid.New()
	now := time.Now().UTC()
	row := bookingRow{Entries: []domain.Entry{}, Citations: []domain.CitationRef{}, Blockers: []domain.BlockerReason{}}
	entriesJSON, _ := json.Marshal(row.Entries)
	citationsJSON, _ := json.Marshal(row.Citations)
	blockersJSON, _ := json.Marshal(row.Blockers)

	_, err = tx.Exec(ctx, `
		INSERT INTO bookings(booking_id, blob_id, fingerprint, doc_class, state, entries, citations, blockers, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7::jsonb,$8::jsonb,$9,$9)`,
		id, blobID, fingerprint, string(docClass), string(domain.StateIngested),
		entriesJSON, citationsJSON, blockersJSON, now,
	)
	if err != nil {
		return domain.Booking{}, err
	}

	payload := map[string]string{"booking_id": id.String(), "blob_id": blobID, "fingerprint": fingerprint}
	if err := insertEvent(ctx, tx, "BOOKING_INGESTED", "BOOKING", id.String(), correlationID, payload); err != nil {
		return domain.Booking{}, err
	}

	b := domain.Booking{
		ID: id.String(), BlobID: blobID, Fingerprint: fingerprint, DocClass: docClass,
		State: domain.StateIngested, CreatedAt: now, UpdatedAt: now,
	}
	return b, tx.Commit(ctx)
}

// SetBookingClient attaches the owning client to a booking once known
// (the upload handler's client_id, unavailable at CreateBooking's
// fingerprint-keyed dedup point). A no-op if already set to the same
// value.
func (s *Store) SetBookingClient(ctx context.Context, bookingID, clientID string) error {
	_, err := s.db.Exec(ctx, `UPDATE bookings SET client_id=$1 WHERE booking_id=$2`, clientID, bookingID)
	return err
}

// BookingFilter narrows ListBookings; zero-valued fields mean "any".
type BookingFilter struct {
	State    domain.BookingState
	ClientID string
}

// ListBookings returns summaries ordered newest-first, for GET
// /bookings?status=&client=.
func (s *Store) ListBookings(ctx context.Context, filter BookingFilter) ([]domain.Booking, error) {
	rows, err := s.db.Query(ctx, `
		SELECT booking_id, COALESCE(client_id,''), blob_id, fingerprint, doc_class, state, created_at, updated_at
		  FROM bookings
		 WHERE ($1 = '' OR state = $1) AND ($2 = '' OR client_id = $2)
		 ORDER BY created_at DESC`,
		string(filter.State), filter.ClientID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Booking
	for rows.Next() {
		var b domain.Booking
		var docClass, state string
		if err := rows.Scan(&b.ID, &b.ClientID, &b.BlobID, &b.Fingerprint, &docClass, &state, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.DocClass = domain.DocClass(docClass)
		b.State = domain.BookingState(state)
		out = append(out, b)
	}
	return out, rows.Err()
}

// RecordPipelineFailure audits a subcomponent failure (extraction,
// verification, classification) without mutating the booking: the
// booking stays in its current state with an audited failure event
// and no partial state writes.
func (s *Store) RecordPipelineFailure(ctx context.Context, bookingID, correlationID, actorID, reason string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertEvent(ctx, tx, "BOOKING_PIPELINE_FAILED", "BOOKING", bookingID, correlationID,
		map[string]string{"booking_id": bookingID, "actor_id": actorID, "reason": reason}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetBooking fetches a booking by ID.
func (s *Store) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	return s.getBookingTx(ctx, s.db, "booking_id", id)
}

// queryRower is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) getBookingTx(ctx context.Context, q queryRower, column, value string) (domain.Booking, error) {
	var (
		b                                        domain.Booking
		entriesJSON, citationsJSON, blockersJSON []byte
		verifiedJSON                             []byte
		docClass, state                          string
	)
	err := q.QueryRow(ctx, fmt.Sprintf(`
		SELECT booking_id, COALESCE(client_id,''), blob_id, fingerprint, doc_class, state, entries, citations, blockers, verified,
		       COALESCE(approved_by,''), COALESCE(rejected_reason,''), COALESCE(correction_note,''),
		       COALESCE(export_receipt_id,''), COALESCE(corrected_from::text,''), created_at, updated_at
		  FROM bookings WHERE %s = $1`, column), value,
	).Scan(&b.ID, &b.ClientID, &b.BlobID, &b.Fingerprint, &docClass, &state, &entriesJSON, &citationsJSON, &blockersJSON,
		&verifiedJSON, &b.ApprovedBy, &b.RejectedReason, &b.CorrectionNote, &b.ExportReceiptID, &b.CorrectedFrom,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Booking{}, ErrNotFound
		}
		return domain.Booking{}, err
	}
	b.DocClass = domain.DocClass(docClass)
	b.State = domain.BookingState(state)
	_ = json.Unmarshal(entriesJSON, &b.Entries)
	_ = json.Unmarshal(citationsJSON, &b.Citations)
	_ = json.Unmarshal(blockersJSON, &b.Blockers)
	if len(verifiedJSON) > 0 {
		var v domain.VerifiedDoc
		if err := json.Unmarshal(verifiedJSON, &v); err == nil {
			b.Verified = &v
		}
	}
	return b, nil
}

// TransitionBooking moves a booking from its current state to `to`,
// rejecting the change with ErrStateConflict if that edge is not legal
// per domain.CanTransition, or if another writer raced ahead under the
// same advisory lock. mutate lets the caller attach fields (entries,
// blockers, approver, ...) atomically with the state change.
func (s *Store) TransitionBooking(ctx context.Context, id string, to domain.BookingState, correlationID, actorID string, mutate func(*domain.Booking)) (domain.Booking, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.Booking{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey("booking:"+id)); err != nil {
		return domain.Booking{}, err
	}

	b, err := s.getBookingTx(ctx, tx, "booking_id", id)
	if err != nil {
		return domain.Booking{}, err
	}
	if !domain.CanTransition(b.State, to) {
		return domain.Booking{}, fmt.Errorf("%w: %s -> %s is not a legal transition", ErrStateConflict, b.State, to)
	}

	from := b.State
	b.State = to
	b.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(&b)
	}

	entriesJSON, _ := json.Marshal(b.Entries)
	citationsJSON, _ := json.Marshal(b.Citations)
	blockersJSON, _ := json.Marshal(b.Blockers)
	var verifiedJSON []byte
	if b.Verified != nil {
		verifiedJSON, _ = json.Marshal(b.Verified)
	}

	_, err = tx.Exec(ctx, `
		UPDATE bookings SET client_id=$1, state=$2, entries=$3::jsonb, citations=$4::jsonb, blockers=$5::jsonb,
		       verified=$6::jsonb, approved_by=$7, rejected_reason=$8, correction_note=$9,
		       export_receipt_id=$10, corrected_from=$11, updated_at=$12
		 WHERE booking_id=$13`,
		nullIfEmpty(b.ClientID), string(b.State), entriesJSON, citationsJSON, blockersJSON, verifiedJSON,
		nullIfEmpty(b.ApprovedBy), nullIfEmpty(b.RejectedReason), nullIfEmpty(b.CorrectionNote),
		nullIfEmpty(b.ExportReceiptID), nullUUIDIfEmpty(b.CorrectedFrom), b.UpdatedAt, id,
	)
	if err != nil {
		return domain.Booking{}, err
	}

	payload := map[string]string{"booking_id": id, "from": string(from), "to": string(to), "actor_id": actorID}
	if err := insertEvent(ctx, tx, "BOOKING_TRANSITIONED", "BOOKING", id, correlationID, payload); err != nil {
		return domain.Booking{}, err
	}

	return b, tx.Commit(ctx)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullUUIDIfEmpty is nullIfEmpty specialized for columns with a UUID
// foreign-key type, where pgx needs a typed nil rather than a nil
// *string to avoid an ambiguous-cast error against bookings.booking_id.
func nullUUIDIfEmpty(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}

// NewCorrection atomically moves the predecessor to REJECTED and
// inserts a fresh CORRECTED booking referencing it via corrected_from;
// the caller re-verifies the successor into PROPOSED or NEEDS_REVIEW.
func (s *Store) NewCorrection(ctx context.Context, predecessor domain.Booking, correlationID, actorID, note string) (domain.Booking, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.Booking{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey("booking:"+predecessor.ID)); err != nil {
		return domain.Booking{}, err
	}

	cur, err := s.getBookingTx(ctx, tx, "booking_id", predecessor.ID)
	if err != nil {
		return domain.Booking{}, err
	}
	if !domain.CanTransition(cur.State, domain.StateRejected) {
		return domain.Booking{}, fmt.Errorf("%w: %s cannot be corrected", ErrStateConflict, cur.State)
	}

	now := time.Now().UTC()
	cur.State = domain.StateRejected
	cur.RejectedReason = "superseded by correction"
	cur.UpdatedAt = now
	entriesJSON, _ := json.Marshal(cur.Entries)
	citationsJSON, _ := json.Marshal(cur.Citations)
	blockersJSON, _ := json.Marshal(cur.Blockers)
	var verifiedJSON []byte
	if cur.Verified != nil {
		verifiedJSON, _ = json.Marshal(cur.Verified)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE bookings SET state=$1, entries=$2::jsonb, citations=$3::jsonb, blockers=$4::jsonb,
		       verified=$5::jsonb, rejected_reason=$6, updated_at=$7
		 WHERE booking_id=$8`,
		string(cur.State), entriesJSON, citationsJSON, blockersJSON, verifiedJSON,
		cur.RejectedReason, now, cur.ID,
	); err != nil {
		return domain.Booking{}, err
	}
	if err := insertEvent(ctx, tx, "BOOKING_TRANSITIONED", "BOOKING", cur.ID, correlationID,
		map[string]string{"booking_id": cur.ID, "from": string(predecessor.State), "to": string(domain.StateRejected), "actor_id": actorID}); err != nil {
		return domain.Booking{}, err
	}

	newID := uuid.New()
	fingerprint := cur.Fingerprint + ":correction:" + newID.String()
	newRow := domain.Booking{
		ID: newID.String(), ClientID: cur.ClientID, BlobID: cur.BlobID, Fingerprint: fingerprint, DocClass: cur.DocClass,
		State: domain.StateCorrected, CorrectedFrom: cur.ID, CorrectionNote: note,
		CreatedAt: now, UpdatedAt: now,
	}
	emptyJSON, _ := json.Marshal([]domain.Entry{})
	emptyCitJSON, _ := json.Marshal([]domain.CitationRef{})
	emptyBlkJSON, _ := json.Marshal([]domain.BlockerReason{})
	if _, err := tx.Exec(ctx, `
		INSERT INTO bookings(booking_id, client_id, blob_id, fingerprint, doc_class, state, entries, citations, blockers,
		                      correction_note, corrected_from, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8::jsonb,$9::jsonb,$10,$11,$12,$12)`,
		newID, nullIfEmpty(newRow.ClientID), newRow.BlobID, fingerprint, string(newRow.DocClass), string(newRow.State),
		emptyJSON, emptyCitJSON, emptyBlkJSON, note, cur.ID, now,
	); err != nil {
		return domain.Booking{}, err
	}
	if err := insertEvent(ctx, tx, "BOOKING_CORRECTED", "BOOKING", newID.String(), correlationID,
		map[string]string{"booking_id": newID.String(), "corrected_from": cur.ID, "actor_id": actorID}); err != nil {
		return domain.Booking{}, err
	}

	return newRow, tx.Commit(ctx)
}
