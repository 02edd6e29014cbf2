package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
)

var (
	ErrIdempotencyConflict = errors.New("idempotency key used with different payload")
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation error")
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{db: db} }

func normalizeCurrency(cur string) (string, error) {
	cur = strings.ToUpper(strings.TrimSpace(cur))
	if len(cur) != 3 {
		return "", ErrValidation
	}
	return cur, nil
}

// =========================
// RFC 8785 (JCS) for event payloads
// =========================

type JSONBytes = json.RawMessage

// jcsPayload returns both representations required by the DB schema:
// - payload_json: regular JSON bytes (to be cast to jsonb in SQL)
// - payload_canonical: RFC 8785 canonical JSON string (JCS)
func jcsPayload(v any) (payloadJSON JSONBytes, payloadCanonical string, err error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", err
	}
	return JSONBytes(raw), string(canon), nil
}

// insertEvent is the single entry point for event_log inserts.
// It guarantees payload_json (bytes) + payload_canonical (JCS string), matching DB invariants.
func insertEvent(
	ctx context.Context,
	tx pgx.Tx,
	eventType, aggregateType, aggregateID, correlationID string,
	payload any,
) error {
	if strings.TrimSpace(eventType) == "" ||
		strings.TrimSpace(aggregateType) == "" ||
		strings.TrimSpace(aggregateID) == "" ||
		strings.TrimSpace(correlationID) == "" {
		return ErrValidation
	}

	payloadJSON, payloadCanonical, err := jcsPayload(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO event_log(
			event_id, event_type, aggregate_type, aggregate_id, correlation_id, payload_json, payload_canonical
		) VALUES($1,$2,$3,$4,$5,$6::jsonb,$7)`,
		uuid.New(), eventType, aggregateType, aggregateID, correlationID, payloadJSON, payloadCanonical,
	)
	return err
}

type bookingPostedPayload struct {
	TxID      string `json:"tx_id"`
	BookingID string `json:"booking_id"`
}

// PostBookingLedger posts a booking's balanced entries to the
// chart-of-accounts ledger via post_booking_tx, lazily upserting an
// accounts row per distinct code. Called once, at APPROVED->EXPORTED,
// by internal/erpexport after it has reserved the booking's
// (booking_id, target)-unique export_receipts row (see export.go). The
// ledger_tx row's external_ref is the booking ID and its
// idempotency_key is "booking:<id>", so a second post of the same
// booking fails the unique constraints instead of double-posting.
func (s *Store) PostBookingLedger(ctx context.Context, booking domain.Booking, correlationID string) (txID string, err error) {
	if !booking.Balanced() {
		return "", fmt.Errorf("%w: booking %s entries are not balanced", ErrValidation, booking.ID)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	type rawEntry struct {
		EntryID   string `json:"entry_id"`
		AccountID string `json:"account_id"`
		Direction string `json:"direction"`
		Cents     int64  `json:"amount_cents"`
		Currency  string `json:"currency"`
	}
	entries := make([]rawEntry, 0, len(booking.Entries))
	for _, e := range booking.Entries {
		cur, err := normalizeCurrency(e.Amount.Currency)
		if err != nil {
			return "", err
		}
		accID, err := s.ensureAccount(ctx, tx, e.Account, cur)
		if err != nil {
			return "", err
		}
		direction := strings.ToUpper(e.Side)
		if direction != "DEBIT" && direction != "CREDIT" {
			return "", fmt.Errorf("%w: entry side %q is neither debit nor credit", ErrValidation, e.Side)
		}
		entries = append(entries, rawEntry{
			EntryID: uuid.NewString(), AccountID: accID.String(), Direction: direction,
			Cents: e.Amount.Cents(), Currency: cur,
		})
	}

	entriesJSON, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}

	txUUID := uuid.New()
	if _, err := tx.Exec(ctx, `SELECT post_booking_tx($1,$2,$3,$4,$5::jsonb)`,
		txUUID, booking.ID, correlationID, "booking:"+booking.ID, entriesJSON); err != nil {
		return "", err
	}

	if err := insertEvent(ctx, tx, "BOOKING_POSTED", "LEDGER_TX", txUUID.String(), correlationID,
		bookingPostedPayload{TxID: txUUID.String(), BookingID: booking.ID}); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return txUUID.String(), nil
}

func (s *Store) ensureAccount(ctx context.Context, tx pgx.Tx, code, currency string) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `SELECT account_id FROM accounts WHERE code=$1`, code).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, err
	}
	id = uuid.New()
	_, err = tx.Exec(ctx, `INSERT INTO accounts(account_id, code, currency) VALUES ($1,$2,$3)
		ON CONFLICT (code) DO NOTHING`, id, code, currency)
	if err != nil {
		return uuid.Nil, err
	}
	// Someone else may have raced us to insert the same code first.
	if err := tx.QueryRow(ctx, `SELECT account_id FROM accounts WHERE code=$1`, code).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// AccountBalance returns the current CREDIT-minus-DEBIT balance for a
// chart-of-account code, used by the audit/reporting surface to
// cross-check posted bookings against the ledger.
func (s *Store) AccountBalance(ctx context.Context, code string) (currency string, balanceCents int64, err error) {
	var accID uuid.UUID
	err = s.db.QueryRow(ctx, `SELECT account_id, currency FROM accounts WHERE code=$1`, code).Scan(&accID, &currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, ErrNotFound
		}
		return "", 0, err
	}

	var credit, debit int64
	if err := s.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount_cents),0) FROM ledger_entry WHERE account_id=$1 AND direction='CREDIT'`, accID).Scan(&credit); err != nil {
		return "", 0, err
	}
	if err := s.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount_cents),0) FROM ledger_entry WHERE account_id=$1 AND direction='DEBIT'`, accID).Scan(&debit); err != nil {
		return "", 0, err
	}
	return currency, credit - debit, nil
}
