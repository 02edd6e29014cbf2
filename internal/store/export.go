package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ReserveExportReceipt inserts a PENDING receipt for (bookingID, target)
// or returns the existing one, giving erpexport exactly-once
// semantics: a retried export call is a no-op against an
// already-COMMITTED receipt.
func (s *Store) ReserveExportReceipt(ctx context.Context, bookingID, target string) (receiptID string, alreadyCommitted bool, err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback(ctx)

	var existingID, status string
	err = tx.QueryRow(ctx, `SELECT receipt_id::text, status FROM export_receipts WHERE booking_id=$1 AND target=$2`,
		bookingID, target).Scan(&existingID, &status)
	if err == nil {
		return existingID, status == "COMMITTED", tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, err
	}

	id := uuid.New()
	_, err = tx.Exec(ctx, `INSERT INTO export_receipts(receipt_id, booking_id, target, status) VALUES ($1,$2,$3,'PENDING')`,
		id, bookingID, target)
	if err != nil {
		return "", false, err
	}
	return id.String(), false, tx.Commit(ctx)
}

// CommitExportReceipt marks a receipt COMMITTED with the exported
// artifact's hash, the export's proof of byte-determinism.
func (s *Store) CommitExportReceipt(ctx context.Context, receiptID, artifactHash string) error {
	_, err := s.db.Exec(ctx, `UPDATE export_receipts SET status='COMMITTED', artifact_hash=$2 WHERE receipt_id=$1`,
		receiptID, artifactHash)
	return err
}

// FailExportReceipt records a Transient or Permanent failure. Transient
// failures leave the receipt PENDING so a retry can reuse the same
// reservation; Permanent failures mark it FAILED, which callers surface
// as a BLOCKED booking.
func (s *Store) FailExportReceipt(ctx context.Context, receiptID, failureKind string, permanent bool) error {
	status := "PENDING"
	if permanent {
		status = "FAILED"
	}
	_, err := s.db.Exec(ctx, `UPDATE export_receipts SET status=$2, failure_kind=$3 WHERE receipt_id=$1`,
		receiptID, status, failureKind)
	return err
}

type ExportReceipt struct {
	ID           string
	BookingID    string
	Target       string
	Status       string
	ArtifactHash string
	FailureKind  string
	CreatedAt    time.Time
}

func (s *Store) GetExportReceipt(ctx context.Context, id string) (ExportReceipt, error) {
	var r ExportReceipt
	err := s.db.QueryRow(ctx, `
		SELECT receipt_id::text, booking_id::text, target, status, COALESCE(artifact_hash,''), COALESCE(failure_kind,''), created_at
		  FROM export_receipts WHERE receipt_id=$1`, id,
	).Scan(&r.ID, &r.BookingID, &r.Target, &r.Status, &r.ArtifactHash, &r.FailureKind, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ExportReceipt{}, ErrNotFound
	}
	return r, err
}
