package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
	"github.com/mladen1312/nyx-light-racunovodja/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("NYX_DATABASE_URL")
	if dsn == "" {
		t.Skip("NYX_DATABASE_URL not set; skipping Postgres integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func balancedEntries(t *testing.T, debitAccount, creditAccount string, amount string) []domain.Entry {
	t.Helper()
	m := domain.MustMoney(amount, "EUR")
	return []domain.Entry{
		{Account: debitAccount, Side: "debit", Amount: m},
		{Account: creditAccount, Side: "credit", Amount: m},
	}
}

// TestPostBookingLedgerIsIdempotentPerCorrelation posts the same
// booking's entries twice under the same correlation ID (as a retry of
// the same export attempt would) and checks the account balance only
// reflects the entries once, matching the ledger_tx unique constraint
// on idempotency_key.
func TestPostBookingLedgerIsIdempotentPerCorrelation(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	if err := store.Migrate(ctx, pool); err != nil {
		t.Fatal(err)
	}
	st := store.New(pool)
	corr := uuid.New().String()

	booking, err := st.CreateBooking(ctx, "blob-"+uuid.NewString(), "fp-"+uuid.NewString(), domain.DocInvoiceIn, corr)
	if err != nil {
		t.Fatal(err)
	}
	debit, credit := "4000-"+uuid.NewString()[:8], "2200-"+uuid.NewString()[:8]
	booking.Entries = balancedEntries(t, debit, credit, "125.00")

	if _, err := st.PostBookingLedger(ctx, booking, corr); err != nil {
		t.Fatal(err)
	}
	if _, err := st.PostBookingLedger(ctx, booking, corr); err == nil {
		t.Fatal("expected second post under the same correlation ID to fail the ledger_tx unique constraint")
	}

	_, balDebit, err := st.AccountBalance(ctx, debit)
	if err != nil {
		t.Fatal(err)
	}
	if balDebit != -12500 {
		t.Fatalf("debit account balance expected -12500 (debit reduces CREDIT-DEBIT), got %d", balDebit)
	}
	_, balCredit, err := st.AccountBalance(ctx, credit)
	if err != nil {
		t.Fatal(err)
	}
	if balCredit != 12500 {
		t.Fatalf("credit account balance expected 12500, got %d", balCredit)
	}
}

// TestPostBookingLedgerRejectsImbalance checks the Go-side Balanced()
// guard fires before any SQL is issued for an unbalanced entry set.
func TestPostBookingLedgerRejectsImbalance(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	if err := store.Migrate(ctx, pool); err != nil {
		t.Fatal(err)
	}
	st := store.New(pool)
	corr := uuid.New().String()

	booking, err := st.CreateBooking(ctx, "blob-"+uuid.NewString(), "fp-"+uuid.NewString(), domain.DocInvoiceIn, corr)
	if err != nil {
		t.Fatal(err)
	}
	booking.Entries = []domain.Entry{
		{Account: "4000", Side: "debit", Amount: domain.MustMoney("100.00", "EUR")},
		{Account: "2200", Side: "credit", Amount: domain.MustMoney("99.00", "EUR")},
	}

	if _, err := st.PostBookingLedger(ctx, booking, corr); err == nil {
		t.Fatal("expected imbalanced entries to be rejected")
	}
}
