package store_test

import (
	"context"
	"testing"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
	"github.com/mladen1312/nyx-light-racunovodja/internal/store"
)

func TestBookingLifecycleAndStateConflict(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	if err := store.Migrate(ctx, pool); err != nil {
		t.Fatal(err)
	}
	st := store.New(pool)

	b, err := st.CreateBooking(ctx, "blob-abc", "fp-1", domain.DocInvoiceIn, "corr-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.State != domain.StateIngested {
		t.Fatalf("want INGESTED, got %s", b.State)
	}

	dup, err := st.CreateBooking(ctx, "blob-abc", "fp-1", domain.DocInvoiceIn, "corr-2")
	if err != nil {
		t.Fatal(err)
	}
	if dup.ID != b.ID {
		t.Fatalf("expected idempotent dedup by fingerprint, got a new booking")
	}

	extracted, err := st.TransitionBooking(ctx, b.ID, domain.StateExtracted, "corr-3", "system", nil)
	if err != nil {
		t.Fatal(err)
	}
	if extracted.State != domain.StateExtracted {
		t.Fatalf("want EXTRACTED, got %s", extracted.State)
	}

	_, err = st.TransitionBooking(ctx, b.ID, domain.StateApproved, "corr-4", "system", nil)
	if err == nil {
		t.Fatal("expected ErrStateConflict skipping straight to APPROVED from EXTRACTED")
	}
}

func TestMemoryRuleReinforcement(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	if err := store.Migrate(ctx, pool); err != nil {
		t.Fatal(err)
	}
	st := store.New(pool)

	r1, err := st.UpsertMemoryRule(ctx, domain.DocInvoiceIn, "OIB:12345678901", "account:4000", 1.0, 180, "")
	if err != nil {
		t.Fatal(err)
	}
	if r1.ReinforceCount != 1 {
		t.Fatalf("want reinforce_count=1, got %d", r1.ReinforceCount)
	}

	r2, err := st.UpsertMemoryRule(ctx, domain.DocInvoiceIn, "OIB:12345678901", "account:4000", 1.0, 180, "")
	if err != nil {
		t.Fatal(err)
	}
	if r2.ReinforceCount != 2 {
		t.Fatalf("want reinforce_count=2 after second correction, got %d", r2.ReinforceCount)
	}
	if r2.Weight != 2.0 {
		t.Fatalf("want weight=2.0 after two increments of 1.0, got %f", r2.Weight)
	}
}
