package verify_test

import (
	"context"
	"testing"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
	"github.com/mladen1312/nyx-light-racunovodja/internal/verify"
)

type stubChecker struct {
	agree map[string]bool
}

func (s stubChecker) CheckFields(_ context.Context, _ domain.ExtractedDoc, _ map[string]string) (map[string]bool, error) {
	return s.agree, nil
}

func TestVerify3of3Consensus(t *testing.T) {
	doc := domain.ExtractedDoc{
		BlobID:     "b1",
		DocClass:   domain.DocInvoiceIn,
		SourceTier: domain.TierStructuredXML,
		Fields: map[string]domain.FieldValue{
			"grand_total": {Value: "1234.56"},
		},
		Shadows: []domain.ShadowExtraction{
			{Tier: domain.TierRegex, Fields: map[string]domain.FieldValue{
				"grand_total": {Value: "1234.57"},
			}},
		},
	}

	v := verify.New(
		stubChecker{agree: map[string]bool{"grand_total": true}},
		stubChecker{agree: map[string]bool{"grand_total": true}},
	)

	got, err := v.Verify(context.Background(), doc)
	if err != nil {
		t.Fatal(err)
	}
	fc := got.Fields["grand_total"]
	if fc.Level != domain.Consensus3of3 {
		t.Fatalf("want 3of3 (within tolerance shadow + AI + rule agree), got %s", fc.Level)
	}
	if fc.Score != 1.00 {
		t.Fatalf("want a unanimous field to score 1.00, got %v", fc.Score)
	}
	if got.MinScore() != 1.00 {
		t.Fatalf("want the aggregate score of an all-unanimous doc to be 1.00, got %v", got.MinScore())
	}
}

func TestVerifyNoneConsensusBlocksReview(t *testing.T) {
	doc := domain.ExtractedDoc{
		BlobID:     "b2",
		DocClass:   domain.DocInvoiceIn,
		SourceTier: domain.TierRegex,
		Fields: map[string]domain.FieldValue{
			"supplier_fiscal_id": {Value: "HR12345678901"},
		},
	}

	v := verify.New(
		stubChecker{agree: map[string]bool{}},
		stubChecker{agree: map[string]bool{}},
	)

	got, err := v.Verify(context.Background(), doc)
	if err != nil {
		t.Fatal(err)
	}
	if got.Fields["supplier_fiscal_id"].Level != domain.ConsensusNone {
		t.Fatalf("want none consensus, got %s", got.Fields["supplier_fiscal_id"].Level)
	}
	blockers := got.Blockers()
	if len(blockers) != 1 || blockers[0] != "supplier_fiscal_id" {
		t.Fatalf("want supplier_fiscal_id flagged as blocker, got %v", blockers)
	}
}
