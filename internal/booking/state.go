package booking

import (
	"context"
	"fmt"
	"strings"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
)

// Approve runs PROPOSED|NEEDS_REVIEW -> APPROVED. Role enforcement
// happens one layer up, in internal/approval; this method only
// enforces the state machine and audits the actor.
func (p *Pipeline) Approve(ctx context.Context, id, actorID, correlationID string) (domain.Booking, error) {
	return p.store.TransitionBooking(ctx, id, domain.StateApproved, correlationID, actorID, func(b *domain.Booking) {
		b.ApprovedBy = actorID
	})
}

// Reject runs PROPOSED|NEEDS_REVIEW -> REJECTED (terminal).
func (p *Pipeline) Reject(ctx context.Context, id, actorID, reason, correlationID string) (domain.Booking, error) {
	return p.store.TransitionBooking(ctx, id, domain.StateRejected, correlationID, actorID, func(b *domain.Booking) {
		b.RejectedReason = reason
	})
}

// Block forces any pre-terminal booking straight to BLOCKED, the
// terminal, audit-only state reserved for an explicit safety
// violation, distinct from the ordinary Blockers list, which only ever
// routes to NEEDS_REVIEW.
func (p *Pipeline) Block(ctx context.Context, id, actorID, reason, correlationID string) (domain.Booking, error) {
	return p.store.TransitionBooking(ctx, id, domain.StateBlocked, correlationID, actorID, func(b *domain.Booking) {
		b.RejectedReason = reason
	})
}

// Correct produces a new booking in CORRECTED state referencing the
// predecessor by corrected_from; the predecessor moves to REJECTED.
// Empty Entries or Citations in the patch keep the predecessor's.
// Re-verification of the patch trusts the operator's values and
// re-checks the ledger invariant: an unbalanced patch routes to
// NEEDS_REVIEW rather than PROPOSED. The override rule: without an
// OverrideReason, a predecessor whose lowest consensus score is below
// the consensus floor (e.g. 2of3) routes the successor to
// NEEDS_REVIEW; an OverrideReason lets the correction advance even
// over a 2of3 consensus, but never over a 1of3 consensus on a monetary
// field — that bar holds no matter what justification is supplied.
func (p *Pipeline) Correct(ctx context.Context, id string, patch domain.CorrectRequest, actorID, correlationID string) (domain.Booking, error) {
	predecessor, err := p.store.GetBooking(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}

	if predecessor.Verified != nil && hasOneOf3Monetary(*predecessor.Verified) {
		return domain.Booking{}, fmt.Errorf("%w: a 1of3 monetary field cannot be overridden; re-extract or reject the booking", domain.ErrVerificationBlock)
	}

	successor, err := p.store.NewCorrection(ctx, predecessor, correlationID, actorID, patch.Narrative)
	if err != nil {
		return domain.Booking{}, err
	}

	entries := patch.Entries
	if len(entries) == 0 {
		entries = predecessor.Entries
	}
	citations := patch.Citations
	if len(citations) == 0 {
		citations = predecessor.Citations
	}

	balanced := (domain.Booking{Entries: entries}).Balanced()
	target := domain.StateProposed
	var blockers []domain.BlockerReason
	if !balanced {
		target = domain.StateNeedsReview
		blockers = append(blockers, domain.BlockerLedgerImbalance)
	}
	if patch.OverrideReason == "" && predecessor.Verified != nil && predecessor.Verified.MinScore() < p.cfg.ConsensusFloor {
		target = domain.StateNeedsReview
		blockers = append(blockers, domain.BlockerConsensusBelowFloor)
	}

	successor, err = p.store.TransitionBooking(ctx, successor.ID, target, correlationID, actorID, func(b *domain.Booking) {
		b.Entries = entries
		b.Citations = citations
		b.Blockers = blockers
		if patch.OverrideReason != "" {
			b.CorrectionNote = strings.TrimSpace(b.CorrectionNote + " [override: " + patch.OverrideReason + "]")
		}
	})
	if err != nil {
		return domain.Booking{}, err
	}

	if p.mem != nil {
		p.recordLearning(ctx, predecessor, successor, patch, actorID)
	}
	return successor, nil
}

// recordLearning journals the human correction into the L1/L2/L3
// memory hierarchy so the same supplier/doc_class pattern is
// suggested automatically next time: the supplier's fiscal ID becomes
// the rule key and the operator's chosen debit account becomes its
// action.
func (p *Pipeline) recordLearning(ctx context.Context, predecessor, successor domain.Booking, patch domain.CorrectRequest, actorID string) {
	if account := primaryDebitAccount(patch.Entries); account != "" && predecessor.Verified != nil {
		if fc, ok := predecessor.Verified.Fields["supplier_fiscal_id"]; ok && fc.ResolvedValue != "" {
			if err := p.mem.RecordCorrection(ctx, successor.ID, successor.DocClass, "supplier_fiscal_id", fc.ResolvedValue, "account:"+account, actorID); err != nil {
				p.log.Warn().Err(err).Msg("failed to record L1/L2 correction")
			}
		}
	}
	if err := p.mem.CapturePreference(ctx, successor.DocClass, successor.Fingerprint, patch.Entries, predecessor.Entries, actorID); err != nil {
		p.log.Warn().Err(err).Msg("failed to capture L3 preference pair")
	}
}

func primaryDebitAccount(entries []domain.Entry) string {
	for _, e := range entries {
		if e.Side == "debit" {
			return e.Account
		}
	}
	return ""
}

// hasOneOf3Monetary reports whether any monetary field's consensus
// dropped to 1of3/none, the case no override may advance past.
func hasOneOf3Monetary(v domain.VerifiedDoc) bool {
	monetary := map[string]bool{"net_amount": true, "vat_amount": true, "grand_total": true, "amount": true}
	for _, name := range v.Blockers() {
		if monetary[name] {
			return true
		}
	}
	return false
}
