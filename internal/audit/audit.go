// Package audit is a thin domain wrapper around the hash-chained
// event_log store: it exposes range replay and whole-chain
// verification without callers needing to know the underlying SQL
// functions.
package audit

import (
	"context"
	"fmt"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
)

// Store is the slice of internal/store.Store this package depends on.
type Store interface {
	EventsInRange(ctx context.Context, fromSeq, toSeq int64) ([]domain.AuditEvent, error)
	LatestSeq(ctx context.Context) (int64, error)
	VerifyChain(ctx context.Context) (*domain.ChainBreak, error)
}

type Auditor struct {
	store Store
}

func New(store Store) *Auditor { return &Auditor{store: store} }

// Range returns every event between fromSeq and toSeq inclusive, used
// by the admin API's audit log viewer and by export-receipt
// investigations.
func (a *Auditor) Range(ctx context.Context, fromSeq, toSeq int64) ([]domain.AuditEvent, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	if toSeq < fromSeq {
		latest, err := a.store.LatestSeq(ctx)
		if err != nil {
			return nil, err
		}
		toSeq = latest
	}
	return a.store.EventsInRange(ctx, fromSeq, toSeq)
}

// Verify replays the whole chain (via the DB's verify_event_chain_detail
// function) and reports the first break, if the chain has been
// tampered with. A nil ChainBreak means the chain verified clean.
func (a *Auditor) Verify(ctx context.Context) (*domain.ChainBreak, error) {
	brk, err := a.store.VerifyChain(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuditIntegrity, err)
	}
	return brk, nil
}
