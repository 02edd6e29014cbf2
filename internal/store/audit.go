package store

import (
	"context"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
)

// EventsInRange returns event_log rows with seq in [fromSeq, toSeq]
// (inclusive), ordered ascending, for internal/audit's chain replay.
func (s *Store) EventsInRange(ctx context.Context, fromSeq, toSeq int64) ([]domain.AuditEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT seq, prev_hash, hash, actor_id, event_type, aggregate_id, payload_canonical, created_at
		  FROM event_log WHERE seq BETWEEN $1 AND $2 ORDER BY seq ASC`,
		fromSeq, toSeq,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.Seq, &e.PrevHash, &e.Hash, &e.ActorID, &e.Action, &e.EntityID, &e.Payload, &e.At); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSeq returns the highest seq in event_log, or 0 if empty.
func (s *Store) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM event_log`).Scan(&seq)
	return seq, err
}

// VerifyChain delegates to the verify_event_chain_detail() SQL function
// (see migrations/000_genesis.sql), returning the first break found, if
// any.
func (s *Store) VerifyChain(ctx context.Context) (*domain.ChainBreak, error) {
	var reason string
	var breakSeq int64
	err := s.db.QueryRow(ctx, `SELECT COALESCE(reason,''), COALESCE(break_seq,0) FROM verify_event_chain_detail()`).
		Scan(&reason, &breakSeq)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, nil
	}
	return &domain.ChainBreak{Seq: breakSeq, Expected: "", Found: reason}, nil
}
