package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
)

func marshalEntries(entries []domain.Entry) ([]byte, error) {
	if entries == nil {
		entries = []domain.Entry{}
	}
	return json.Marshal(entries)
}

func unmarshalEntries(b []byte, entries *[]domain.Entry) error {
	return json.Unmarshal(b, entries)
}

// RecordEpisodicEvent appends one L1 journal entry.
func (s *Store) RecordEpisodicEvent(ctx context.Context, e domain.EpisodicEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO episodic_events(id, booking_id, doc_class, field_name, from_value, to_value, actor_id, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.BookingID, string(e.DocClass), e.FieldName, e.FromValue, e.ToValue, e.ActorID, e.OccurredAt,
	)
	return err
}

// PruneEpisodicEvents deletes L1 events older than retentionDays,
// returning the count removed.
func (s *Store) PruneEpisodicEvents(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	tag, err := s.db.Exec(ctx, `DELETE FROM episodic_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UpsertMemoryRule reinforces an existing L2 rule matching
// (doc_class, pattern, action), or creates one with reinforce_count=1.
// A caller that detects a conflicting correction (same pattern, a
// different action already has a rule) should call this with the new
// action and set conflictOf to the prior rule's ID so the two rules
// are tracked as a flagged split rather than silently overwritten.
func (s *Store) UpsertMemoryRule(ctx context.Context, docClass domain.DocClass, pattern, action string, weightIncrement float64, halfLifeDays int, conflictOf string) (domain.MemoryRule, error) {
	now := time.Now().UTC()
	var r domain.MemoryRule
	var conflictOfVal *string
	if conflictOf != "" {
		conflictOfVal = &conflictOf
	}

	var dc string
	err := s.db.QueryRow(ctx, `
		INSERT INTO memory_rules(id, doc_class, pattern, action, weight, half_life_days, reinforce_count, status, conflict_of, created_at, last_reinforced)
		VALUES ($1,$2,$3,$4,$5,$6,1, CASE WHEN $7::uuid IS NULL THEN 'active' ELSE 'flagged_conflict' END, $7, $8, $8)
		ON CONFLICT (doc_class, pattern, action) DO UPDATE SET
			weight = memory_rules.weight + $5,
			reinforce_count = memory_rules.reinforce_count + 1,
			last_reinforced = $8
		RETURNING id, doc_class, pattern, action, weight, half_life_days, reinforce_count, status, COALESCE(conflict_of::text,''), created_at, last_reinforced`,
		uuid.New(), string(docClass), pattern, action, weightIncrement, halfLifeDays, conflictOfVal, now,
	).Scan(&r.ID, &dc, &r.Pattern, &r.Action, &r.Weight, &r.HalfLifeDays, &r.ReinforceCount, &r.Status, &r.ConflictOf, &r.CreatedAt, &r.LastReinforced)
	r.DocClass = domain.DocClass(dc)
	return r, err
}

// MatchingRules returns every non-retired (active or flagged) L2 rule
// for a doc class; matching a rule's Pattern against candidate values
// is left to internal/memory.
func (s *Store) MatchingRules(ctx context.Context, docClass domain.DocClass) ([]domain.MemoryRule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, doc_class, pattern, action, weight, half_life_days, reinforce_count, status, COALESCE(conflict_of::text,''), created_at, last_reinforced
		  FROM memory_rules WHERE doc_class = $1 AND status != 'retired'`,
		string(docClass),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.MemoryRule
	for rows.Next() {
		var r domain.MemoryRule
		var dc string
		if err := rows.Scan(&r.ID, &dc, &r.Pattern, &r.Action, &r.Weight, &r.HalfLifeDays, &r.ReinforceCount, &r.Status, &r.ConflictOf, &r.CreatedAt, &r.LastReinforced); err != nil {
			return nil, err
		}
		r.DocClass = domain.DocClass(dc)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// InsertPreferencePair persists one L3 (chosen, rejected) pair.
func (s *Store) InsertPreferencePair(ctx context.Context, p domain.PreferencePair) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	chosenJSON, err := marshalEntries(p.Chosen)
	if err != nil {
		return err
	}
	rejectedJSON, err := marshalEntries(p.Rejected)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO preference_pairs(id, doc_class, input_digest, chosen, rejected, actor_id, created_at)
		VALUES ($1,$2,$3,$4::jsonb,$5::jsonb,$6,$7)`,
		p.ID, string(p.DocClass), p.InputDigest, chosenJSON, rejectedJSON, p.ActorID, p.CreatedAt,
	)
	return err
}

// ExportPreferencePairs streams every L3 pair for model-agnostic
// external fine-tuning export.
func (s *Store) ExportPreferencePairs(ctx context.Context) ([]domain.PreferencePair, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, doc_class, input_digest, chosen, rejected, actor_id, created_at FROM preference_pairs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PreferencePair
	for rows.Next() {
		var p domain.PreferencePair
		var dc string
		var chosenJSON, rejectedJSON []byte
		if err := rows.Scan(&p.ID, &dc, &p.InputDigest, &chosenJSON, &rejectedJSON, &p.ActorID, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.DocClass = domain.DocClass(dc)
		if err := unmarshalEntries(chosenJSON, &p.Chosen); err != nil {
			return nil, err
		}
		if err := unmarshalEntries(rejectedJSON, &p.Rejected); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
