// Package memory implements the three-tier memory hierarchy: an
// L1 episodic journal, L2 durable semantic rules with half-life decay,
// and an L3 preference-pair dataset for external fine-tuning.
package memory

import (
	"context"
	"strings"
	"time"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
)

// Store is the slice of internal/store.Store this package depends on.
type Store interface {
	RecordEpisodicEvent(ctx context.Context, e domain.EpisodicEvent) error
	PruneEpisodicEvents(ctx context.Context, retentionDays int) (int64, error)
	UpsertMemoryRule(ctx context.Context, docClass domain.DocClass, pattern, action string, weightIncrement float64, halfLifeDays int, conflictOf string) (domain.MemoryRule, error)
	MatchingRules(ctx context.Context, docClass domain.DocClass) ([]domain.MemoryRule, error)
	InsertPreferencePair(ctx context.Context, p domain.PreferencePair) error
	ExportPreferencePairs(ctx context.Context) ([]domain.PreferencePair, error)
}

type Hierarchy struct {
	store         Store
	retentionDays int
	halfLifeDays  int
}

func New(store Store, retentionDays, halfLifeDays int) *Hierarchy {
	return &Hierarchy{store: store, retentionDays: retentionDays, halfLifeDays: halfLifeDays}
}

// RecordCorrection is the single entry point for a human correction:
// it journals the L1 event and, if the same field/value pair has
// already been corrected this way before, reinforces (or conflict
// splits) the corresponding L2 rule.
func (h *Hierarchy) RecordCorrection(ctx context.Context, bookingID string, docClass domain.DocClass, fieldName, fromValue, toValue, actorID string) error {
	ev := domain.EpisodicEvent{
		BookingID: bookingID, DocClass: docClass, FieldName: fieldName,
		FromValue: fromValue, ToValue: toValue, ActorID: actorID, OccurredAt: time.Now().UTC(),
	}
	if err := h.store.RecordEpisodicEvent(ctx, ev); err != nil {
		return err
	}

	pattern := fieldName + "=" + fromValue
	action := toValue

	existing, err := h.store.MatchingRules(ctx, docClass)
	if err != nil {
		return err
	}
	conflictOf := ""
	for _, r := range existing {
		if r.Pattern == pattern && r.Action != action && r.Status == domain.RuleActive {
			// Same observed pattern corrected to two different actions:
			// the existing rule is the conflict this new one splits from.
			conflictOf = r.ID
			break
		}
	}

	_, err = h.store.UpsertMemoryRule(ctx, docClass, pattern, action, 1.0, h.halfLifeDays, conflictOf)
	return err
}

// Prune removes L1 events past retention.
func (h *Hierarchy) Prune(ctx context.Context) (int64, error) {
	return h.store.PruneEpisodicEvents(ctx, h.retentionDays)
}

// RuleSuggestion is a scored candidate action for a field, derived from
// L2 rules matching the document's fields. Conflicted is set when any
// matching rule for the field carries a conflict flag, the signal the
// booking pipeline treats as supplier drift.
type RuleSuggestion struct {
	FieldName  string
	Action     string
	Score      float64
	Conflicted bool
}

// Suggest returns the highest-scoring L2 rule action for each field in
// candidate, scored by decayed weight. This is what internal/verify's
// RuleSource and internal/booking's classification step both call.
func (h *Hierarchy) Suggest(ctx context.Context, docClass domain.DocClass, candidate map[string]string) ([]RuleSuggestion, error) {
	rules, err := h.store.MatchingRules(ctx, docClass)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	best := map[string]RuleSuggestion{}
	conflicted := map[string]bool{}
	for field, value := range candidate {
		pattern := field + "=" + value
		for _, r := range rules {
			if r.Pattern != pattern {
				continue
			}
			if r.Status == domain.RuleFlagged {
				conflicted[field] = true
			}
			score := r.DecayedWeight(now)
			if cur, ok := best[field]; !ok || score > cur.Score {
				best[field] = RuleSuggestion{FieldName: field, Action: r.Action, Score: score}
			}
		}
	}
	for field, s := range best {
		s.Conflicted = conflicted[field]
		best[field] = s
	}

	out := make([]RuleSuggestion, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	return out, nil
}

// CheckFields implements verify.RuleSource: a field "agrees" with the
// candidate value when the strongest matching rule for it is
// reinforced beyond a light confidence floor and its action equals the
// candidate's own classification for that field (i.e. the candidate
// itself already encodes the rule's prior verdict, such as an account
// code carried forward from a previous booking of the same supplier).
func (h *Hierarchy) CheckFields(ctx context.Context, doc domain.ExtractedDoc, candidate map[string]string) (map[string]bool, error) {
	suggestions, err := h.Suggest(ctx, doc.DocClass, candidate)
	if err != nil {
		return nil, err
	}
	agrees := make(map[string]bool, len(candidate))
	for _, s := range suggestions {
		agrees[s.FieldName] = s.Score >= 0.5 && strings.EqualFold(s.Action, candidate[s.FieldName])
	}
	return agrees, nil
}

// CapturePreference records a chosen-vs-rejected booking proposal pair
// for the L3 dataset, keyed by a digest of the extracted fields so
// re-processing the same document doesn't duplicate the pair.
func (h *Hierarchy) CapturePreference(ctx context.Context, docClass domain.DocClass, inputDigest string, chosen, rejected []domain.Entry, actorID string) error {
	return h.store.InsertPreferencePair(ctx, domain.PreferencePair{
		DocClass: docClass, InputDigest: inputDigest, Chosen: chosen, Rejected: rejected,
		ActorID: actorID, CreatedAt: time.Now().UTC(),
	})
}

// ExportPreferences returns the full L3 dataset for offline fine-tuning.
func (h *Hierarchy) ExportPreferences(ctx context.Context) ([]domain.PreferencePair, error) {
	return h.store.ExportPreferencePairs(ctx)
}
