// Package verify implements triple-check verification: three
// independent checks vote on every extracted field, and the vote count
// becomes the field's consensus level.
package verify

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
)

// MonetaryTolerance is the default absolute tolerance for comparing
// two monetary field values.
var MonetaryTolerance = decimal.NewFromFloat(0.01)

// WideTolerance applies to derived totals that accumulate rounding
// across multiple line items.
var WideTolerance = decimal.NewFromFloat(0.02)

// AIChecker is satisfied by internal/inference: it re-derives field
// values independently (e.g. re-reads the document text) and reports
// whether they agree with the candidate extraction.
type AIChecker interface {
	CheckFields(ctx context.Context, doc domain.ExtractedDoc, candidate map[string]string) (map[string]bool, error)
}

// RuleSource is satisfied by internal/memory: it looks up L2 rules
// matching the document and reports whether the candidate field values
// are consistent with previously reinforced corrections.
type RuleSource interface {
	CheckFields(ctx context.Context, doc domain.ExtractedDoc, candidate map[string]string) (map[string]bool, error)
}

// Verifier runs the three checks and folds them into a VerifiedDoc.
type Verifier struct {
	AI    AIChecker
	Rules RuleSource
}

func New(ai AIChecker, rules RuleSource) *Verifier {
	return &Verifier{AI: ai, Rules: rules}
}

// Verify evaluates doc's winning fields against the shadow extractions
// (the algorithmic check), the AI checker, and the rule source, and
// returns a per-field consensus table.
func (v *Verifier) Verify(ctx context.Context, doc domain.ExtractedDoc) (domain.VerifiedDoc, error) {
	candidate := make(map[string]string, len(doc.Fields))
	for name, fv := range doc.Fields {
		candidate[name] = fv.Value
	}

	algoAgrees := v.algorithmicCheck(doc, candidate)

	var aiAgrees map[string]bool
	if v.AI != nil {
		var err error
		aiAgrees, err = v.AI.CheckFields(ctx, doc, candidate)
		if err != nil {
			return domain.VerifiedDoc{}, err
		}
	}

	var ruleAgrees map[string]bool
	if v.Rules != nil {
		var err error
		ruleAgrees, err = v.Rules.CheckFields(ctx, doc, candidate)
		if err != nil {
			return domain.VerifiedDoc{}, err
		}
	}

	// Deterministic predicates (checksums, net + VAT = gross) override
	// the L2 rule source wherever they cover a field, so monetary and
	// identifier fields always face at least one closed-form check.
	builtin := ruleChecks(candidate)

	now := time.Now()
	result := make(map[string]domain.FieldConsensus, len(candidate))
	for name, value := range candidate {
		ruleOK, covered := builtin[name]
		if !covered {
			ruleOK = boolOrFalse(ruleAgrees, name)
		}
		agreements := []domain.Agreement{
			{Source: domain.CheckAlgorithm, FieldName: name, Agrees: algoAgrees[name], CheckedAt: now},
			{Source: domain.CheckAI, FieldName: name, Agrees: boolOrFalse(aiAgrees, name), CheckedAt: now},
			{Source: domain.CheckRule, FieldName: name, Agrees: ruleOK, CheckedAt: now},
		}
		count := 0
		for _, a := range agreements {
			if a.Agrees {
				count++
			}
		}
		level := domain.ConsensusFromCount(count)
		result[name] = domain.FieldConsensus{
			FieldName:     name,
			Level:         level,
			Score:         level.Score(),
			Agreements:    agreements,
			ResolvedValue: value,
		}
	}

	return domain.VerifiedDoc{Doc: doc, Fields: result, VerifiedAt: now}, nil
}

// algorithmicCheck agrees with the winning field whenever every shadow
// extraction that also reported the field matches it within tolerance
// (numeric fields) or exactly (text fields). A field with no shadows to
// compare against is treated as unconfirmed by this check, not agreed.
func (v *Verifier) algorithmicCheck(doc domain.ExtractedDoc, candidate map[string]string) map[string]bool {
	agrees := make(map[string]bool, len(candidate))
	for name, value := range candidate {
		seen := false
		allMatch := true
		for _, shadow := range doc.Shadows {
			sv, ok := shadow.Fields[name]
			if !ok {
				continue
			}
			seen = true
			if !fieldsMatch(name, value, sv.Value) {
				allMatch = false
			}
		}
		agrees[name] = seen && allMatch
	}
	return agrees
}

func fieldsMatch(field, a, b string) bool {
	if a == b {
		return true
	}
	da, errA := decimal.NewFromString(a)
	db, errB := decimal.NewFromString(b)
	if errA != nil || errB != nil {
		return false
	}
	tol := MonetaryTolerance
	if field == "grand_total" {
		tol = WideTolerance
	}
	return da.Sub(db).Abs().LessThanOrEqual(tol)
}

func boolOrFalse(m map[string]bool, key string) bool {
	if m == nil {
		return false
	}
	return m[key]
}
