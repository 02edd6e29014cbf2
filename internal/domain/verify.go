package domain

import "time"

// CheckSource identifies which of the three independent checks produced
// an Agreement.
type CheckSource string

const (
	CheckAI        CheckSource = "ai_check"
	CheckAlgorithm CheckSource = "algorithmic_check"
	CheckRule      CheckSource = "rule_check"
)

// Agreement is one check's verdict on a single field.
type Agreement struct {
	Source    CheckSource `json:"source"`
	FieldName string      `json:"field_name"`
	Agrees    bool        `json:"agrees"`
	Detail    string      `json:"detail,omitempty"`
	CheckedAt time.Time   `json:"checked_at"`
}

// ConsensusLevel is the count of checks that agree on a field, expressed
// as a fraction label rather than a bare integer so callers can't
// confuse "2" with a raw check count.
type ConsensusLevel string

const (
	Consensus3of3 ConsensusLevel = "3of3"
	Consensus2of3 ConsensusLevel = "2of3"
	Consensus1of3 ConsensusLevel = "1of3"
	ConsensusNone ConsensusLevel = "none"
)

// ConsensusFromCount maps an agreeing-check count to its level.
func ConsensusFromCount(agreeing int) ConsensusLevel {
	switch agreeing {
	case 3:
		return Consensus3of3
	case 2:
		return Consensus2of3
	case 1:
		return Consensus1of3
	default:
		return ConsensusNone
	}
}

// Score maps a consensus level to its numeric score: unanimous checks
// score 1.00, a 2of3 majority 0.85 (admitted with warning), and
// anything below a majority falls under the 0.70 rejection line.
func (l ConsensusLevel) Score() float64 {
	switch l {
	case Consensus3of3:
		return 1.00
	case Consensus2of3:
		return 0.85
	case Consensus1of3:
		return 0.50
	default:
		return 0
	}
}

// FieldConsensus is the resolved consensus for a single field, carrying
// the three agreements that produced it.
type FieldConsensus struct {
	FieldName  string         `json:"field_name"`
	Level      ConsensusLevel `json:"level"`
	Score      float64        `json:"score"`
	Agreements []Agreement    `json:"agreements"`
	// ResolvedValue is the value the field was ultimately set to:
	// for 3of3/2of3 this is the majority value, for 1of3/none it is the
	// highest-tier extractor's value, flagged for human review.
	ResolvedValue string `json:"resolved_value"`
}

// VerifiedDoc is the verifier's output: an ExtractedDoc plus a
// per-field consensus table.
type VerifiedDoc struct {
	Doc        ExtractedDoc              `json:"doc"`
	Fields     map[string]FieldConsensus `json:"fields"`
	VerifiedAt time.Time                 `json:"verified_at"`
}

// MinScore returns the lowest per-field consensus score, the number
// the booking pipeline compares against its auto-advance floor. A
// document with no verified fields scores 0 so it can never advance
// unreviewed.
func (v VerifiedDoc) MinScore() float64 {
	if len(v.Fields) == 0 {
		return 0
	}
	min := 1.0
	for _, fc := range v.Fields {
		if fc.Score < min {
			min = fc.Score
		}
	}
	return min
}

// Blockers reports every field whose consensus is below 2of3 — these
// drive the NEEDS_REVIEW transition in the booking state machine.
func (v VerifiedDoc) Blockers() []string {
	var names []string
	for name, fc := range v.Fields {
		if fc.Level == Consensus1of3 || fc.Level == ConsensusNone {
			names = append(names, name)
		}
	}
	return names
}
