package domain

import "time"

// AuditEvent is one entry in the hash-chained append-only log.
// Hash = hex(sha256(prev_hash|event_type|aggregate_id|correlation_id|
// payload_canonical)), computed by the event_log insert trigger; the
// chain is verified by internal/audit through the database's
// verify_event_chain_detail function, from the first row forward.
type AuditEvent struct {
	Seq      int64     `json:"seq"`
	PrevHash string    `json:"prev_hash"`
	Hash     string    `json:"hash"`
	ActorID  string    `json:"actor_id"`
	Action   string    `json:"action"`
	EntityID string    `json:"entity_id"`
	Payload  string    `json:"payload"` // JCS-canonicalized JSON of the action's detail
	At       time.Time `json:"at"`
}

// ChainBreak describes where AuditEvent.Hash stopped matching its
// recomputed value, returned by internal/audit's Verify, which checks
// the whole chain.
type ChainBreak struct {
	Seq      int64  `json:"seq"`
	Expected string `json:"expected"`
	Found    string `json:"found"`
}
