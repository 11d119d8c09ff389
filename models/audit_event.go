package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditEvent is one append-only record in the hash-chained audit trail.
// Once appended it is immutable; UPDATE/DELETE against the backing table
// are prohibited operationally.
type AuditEvent struct {
	ID        int64                  `json:"-" db:"id"`
	EventID   uuid.UUID              `json:"event_id" db:"event_id"`
	RequestID uuid.UUID              `json:"request_id" db:"request_id"`
	Ts        time.Time              `json:"ts" db:"ts"`
	Actor     string                 `json:"actor" db:"actor"`
	Action    string                 `json:"action" db:"action"`
	Decision  Decision               `json:"decision" db:"decision"`
	Payload   map[string]interface{} `json:"payload" db:"payload"`
	PrevHash  string                 `json:"prev_hash" db:"prev_hash"`
	Hash      string                 `json:"hash" db:"hash"`
}

// NewAuditDraft builds the fields of an AuditEvent known before the
// hash-chain engine computes PrevHash/Hash and the writer assigns Ts.
func NewAuditDraft(requestID uuid.UUID, role Role, tool Tool, decision Decision, payload map[string]interface{}) *AuditEvent {
	return NewAuditDraftWithAction(requestID, role, tool, string(tool), decision, payload)
}

// NewAuditDraftWithAction is NewAuditDraft with the Action field set to
// action instead of the tool identifier, for audit rows that need a
// distinct tag, e.g. "REPLAY_DETECTED" on the replay-mismatch path.
func NewAuditDraftWithAction(requestID uuid.UUID, role Role, tool Tool, action string, decision Decision, payload map[string]interface{}) *AuditEvent {
	return &AuditEvent{
		EventID:   uuid.New(),
		RequestID: requestID,
		Actor:     "role:" + string(role),
		Action:    action,
		Decision:  decision,
		Payload:   payload,
	}
}
