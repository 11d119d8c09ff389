// Package hashchain computes and verifies the SHA-256 hash chain that
// links each audit event to its predecessor.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/casf/verifier/internal/canon"
	"github.com/casf/verifier/models"
)

// ComputeHash returns the lowercase hex SHA-256 of the rigid, ordered
// concatenation:
//
//	request_id | "|" | event_id | "|" | ts | "|" | actor | "|" | action | "|" | decision | "|" | canonical(payload) | "|" | prev_hash
//
// Fields are joined with a literal "|" separator; prevHash is "" for the
// genesis event.
func ComputeHash(requestID, eventID, ts, actor, action, decision string, payload map[string]interface{}, prevHash string) (string, error) {
	canonicalPayload, err := canon.JSON(payload)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	parts := []string{requestID, eventID, ts, actor, action, decision, canonicalPayload, prevHash}
	for i, part := range parts {
		if i > 0 {
			h.Write([]byte("|"))
		}
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeEventHash computes the hash for an AuditEvent draft that already
// carries its PrevHash, using the fixed timestamp textual form.
func ComputeEventHash(evt *models.AuditEvent) (string, error) {
	return ComputeHash(
		evt.RequestID.String(),
		evt.EventID.String(),
		evt.Ts.UTC().Format("2006-01-02T15:04:05.000000Z"),
		evt.Actor,
		evt.Action,
		string(evt.Decision),
		evt.Payload,
		evt.PrevHash,
	)
}

// VerifyResult reports the outcome of walking a chain of events.
type VerifyResult struct {
	OK          bool
	BrokenIndex int // valid only when OK is false
}

// VerifyChain walks events (ordered by insertion ascending) and
// recomputes each hash. It reports the index of the first mismatch —
// either a broken prev_hash link or a tampered hash — or OK=true if the
// whole sequence is internally consistent.
func VerifyChain(events []*models.AuditEvent) (VerifyResult, error) {
	for i, evt := range events {
		expectedPrev := ""
		if i > 0 {
			expectedPrev = events[i-1].Hash
		}
		if evt.PrevHash != expectedPrev {
			return VerifyResult{OK: false, BrokenIndex: i}, nil
		}
		expectedHash, err := ComputeEventHash(evt)
		if err != nil {
			return VerifyResult{}, err
		}
		if evt.Hash != expectedHash {
			return VerifyResult{OK: false, BrokenIndex: i}, nil
		}
	}
	return VerifyResult{OK: true}, nil
}
