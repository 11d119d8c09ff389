// Package replay implements the anti-replay gate: a Redis-backed,
// three-state (no-record / pending / done) guard keyed by request_id,
// keyed so a retried request with an identical body is idempotent and a
// retried request with a different body is rejected.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the state recorded against a request_id.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
)

// Outcome is what the caller should do with a claim attempt.
type Outcome string

const (
	// FirstSeen means no record existed; the caller owns the request_id
	// and records Done via Commit once its decision is final.
	FirstSeen Outcome = "first_seen"
	// InFlight means another request with the same fingerprint is
	// currently pending — the caller should treat this as a concurrent
	// replay and deny (Inv_ReplayConcurrent).
	InFlight Outcome = "in_flight"
	// Replayed means a Done record with the same fingerprint exists —
	// the caller should return the cached decision.
	Replayed Outcome = "replayed"
	// Mismatch means a record exists under this request_id with a
	// different fingerprint — Inv_ReplayPayloadMismatch.
	Mismatch Outcome = "mismatch"
	// Unavailable means the store could not be reached within budget —
	// Inv_ReplayCheckUnavailable.
	Unavailable Outcome = "unavailable"
)

// record is the JSON value stored under the request_id key.
type record struct {
	Fingerprint string `json:"fingerprint"`
	Status      Status `json:"status"`
	Decision    string `json:"decision,omitempty"`
}

// claimScript atomically inspects any existing record for the key:
//   - no key present: write {fingerprint, status: pending} and return "first_seen"
//   - key present with matching fingerprint and status done: return "replayed" plus stored decision
//   - key present with matching fingerprint and status pending: return "in_flight"
//   - key present with a different fingerprint: return "mismatch", does not overwrite
//
// This extends beyond either grounding source's simple SET NX EX claim —
// neither models the fingerprint-mismatch or cached-replay paths — but
// keeps to the same "single Lua script for one round trip" shape.
var claimScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if not existing then
  redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
  return {'first_seen', ''}
end
local ok, decoded = pcall(cjson.decode, existing)
if not ok then
  return {'mismatch', ''}
end
local incoming = cjson.decode(ARGV[1])
if decoded.fingerprint ~= incoming.fingerprint then
  return {'mismatch', ''}
end
if decoded.status == 'done' then
  return {'replayed', decoded.decision or ''}
end
return {'in_flight', ''}
`)

// commitScript writes the done record only if the stored fingerprint
// still matches — a compare-and-set so a concurrent writer can never
// clobber a different request's claim under the same key.
var commitScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if not existing then
  return 0
end
local ok, decoded = pcall(cjson.decode, existing)
if not ok then
  return 0
end
local incoming = cjson.decode(ARGV[1])
if decoded.fingerprint ~= incoming.fingerprint then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'KEEPTTL')
return 1
`)

// Gate checks and records request_id claims against a fingerprint of the
// canonicalized request body.
type Gate struct {
	client  *redis.Client
	timeout time.Duration
	ttl     time.Duration
}

// New constructs a Gate. ttl bounds how long a completed claim is
// remembered (spec default: 86400s).
func New(client *redis.Client, timeout, ttl time.Duration) *Gate {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Gate{client: client, timeout: timeout, ttl: ttl}
}

func keyFor(requestID string) string {
	return "casf:replay:" + requestID
}

// Claim attempts to register requestID as in-flight under fingerprint. It
// returns the prior cached decision string when Outcome is Replayed.
func (g *Gate) Claim(ctx context.Context, requestID, fingerprint string) (Outcome, string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	payload, err := json.Marshal(record{Fingerprint: fingerprint, Status: StatusPending})
	if err != nil {
		return Unavailable, "", err
	}

	res, err := claimScript.Run(ctx, g.client, []string{keyFor(requestID)}, string(payload), int(g.ttl.Seconds())).Result()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Unavailable, "", nil
		}
		return Unavailable, "", nil
	}

	outcome, decision, ok := decodeClaimResult(res)
	if !ok {
		return Unavailable, "", nil
	}
	return outcome, decision, nil
}

// Commit marks requestID's claim done with the terminal decision, so a
// later replay with the same fingerprint returns the cached outcome
// instead of re-running the pipeline. Best-effort: callers should not
// fail the original request if Commit fails.
func (g *Gate) Commit(ctx context.Context, requestID, fingerprint, decision string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	payload, err := json.Marshal(record{Fingerprint: fingerprint, Status: StatusDone, Decision: decision})
	if err != nil {
		return err
	}

	res, err := commitScript.Run(ctx, g.client, []string{keyFor(requestID)}, string(payload)).Result()
	if err != nil {
		return err
	}
	n, _ := toInt64(res)
	if n != 1 {
		return errors.New("replay: commit refused, fingerprint no longer matches")
	}
	return nil
}

func decodeClaimResult(v interface{}) (Outcome, string, bool) {
	items, ok := v.([]interface{})
	if !ok || len(items) != 2 {
		return "", "", false
	}
	status, ok := items[0].(string)
	if !ok {
		return "", "", false
	}
	decision, _ := items[1].(string)
	return Outcome(status), decision, true
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
