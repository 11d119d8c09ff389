package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/casf/verifier/internal/hashchain"
	"github.com/casf/verifier/models"
	"github.com/casf/verifier/repositories"
	"go.uber.org/zap"
)

// auditAdvisoryLockKey is the fixed key every writer locks before
// reading the chain's tail and appending the next link. A single
// constant, not derived from tenant or request, so every process
// appending to this table serializes against every other — the whole
// point of an advisory lock here is cross-process mutual exclusion that
// an in-process mutex cannot provide once there is more than one
// gateway instance.
const auditAdvisoryLockKey = 42

// AuditRepository implements the repositories.AuditRepository interface
// over the append-only audit_events table.
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Append locks the table against concurrent writers, reads the current
// chain tail, computes the next hash, and inserts the row — all inside
// one transaction, so the read-tail/compute-hash/insert sequence is
// atomic with respect to every other appender.
func (r *AuditRepository) Append(ctx context.Context, draft *models.AuditEvent) (*models.AuditEvent, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", auditAdvisoryLockKey); err != nil {
		return nil, fmt.Errorf("failed to acquire audit advisory lock: %w", err)
	}

	var prevHash string
	err = tx.QueryRowContext(ctx, "SELECT hash FROM audit_events ORDER BY id DESC LIMIT 1").Scan(&prevHash)
	if err != nil {
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to read audit chain tail: %w", err)
		}
		prevHash = ""
	}

	evt := &models.AuditEvent{
		EventID:   draft.EventID,
		RequestID: draft.RequestID,
		Ts:        time.Now().UTC(),
		Actor:     draft.Actor,
		Action:    draft.Action,
		Decision:  draft.Decision,
		Payload:   draft.Payload,
		PrevHash:  prevHash,
	}

	hash, err := hashchain.ComputeEventHash(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to compute audit hash: %w", err)
	}
	evt.Hash = hash

	payloadJSON, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO audit_events (event_id, request_id, ts, actor, action, decision, payload, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`,
		evt.EventID, evt.RequestID, evt.Ts, evt.Actor, evt.Action, evt.Decision, payloadJSON, evt.PrevHash, evt.Hash,
	).Scan(&evt.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert audit event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit audit transaction: %w", err)
	}

	r.logger.Debug("audit event appended",
		zap.String("event_id", evt.EventID.String()),
		zap.String("request_id", evt.RequestID.String()),
		zap.String("action", evt.Action),
		zap.String("decision", string(evt.Decision)),
	)
	return evt, nil
}

// GetByRequestID retrieves every audit event recorded for requestID,
// oldest first.
func (r *AuditRepository) GetByRequestID(ctx context.Context, requestID uuid.UUID) ([]*models.AuditEvent, error) {
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, `
		SELECT id, event_id, request_id, ts, actor, action, decision, payload, prev_hash, hash
		FROM audit_events
		WHERE request_id = $1
		ORDER BY id ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

// ListAll retrieves every audit event ordered by insertion, for chain
// verification. limit<=0 returns the whole table.
func (r *AuditRepository) ListAll(ctx context.Context, limit int) ([]*models.AuditEvent, error) {
	query := "SELECT id, event_id, request_id, ts, actor, action, decision, payload, prev_hash, hash FROM audit_events ORDER BY id ASC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

func scanAuditEvents(rows *sql.Rows) ([]*models.AuditEvent, error) {
	var events []*models.AuditEvent
	for rows.Next() {
		evt := &models.AuditEvent{}
		var payloadJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.EventID, &evt.RequestID, &evt.Ts, &evt.Actor, &evt.Action,
			&evt.Decision, &payloadJSON, &evt.PrevHash, &evt.Hash,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &evt.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit payload: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit event rows: %w", err)
	}
	return events, nil
}
