package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/casf/verifier/models"
)

// TransactionManager manages database transactions.
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// AuditRepository handles the append-only, hash-chained audit trail.
type AuditRepository interface {
	// Append locks against concurrent writers, links draft to the
	// current chain tail, and inserts it. Returns the event with
	// Ts/PrevHash/Hash filled in.
	Append(ctx context.Context, draft *models.AuditEvent) (*models.AuditEvent, error)

	// GetByRequestID retrieves every audit event recorded for
	// requestID, oldest first.
	GetByRequestID(ctx context.Context, requestID uuid.UUID) ([]*models.AuditEvent, error)

	// ListAll retrieves every audit event in insertion order, for
	// chain verification. limit<=0 returns the whole table.
	ListAll(ctx context.Context, limit int) ([]*models.AuditEvent, error)
}

// Repositories aggregates the repository interfaces the gateway needs.
type Repositories struct {
	Audit AuditRepository
}
