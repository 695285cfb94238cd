package worker

import (
	"context"

	"github.com/ehr/migrator/internal/domain/migration"
)

// KeySwitch toggles explicit primary-key insertion for the tables the
// writer fills with allocated keys.
type KeySwitch interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context)
}

// Store is one live database connection.
type Store interface {
	Stats(ctx context.Context) (migration.Stats, error)
	PendingPatients(ctx context.Context, limit int) ([]string, error)
	// Begin opens the single transaction of a batch.
	Begin(ctx context.Context) (Batch, error)
	Close(ctx context.Context) error
}

// Batch is the transaction of one batch. Every read and write issued
// through it with a context from Context runs inside the transaction.
type Batch interface {
	migration.Repository
	Context(ctx context.Context) context.Context
	Keys() KeySwitch
	// Commit moves identity sequences past explicitly written keys and
	// commits the transaction.
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Dialer opens a replacement Store after a connectivity failure.
type Dialer func(ctx context.Context) (Store, error)
