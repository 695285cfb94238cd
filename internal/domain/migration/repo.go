package migration

import (
	"context"
)

// SourceReader is the read side over the legacy source tables.
type SourceReader interface {
	Stats(ctx context.Context) (Stats, error)
	PendingPatients(ctx context.Context, limit int) ([]string, error)
	PendingItems(ctx context.Context, patientCode string) ([]SourceItem, error)
}

// HierarchyStore writes the target rows and the migration ledger.
type HierarchyStore interface {
	InsertVisit(ctx context.Context, v *Visit) error
	InsertInvoice(ctx context.Context, inv *Invoice) error
	InsertReport(ctx context.Context, r *Report) error
	InsertAttachment(ctx context.Context, a *Attachment) error
	MarkMigrated(ctx context.Context, originID string) error
}

// Repository is everything the worker needs from the store.
type Repository interface {
	SourceReader
	HierarchyStore
	IDSource
}
