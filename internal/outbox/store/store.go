// Package store persists queued operations and sync log entries for one
// outbox namespace.
package store

import (
	"context"
	"sort"

	apperrors "github.com/kimhsiao/outbox/internal/errors"
	"github.com/kimhsiao/outbox/internal/models"
)

// MaxLogEntries bounds the sync log kept per namespace.
const MaxLogEntries = 1000

// Store is the persistence contract the queue manager relies on.
// Implementations hold one namespace and return copies, never shared pointers.
type Store interface {
	// Insert adds a new operation. Inserting an existing ID is a storage error.
	Insert(ctx context.Context, op *models.QueuedOperation) error
	// Update replaces a stored operation; a missing ID yields NOT_FOUND.
	Update(ctx context.Context, op *models.QueuedOperation) error
	// Get returns one operation or NOT_FOUND.
	Get(ctx context.Context, id string) (*models.QueuedOperation, error)
	// List returns operations with the given status ("" for all), oldest first.
	List(ctx context.Context, status models.OperationStatus) ([]*models.QueuedOperation, error)
	// FindByIdempotencyKey returns every operation carrying key.
	FindByIdempotencyKey(ctx context.Context, key string) ([]*models.QueuedOperation, error)
	// Delete removes the given IDs and reports how many existed.
	Delete(ctx context.Context, ids ...string) (int, error)
	// Clear removes every operation in the namespace.
	Clear(ctx context.Context) (int, error)
	// AppendLog records a sync log entry, keeping at most MaxLogEntries.
	AppendLog(ctx context.Context, entry *models.SyncLogEntry) error
	// RecentLogs returns up to limit entries, newest first.
	RecentLogs(ctx context.Context, limit int) ([]*models.SyncLogEntry, error)
	Close() error
}

// Recoverer is a store that can return to its primary backend after degrading.
type Recoverer interface {
	// Recover flushes degraded writes to the primary and reports how many
	// operations were moved.
	Recover(ctx context.Context) (int, error)
}

func notFound(id string) error {
	return apperrors.Newf(apperrors.ErrNotFound, "operation %s not found", id)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(apperrors.ErrStorage, op, err)
}

// sortOperations orders by creation time, then ID.
func sortOperations(ops []*models.QueuedOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].CreatedAt != ops[j].CreatedAt {
			return ops[i].CreatedAt < ops[j].CreatedAt
		}
		return ops[i].ID < ops[j].ID
	})
}

func matches(op *models.QueuedOperation, status models.OperationStatus) bool {
	return status == "" || op.Status == status
}

func errDuplicateID(id string) error {
	return apperrors.Newf(apperrors.ErrStorage, "operation %s already exists", id)
}
