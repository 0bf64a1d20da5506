package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	apperrors "github.com/kimhsiao/outbox/internal/errors"
	"github.com/kimhsiao/outbox/internal/logging"
	"github.com/kimhsiao/outbox/internal/models"
)

// Fallback wraps a primary store and degrades to an in-memory store when a
// primary write fails with a storage error. Once degraded, writes land in
// memory and reads merge both, with memory taking precedence. Recover moves
// the memory contents back into the primary.
type Fallback struct {
	primary  Store
	degraded atomic.Bool

	// mode is held shared by every call and exclusively by Recover.
	mode   sync.RWMutex
	memory *Memory

	mu      sync.Mutex
	deleted map[string]bool // primary IDs removed while degraded
}

// NewFallback wraps primary.
func NewFallback(primary Store) *Fallback {
	return &Fallback{
		primary: primary,
		memory:  NewMemory(),
		deleted: make(map[string]bool),
	}
}

// Degraded reports whether the store has switched to memory.
func (f *Fallback) Degraded() bool {
	return f.degraded.Load()
}

// degrade switches to memory if err is a storage failure of the primary
// itself, and reports whether it did. A cancelled or expired caller context
// says nothing about the primary and never degrades.
func (f *Fallback) degrade(ctx context.Context, err error, action string) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if !apperrors.Is(err, apperrors.ErrStorage) {
		return false
	}
	if f.degraded.CompareAndSwap(false, true) {
		logging.Warn("Primary store failed, falling back to in-memory storage", map[string]interface{}{
			"action": action,
			"error":  err.Error(),
		})
	}
	return true
}

func (f *Fallback) isDeleted(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted[id]
}

// Recover writes every record held in memory back to the primary, applies
// deletions made while degraded and switches back. It is a no-op when the
// store is healthy. On failure the store stays degraded and can be retried;
// the flush is an upsert so a repeated attempt is safe.
func (f *Fallback) Recover(ctx context.Context) (int, error) {
	if !f.Degraded() {
		return 0, nil
	}
	f.mode.Lock()
	defer f.mode.Unlock()
	if !f.Degraded() {
		return 0, nil
	}

	f.mu.Lock()
	tombstones := make([]string, 0, len(f.deleted))
	for id := range f.deleted {
		tombstones = append(tombstones, id)
	}
	f.mu.Unlock()
	if len(tombstones) > 0 {
		if _, err := f.primary.Delete(ctx, tombstones...); err != nil {
			return 0, err
		}
	}

	ops, _ := f.memory.List(ctx, "")
	for _, op := range ops {
		err := f.primary.Update(ctx, op)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			err = f.primary.Insert(ctx, op)
		}
		if err != nil {
			return 0, err
		}
	}

	logs, _ := f.memory.RecentLogs(ctx, 0)
	for i := len(logs) - 1; i >= 0; i-- {
		if err := f.primary.AppendLog(ctx, logs[i]); err != nil {
			logging.Warn("Dropped sync log entry while restoring primary store", map[string]interface{}{
				"entry_id": logs[i].ID,
				"error":    err.Error(),
			})
		}
	}

	f.memory = NewMemory()
	f.mu.Lock()
	f.deleted = make(map[string]bool)
	f.mu.Unlock()
	f.degraded.Store(false)

	logging.Info("Primary store restored", map[string]interface{}{"operations": len(ops)})
	return len(ops), nil
}

func (f *Fallback) Insert(ctx context.Context, op *models.QueuedOperation) error {
	f.mode.RLock()
	defer f.mode.RUnlock()
	if !f.Degraded() {
		err := f.primary.Insert(ctx, op)
		if err == nil || !f.degrade(ctx, err, "insert") {
			return err
		}
	}
	return f.memory.Insert(ctx, op)
}

func (f *Fallback) Update(ctx context.Context, op *models.QueuedOperation) error {
	f.mode.RLock()
	defer f.mode.RUnlock()
	if !f.Degraded() {
		err := f.primary.Update(ctx, op)
		if err == nil || !f.degrade(ctx, err, "update") {
			return err
		}
	}
	if f.isDeleted(op.ID) {
		return notFound(op.ID)
	}
	if _, err := f.memory.Get(ctx, op.ID); err == nil {
		return f.memory.Update(ctx, op)
	}
	// the record may only exist in the primary; shadow it in memory
	if _, err := f.primary.Get(ctx, op.ID); apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	f.memory.upsert(op)
	return nil
}

func (f *Fallback) Get(ctx context.Context, id string) (*models.QueuedOperation, error) {
	f.mode.RLock()
	defer f.mode.RUnlock()
	return f.get(ctx, id)
}

func (f *Fallback) get(ctx context.Context, id string) (*models.QueuedOperation, error) {
	if f.Degraded() {
		if op, err := f.memory.Get(ctx, id); err == nil {
			return op, nil
		}
		if f.isDeleted(id) {
			return nil, notFound(id)
		}
		op, err := f.primary.Get(ctx, id)
		if err != nil && apperrors.Is(err, apperrors.ErrStorage) {
			return nil, notFound(id)
		}
		return op, err
	}
	return f.primary.Get(ctx, id)
}

func (f *Fallback) List(ctx context.Context, status models.OperationStatus) ([]*models.QueuedOperation, error) {
	f.mode.RLock()
	defer f.mode.RUnlock()
	return f.list(ctx, status)
}

func (f *Fallback) list(ctx context.Context, status models.OperationStatus) ([]*models.QueuedOperation, error) {
	if !f.Degraded() {
		return f.primary.List(ctx, status)
	}
	// the status filter is applied after merging, since memory may shadow a primary record
	primary, _ := f.primary.List(ctx, "")
	mem, _ := f.memory.List(ctx, "")
	return f.merge(primary, mem, func(op *models.QueuedOperation) bool { return matches(op, status) }), nil
}

func (f *Fallback) FindByIdempotencyKey(ctx context.Context, key string) ([]*models.QueuedOperation, error) {
	f.mode.RLock()
	defer f.mode.RUnlock()
	if !f.Degraded() {
		return f.primary.FindByIdempotencyKey(ctx, key)
	}
	primary, _ := f.primary.FindByIdempotencyKey(ctx, key)
	mem, _ := f.memory.FindByIdempotencyKey(ctx, key)
	return f.merge(primary, mem, func(op *models.QueuedOperation) bool { return op.IdempotencyKey == key }), nil
}

func (f *Fallback) merge(primary, mem []*models.QueuedOperation, keep func(*models.QueuedOperation) bool) []*models.QueuedOperation {
	byID := make(map[string]*models.QueuedOperation, len(primary)+len(mem))
	for _, op := range primary {
		if !f.isDeleted(op.ID) {
			byID[op.ID] = op
		}
	}
	for _, op := range mem {
		byID[op.ID] = op
	}
	out := make([]*models.QueuedOperation, 0, len(byID))
	for _, op := range byID {
		if keep(op) {
			out = append(out, op)
		}
	}
	sortOperations(out)
	return out
}

func (f *Fallback) Delete(ctx context.Context, ids ...string) (int, error) {
	f.mode.RLock()
	defer f.mode.RUnlock()
	return f.delete(ctx, ids...)
}

func (f *Fallback) delete(ctx context.Context, ids ...string) (int, error) {
	if !f.Degraded() {
		n, err := f.primary.Delete(ctx, ids...)
		if err == nil || !f.degrade(ctx, err, "delete") {
			return n, err
		}
	}
	existing := 0
	for _, id := range ids {
		if _, err := f.get(ctx, id); err == nil {
			existing++
		}
	}
	f.memory.Delete(ctx, ids...)
	f.mu.Lock()
	for _, id := range ids {
		f.deleted[id] = true
	}
	f.mu.Unlock()
	// best effort; the tombstones hide anything the primary still returns
	f.primary.Delete(ctx, ids...)
	return existing, nil
}

func (f *Fallback) Clear(ctx context.Context) (int, error) {
	f.mode.RLock()
	defer f.mode.RUnlock()
	if !f.Degraded() {
		n, err := f.primary.Clear(ctx)
		if err == nil || !f.degrade(ctx, err, "clear") {
			return n, err
		}
	}
	all, _ := f.list(ctx, "")
	ids := make([]string, len(all))
	for i, op := range all {
		ids[i] = op.ID
	}
	return f.delete(ctx, ids...)
}

func (f *Fallback) AppendLog(ctx context.Context, entry *models.SyncLogEntry) error {
	f.mode.RLock()
	defer f.mode.RUnlock()
	if !f.Degraded() {
		err := f.primary.AppendLog(ctx, entry)
		if err == nil || !f.degrade(ctx, err, "append log") {
			return err
		}
	}
	return f.memory.AppendLog(ctx, entry)
}

func (f *Fallback) RecentLogs(ctx context.Context, limit int) ([]*models.SyncLogEntry, error) {
	f.mode.RLock()
	defer f.mode.RUnlock()
	if !f.Degraded() {
		return f.primary.RecentLogs(ctx, limit)
	}
	mem, _ := f.memory.RecentLogs(ctx, limit)
	if limit > 0 && len(mem) >= limit {
		return mem, nil
	}
	primary, _ := f.primary.RecentLogs(ctx, limit-len(mem))
	return append(mem, primary...), nil
}

func (f *Fallback) Close() error {
	return f.primary.Close()
}
