package store

import (
	"context"
	"sync"

	"github.com/kimhsiao/outbox/internal/models"
)

// Memory is a process-local Store. Its contents are lost on restart.
type Memory struct {
	mu   sync.RWMutex
	ops  map[string]*models.QueuedOperation
	logs []*models.SyncLogEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{ops: make(map[string]*models.QueuedOperation)}
}

func (m *Memory) Insert(_ context.Context, op *models.QueuedOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[op.ID]; ok {
		return errDuplicateID(op.ID)
	}
	m.ops[op.ID] = op.Clone()
	return nil
}

func (m *Memory) Update(_ context.Context, op *models.QueuedOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[op.ID]; !ok {
		return notFound(op.ID)
	}
	m.ops[op.ID] = op.Clone()
	return nil
}

// upsert writes op whether or not it exists.
func (m *Memory) upsert(op *models.QueuedOperation) {
	m.mu.Lock()
	m.ops[op.ID] = op.Clone()
	m.mu.Unlock()
}

func (m *Memory) Get(_ context.Context, id string) (*models.QueuedOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.ops[id]
	if !ok {
		return nil, notFound(id)
	}
	return op.Clone(), nil
}

func (m *Memory) List(_ context.Context, status models.OperationStatus) ([]*models.QueuedOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.QueuedOperation, 0, len(m.ops))
	for _, op := range m.ops {
		if matches(op, status) {
			out = append(out, op.Clone())
		}
	}
	sortOperations(out)
	return out, nil
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) ([]*models.QueuedOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.QueuedOperation
	for _, op := range m.ops {
		if op.IdempotencyKey == key {
			out = append(out, op.Clone())
		}
	}
	sortOperations(out)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, ids ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := m.ops[id]; ok {
			delete(m.ops, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Clear(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.ops)
	m.ops = make(map[string]*models.QueuedOperation)
	return n, nil
}

func (m *Memory) AppendLog(_ context.Context, entry *models.SyncLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *entry
	m.logs = append(m.logs, &e)
	if len(m.logs) > MaxLogEntries {
		m.logs = append([]*models.SyncLogEntry(nil), m.logs[len(m.logs)-MaxLogEntries:]...)
	}
	return nil
}

func (m *Memory) RecentLogs(_ context.Context, limit int) ([]*models.SyncLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.logs) {
		limit = len(m.logs)
	}
	out := make([]*models.SyncLogEntry, 0, limit)
	for i := len(m.logs) - 1; i >= 0 && len(out) < limit; i-- {
		e := *m.logs[i]
		out = append(out, &e)
	}
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
