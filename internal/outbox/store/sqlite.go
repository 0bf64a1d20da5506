package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kimhsiao/outbox/internal/models"
)

const opColumns = `id, namespace, idempotency_key, kind, endpoint, url, method, headers, body, metadata, context,
	priority, status, retry_count, max_retries, created_at, updated_at, last_retry_at, next_retry_at,
	completed_at, failed_at, last_error`

// SQLite stores one namespace in the outbox_operations and outbox_sync_logs tables.
// The schema is created by the db package migrations.
type SQLite struct {
	db        *sql.DB
	namespace string

	// Statements are prepared on first use and cached for reuse
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewSQLite creates a store for namespace over an open, migrated database.
func NewSQLite(db *sql.DB, namespace string) *SQLite {
	return &SQLite{db: db, namespace: namespace}
}

// prepare gets or creates a prepared statement from cache.
func (s *SQLite) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, storageErr("prepare statement", err)
	}

	// If already stored by another goroutine, use existing
	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

func (s *SQLite) Insert(ctx context.Context, op *models.QueuedOperation) error {
	stmt, err := s.prepare(ctx, `INSERT INTO outbox_operations (`+opColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx,
		op.ID, s.namespace, op.IdempotencyKey, op.Kind, op.Endpoint, op.URL, op.Method,
		op.Headers, nullBytes(op.Body), op.Metadata, op.Context,
		op.Priority, op.Status, op.RetryCount, op.MaxRetries, op.CreatedAt, op.UpdatedAt,
		op.LastRetryAt, op.NextRetryAt, op.CompletedAt, op.FailedAt, op.LastError,
	)
	return storageErr("insert operation", err)
}

func (s *SQLite) Update(ctx context.Context, op *models.QueuedOperation) error {
	stmt, err := s.prepare(ctx, `UPDATE outbox_operations SET
		idempotency_key = ?, kind = ?, endpoint = ?, url = ?, method = ?, headers = ?, body = ?,
		metadata = ?, context = ?, priority = ?, status = ?, retry_count = ?, max_retries = ?,
		updated_at = ?, last_retry_at = ?, next_retry_at = ?, completed_at = ?, failed_at = ?,
		last_error = ?
		WHERE id = ? AND namespace = ?`)
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(ctx,
		op.IdempotencyKey, op.Kind, op.Endpoint, op.URL, op.Method, op.Headers, nullBytes(op.Body),
		op.Metadata, op.Context, op.Priority, op.Status, op.RetryCount, op.MaxRetries,
		op.UpdatedAt, op.LastRetryAt, op.NextRetryAt, op.CompletedAt, op.FailedAt,
		op.LastError,
		op.ID, s.namespace,
	)
	if err != nil {
		return storageErr("update operation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update operation", err)
	}
	if n == 0 {
		return notFound(op.ID)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*models.QueuedOperation, error) {
	stmt, err := s.prepare(ctx, `SELECT `+opColumns+` FROM outbox_operations WHERE id = ? AND namespace = ?`)
	if err != nil {
		return nil, err
	}
	op, err := scanOperation(stmt.QueryRowContext(ctx, id, s.namespace))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storageErr("get operation", err)
	}
	return op, nil
}

func (s *SQLite) List(ctx context.Context, status models.OperationStatus) ([]*models.QueuedOperation, error) {
	if status == "" {
		return s.query(ctx, `SELECT `+opColumns+` FROM outbox_operations
			WHERE namespace = ? ORDER BY created_at, id`, s.namespace)
	}
	return s.query(ctx, `SELECT `+opColumns+` FROM outbox_operations
		WHERE namespace = ? AND status = ? ORDER BY created_at, id`, s.namespace, status)
}

func (s *SQLite) FindByIdempotencyKey(ctx context.Context, key string) ([]*models.QueuedOperation, error) {
	return s.query(ctx, `SELECT `+opColumns+` FROM outbox_operations
		WHERE namespace = ? AND idempotency_key = ? ORDER BY created_at, id`, s.namespace, key)
}

func (s *SQLite) query(ctx context.Context, query string, args ...interface{}) ([]*models.QueuedOperation, error) {
	stmt, err := s.prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, storageErr("list operations", err)
	}
	defer rows.Close()

	var out []*models.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, storageErr("scan operation", err)
		}
		out = append(out, op)
	}
	return out, storageErr("list operations", rows.Err())
}

func (s *SQLite) Delete(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, s.namespace)
	for _, id := range ids {
		args = append(args, id)
	}
	// variable arity, not cached
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM outbox_operations WHERE namespace = ? AND id IN (%s)`, placeholders), args...)
	if err != nil {
		return 0, storageErr("delete operations", err)
	}
	n, err := res.RowsAffected()
	return int(n), storageErr("delete operations", err)
}

func (s *SQLite) Clear(ctx context.Context) (int, error) {
	stmt, err := s.prepare(ctx, `DELETE FROM outbox_operations WHERE namespace = ?`)
	if err != nil {
		return 0, err
	}
	res, err := stmt.ExecContext(ctx, s.namespace)
	if err != nil {
		return 0, storageErr("clear operations", err)
	}
	n, err := res.RowsAffected()
	return int(n), storageErr("clear operations", err)
}

func (s *SQLite) AppendLog(ctx context.Context, entry *models.SyncLogEntry) error {
	stats, err := json.Marshal(entry.Stats)
	if err != nil {
		return storageErr("encode log stats", err)
	}
	insert, err := s.prepare(ctx, `INSERT INTO outbox_sync_logs (id, namespace, event_type, timestamp, data, stats)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	if _, err := insert.ExecContext(ctx, entry.ID, s.namespace, entry.EventType, entry.Timestamp,
		nullBytes(entry.Data), string(stats)); err != nil {
		return storageErr("append sync log", err)
	}

	trim, err := s.prepare(ctx, `DELETE FROM outbox_sync_logs WHERE namespace = ? AND id NOT IN (
		SELECT id FROM outbox_sync_logs WHERE namespace = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?)`)
	if err != nil {
		return err
	}
	_, err = trim.ExecContext(ctx, s.namespace, s.namespace, MaxLogEntries)
	return storageErr("trim sync log", err)
}

func (s *SQLite) RecentLogs(ctx context.Context, limit int) ([]*models.SyncLogEntry, error) {
	if limit <= 0 {
		limit = MaxLogEntries
	}
	stmt, err := s.prepare(ctx, `SELECT id, namespace, event_type, timestamp, data, stats
		FROM outbox_sync_logs WHERE namespace = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, s.namespace, limit)
	if err != nil {
		return nil, storageErr("list sync logs", err)
	}
	defer rows.Close()

	var out []*models.SyncLogEntry
	for rows.Next() {
		var e models.SyncLogEntry
		var data []byte
		var stats string
		if err := rows.Scan(&e.ID, &e.Namespace, &e.EventType, &e.Timestamp, &data, &stats); err != nil {
			return nil, storageErr("scan sync log", err)
		}
		if len(data) > 0 {
			e.Data = json.RawMessage(data)
		}
		if err := json.Unmarshal([]byte(stats), &e.Stats); err != nil {
			return nil, storageErr("decode log stats", err)
		}
		out = append(out, &e)
	}
	return out, storageErr("list sync logs", rows.Err())
}

// Close closes all cached prepared statements. The database itself is owned by the caller.
func (s *SQLite) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*models.QueuedOperation, error) {
	var op models.QueuedOperation
	var body []byte
	err := row.Scan(
		&op.ID, &op.Namespace, &op.IdempotencyKey, &op.Kind, &op.Endpoint, &op.URL, &op.Method,
		&op.Headers, &body, &op.Metadata, &op.Context,
		&op.Priority, &op.Status, &op.RetryCount, &op.MaxRetries, &op.CreatedAt, &op.UpdatedAt,
		&op.LastRetryAt, &op.NextRetryAt, &op.CompletedAt, &op.FailedAt, &op.LastError,
	)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		op.Body = json.RawMessage(body)
	}
	return &op, nil
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
