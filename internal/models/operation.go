// Package models provides data model definitions for the outbox.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority orders pending operations within a replay batch.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
}

// Rank returns the sort rank of p; lower ranks replay first.
// Unknown priorities sort with normal.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityNormal]
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// ParsePriority parses a case-insensitive priority name. An empty string yields normal.
func ParsePriority(s string) (Priority, error) {
	if strings.TrimSpace(s) == "" {
		return PriorityNormal, nil
	}
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// OperationStatus is the lifecycle state of a queued operation.
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
)

// IsTerminal reports whether no automatic transition leaves s.
func (s OperationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StringMap is a string map persisted as a JSON column.
type StringMap map[string]string

// Value implements driver.Valuer for StringMap.
func (m StringMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for StringMap.
func (m *StringMap) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringMap", value)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	out := make(map[string]string)
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	if len(out) == 0 {
		*m = nil
		return nil
	}
	*m = out
	return nil
}

// QueuedOperation is a deferred mutating request awaiting replay.
type QueuedOperation struct {
	ID             string          `db:"id" json:"id"`
	Namespace      string          `db:"namespace" json:"namespace"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	Kind           string          `db:"kind" json:"kind,omitempty"`
	Endpoint       string          `db:"endpoint" json:"endpoint"`
	URL            string          `db:"url" json:"url"`
	Method         string          `db:"method" json:"method"`
	Headers        StringMap       `db:"headers" json:"headers,omitempty"`
	Body           json.RawMessage `db:"body" json:"body,omitempty"`
	Metadata       StringMap       `db:"metadata" json:"metadata,omitempty"`
	Context        StringMap       `db:"context" json:"context,omitempty"`
	Priority       Priority        `db:"priority" json:"priority"`
	Status         OperationStatus `db:"status" json:"status"`
	RetryCount     int             `db:"retry_count" json:"retry_count"`
	MaxRetries     int             `db:"max_retries" json:"max_retries"`
	CreatedAt      int64           `db:"created_at" json:"created_at"`
	UpdatedAt      int64           `db:"updated_at" json:"updated_at"`
	LastRetryAt    int64           `db:"last_retry_at" json:"last_retry_at,omitempty"`
	NextRetryAt    int64           `db:"next_retry_at" json:"next_retry_at"`
	CompletedAt    int64           `db:"completed_at" json:"completed_at,omitempty"`
	FailedAt       int64           `db:"failed_at" json:"failed_at,omitempty"`
	LastError      string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for QueuedOperation.
func (QueuedOperation) TableName() string {
	return "outbox_operations"
}

// Due reports whether op is pending and its next attempt is not in the future.
func (op *QueuedOperation) Due(now time.Time) bool {
	return op.Status == StatusPending && op.NextRetryAt <= now.UnixMilli()
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (op *QueuedOperation) CreatedAtTime() time.Time {
	return time.UnixMilli(op.CreatedAt)
}

// Clone returns a deep copy of op.
func (op *QueuedOperation) Clone() *QueuedOperation {
	if op == nil {
		return nil
	}
	c := *op
	c.Headers = cloneMap(op.Headers)
	c.Metadata = cloneMap(op.Metadata)
	c.Context = cloneMap(op.Context)
	if op.Body != nil {
		c.Body = append(json.RawMessage(nil), op.Body...)
	}
	return &c
}

func cloneMap(m StringMap) StringMap {
	if m == nil {
		return nil
	}
	c := make(StringMap, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// OperationRequest is what a caller submits to the outbox.
// Either URL or Kind must be set; a Kind is resolved to a route by the profile.
type OperationRequest struct {
	Kind           string            `json:"kind,omitempty"`
	URL            string            `json:"url,omitempty"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           json.RawMessage   `json:"body,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
	Priority       string            `json:"priority,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty"`
}

// Route is the remote target a Kind maps to.
type Route struct {
	Method string `json:"method" yaml:"method"`
	URL    string `json:"url" yaml:"url"`
}
