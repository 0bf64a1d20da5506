package models

import "encoding/json"

// QueueStats summarizes a namespace's operations by status.
type QueueStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
}

// Add counts one operation in the given status.
func (s *QueueStats) Add(status OperationStatus) {
	s.Total++
	switch status {
	case StatusPending:
		s.Pending++
	case StatusFailed:
		s.Failed++
	case StatusCompleted:
		s.Completed++
	}
}

// SyncLogEntry is an append-only diagnostic record of queue activity.
type SyncLogEntry struct {
	ID        string          `db:"id" json:"id"`
	Namespace string          `db:"namespace" json:"namespace"`
	EventType string          `db:"event_type" json:"event_type"`
	Timestamp int64           `db:"timestamp" json:"timestamp"`
	Data      json.RawMessage `db:"data" json:"data,omitempty"`
	Stats     QueueStats      `db:"stats" json:"stats"`
}

// TableName returns the table name for SyncLogEntry.
func (SyncLogEntry) TableName() string {
	return "outbox_sync_logs"
}
