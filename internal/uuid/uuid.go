// Package uuid generates identifiers for queued operations and sync log entries.
package uuid

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OperationPrefix prefixes every queued operation ID.
const OperationPrefix = "op_"

// op_<unix millis>_<8 hex chars>
var operationIDRegex = regexp.MustCompile(`^op_[0-9]{13,}_[0-9a-f]{8}$`)

// New generates a new UUID v4 string, used for sync log entries.
func New() string {
	return uuid.New().String()
}

// NewOperationID returns an ID of the form op_<unix millis>_<random>.
// The timestamp component keeps IDs roughly sortable by creation time.
func NewOperationID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s%d_%s", OperationPrefix, now.UnixMilli(), suffix)
}

// IsOperationID reports whether s has the operation ID shape.
func IsOperationID(s string) bool {
	return operationIDRegex.MatchString(s)
}

// ValidateOperationID returns an error if s is not an operation ID.
func ValidateOperationID(s string) error {
	if !IsOperationID(s) {
		return fmt.Errorf("invalid operation id: %q", s)
	}
	return nil
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil || len(s) != 36 {
		return false
	}
	return id.Version() == 4
}
