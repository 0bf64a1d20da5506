// Package conflict decides which payload survives when the remote service
// rejects a replay because its copy of the resource changed.
package conflict

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/outbox/internal/errors"
	"github.com/kimhsiao/outbox/internal/logging"
	"github.com/kimhsiao/outbox/internal/outbox/validate"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	StrategyServerWins    ResolutionStrategy = "server_wins"
	StrategyLocalWins     ResolutionStrategy = "local_wins"
	StrategyMerge         ResolutionStrategy = "merge"
	StrategyLastWriteWins ResolutionStrategy = "last_write_wins"
)

// ParseStrategy maps a config string to a strategy. Empty means server_wins.
func ParseStrategy(s string) (ResolutionStrategy, error) {
	switch ResolutionStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyServerWins:
		return StrategyServerWins, nil
	case StrategyLocalWins:
		return StrategyLocalWins, nil
	case StrategyMerge:
		return StrategyMerge, nil
	case StrategyLastWriteWins:
		return StrategyLastWriteWins, nil
	default:
		return "", apperrors.Newf(apperrors.ErrConfig, "unknown conflict strategy %q", s)
	}
}

// Side identifies the payload that won.
type Side string

const (
	SideLocal  Side = "local"
	SideServer Side = "server"
	SideMerged Side = "merged"
)

// Merger combines a local and a server payload.
type Merger interface {
	Merge(local, server json.RawMessage) (json.RawMessage, error)
}

// MergerFunc adapts a function to Merger.
type MergerFunc func(local, server json.RawMessage) (json.RawMessage, error)

// Merge implements Merger.
func (f MergerFunc) Merge(local, server json.RawMessage) (json.RawMessage, error) {
	return f(local, server)
}

// Conflict is a replay the remote service refused because its state diverged.
type Conflict struct {
	OperationID     string
	Local           json.RawMessage
	Server          json.RawMessage
	LocalTimestamp  int64
	ServerTimestamp int64
	DetectedAt      int64
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	Winner   Side
	Payload  json.RawMessage
	Strategy ResolutionStrategy
}

// Resolver handles conflict resolution during replay.
type Resolver struct {
	strategy ResolutionStrategy
	merger   Merger
}

// NewResolver creates a Resolver. merger may be nil; the merge strategy
// then fails with MERGE_UNSUPPORTED.
func NewResolver(strategy ResolutionStrategy, merger Merger) *Resolver {
	if strategy == "" {
		strategy = StrategyServerWins
	}
	return &Resolver{strategy: strategy, merger: merger}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// Resolve picks the surviving payload for c.
func (r *Resolver) Resolve(c *Conflict) (*ResolveResult, error) {
	if c == nil {
		return nil, apperrors.New(apperrors.ErrValidation, "conflict is nil")
	}
	if c.DetectedAt == 0 {
		c.DetectedAt = time.Now().UnixMilli()
	}

	var result *ResolveResult
	switch r.strategy {
	case StrategyLocalWins:
		result = &ResolveResult{Winner: SideLocal, Payload: c.Local}
	case StrategyMerge:
		if r.merger == nil {
			return nil, apperrors.New(apperrors.ErrMergeUnsupported, "no merger configured")
		}
		merged, err := r.merger.Merge(c.Local, c.Server)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrMergeUnsupported, "merge payloads", err)
		}
		result = &ResolveResult{Winner: SideMerged, Payload: merged}
	case StrategyLastWriteWins:
		// ties keep the local payload
		if c.LocalTimestamp >= c.ServerTimestamp {
			result = &ResolveResult{Winner: SideLocal, Payload: c.Local}
		} else {
			result = &ResolveResult{Winner: SideServer, Payload: c.Server}
		}
	default:
		result = &ResolveResult{Winner: SideServer, Payload: c.Server}
	}
	result.Strategy = r.strategy

	logging.Info("Conflict resolved", map[string]interface{}{
		"operation_id":     c.OperationID,
		"strategy":         string(r.strategy),
		"winner":           string(result.Winner),
		"local_timestamp":  c.LocalTimestamp,
		"server_timestamp": c.ServerTimestamp,
	})
	return result, nil
}

// DetectConflict reports whether two payloads differ once canonicalized.
// Missing payloads never conflict.
func DetectConflict(local, server json.RawMessage) bool {
	if len(bytes.TrimSpace(local)) == 0 || len(bytes.TrimSpace(server)) == 0 {
		return false
	}
	a, errA := validate.Canonicalize(local)
	b, errB := validate.Canonicalize(server)
	if errA != nil || errB != nil {
		return !bytes.Equal(local, server)
	}
	return !bytes.Equal(a, b)
}

// ShallowMerge overlays the local object's top-level fields on the server
// object. Payloads that are not JSON objects cannot be merged.
var ShallowMerge = MergerFunc(func(local, server json.RawMessage) (json.RawMessage, error) {
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(server, &merged); err != nil || merged == nil {
		return nil, apperrors.New(apperrors.ErrMergeUnsupported, "server payload is not an object")
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(local, &overlay); err != nil || overlay == nil {
		return nil, apperrors.New(apperrors.ErrMergeUnsupported, "local payload is not an object")
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return json.Marshal(merged)
})
