package ingest

import (
	"context"
	"errors"

	"github.com/caravel-labs/caravel/internal/crdt"
	"go.uber.org/zap"
)

var errMissingStore = errors.New("ingest: operation store is required")

// ConflictResolver decides whether an incoming operation is stale by
// consulting the durable audit log, the single source of truth for
// competing writes on a logical target.
type ConflictResolver struct {
	store  *crdt.OperationStore
	logger *zap.Logger
}

// ConflictResolverConfig describes the inputs for a ConflictResolver.
type ConflictResolverConfig struct {
	Store  *crdt.OperationStore
	Logger *zap.Logger
}

// NewConflictResolver validates the configuration and returns a ConflictResolver.
func NewConflictResolver(cfg ConflictResolverConfig) (*ConflictResolver, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConflictResolver{store: cfg.Store, logger: logger}, nil
}

// IsStale reports whether a competing operation with a strictly newer
// timestamp already holds the operation's logical target. An exact
// timestamp match means this operation (or a tie) was already recorded,
// so it stays eligible and idempotence is enforced at the apply step.
// Ties across origins resolve purely by timestamp; no origin tiebreak
// is applied, so equal-timestamp writes are last-applied-wins.
func (r *ConflictResolver) IsStale(ctx context.Context, op crdt.Operation) (bool, error) {
	competing, found, err := r.store.FindLatestCompeting(ctx, op)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return competing != op.Timestamp, nil
}
