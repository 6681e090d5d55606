package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/caravel-labs/caravel/internal/crdt"
	"go.uber.org/zap"
)

var (
	// ErrUnknownPayload indicates no projector is registered for the
	// operation's model or relation.
	ErrUnknownPayload = errors.New("ingest: no projector for payload")

	errApplierMissingStore = errors.New("ingest: applier requires an operation store")
)

// Projector applies an operation's semantic effect to the domain tables.
// Implementations are registered per model or relation name and must be
// idempotent: re-projecting an already applied operation may not change
// domain state.
type Projector interface {
	Project(ctx context.Context, op crdt.Operation) error
}

// Applier projects accepted operations onto the domain store and appends
// them to the audit log. The two effects are not atomic together: a
// projection that lands without its audit row is indistinguishable from
// "not yet seen" and will simply be reprocessed on redelivery.
type Applier struct {
	store     *crdt.OperationStore
	models    map[string]Projector
	relations map[string]Projector
	logger    *zap.Logger
}

// ApplierConfig describes the inputs for an Applier.
type ApplierConfig struct {
	Store  *crdt.OperationStore
	Logger *zap.Logger
}

// NewApplier validates the configuration and returns an Applier.
func NewApplier(cfg ApplierConfig) (*Applier, error) {
	if cfg.Store == nil {
		return nil, errApplierMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{
		store:     cfg.Store,
		models:    make(map[string]Projector),
		relations: make(map[string]Projector),
		logger:    logger,
	}, nil
}

// RegisterModel binds a projector to a shared-change model name.
func (a *Applier) RegisterModel(model string, projector Projector) {
	a.models[model] = projector
}

// RegisterRelation binds a projector to a relation name.
func (a *Applier) RegisterRelation(relation string, projector Projector) {
	a.relations[relation] = projector
}

// Apply projects the operation and appends it to the audit log.
func (a *Applier) Apply(ctx context.Context, op crdt.Operation) error {
	projector, err := a.lookup(op)
	if err != nil {
		return err
	}
	if err := projector.Project(ctx, op); err != nil {
		return fmt.Errorf("ingest: projection failed: %w", err)
	}
	if err := a.store.AppendAudit(ctx, op); err != nil {
		return fmt.Errorf("ingest: audit append failed: %w", err)
	}
	return nil
}

func (a *Applier) lookup(op crdt.Operation) (Projector, error) {
	switch {
	case op.Shared != nil:
		if projector, ok := a.models[op.Shared.Model]; ok {
			return projector, nil
		}
		return nil, fmt.Errorf("%w: model %q", ErrUnknownPayload, op.Shared.Model)
	case op.Relation != nil:
		if projector, ok := a.relations[op.Relation.Relation]; ok {
			return projector, nil
		}
		return nil, fmt.Errorf("%w: relation %q", ErrUnknownPayload, op.Relation.Relation)
	default:
		return nil, fmt.Errorf("%w: empty operation", ErrUnknownPayload)
	}
}
