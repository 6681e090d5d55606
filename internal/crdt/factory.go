package crdt

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	errMissingOrigin = errors.New("crdt: factory origin is required")
	errMissingClock  = errors.New("crdt: factory clock is required")
)

// Factory mints replication operations on behalf of the local replica,
// stamping each with a fresh hybrid logical timestamp.
type Factory struct {
	origin uuid.UUID
	clock  *Clock
	newID  func() (uuid.UUID, error)
}

// FactoryConfig describes the inputs required to build a Factory.
type FactoryConfig struct {
	Origin uuid.UUID
	Clock  *Clock
	// NewID issues operation identifiers; defaults to UUIDv7.
	NewID func() (uuid.UUID, error)
}

// NewFactory validates the configuration and returns a Factory.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Origin == uuid.Nil {
		return nil, errMissingOrigin
	}
	if cfg.Clock == nil {
		return nil, errMissingClock
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewV7
	}
	return &Factory{origin: cfg.Origin, clock: cfg.Clock, newID: newID}, nil
}

// Origin returns the replica identifier operations are attributed to.
func (f *Factory) Origin() uuid.UUID {
	return f.origin
}

// SharedCreate mints a create operation for a domain record.
func (f *Factory) SharedCreate(model, recordID string, data any) (Operation, error) {
	return f.shared(model, recordID, ChangeKindCreate, data)
}

// SharedUpdate mints an update operation carrying changed fields.
func (f *Factory) SharedUpdate(model, recordID string, data any) (Operation, error) {
	return f.shared(model, recordID, ChangeKindUpdate, data)
}

// SharedDelete mints a delete operation for a domain record.
func (f *Factory) SharedDelete(model, recordID string) (Operation, error) {
	return f.shared(model, recordID, ChangeKindDelete, nil)
}

// RelationCreate mints a create operation for a relation edge.
func (f *Factory) RelationCreate(relation, itemID, groupID string, data any) (Operation, error) {
	return f.relation(relation, itemID, groupID, ChangeKindCreate, data)
}

// RelationDelete mints a delete operation for a relation edge.
func (f *Factory) RelationDelete(relation, itemID, groupID string) (Operation, error) {
	return f.relation(relation, itemID, groupID, ChangeKindDelete, nil)
}

func (f *Factory) shared(model, recordID string, kind ChangeKind, data any) (Operation, error) {
	op, err := f.envelope()
	if err != nil {
		return Operation{}, err
	}
	payload, err := marshalChangeData(data)
	if err != nil {
		return Operation{}, err
	}
	op.Shared = &SharedChange{Model: model, RecordID: recordID, Kind: kind, Data: payload}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

func (f *Factory) relation(relation, itemID, groupID string, kind ChangeKind, data any) (Operation, error) {
	op, err := f.envelope()
	if err != nil {
		return Operation{}, err
	}
	payload, err := marshalChangeData(data)
	if err != nil {
		return Operation{}, err
	}
	op.Relation = &RelationChange{Relation: relation, ItemID: itemID, GroupID: groupID, Kind: kind, Data: payload}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

func (f *Factory) envelope() (Operation, error) {
	id, err := f.newID()
	if err != nil {
		return Operation{}, fmt.Errorf("crdt: operation id generation failed: %w", err)
	}
	return Operation{
		ID:        id,
		Origin:    f.origin,
		Timestamp: f.clock.Now(),
	}, nil
}

func marshalChangeData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("crdt: change data marshal failed: %w", err)
	}
	return encoded, nil
}
