package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ChangeKind enumerates the effect an operation has on its target.
type ChangeKind string

const (
	// ChangeKindCreate introduces a record or relation edge.
	ChangeKindCreate ChangeKind = "create"
	// ChangeKindUpdate modifies fields on an existing record.
	ChangeKindUpdate ChangeKind = "update"
	// ChangeKindDelete removes a record or relation edge.
	ChangeKindDelete ChangeKind = "delete"
)

var (
	// ErrInvalidOperation indicates an operation is structurally unusable.
	ErrInvalidOperation = errors.New("crdt: invalid operation")
	// ErrInvalidChangeKind indicates an unrecognised change kind tag.
	ErrInvalidChangeKind = errors.New("crdt: invalid change kind")
)

// ParseChangeKind validates a raw change kind tag.
func ParseChangeKind(raw string) (ChangeKind, error) {
	switch ChangeKind(strings.ToLower(strings.TrimSpace(raw))) {
	case ChangeKindCreate:
		return ChangeKindCreate, nil
	case ChangeKindUpdate:
		return ChangeKindUpdate, nil
	case ChangeKindDelete:
		return ChangeKindDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChangeKind, raw)
	}
}

// SharedChange targets a single domain record.
type SharedChange struct {
	Model    string          `json:"model"`
	RecordID string          `json:"record_id"`
	Kind     ChangeKind      `json:"kind"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// RelationChange targets an edge between two records.
type RelationChange struct {
	Relation string          `json:"relation"`
	ItemID   string          `json:"item_id"`
	GroupID  string          `json:"group_id"`
	Kind     ChangeKind      `json:"kind"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// LogicalTarget is the identity an operation contends over. Two operations
// with the same target are competing writes; the larger timestamp wins.
type LogicalTarget struct {
	// Scope is the model name for shared changes, the relation name for
	// relation changes.
	Scope string
	// Key is the record id for shared changes, the item id for relation
	// changes.
	Key  string
	Kind ChangeKind
}

// Operation is the unit of replication. Exactly one of Shared or Relation
// is set.
type Operation struct {
	ID        uuid.UUID       `json:"id"`
	Origin    uuid.UUID       `json:"origin"`
	Timestamp Timestamp       `json:"timestamp"`
	Shared    *SharedChange   `json:"shared,omitempty"`
	Relation  *RelationChange `json:"relation,omitempty"`
}

// Validate checks structural integrity: identifiers present and exactly
// one payload variant set.
func (op Operation) Validate() error {
	if op.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", ErrInvalidOperation)
	}
	if op.Origin == uuid.Nil {
		return fmt.Errorf("%w: missing origin", ErrInvalidOperation)
	}
	if (op.Shared == nil) == (op.Relation == nil) {
		return fmt.Errorf("%w: exactly one payload variant required", ErrInvalidOperation)
	}
	if op.Shared != nil {
		if op.Shared.Model == "" || op.Shared.RecordID == "" {
			return fmt.Errorf("%w: shared change requires model and record id", ErrInvalidOperation)
		}
		if _, err := ParseChangeKind(string(op.Shared.Kind)); err != nil {
			return err
		}
	}
	if op.Relation != nil {
		if op.Relation.Relation == "" || op.Relation.ItemID == "" {
			return fmt.Errorf("%w: relation change requires relation and item id", ErrInvalidOperation)
		}
		if _, err := ParseChangeKind(string(op.Relation.Kind)); err != nil {
			return err
		}
	}
	return nil
}

// Target derives the logical target for conflict resolution.
func (op Operation) Target() (LogicalTarget, error) {
	switch {
	case op.Shared != nil:
		return LogicalTarget{Scope: op.Shared.Model, Key: op.Shared.RecordID, Kind: op.Shared.Kind}, nil
	case op.Relation != nil:
		return LogicalTarget{Scope: op.Relation.Relation, Key: op.Relation.ItemID, Kind: op.Relation.Kind}, nil
	default:
		return LogicalTarget{}, fmt.Errorf("%w: no payload", ErrInvalidOperation)
	}
}

// Batch is a page of operations from one origin. HasMore reports whether
// the origin holds additional unsent operations beyond this page.
type Batch struct {
	Origin     uuid.UUID   `json:"origin"`
	Operations []Operation `json:"operations"`
	HasMore    bool        `json:"has_more"`
}
