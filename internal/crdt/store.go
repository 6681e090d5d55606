package crdt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opFindLatestCompeting = "crdt.find_latest_competing"
	opAppendAudit         = "crdt.append_audit"
	opListSince           = "crdt.list_since"
	opLatestTimestamps    = "crdt.latest_timestamps"

	queryTargetShared   = "model = ? AND record_id = ? AND kind = ? AND timestamp >= ?"
	queryTargetRelation = "relation = ? AND item_id = ? AND kind = ? AND timestamp >= ?"
	queryOriginAfter    = "origin = ? AND timestamp > ?"
	orderTimestampDesc  = "timestamp DESC"
	orderTimestampAsc   = "timestamp ASC"
)

var (
	errStoreMissingDatabase = errors.New("crdt: database handle is required")
	storeNopLogger          = zap.NewNop()
)

// StoreError carries the failing operation code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func newStoreError(operation string, cause error) error {
	return &StoreError{code: operation, err: cause}
}

// OperationStore is the durable audit log of accepted operations. It is
// the single source of truth for staleness and dedup decisions; the
// in-memory watermark table is only an advisory cache over it.
type OperationStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OperationStoreConfig describes the inputs required to build an OperationStore.
type OperationStoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// NewOperationStore validates the configuration and returns an OperationStore.
func NewOperationStore(cfg OperationStoreConfig) (*OperationStore, error) {
	if cfg.Database == nil {
		return nil, errStoreMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = storeNopLogger
	}
	return &OperationStore{db: cfg.Database, logger: logger}, nil
}

// FindLatestCompeting returns the greatest timestamp already recorded for
// the operation's logical target at or above the operation's own
// timestamp. The boolean reports whether such a competitor exists.
func (s *OperationStore) FindLatestCompeting(ctx context.Context, op Operation) (Timestamp, bool, error) {
	target, err := op.Target()
	if err != nil {
		return 0, false, newStoreError(opFindLatestCompeting, err)
	}

	var found int64
	var query *gorm.DB
	if op.Shared != nil {
		query = s.db.WithContext(ctx).
			Model(&SharedOperationRecord{}).
			Select("timestamp").
			Where(queryTargetShared, target.Scope, target.Key, string(target.Kind), op.Timestamp.Int64())
	} else {
		query = s.db.WithContext(ctx).
			Model(&RelationOperationRecord{}).
			Select("timestamp").
			Where(queryTargetRelation, target.Scope, target.Key, string(target.Kind), op.Timestamp.Int64())
	}

	err = query.Order(orderTimestampDesc).Limit(1).Take(&found).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		s.logger.Error("latest competing operation query failed",
			zap.String("operation", opFindLatestCompeting),
			zap.String("scope", target.Scope),
			zap.String("key", target.Key),
			zap.Error(err))
		return 0, false, newStoreError(opFindLatestCompeting, err)
	}
	return Timestamp(found), true, nil
}

// Append durably inserts the operation into the audit log using the
// provided database handle, which may be a transaction. Re-inserting an
// already recorded operation id is a no-op.
func (s *OperationStore) Append(ctx context.Context, db *gorm.DB, op Operation) error {
	if err := op.Validate(); err != nil {
		return newStoreError(opAppendAudit, err)
	}

	var insertErr error
	switch {
	case op.Shared != nil:
		record := SharedOperationRecord{
			ID:        op.ID.String(),
			Origin:    op.Origin.String(),
			Timestamp: op.Timestamp.Int64(),
			Model:     op.Shared.Model,
			RecordID:  op.Shared.RecordID,
			Kind:      string(op.Shared.Kind),
			Data:      string(op.Shared.Data),
		}
		insertErr = db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
	case op.Relation != nil:
		record := RelationOperationRecord{
			ID:        op.ID.String(),
			Origin:    op.Origin.String(),
			Timestamp: op.Timestamp.Int64(),
			Relation:  op.Relation.Relation,
			ItemID:    op.Relation.ItemID,
			GroupID:   op.Relation.GroupID,
			Kind:      string(op.Relation.Kind),
			Data:      string(op.Relation.Data),
		}
		insertErr = db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
	}
	if insertErr != nil {
		s.logger.Error("audit log append failed",
			zap.String("operation", opAppendAudit),
			zap.String("op_id", op.ID.String()),
			zap.Error(insertErr))
		return newStoreError(opAppendAudit, insertErr)
	}
	return nil
}

// AppendAudit is Append against the store's own connection.
func (s *OperationStore) AppendAudit(ctx context.Context, op Operation) error {
	return s.Append(ctx, s.db, op)
}

// ListSince returns one page of operations authored by origin with
// timestamps strictly greater than after, in timestamp order. HasMore on
// the returned batch reports whether further operations remain.
func (s *OperationStore) ListSince(ctx context.Context, origin uuid.UUID, after Timestamp, limit int) (Batch, error) {
	if limit <= 0 {
		limit = 100
	}

	var sharedRecords []SharedOperationRecord
	if err := s.db.WithContext(ctx).
		Where(queryOriginAfter, origin.String(), after.Int64()).
		Order(orderTimestampAsc).
		Limit(limit + 1).
		Find(&sharedRecords).Error; err != nil {
		s.logger.Error("shared operation paging failed",
			zap.String("operation", opListSince), zap.Error(err))
		return Batch{}, newStoreError(opListSince, err)
	}

	var relationRecords []RelationOperationRecord
	if err := s.db.WithContext(ctx).
		Where(queryOriginAfter, origin.String(), after.Int64()).
		Order(orderTimestampAsc).
		Limit(limit + 1).
		Find(&relationRecords).Error; err != nil {
		s.logger.Error("relation operation paging failed",
			zap.String("operation", opListSince), zap.Error(err))
		return Batch{}, newStoreError(opListSince, err)
	}

	operations := make([]Operation, 0, len(sharedRecords)+len(relationRecords))
	for _, record := range sharedRecords {
		op, err := sharedRecordToOperation(record)
		if err != nil {
			return Batch{}, newStoreError(opListSince, err)
		}
		operations = append(operations, op)
	}
	for _, record := range relationRecords {
		op, err := relationRecordToOperation(record)
		if err != nil {
			return Batch{}, newStoreError(opListSince, err)
		}
		operations = append(operations, op)
	}

	sort.SliceStable(operations, func(i, j int) bool {
		return operations[i].Timestamp < operations[j].Timestamp
	})

	hasMore := len(operations) > limit
	if hasMore {
		operations = operations[:limit]
	}

	return Batch{Origin: origin, Operations: operations, HasMore: hasMore}, nil
}

// LatestTimestamps computes the highest recorded timestamp per origin
// across both audit tables. Used to rebuild the watermark table on start.
func (s *OperationStore) LatestTimestamps(ctx context.Context) (map[uuid.UUID]Timestamp, error) {
	type originRow struct {
		Origin    string
		Timestamp int64
	}

	latest := make(map[uuid.UUID]Timestamp)
	for _, model := range []any{&SharedOperationRecord{}, &RelationOperationRecord{}} {
		var rows []originRow
		if err := s.db.WithContext(ctx).
			Model(model).
			Select("origin, MAX(timestamp) AS timestamp").
			Group("origin").
			Find(&rows).Error; err != nil {
			s.logger.Error("latest timestamp scan failed",
				zap.String("operation", opLatestTimestamps), zap.Error(err))
			return nil, newStoreError(opLatestTimestamps, err)
		}
		for _, row := range rows {
			origin, err := uuid.Parse(row.Origin)
			if err != nil {
				return nil, newStoreError(opLatestTimestamps, err)
			}
			if current, ok := latest[origin]; !ok || Timestamp(row.Timestamp) > current {
				latest[origin] = Timestamp(row.Timestamp)
			}
		}
	}
	return latest, nil
}

func sharedRecordToOperation(record SharedOperationRecord) (Operation, error) {
	id, err := uuid.Parse(record.ID)
	if err != nil {
		return Operation{}, err
	}
	origin, err := uuid.Parse(record.Origin)
	if err != nil {
		return Operation{}, err
	}
	kind, err := ParseChangeKind(record.Kind)
	if err != nil {
		return Operation{}, err
	}
	return Operation{
		ID:        id,
		Origin:    origin,
		Timestamp: Timestamp(record.Timestamp),
		Shared: &SharedChange{
			Model:    record.Model,
			RecordID: record.RecordID,
			Kind:     kind,
			Data:     json.RawMessage(record.Data),
		},
	}, nil
}

func relationRecordToOperation(record RelationOperationRecord) (Operation, error) {
	id, err := uuid.Parse(record.ID)
	if err != nil {
		return Operation{}, err
	}
	origin, err := uuid.Parse(record.Origin)
	if err != nil {
		return Operation{}, err
	}
	kind, err := ParseChangeKind(record.Kind)
	if err != nil {
		return Operation{}, err
	}
	return Operation{
		ID:        id,
		Origin:    origin,
		Timestamp: Timestamp(record.Timestamp),
		Relation: &RelationChange{
			Relation: record.Relation,
			ItemID:   record.ItemID,
			GroupID:  record.GroupID,
			Kind:     kind,
			Data:     json.RawMessage(record.Data),
		},
	}, nil
}
