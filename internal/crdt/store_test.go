package crdt

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func mustOperationStore(t *testing.T) *OperationStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&SharedOperationRecord{}, &RelationOperationRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewOperationStore(OperationStoreConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func mustFactory(t *testing.T, origin uuid.UUID) *Factory {
	t.Helper()
	clock := NewClock(ClockConfig{Wall: func() time.Time { return time.UnixMilli(1_700_000_000_000) }})
	factory, err := NewFactory(FactoryConfig{Origin: origin, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create factory: %v", err)
	}
	return factory
}

func sharedOp(t *testing.T, origin uuid.UUID, ts Timestamp, recordID string, kind ChangeKind) Operation {
	t.Helper()
	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("failed to mint operation id: %v", err)
	}
	return Operation{
		ID:        id,
		Origin:    origin,
		Timestamp: ts,
		Shared: &SharedChange{
			Model:    "tag",
			RecordID: recordID,
			Kind:     kind,
			Data:     []byte(`{"name":"docs"}`),
		},
	}
}

func TestFindLatestCompetingReturnsNewestForTarget(t *testing.T) {
	store := mustOperationStore(t)
	origin := uuid.New()
	ctx := context.Background()

	older := sharedOp(t, origin, NewTimestamp(100, 0), "r1", ChangeKindUpdate)
	newer := sharedOp(t, origin, NewTimestamp(200, 0), "r1", ChangeKindUpdate)
	if err := store.AppendAudit(ctx, older); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := store.AppendAudit(ctx, newer); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	candidate := sharedOp(t, origin, NewTimestamp(150, 0), "r1", ChangeKindUpdate)
	found, ok, err := store.FindLatestCompeting(ctx, candidate)
	if err != nil {
		t.Fatalf("competing query failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected a competing operation")
	}
	if found != NewTimestamp(200, 0) {
		t.Fatalf("expected competing timestamp 200, got %v", found)
	}
}

func TestFindLatestCompetingIgnoresOtherTargets(t *testing.T) {
	store := mustOperationStore(t)
	origin := uuid.New()
	ctx := context.Background()

	if err := store.AppendAudit(ctx, sharedOp(t, origin, NewTimestamp(500, 0), "r1", ChangeKindUpdate)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	otherRecord := sharedOp(t, origin, NewTimestamp(100, 0), "r2", ChangeKindUpdate)
	if _, ok, err := store.FindLatestCompeting(ctx, otherRecord); err != nil || ok {
		t.Fatalf("expected no competitor for a different record, got ok=%v err=%v", ok, err)
	}

	otherKind := sharedOp(t, origin, NewTimestamp(100, 0), "r1", ChangeKindDelete)
	if _, ok, err := store.FindLatestCompeting(ctx, otherKind); err != nil || ok {
		t.Fatalf("expected no competitor for a different kind, got ok=%v err=%v", ok, err)
	}
}

func TestAppendAuditIsIdempotentPerOperationID(t *testing.T) {
	store := mustOperationStore(t)
	origin := uuid.New()
	ctx := context.Background()

	op := sharedOp(t, origin, NewTimestamp(100, 0), "r1", ChangeKindCreate)
	if err := store.AppendAudit(ctx, op); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if err := store.AppendAudit(ctx, op); err != nil {
		t.Fatalf("duplicate append should be a no-op, got %v", err)
	}

	var count int64
	if err := store.db.Model(&SharedOperationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one audit row, got %d", count)
	}
}

func TestListSincePagesInTimestampOrder(t *testing.T) {
	store := mustOperationStore(t)
	origin := uuid.New()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		op := sharedOp(t, origin, NewTimestamp(int64(i*10), 0), fmt.Sprintf("r%d", i), ChangeKindCreate)
		if err := store.AppendAudit(ctx, op); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	first, err := store.ListSince(ctx, origin, 0, 3)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(first.Operations) != 3 || !first.HasMore {
		t.Fatalf("expected full page with more pending, got %d ops hasMore=%v", len(first.Operations), first.HasMore)
	}
	for i := 1; i < len(first.Operations); i++ {
		if first.Operations[i].Timestamp < first.Operations[i-1].Timestamp {
			t.Fatalf("expected ascending timestamps in page")
		}
	}

	last := first.Operations[len(first.Operations)-1].Timestamp
	second, err := store.ListSince(ctx, origin, last, 3)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(second.Operations) != 2 || second.HasMore {
		t.Fatalf("expected final page of 2, got %d ops hasMore=%v", len(second.Operations), second.HasMore)
	}
}

func TestListSinceMergesSharedAndRelationOperations(t *testing.T) {
	store := mustOperationStore(t)
	origin := uuid.New()
	ctx := context.Background()

	if err := store.AppendAudit(ctx, sharedOp(t, origin, NewTimestamp(20, 0), "r1", ChangeKindCreate)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	relationID, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("failed to mint operation id: %v", err)
	}
	relation := Operation{
		ID:        relationID,
		Origin:    origin,
		Timestamp: NewTimestamp(10, 0),
		Relation: &RelationChange{
			Relation: "tag_on_object",
			ItemID:   "obj-1",
			GroupID:  "tag-1",
			Kind:     ChangeKindCreate,
		},
	}
	if err := store.AppendAudit(ctx, relation); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	batch, err := store.ListSince(ctx, origin, 0, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(batch.Operations) != 2 {
		t.Fatalf("expected both audit tables merged, got %d ops", len(batch.Operations))
	}
	if batch.Operations[0].Relation == nil || batch.Operations[1].Shared == nil {
		t.Fatalf("expected relation op (ts=10) before shared op (ts=20)")
	}
}

func TestLatestTimestampsCoversBothTables(t *testing.T) {
	store := mustOperationStore(t)
	originA := uuid.New()
	originB := uuid.New()
	ctx := context.Background()

	if err := store.AppendAudit(ctx, sharedOp(t, originA, NewTimestamp(30, 0), "r1", ChangeKindCreate)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := store.AppendAudit(ctx, sharedOp(t, originA, NewTimestamp(70, 0), "r2", ChangeKindCreate)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	relationID, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("failed to mint operation id: %v", err)
	}
	relation := Operation{
		ID:        relationID,
		Origin:    originB,
		Timestamp: NewTimestamp(90, 0),
		Relation: &RelationChange{
			Relation: "tag_on_object",
			ItemID:   "obj-1",
			GroupID:  "tag-1",
			Kind:     ChangeKindCreate,
		},
	}
	if err := store.AppendAudit(ctx, relation); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	latest, err := store.LatestTimestamps(ctx)
	if err != nil {
		t.Fatalf("latest timestamps failed: %v", err)
	}
	if latest[originA] != NewTimestamp(70, 0) {
		t.Fatalf("expected origin A max 70, got %v", latest[originA])
	}
	if latest[originB] != NewTimestamp(90, 0) {
		t.Fatalf("expected origin B max 90, got %v", latest[originB])
	}
}

func TestFactoryMintsOrderedValidOperations(t *testing.T) {
	origin := uuid.New()
	factory := mustFactory(t, origin)

	create, err := factory.SharedCreate("tag", "r1", map[string]any{"name": "docs"})
	if err != nil {
		t.Fatalf("shared create failed: %v", err)
	}
	update, err := factory.SharedUpdate("tag", "r1", map[string]any{"name": "papers"})
	if err != nil {
		t.Fatalf("shared update failed: %v", err)
	}
	unassign, err := factory.RelationDelete("tag_on_object", "obj-1", "r1")
	if err != nil {
		t.Fatalf("relation delete failed: %v", err)
	}

	for _, op := range []Operation{create, update, unassign} {
		if err := op.Validate(); err != nil {
			t.Fatalf("expected factory operation to validate: %v", err)
		}
		if op.Origin != origin {
			t.Fatalf("expected origin %v, got %v", origin, op.Origin)
		}
	}
	if update.Timestamp <= create.Timestamp || unassign.Timestamp <= update.Timestamp {
		t.Fatalf("expected strictly increasing factory timestamps")
	}
}

func TestOperationValidateRejectsAmbiguousPayload(t *testing.T) {
	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("failed to mint operation id: %v", err)
	}

	both := Operation{
		ID:        id,
		Origin:    uuid.New(),
		Timestamp: NewTimestamp(10, 0),
		Shared:    &SharedChange{Model: "tag", RecordID: "r1", Kind: ChangeKindCreate},
		Relation:  &RelationChange{Relation: "tag_on_object", ItemID: "obj-1", Kind: ChangeKindCreate},
	}
	if err := both.Validate(); err == nil {
		t.Fatalf("expected validation failure for dual payload")
	}

	neither := Operation{ID: id, Origin: uuid.New(), Timestamp: NewTimestamp(10, 0)}
	if err := neither.Validate(); err == nil {
		t.Fatalf("expected validation failure for missing payload")
	}
}
