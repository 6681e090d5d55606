package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/caravel-labs/caravel/internal/crdt"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type serviceFixture struct {
	database *gorm.DB
	store    *crdt.OperationStore
	factory  *crdt.Factory
	service  *Service
}

func mustServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(
		&crdt.SharedOperationRecord{},
		&crdt.RelationOperationRecord{},
		&FileObject{},
		&Tag{},
		&TagAssignment{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := crdt.NewClock(crdt.ClockConfig{Wall: func() time.Time {
		return time.UnixMilli(1_700_000_000_000)
	}})
	factory, err := crdt.NewFactory(crdt.FactoryConfig{Origin: uuid.New(), Clock: clock})
	if err != nil {
		t.Fatalf("failed to create factory: %v", err)
	}
	store, err := crdt.NewOperationStore(crdt.OperationStoreConfig{Database: database, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to create operation store: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: database,
		Factory:  factory,
		Store:    store,
		Clock:    func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return &serviceFixture{database: database, store: store, factory: factory, service: service}
}

func mustListOperations(t *testing.T, fixture *serviceFixture) []crdt.Operation {
	t.Helper()
	batch, err := fixture.store.ListSince(context.Background(), fixture.factory.Origin(), crdt.Timestamp(0), 100)
	if err != nil {
		t.Fatalf("failed to list operations: %v", err)
	}
	return batch.Operations
}

func mustName(t *testing.T, raw string) Name {
	t.Helper()
	name, err := NewName(raw)
	if err != nil {
		t.Fatalf("unexpected name validation failure: %v", err)
	}
	return name
}

func mustRecordID(t *testing.T, raw string) RecordID {
	t.Helper()
	id, err := NewRecordID(raw)
	if err != nil {
		t.Fatalf("unexpected record id validation failure: %v", err)
	}
	return id
}

func TestCreateTagPersistsRowAndOperation(t *testing.T) {
	fixture := mustServiceFixture(t)
	ctx := context.Background()

	tag, err := fixture.service.CreateTag(ctx, mustName(t, "travel"), "#ff8800")
	if err != nil {
		t.Fatalf("create tag failed: %v", err)
	}
	if tag.RecordID == "" {
		t.Fatalf("expected a minted record id")
	}

	stored, err := fixture.service.GetTag(ctx, mustRecordID(t, tag.RecordID))
	if err != nil {
		t.Fatalf("get tag failed: %v", err)
	}
	if stored.Name != "travel" || stored.Color != "#ff8800" {
		t.Fatalf("unexpected stored tag: %+v", stored)
	}

	ops := mustListOperations(t, fixture)
	if len(ops) != 1 {
		t.Fatalf("expected one operation in the log, got %d", len(ops))
	}
	op := ops[0]
	if op.Shared == nil || op.Shared.Model != ModelTag || op.Shared.Kind != crdt.ChangeKindCreate {
		t.Fatalf("unexpected operation payload: %+v", op)
	}
	var fields tagFields
	if err := json.Unmarshal(op.Shared.Data, &fields); err != nil {
		t.Fatalf("failed to decode change data: %v", err)
	}
	if fields.Name == nil || *fields.Name != "travel" {
		t.Fatalf("expected change data to carry the tag name, got %+v", fields)
	}
}

func TestUpdateTagRecordsOnlyChangedFields(t *testing.T) {
	fixture := mustServiceFixture(t)
	ctx := context.Background()

	tag, err := fixture.service.CreateTag(ctx, mustName(t, "travel"), "#ff8800")
	if err != nil {
		t.Fatalf("create tag failed: %v", err)
	}

	newColor := "#00ff00"
	updated, err := fixture.service.UpdateTag(ctx, mustRecordID(t, tag.RecordID), TagUpdateParams{Color: &newColor})
	if err != nil {
		t.Fatalf("update tag failed: %v", err)
	}
	if updated.Color != newColor || updated.Name != "travel" {
		t.Fatalf("unexpected updated tag: %+v", updated)
	}

	ops := mustListOperations(t, fixture)
	if len(ops) != 2 {
		t.Fatalf("expected two operations in the log, got %d", len(ops))
	}
	var fields tagFields
	if err := json.Unmarshal(ops[1].Shared.Data, &fields); err != nil {
		t.Fatalf("failed to decode change data: %v", err)
	}
	if fields.Name != nil {
		t.Fatalf("unchanged name should be absent from change data, got %+v", fields)
	}
	if fields.Color == nil || *fields.Color != newColor {
		t.Fatalf("expected change data to carry the new color, got %+v", fields)
	}
}

func TestUpdateTagMissingRecordFailsWithoutOperation(t *testing.T) {
	fixture := mustServiceFixture(t)
	ctx := context.Background()

	name := "ghost"
	_, err := fixture.service.UpdateTag(ctx, mustRecordID(t, "absent"), TagUpdateParams{Name: &name})
	if err == nil {
		t.Fatalf("expected update of a missing tag to fail")
	}

	if ops := mustListOperations(t, fixture); len(ops) != 0 {
		t.Fatalf("failed update must not append operations, got %d", len(ops))
	}
}

func TestDeleteTagRemovesAssignments(t *testing.T) {
	fixture := mustServiceFixture(t)
	ctx := context.Background()

	tag, err := fixture.service.CreateTag(ctx, mustName(t, "travel"), "")
	if err != nil {
		t.Fatalf("create tag failed: %v", err)
	}
	object, err := fixture.service.CreateObject(ctx, mustName(t, "photo.jpg"), "image")
	if err != nil {
		t.Fatalf("create object failed: %v", err)
	}
	if err := fixture.service.AssignTag(ctx, mustRecordID(t, tag.RecordID), []RecordID{mustRecordID(t, object.RecordID)}); err != nil {
		t.Fatalf("assign tag failed: %v", err)
	}

	if err := fixture.service.DeleteTag(ctx, mustRecordID(t, tag.RecordID)); err != nil {
		t.Fatalf("delete tag failed: %v", err)
	}

	var edgeCount int64
	if err := fixture.database.Model(&TagAssignment{}).Count(&edgeCount).Error; err != nil {
		t.Fatalf("failed to count assignments: %v", err)
	}
	if edgeCount != 0 {
		t.Fatalf("expected assignments to be removed with the tag, got %d", edgeCount)
	}

	ops := mustListOperations(t, fixture)
	// create tag, create object, assign, delete tag
	if len(ops) != 4 {
		t.Fatalf("expected four operations, got %d", len(ops))
	}
	last := ops[3]
	if last.Shared == nil || last.Shared.Kind != crdt.ChangeKindDelete || len(last.Shared.Data) != 0 {
		t.Fatalf("delete operation should carry no data: %+v", last)
	}
}

func TestAssignTagIsIdempotentPerEdge(t *testing.T) {
	fixture := mustServiceFixture(t)
	ctx := context.Background()

	tag, err := fixture.service.CreateTag(ctx, mustName(t, "travel"), "")
	if err != nil {
		t.Fatalf("create tag failed: %v", err)
	}
	object, err := fixture.service.CreateObject(ctx, mustName(t, "photo.jpg"), "image")
	if err != nil {
		t.Fatalf("create object failed: %v", err)
	}

	tagID := mustRecordID(t, tag.RecordID)
	objectID := mustRecordID(t, object.RecordID)
	if err := fixture.service.AssignTag(ctx, tagID, []RecordID{objectID}); err != nil {
		t.Fatalf("first assign failed: %v", err)
	}
	if err := fixture.service.AssignTag(ctx, tagID, []RecordID{objectID}); err != nil {
		t.Fatalf("repeated assign failed: %v", err)
	}

	var edgeCount int64
	if err := fixture.database.Model(&TagAssignment{}).Count(&edgeCount).Error; err != nil {
		t.Fatalf("failed to count assignments: %v", err)
	}
	if edgeCount != 1 {
		t.Fatalf("expected a single edge after repeated assign, got %d", edgeCount)
	}
}

func TestAssignTagRejectsMissingTag(t *testing.T) {
	fixture := mustServiceFixture(t)
	ctx := context.Background()

	object, err := fixture.service.CreateObject(ctx, mustName(t, "photo.jpg"), "image")
	if err != nil {
		t.Fatalf("create object failed: %v", err)
	}

	err = fixture.service.AssignTag(ctx, mustRecordID(t, "absent"), []RecordID{mustRecordID(t, object.RecordID)})
	if err == nil {
		t.Fatalf("expected assign to a missing tag to fail")
	}

	// Only the object create should be in the log.
	if ops := mustListOperations(t, fixture); len(ops) != 1 {
		t.Fatalf("failed assign must not append operations, got %d", len(ops))
	}
}

func TestDeleteObjectRemovesRowEdgesAndRecordsOperation(t *testing.T) {
	fixture := mustServiceFixture(t)
	ctx := context.Background()

	tag, err := fixture.service.CreateTag(ctx, mustName(t, "travel"), "")
	if err != nil {
		t.Fatalf("create tag failed: %v", err)
	}
	object, err := fixture.service.CreateObject(ctx, mustName(t, "photo.jpg"), "image")
	if err != nil {
		t.Fatalf("create object failed: %v", err)
	}
	if err := fixture.service.AssignTag(ctx, mustRecordID(t, tag.RecordID), []RecordID{mustRecordID(t, object.RecordID)}); err != nil {
		t.Fatalf("assign tag failed: %v", err)
	}

	if err := fixture.service.DeleteObject(ctx, mustRecordID(t, object.RecordID)); err != nil {
		t.Fatalf("delete object failed: %v", err)
	}

	if _, err := fixture.service.GetObject(ctx, mustRecordID(t, object.RecordID)); err == nil {
		t.Fatalf("expected deleted object to be gone")
	}
	var edgeCount int64
	if err := fixture.database.Model(&TagAssignment{}).Count(&edgeCount).Error; err != nil {
		t.Fatalf("failed to count assignments: %v", err)
	}
	if edgeCount != 0 {
		t.Fatalf("expected assignments to be removed with the object, got %d", edgeCount)
	}
}

func TestListObjectsOrdersByRecency(t *testing.T) {
	fixture := mustServiceFixture(t)
	ctx := context.Background()

	first, err := fixture.service.CreateObject(ctx, mustName(t, "a.txt"), "text")
	if err != nil {
		t.Fatalf("create object failed: %v", err)
	}
	if _, err := fixture.service.CreateObject(ctx, mustName(t, "b.txt"), "text"); err != nil {
		t.Fatalf("create object failed: %v", err)
	}

	// Bump the first object so it becomes the most recently updated.
	if err := fixture.database.Model(&FileObject{}).
		Where("record_id = ?", first.RecordID).
		Update("updated_at_s", 1_800_000_000).Error; err != nil {
		t.Fatalf("failed to bump object: %v", err)
	}

	objects, err := fixture.service.ListObjects(ctx)
	if err != nil {
		t.Fatalf("list objects failed: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("expected two objects, got %d", len(objects))
	}
	if objects[0].RecordID != first.RecordID {
		t.Fatalf("expected most recently updated object first, got %+v", objects[0])
	}
}
