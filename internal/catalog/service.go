package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caravel-labs/caravel/internal/crdt"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingFactory    = errors.New("operation factory is required")
	errMissingStore      = errors.New("operation store is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("catalog: record not found")
)

const (
	opServiceNew   = "catalog.service.new"
	opCreateTag    = "catalog.create_tag"
	opUpdateTag    = "catalog.update_tag"
	opDeleteTag    = "catalog.delete_tag"
	opListTags     = "catalog.list_tags"
	opGetTag       = "catalog.get_tag"
	opAssignTag    = "catalog.assign_tag"
	opUnassignTag  = "catalog.unassign_tag"
	opCreateObject = "catalog.create_object"
	opUpdateObject = "catalog.update_object"
	opDeleteObject = "catalog.delete_object"
	opListObjects  = "catalog.list_objects"
	opGetObject    = "catalog.get_object"
)

// ServiceError carries a machine-readable failure code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the structured failure code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for new catalog records.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies required by the catalog service.
type ServiceConfig struct {
	Database   *gorm.DB
	Factory    *crdt.Factory
	Store      *crdt.OperationStore
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service owns local catalog mutations. Every accepted mutation writes the
// domain row and the matching replication operation to the audit log in one
// transaction, so peers can page the change out of the log later.
type Service struct {
	db         *gorm.DB
	factory    *crdt.Factory
	store      *crdt.OperationStore
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Factory == nil {
		return nil, newServiceError(opServiceNew, "missing_factory", errMissingFactory)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		factory:    cfg.Factory,
		store:      cfg.Store,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// CreateTag persists a new tag and records the replication operation.
func (s *Service) CreateTag(ctx context.Context, name Name, color string) (Tag, error) {
	recordID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateTag, "id_generation_failed", err)
		return Tag{}, newServiceError(opCreateTag, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	tag := Tag{
		RecordID:         recordID,
		Name:             name.String(),
		Color:            color,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	nameValue := name.String()
	colorValue := color
	op, err := s.factory.SharedCreate(ModelTag, recordID, tagFields{Name: &nameValue, Color: &colorValue})
	if err != nil {
		s.logError(opCreateTag, "operation_build_failed", err)
		return Tag{}, newServiceError(opCreateTag, "operation_build_failed", err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&tag).Error; err != nil {
			return newServiceError(opCreateTag, "tag_insert_failed", err)
		}
		if err := s.store.Append(ctx, tx, op); err != nil {
			return newServiceError(opCreateTag, "audit_append_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateTag, "transaction_failed", txErr, zap.String("record_id", recordID))
		return Tag{}, txErr
	}
	return tag, nil
}

// TagUpdateParams carries the optional field changes for a tag.
type TagUpdateParams struct {
	Name  *string
	Color *string
}

// UpdateTag applies partial field changes and records the replication operation.
func (s *Service) UpdateTag(ctx context.Context, id RecordID, params TagUpdateParams) (Tag, error) {
	if params.Name == nil && params.Color == nil {
		return s.GetTag(ctx, id)
	}

	updates := map[string]interface{}{"updated_at_s": s.clock().UTC().Unix()}
	if params.Name != nil {
		updates["name"] = *params.Name
	}
	if params.Color != nil {
		updates["color"] = *params.Color
	}

	op, err := s.factory.SharedUpdate(ModelTag, id.String(), tagFields{Name: params.Name, Color: params.Color})
	if err != nil {
		s.logError(opUpdateTag, "operation_build_failed", err, zap.String("record_id", id.String()))
		return Tag{}, newServiceError(opUpdateTag, "operation_build_failed", err)
	}

	var updated Tag
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Tag{}).Where("record_id = ?", id.String()).Updates(updates)
		if result.Error != nil {
			return newServiceError(opUpdateTag, "tag_update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opUpdateTag, "tag_missing", ErrNotFound)
		}
		if err := s.store.Append(ctx, tx, op); err != nil {
			return newServiceError(opUpdateTag, "audit_append_failed", err)
		}
		return tx.Where("record_id = ?", id.String()).Take(&updated).Error
	})
	if txErr != nil {
		s.logError(opUpdateTag, "transaction_failed", txErr, zap.String("record_id", id.String()))
		return Tag{}, txErr
	}
	return updated, nil
}

// DeleteTag removes the tag and its assignments and records the operations.
func (s *Service) DeleteTag(ctx context.Context, id RecordID) error {
	op, err := s.factory.SharedDelete(ModelTag, id.String())
	if err != nil {
		s.logError(opDeleteTag, "operation_build_failed", err, zap.String("record_id", id.String()))
		return newServiceError(opDeleteTag, "operation_build_failed", err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tag_id = ?", id.String()).Delete(&TagAssignment{}).Error; err != nil {
			return newServiceError(opDeleteTag, "assignment_delete_failed", err)
		}
		if err := tx.Where("record_id = ?", id.String()).Delete(&Tag{}).Error; err != nil {
			return newServiceError(opDeleteTag, "tag_delete_failed", err)
		}
		if err := s.store.Append(ctx, tx, op); err != nil {
			return newServiceError(opDeleteTag, "audit_append_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opDeleteTag, "transaction_failed", txErr, zap.String("record_id", id.String()))
		return txErr
	}
	return nil
}

// ListTags returns all tags ordered by name.
func (s *Service) ListTags(ctx context.Context) ([]Tag, error) {
	var tags []Tag
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&tags).Error; err != nil {
		s.logError(opListTags, "query_failed", err)
		return nil, newServiceError(opListTags, "query_failed", err)
	}
	return tags, nil
}

// GetTag returns a single tag by record id.
func (s *Service) GetTag(ctx context.Context, id RecordID) (Tag, error) {
	var tag Tag
	err := s.db.WithContext(ctx).Where("record_id = ?", id.String()).Take(&tag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Tag{}, newServiceError(opGetTag, "tag_missing", ErrNotFound)
	}
	if err != nil {
		s.logError(opGetTag, "query_failed", err, zap.String("record_id", id.String()))
		return Tag{}, newServiceError(opGetTag, "query_failed", err)
	}
	return tag, nil
}

// AssignTag links a tag to the given objects, skipping edges that already
// exist, and records one relation operation per new edge.
func (s *Service) AssignTag(ctx context.Context, tagID RecordID, objectIDs []RecordID) error {
	if len(objectIDs) == 0 {
		return nil
	}
	now := s.clock().UTC().Unix()

	ops := make([]crdt.Operation, 0, len(objectIDs))
	edges := make([]TagAssignment, 0, len(objectIDs))
	for _, objectID := range objectIDs {
		op, err := s.factory.RelationCreate(RelationTagOnObject, objectID.String(), tagID.String(), nil)
		if err != nil {
			s.logError(opAssignTag, "operation_build_failed", err, zap.String("tag_id", tagID.String()))
			return newServiceError(opAssignTag, "operation_build_failed", err)
		}
		ops = append(ops, op)
		edges = append(edges, TagAssignment{
			ObjectID:         objectID.String(),
			TagID:            tagID.String(),
			CreatedAtSeconds: now,
		})
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tag Tag
		if err := tx.Where("record_id = ?", tagID.String()).Take(&tag).Error; errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opAssignTag, "tag_missing", ErrNotFound)
		} else if err != nil {
			return newServiceError(opAssignTag, "tag_select_failed", err)
		}
		for i := range edges {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&edges[i]).Error; err != nil {
				return newServiceError(opAssignTag, "assignment_insert_failed", err)
			}
			if err := s.store.Append(ctx, tx, ops[i]); err != nil {
				return newServiceError(opAssignTag, "audit_append_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opAssignTag, "transaction_failed", txErr, zap.String("tag_id", tagID.String()))
		return txErr
	}
	return nil
}

// UnassignTag removes tag-to-object edges and records one relation
// operation per removed edge.
func (s *Service) UnassignTag(ctx context.Context, tagID RecordID, objectIDs []RecordID) error {
	if len(objectIDs) == 0 {
		return nil
	}

	ops := make([]crdt.Operation, 0, len(objectIDs))
	for _, objectID := range objectIDs {
		op, err := s.factory.RelationDelete(RelationTagOnObject, objectID.String(), tagID.String())
		if err != nil {
			s.logError(opUnassignTag, "operation_build_failed", err, zap.String("tag_id", tagID.String()))
			return newServiceError(opUnassignTag, "operation_build_failed", err)
		}
		ops = append(ops, op)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, objectID := range objectIDs {
			if err := tx.Where("tag_id = ? AND object_id = ?", tagID.String(), objectID.String()).
				Delete(&TagAssignment{}).Error; err != nil {
				return newServiceError(opUnassignTag, "assignment_delete_failed", err)
			}
			if err := s.store.Append(ctx, tx, ops[i]); err != nil {
				return newServiceError(opUnassignTag, "audit_append_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opUnassignTag, "transaction_failed", txErr, zap.String("tag_id", tagID.String()))
		return txErr
	}
	return nil
}

// CreateObject persists a new file object and records the replication operation.
func (s *Service) CreateObject(ctx context.Context, name Name, kind string) (FileObject, error) {
	recordID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateObject, "id_generation_failed", err)
		return FileObject{}, newServiceError(opCreateObject, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	object := FileObject{
		RecordID:         recordID,
		Name:             name.String(),
		Kind:             kind,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	nameValue := name.String()
	kindValue := kind
	op, err := s.factory.SharedCreate(ModelFileObject, recordID, objectFields{Name: &nameValue, Kind: &kindValue})
	if err != nil {
		s.logError(opCreateObject, "operation_build_failed", err)
		return FileObject{}, newServiceError(opCreateObject, "operation_build_failed", err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&object).Error; err != nil {
			return newServiceError(opCreateObject, "object_insert_failed", err)
		}
		if err := s.store.Append(ctx, tx, op); err != nil {
			return newServiceError(opCreateObject, "audit_append_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateObject, "transaction_failed", txErr, zap.String("record_id", recordID))
		return FileObject{}, txErr
	}
	return object, nil
}

// ObjectUpdateParams carries the optional field changes for a file object.
type ObjectUpdateParams struct {
	Name     *string
	Note     *string
	Favorite *bool
}

// UpdateObject applies partial field changes and records the replication operation.
func (s *Service) UpdateObject(ctx context.Context, id RecordID, params ObjectUpdateParams) (FileObject, error) {
	if params.Name == nil && params.Note == nil && params.Favorite == nil {
		return s.GetObject(ctx, id)
	}

	updates := map[string]interface{}{"updated_at_s": s.clock().UTC().Unix()}
	if params.Name != nil {
		updates["name"] = *params.Name
	}
	if params.Note != nil {
		updates["note"] = *params.Note
	}
	if params.Favorite != nil {
		updates["favorite"] = *params.Favorite
	}

	op, err := s.factory.SharedUpdate(ModelFileObject, id.String(), objectFields{
		Name:     params.Name,
		Note:     params.Note,
		Favorite: params.Favorite,
	})
	if err != nil {
		s.logError(opUpdateObject, "operation_build_failed", err, zap.String("record_id", id.String()))
		return FileObject{}, newServiceError(opUpdateObject, "operation_build_failed", err)
	}

	var updated FileObject
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&FileObject{}).Where("record_id = ?", id.String()).Updates(updates)
		if result.Error != nil {
			return newServiceError(opUpdateObject, "object_update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opUpdateObject, "object_missing", ErrNotFound)
		}
		if err := s.store.Append(ctx, tx, op); err != nil {
			return newServiceError(opUpdateObject, "audit_append_failed", err)
		}
		return tx.Where("record_id = ?", id.String()).Take(&updated).Error
	})
	if txErr != nil {
		s.logError(opUpdateObject, "transaction_failed", txErr, zap.String("record_id", id.String()))
		return FileObject{}, txErr
	}
	return updated, nil
}

// DeleteObject removes the object and its tag edges and records the operation.
func (s *Service) DeleteObject(ctx context.Context, id RecordID) error {
	op, err := s.factory.SharedDelete(ModelFileObject, id.String())
	if err != nil {
		s.logError(opDeleteObject, "operation_build_failed", err, zap.String("record_id", id.String()))
		return newServiceError(opDeleteObject, "operation_build_failed", err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("object_id = ?", id.String()).Delete(&TagAssignment{}).Error; err != nil {
			return newServiceError(opDeleteObject, "assignment_delete_failed", err)
		}
		if err := tx.Where("record_id = ?", id.String()).Delete(&FileObject{}).Error; err != nil {
			return newServiceError(opDeleteObject, "object_delete_failed", err)
		}
		if err := s.store.Append(ctx, tx, op); err != nil {
			return newServiceError(opDeleteObject, "audit_append_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opDeleteObject, "transaction_failed", txErr, zap.String("record_id", id.String()))
		return txErr
	}
	return nil
}

// ListObjects returns all file objects, most recently updated first.
func (s *Service) ListObjects(ctx context.Context) ([]FileObject, error) {
	var objects []FileObject
	if err := s.db.WithContext(ctx).Order("updated_at_s DESC").Find(&objects).Error; err != nil {
		s.logError(opListObjects, "query_failed", err)
		return nil, newServiceError(opListObjects, "query_failed", err)
	}
	return objects, nil
}

// GetObject returns a single file object by record id.
func (s *Service) GetObject(ctx context.Context, id RecordID) (FileObject, error) {
	var object FileObject
	err := s.db.WithContext(ctx).Where("record_id = ?", id.String()).Take(&object).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FileObject{}, newServiceError(opGetObject, "object_missing", ErrNotFound)
	}
	if err != nil {
		s.logError(opGetObject, "query_failed", err, zap.String("record_id", id.String()))
		return FileObject{}, newServiceError(opGetObject, "query_failed", err)
	}
	return object, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("catalog service error", attrs...)
}
