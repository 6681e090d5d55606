package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/caravel-labs/caravel/internal/crdt"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrUnsupportedChange indicates an operation the projector has no mapping for.
var ErrUnsupportedChange = errors.New("catalog: unsupported change")

// Projector replays remote replication operations into the catalog tables.
// It is deliberately idempotent: creates upsert, updates touch only the
// carried fields, deletes tolerate missing rows.
type Projector struct {
	db     *gorm.DB
	logger *zap.Logger
}

// ProjectorConfig describes the dependencies required by the Projector.
type ProjectorConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// NewProjector validates the configuration and returns a Projector.
func NewProjector(cfg ProjectorConfig) (*Projector, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Projector{db: cfg.Database, logger: logger}, nil
}

// Project applies a single remote operation to the local catalog state.
func (p *Projector) Project(ctx context.Context, op crdt.Operation) error {
	switch {
	case op.Shared != nil:
		return p.projectShared(ctx, op)
	case op.Relation != nil:
		return p.projectRelation(ctx, op)
	default:
		return fmt.Errorf("%w: operation carries no payload", ErrUnsupportedChange)
	}
}

func (p *Projector) projectShared(ctx context.Context, op crdt.Operation) error {
	change := op.Shared
	switch change.Model {
	case ModelTag:
		return p.projectTag(ctx, op)
	case ModelFileObject:
		return p.projectObject(ctx, op)
	default:
		return fmt.Errorf("%w: model %q", ErrUnsupportedChange, change.Model)
	}
}

func (p *Projector) projectTag(ctx context.Context, op crdt.Operation) error {
	change := op.Shared
	seconds := op.Timestamp.Time().Unix()
	switch change.Kind {
	case crdt.ChangeKindCreate:
		var fields tagFields
		if err := decodeFields(change.Data, &fields); err != nil {
			return err
		}
		tag := Tag{
			RecordID:         change.RecordID,
			CreatedAtSeconds: seconds,
			UpdatedAtSeconds: seconds,
		}
		if fields.Name != nil {
			tag.Name = *fields.Name
		}
		if fields.Color != nil {
			tag.Color = *fields.Color
		}
		return p.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "record_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "color", "updated_at_s"}),
		}).Create(&tag).Error
	case crdt.ChangeKindUpdate:
		var fields tagFields
		if err := decodeFields(change.Data, &fields); err != nil {
			return err
		}
		updates := map[string]interface{}{"updated_at_s": seconds}
		if fields.Name != nil {
			updates["name"] = *fields.Name
		}
		if fields.Color != nil {
			updates["color"] = *fields.Color
		}
		result := p.db.WithContext(ctx).Model(&Tag{}).Where("record_id = ?", change.RecordID).Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Update for a record that never arrived: materialize what we know.
			p.logger.Warn("catalog projector materializing tag from update",
				zap.String("record_id", change.RecordID))
			tag := Tag{RecordID: change.RecordID, CreatedAtSeconds: seconds, UpdatedAtSeconds: seconds}
			if fields.Name != nil {
				tag.Name = *fields.Name
			}
			if fields.Color != nil {
				tag.Color = *fields.Color
			}
			return p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&tag).Error
		}
		return nil
	case crdt.ChangeKindDelete:
		return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("tag_id = ?", change.RecordID).Delete(&TagAssignment{}).Error; err != nil {
				return err
			}
			return tx.Where("record_id = ?", change.RecordID).Delete(&Tag{}).Error
		})
	default:
		return fmt.Errorf("%w: tag change kind %q", ErrUnsupportedChange, change.Kind)
	}
}

func (p *Projector) projectObject(ctx context.Context, op crdt.Operation) error {
	change := op.Shared
	seconds := op.Timestamp.Time().Unix()
	switch change.Kind {
	case crdt.ChangeKindCreate:
		var fields objectFields
		if err := decodeFields(change.Data, &fields); err != nil {
			return err
		}
		object := FileObject{
			RecordID:         change.RecordID,
			CreatedAtSeconds: seconds,
			UpdatedAtSeconds: seconds,
		}
		applyObjectFields(&object, fields)
		return p.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "record_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "kind", "note", "favorite", "updated_at_s"}),
		}).Create(&object).Error
	case crdt.ChangeKindUpdate:
		var fields objectFields
		if err := decodeFields(change.Data, &fields); err != nil {
			return err
		}
		updates := map[string]interface{}{"updated_at_s": seconds}
		if fields.Name != nil {
			updates["name"] = *fields.Name
		}
		if fields.Kind != nil {
			updates["kind"] = *fields.Kind
		}
		if fields.Note != nil {
			updates["note"] = *fields.Note
		}
		if fields.Favorite != nil {
			updates["favorite"] = *fields.Favorite
		}
		result := p.db.WithContext(ctx).Model(&FileObject{}).Where("record_id = ?", change.RecordID).Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			p.logger.Warn("catalog projector materializing object from update",
				zap.String("record_id", change.RecordID))
			object := FileObject{RecordID: change.RecordID, CreatedAtSeconds: seconds, UpdatedAtSeconds: seconds}
			applyObjectFields(&object, fields)
			return p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&object).Error
		}
		return nil
	case crdt.ChangeKindDelete:
		return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("object_id = ?", change.RecordID).Delete(&TagAssignment{}).Error; err != nil {
				return err
			}
			return tx.Where("record_id = ?", change.RecordID).Delete(&FileObject{}).Error
		})
	default:
		return fmt.Errorf("%w: object change kind %q", ErrUnsupportedChange, change.Kind)
	}
}

func (p *Projector) projectRelation(ctx context.Context, op crdt.Operation) error {
	change := op.Relation
	if change.Relation != RelationTagOnObject {
		return fmt.Errorf("%w: relation %q", ErrUnsupportedChange, change.Relation)
	}
	switch change.Kind {
	case crdt.ChangeKindCreate:
		edge := TagAssignment{
			ObjectID:         change.ItemID,
			TagID:            change.GroupID,
			CreatedAtSeconds: op.Timestamp.Time().Unix(),
		}
		return p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&edge).Error
	case crdt.ChangeKindDelete:
		return p.db.WithContext(ctx).
			Where("object_id = ? AND tag_id = ?", change.ItemID, change.GroupID).
			Delete(&TagAssignment{}).Error
	default:
		return fmt.Errorf("%w: relation change kind %q", ErrUnsupportedChange, change.Kind)
	}
}

func applyObjectFields(object *FileObject, fields objectFields) {
	if fields.Name != nil {
		object.Name = *fields.Name
	}
	if fields.Kind != nil {
		object.Kind = *fields.Kind
	}
	if fields.Note != nil {
		object.Note = *fields.Note
	}
	if fields.Favorite != nil {
		object.Favorite = *fields.Favorite
	}
}

func decodeFields(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("catalog: change data decode failed: %w", err)
	}
	return nil
}
