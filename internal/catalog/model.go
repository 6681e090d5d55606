package catalog

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// ModelFileObject is the sync model name for catalog file objects.
	ModelFileObject = "file_object"
	// ModelTag is the sync model name for tags.
	ModelTag = "tag"
	// RelationTagOnObject is the sync relation name for tag assignments.
	RelationTagOnObject = "tag_on_object"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRecordID indicates a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("catalog: invalid record id")
	// ErrInvalidName indicates a display name is empty or exceeds storage bounds.
	ErrInvalidName = errors.New("catalog: invalid name")
)

// RecordID represents a validated catalog record identifier.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return RecordID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RecordID) String() string {
	return string(id)
}

// Name represents a validated display name.
type Name string

// NewName validates raw input and returns a Name.
func NewName(rawInput string) (Name, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidName, maxIdentifierLength)
	}
	return Name(trimmed), nil
}

// String returns the underlying name.
func (n Name) String() string {
	return string(n)
}

// FileObject models a catalog entry replicated across devices.
type FileObject struct {
	RecordID         string `gorm:"column:record_id;primaryKey;size:36;not null"`
	Name             string `gorm:"column:name;size:190;not null"`
	Kind             string `gorm:"column:kind;size:32;not null;default:''"`
	Note             string `gorm:"column:note;type:text;not null;default:''"`
	Favorite         bool   `gorm:"column:favorite;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_file_objects_updated"`
}

// TableName provides the explicit table binding for GORM.
func (FileObject) TableName() string {
	return "file_objects"
}

// Tag models a user-defined label replicated across devices.
type Tag struct {
	RecordID         string `gorm:"column:record_id;primaryKey;size:36;not null"`
	Name             string `gorm:"column:name;size:190;not null"`
	Color            string `gorm:"column:color;size:16;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Tag) TableName() string {
	return "tags"
}

// TagAssignment models the tag-to-object edge replicated across devices.
type TagAssignment struct {
	ObjectID         string `gorm:"column:object_id;primaryKey;size:36;not null"`
	TagID            string `gorm:"column:tag_id;primaryKey;size:36;not null;index:idx_tag_assignments_tag"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TagAssignment) TableName() string {
	return "tag_assignments"
}

// tagFields is the wire shape of tag field changes carried by operations.
type tagFields struct {
	Name  *string `json:"name,omitempty"`
	Color *string `json:"color,omitempty"`
}

// objectFields is the wire shape of file object field changes.
type objectFields struct {
	Name     *string `json:"name,omitempty"`
	Kind     *string `json:"kind,omitempty"`
	Note     *string `json:"note,omitempty"`
	Favorite *bool   `json:"favorite,omitempty"`
}
