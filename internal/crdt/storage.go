package crdt

// SharedOperationRecord stores an accepted shared operation in the
// append-only audit log. The target index backs the conflict resolver's
// latest-competing query; the origin index backs delta paging.
type SharedOperationRecord struct {
	ID        string `gorm:"column:id;primaryKey;size:36;not null"`
	Origin    string `gorm:"column:origin;size:36;not null;index:idx_shared_ops_origin_ts,priority:1"`
	Timestamp int64  `gorm:"column:timestamp;not null;index:idx_shared_ops_origin_ts,priority:2;index:idx_shared_ops_target,priority:4"`
	Model     string `gorm:"column:model;size:64;not null;index:idx_shared_ops_target,priority:1"`
	RecordID  string `gorm:"column:record_id;size:190;not null;index:idx_shared_ops_target,priority:2"`
	Kind      string `gorm:"column:kind;size:16;not null;index:idx_shared_ops_target,priority:3"`
	Data      string `gorm:"column:data;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SharedOperationRecord) TableName() string {
	return "shared_operations"
}

// RelationOperationRecord stores an accepted relation operation in the
// append-only audit log.
type RelationOperationRecord struct {
	ID        string `gorm:"column:id;primaryKey;size:36;not null"`
	Origin    string `gorm:"column:origin;size:36;not null;index:idx_relation_ops_origin_ts,priority:1"`
	Timestamp int64  `gorm:"column:timestamp;not null;index:idx_relation_ops_origin_ts,priority:2;index:idx_relation_ops_target,priority:4"`
	Relation  string `gorm:"column:relation;size:64;not null;index:idx_relation_ops_target,priority:1"`
	ItemID    string `gorm:"column:item_id;size:190;not null;index:idx_relation_ops_target,priority:2"`
	GroupID   string `gorm:"column:group_id;size:190;not null"`
	Kind      string `gorm:"column:kind;size:16;not null;index:idx_relation_ops_target,priority:3"`
	Data      string `gorm:"column:data;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RelationOperationRecord) TableName() string {
	return "relation_operations"
}
