package library

// Record is the singleton row describing the local library and the
// replica identity this process writes operations under.
type Record struct {
	LibraryID        string `gorm:"column:library_id;primaryKey;size:36;not null"`
	Name             string `gorm:"column:name;size:190;not null"`
	ReplicaID        string `gorm:"column:replica_id;size:36;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "libraries"
}

// Instance registers a replica known to this library, local or remote.
type Instance struct {
	InstanceID       string `gorm:"column:instance_id;primaryKey;size:36;not null"`
	DeviceName       string `gorm:"column:device_name;size:190;not null"`
	Platform         string `gorm:"column:platform;size:16;not null;default:''"`
	LastSeenSeconds  int64  `gorm:"column:last_seen_s;not null"`
	JoinedAtSeconds  int64  `gorm:"column:joined_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Instance) TableName() string {
	return "instances"
}
