package recordstore

import (
	"time"

	"gorm.io/datatypes"
)

// Partition is a per-room storage unit owned by exactly one identity.
type Partition struct {
	UID              string `gorm:"column:partition_uid;primaryKey;size:64;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;uniqueIndex:idx_partitions_owner_name,priority:1"`
	Name             string `gorm:"column:name;size:190;not null;uniqueIndex:idx_partitions_owner_name,priority:2;index"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Partition) TableName() string {
	return "store_partitions"
}

// Grant extends shared-scope access on a partition to another identity.
type Grant struct {
	PartitionUID     string `gorm:"column:partition_uid;primaryKey;size:64;not null"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Accepted         bool   `gorm:"column:accepted;not null;default:false"`
	GrantedAtSeconds int64  `gorm:"column:granted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Grant) TableName() string {
	return "store_grants"
}

// StoredRecord holds the latest snapshot of one record in a partition or default area.
type StoredRecord struct {
	AreaUID          string            `gorm:"column:area_uid;primaryKey;size:250;not null"`
	RecordType       string            `gorm:"column:record_type;primaryKey;size:64;not null"`
	RecordName       string            `gorm:"column:record_name;primaryKey;size:250;not null"`
	Fields           datatypes.JSONMap `gorm:"column:fields;not null"`
	ChangeTag        string            `gorm:"column:change_tag;size:64;not null"`
	ModifiedAtMillis int64             `gorm:"column:modified_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StoredRecord) TableName() string {
	return "store_records"
}

// RecordChange is the append-only partition-level change log backing partition cursors.
type RecordChange struct {
	Sequence   int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	AreaUID    string `gorm:"column:area_uid;size:250;not null;index:idx_record_changes_area_seq,priority:1"`
	RecordType string `gorm:"column:record_type;size:64;not null"`
	RecordName string `gorm:"column:record_name;size:250;not null"`
	Deleted    bool   `gorm:"column:deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (RecordChange) TableName() string {
	return "store_record_changes"
}

// ScopeChange is the per-identity, per-scope feed of changed and deleted partitions.
type ScopeChange struct {
	Sequence       int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	UserID         string `gorm:"column:user_id;size:190;not null;index:idx_scope_changes_user_scope,priority:1"`
	Scope          string `gorm:"column:scope;size:16;not null;index:idx_scope_changes_user_scope,priority:2"`
	PartitionName  string `gorm:"column:partition_name;size:190;not null"`
	PartitionOwner string `gorm:"column:partition_owner;size:190;not null"`
	Deleted        bool   `gorm:"column:deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (ScopeChange) TableName() string {
	return "store_scope_changes"
}

// ScopeEpoch invalidates outstanding scope cursors when the feed is compacted.
type ScopeEpoch struct {
	UserID string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Scope  string `gorm:"column:scope;primaryKey;size:16;not null"`
	Epoch  int64  `gorm:"column:epoch;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ScopeEpoch) TableName() string {
	return "store_scope_epochs"
}

// SubscriptionRow persists a push subscription. An empty partition name subscribes to the whole scope.
type SubscriptionRow struct {
	ID               string `gorm:"column:subscription_id;primaryKey;size:64;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index"`
	Scope            string `gorm:"column:scope;size:16;not null"`
	PartitionName    string `gorm:"column:partition_name;size:190;not null;default:''"`
	PartitionOwner   string `gorm:"column:partition_owner;size:190;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SubscriptionRow) TableName() string {
	return "store_subscriptions"
}

// Identity captures a directory entry that can be resolved into a grantable participant.
type Identity struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email       string    `gorm:"column:user_email;size:320;index"`
	Phone       string    `gorm:"column:user_phone;size:64;index"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	AvatarURL   string    `gorm:"column:user_avatar_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing the identity directory.
func (Identity) TableName() string {
	return "store_identities"
}
