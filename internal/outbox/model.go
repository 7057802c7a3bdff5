package outbox

import "gorm.io/datatypes"

// Action is what an operation does to its record.
type Action string

const (
	ActionPut    Action = "put"
	ActionDelete Action = "delete"
)

// Operation is one queued outbound write. Operations on the same record are
// delivered in sequence order.
type Operation struct {
	Sequence            int64             `gorm:"column:seq;primaryKey;autoIncrement"`
	ID                  string            `gorm:"column:operation_id;uniqueIndex;size:64;not null"`
	Action              string            `gorm:"column:action;size:16;not null"`
	RoomID              string            `gorm:"column:room_id;size:190;not null;index"`
	RecordType          string            `gorm:"column:record_type;size:64;not null"`
	RecordName          string            `gorm:"column:record_name;size:255;not null"`
	Fields              datatypes.JSONMap `gorm:"column:fields"`
	ChangeTag           string            `gorm:"column:change_tag;size:64;not null;default:''"`
	Attempts            int               `gorm:"column:attempts;not null;default:0"`
	NextAttemptAtMillis int64             `gorm:"column:next_attempt_at_ms;not null;default:0;index"`
	LastError           string            `gorm:"column:last_error;not null;default:''"`
	CreatedAtMillis     int64             `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Operation) TableName() string {
	return "outbox_operations"
}

func (op Operation) recordKey() string {
	return op.RoomID + "/" + op.RecordType + "/" + op.RecordName
}

// Models lists the tables owned by the outbox.
func Models() []any {
	return []any{&Operation{}}
}
