package mirror

// Message is the local copy of a message. Two senders may reuse a message id.
type Message struct {
	RoomID                    string `gorm:"column:room_id;primaryKey;size:190;not null"`
	MessageID                 string `gorm:"column:message_id;primaryKey;size:190;not null"`
	SenderID                  string `gorm:"column:sender_id;primaryKey;size:190;not null"`
	Body                      string `gorm:"column:body;not null"`
	TimestampMillis           int64  `gorm:"column:timestamp_ms;not null;index"`
	EditedAtMillis            int64  `gorm:"column:edited_at_ms;not null;default:0"`
	AttachmentRef             string `gorm:"column:attachment_ref;size:512;not null;default:''"`
	AttachmentUpdatedAtMillis int64  `gorm:"column:attachment_updated_at_ms;not null;default:0"`
	AttachmentPath            string `gorm:"column:attachment_path;size:1024;not null;default:''"`
	ChangeTag                 string `gorm:"column:change_tag;size:64;not null;default:''"`
	Pending                   bool   `gorm:"column:pending;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "mirror_messages"
}

// Key returns the message identity.
func (m Message) Key() MessageKey {
	return MessageKey{RoomID: m.RoomID, MessageID: m.MessageID, SenderID: m.SenderID}
}

// MessageKey identifies a local message.
type MessageKey struct {
	RoomID    string
	MessageID string
	SenderID  string
}

// Reaction is the local copy of a reaction, stored under its deterministic record name.
type Reaction struct {
	RoomID          string `gorm:"column:room_id;primaryKey;size:190;not null"`
	RecordName      string `gorm:"column:record_name;primaryKey;size:64;not null"`
	MessageID       string `gorm:"column:message_id;size:190;not null;index:idx_mirror_reactions_message,priority:1"`
	MessageSenderID string `gorm:"column:message_sender_id;size:190;not null;index:idx_mirror_reactions_message,priority:2"`
	UserID          string `gorm:"column:user_id;size:190;not null"`
	Emoji           string `gorm:"column:emoji;size:64;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Reaction) TableName() string {
	return "mirror_reactions"
}

// ReactionKey identifies a local reaction.
type ReactionKey struct {
	RoomID     string
	RecordName string
}

// Profile is the local copy of a participant profile.
type Profile struct {
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName     string `gorm:"column:display_name;size:320;not null;default:''"`
	Avatar          string `gorm:"column:avatar;size:512;not null;default:''"`
	ShapeIndex      int    `gorm:"column:shape_index;not null;default:0"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return "mirror_profiles"
}

// Room is the local view of a conversation.
type Room struct {
	RoomID          string `gorm:"column:room_id;primaryKey;size:190;not null"`
	Scope           string `gorm:"column:scope;size:16;not null"`
	OwnerID         string `gorm:"column:owner_id;size:190;not null"`
	ParticipantID   string `gorm:"column:participant_id;size:190;not null;default:''"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "mirror_rooms"
}

// Batch is a set of mutations applied in one transaction.
type Batch struct {
	UpsertRooms     []Room
	UpsertMessages  []Message
	DeleteMessages  []MessageKey
	UpsertReactions []Reaction
	DeleteReactions []ReactionKey
	UpsertProfiles  []Profile
}

// Empty reports whether the batch carries no mutation.
func (b Batch) Empty() bool {
	return len(b.UpsertRooms) == 0 &&
		len(b.UpsertMessages) == 0 &&
		len(b.DeleteMessages) == 0 &&
		len(b.UpsertReactions) == 0 &&
		len(b.DeleteReactions) == 0 &&
		len(b.UpsertProfiles) == 0
}

// Counts summarises the rows held by the mirror.
type Counts struct {
	Rooms     int64
	Messages  int64
	Reactions int64
	Profiles  int64
}

// Total returns the number of rows across all tables.
func (c Counts) Total() int64 {
	return c.Rooms + c.Messages + c.Reactions + c.Profiles
}
