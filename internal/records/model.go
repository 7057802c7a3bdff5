package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Scope selects one of the two access contexts through which a partition is reached.
type Scope string

const (
	// ScopeOwner reaches partitions created by the calling identity.
	ScopeOwner Scope = "owner"
	// ScopeShared reaches partitions another identity granted to the caller.
	ScopeShared Scope = "shared"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidScope indicates a scope value outside owner|shared.
	ErrInvalidScope = errors.New("records: invalid scope")
	// ErrInvalidRoomID indicates that a room identifier is empty or exceeds storage bounds.
	ErrInvalidRoomID = errors.New("records: invalid room id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("records: invalid user id")
)

// ParseScope validates raw input and returns a Scope.
func ParseScope(rawInput string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ScopeOwner:
		return ScopeOwner, nil
	case ScopeShared:
		return ScopeShared, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, rawInput)
	}
}

// Valid reports whether the scope is one of the two known scopes.
func (s Scope) Valid() bool {
	return s == ScopeOwner || s == ScopeShared
}

// String returns the underlying scope name.
func (s Scope) String() string {
	return string(s)
}

// Scopes lists both scopes in resolution order.
func Scopes() []Scope {
	return []Scope{ScopeOwner, ScopeShared}
}

// NormalizeRoomID validates a room identifier. Room identifiers double as partition names.
func NormalizeRoomID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRoomID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomID, maxIdentifierLength)
	}
	if strings.ContainsAny(trimmed, "/~") {
		return "", fmt.Errorf("%w: contains reserved characters", ErrInvalidRoomID)
	}
	return trimmed, nil
}

// NormalizeUserID validates a user identifier.
func NormalizeUserID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	if strings.Contains(trimmed, "~") {
		return "", fmt.Errorf("%w: contains reserved characters", ErrInvalidUserID)
	}
	return trimmed, nil
}

// PartitionRef identifies a partition by name and owning identity.
// The zero value addresses the caller's default (unpartitioned) area.
type PartitionRef struct {
	Name  string `json:"name"`
	Owner string `json:"owner,omitempty"`
}

// IsDefault reports whether the reference addresses the default area.
func (ref PartitionRef) IsDefault() bool {
	return ref.Name == ""
}

// Key returns a stable string form usable as a map or storage key.
func (ref PartitionRef) Key() string {
	return ref.Owner + "/" + ref.Name
}

func (ref PartitionRef) String() string {
	if ref.IsDefault() {
		return "<default>"
	}
	return ref.Key()
}

// RecordType names a record schema.
type RecordType string

const (
	TypeMessage        RecordType = "Message"
	TypeReaction       RecordType = "Reaction"
	TypeRoom           RecordType = "Room"
	TypeProfile        RecordType = "Profile"
	TypeSignalSession  RecordType = "SignalSession"
	TypeSignalEnvelope RecordType = "SignalEnvelope"
	TypeIceChunk       RecordType = "IceChunk"
	// TypeRoomList is the legacy top-level room index. Its presence marks old topology.
	TypeRoomList RecordType = "RoomList"
)

// RecordKey identifies a record inside a partition.
type RecordKey struct {
	Type RecordType `json:"type"`
	Name string     `json:"name"`
}

func (key RecordKey) String() string {
	return string(key.Type) + "/" + key.Name
}

// Record is a remote record snapshot.
type Record struct {
	Type       RecordType   `json:"type"`
	Name       string       `json:"name"`
	Partition  PartitionRef `json:"partition"`
	Fields     Fields       `json:"fields"`
	ChangeTag  string       `json:"changeTag,omitempty"`
	ModifiedAt time.Time    `json:"modifiedAt"`
}

// Key returns the record's identity inside its partition.
func (r Record) Key() RecordKey {
	return RecordKey{Type: r.Type, Name: r.Name}
}

// Clone returns a copy that shares no mutable state with the receiver.
func (r Record) Clone() Record {
	copyRecord := r
	copyRecord.Fields = r.Fields.Clone()
	return copyRecord
}

// Fields holds a record's schema fields. Numeric values may arrive as any Go
// numeric type or json.Number depending on the transport.
type Fields map[string]any

// Clone returns a shallow copy of the field map.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for key, value := range f {
		out[key] = value
	}
	return out
}

// Has reports whether the field is present and non-nil.
func (f Fields) Has(key string) bool {
	value, ok := f[key]
	return ok && value != nil
}

// String returns a string field. Only string values are accepted.
func (f Fields) String(key string) (string, bool) {
	value, ok := f[key]
	if !ok || value == nil {
		return "", false
	}
	text, ok := value.(string)
	return text, ok
}

// Int64 returns an integral numeric field.
func (f Fields) Int64(key string) (int64, bool) {
	value, ok := f[key]
	if !ok || value == nil {
		return 0, false
	}
	switch typed := value.(type) {
	case int:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case int64:
		return typed, true
	case uint32:
		return int64(typed), true
	case float64:
		if typed != math.Trunc(typed) {
			return 0, false
		}
		return int64(typed), true
	case json.Number:
		parsed, err := strconv.ParseInt(typed.String(), 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// Project returns only the named fields. An empty list returns a copy of all fields.
func (f Fields) Project(names []string) Fields {
	if len(names) == 0 {
		return f.Clone()
	}
	out := make(Fields, len(names))
	for _, name := range names {
		if value, ok := f[name]; ok {
			out[name] = value
		}
	}
	return out
}

// Cursor is an opaque change-feed resumption token. The empty cursor requests a full fetch.
type Cursor string

// IsZero reports whether the cursor is empty.
func (c Cursor) IsZero() bool {
	return c == ""
}

// ScopeChanges is one page of the scope-level change feed.
type ScopeChanges struct {
	Changed    []PartitionRef `json:"changed"`
	Deleted    []PartitionRef `json:"deleted"`
	Cursor     Cursor         `json:"cursor"`
	MoreComing bool           `json:"moreComing"`
}

// PartitionChanges is one page of a partition-level change feed.
type PartitionChanges struct {
	Changed    []Record    `json:"changed"`
	Deleted    []RecordKey `json:"deleted"`
	Cursor     Cursor      `json:"cursor"`
	MoreComing bool        `json:"moreComing"`
}

// FetchOptions tunes a partition-level change fetch.
type FetchOptions struct {
	// Fields projects returned records to the named fields. Empty means all.
	Fields []string `json:"fields,omitempty"`
	// Limit caps the number of change entries in one page. Zero uses the store default.
	Limit int `json:"limit,omitempty"`
}

// Query filters records within a partition. An empty Type matches every type.
type Query struct {
	Type   RecordType        `json:"type,omitempty"`
	Equals map[string]string `json:"equals,omitempty"`
}

// Subscription asks the store to notify the caller about changes.
// A nil Partition subscribes to the whole scope (database-level).
type Subscription struct {
	ID        string        `json:"id"`
	Scope     Scope         `json:"scope"`
	Partition *PartitionRef `json:"partition,omitempty"`
}

// IdentityReference locates another user by email, phone or opaque identifier.
type IdentityReference struct {
	UserID string `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
}

// IsZero reports whether no lookup key is set.
func (ref IdentityReference) IsZero() bool {
	return strings.TrimSpace(ref.UserID) == "" && strings.TrimSpace(ref.Email) == "" && strings.TrimSpace(ref.Phone) == ""
}

// ParticipantHandle is a resolved identity that can be granted shared access.
type ParticipantHandle struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Grant describes shared-scope access extended to a participant.
type Grant struct {
	Partition PartitionRef `json:"partition"`
	UserID    string       `json:"userId"`
	Accepted  bool         `json:"accepted"`
}

// Notification is the opaque "something changed" signal delivered for a subscription.
type Notification struct {
	SubscriptionID string        `json:"subscriptionId"`
	Scope          Scope         `json:"scope"`
	Partition      *PartitionRef `json:"partition,omitempty"`
	Deleted        bool          `json:"deleted,omitempty"`
}
