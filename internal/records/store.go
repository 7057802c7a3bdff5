package records

import "context"

// ChangeTagAbsent as a save precondition requires that the record does not exist
// yet. A violated precondition fails with KindAlreadyExists and Error.Current
// holds the existing copy.
const ChangeTagAbsent = "*absent"

// Store is the remote record store surface as seen by one identity.
//
// Every operation that addresses a partition takes the scope through which the
// caller reaches it. Absence is reported with typed errors (KindNotFound,
// KindPartitionNotFound) rather than zero values so that callers can tell a
// missing record from a failed call.
type Store interface {
	// Identity returns the user identifier the store acts for.
	Identity() string

	CreatePartition(ctx context.Context, name string) (PartitionRef, error)
	DeletePartition(ctx context.Context, ref PartitionRef) error
	LeavePartition(ctx context.Context, ref PartitionRef) error
	FindPartition(ctx context.Context, scope Scope, name string) (PartitionRef, error)
	ListPartitions(ctx context.Context, scope Scope) ([]PartitionRef, error)

	// SaveRecord writes a record. A non-empty ChangeTag is a precondition: a
	// mismatch fails with KindConflict and Error.Current holds the server copy.
	SaveRecord(ctx context.Context, scope Scope, record Record) (Record, error)
	FetchRecord(ctx context.Context, scope Scope, ref PartitionRef, key RecordKey) (Record, error)
	DeleteRecord(ctx context.Context, scope Scope, ref PartitionRef, key RecordKey) error
	QueryRecords(ctx context.Context, scope Scope, ref PartitionRef, query Query) ([]Record, error)

	FetchScopeChanges(ctx context.Context, scope Scope, cursor Cursor) (ScopeChanges, error)
	FetchPartitionChanges(ctx context.Context, scope Scope, ref PartitionRef, cursor Cursor, options FetchOptions) (PartitionChanges, error)

	CreateSubscription(ctx context.Context, subscription Subscription) (Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context) ([]Subscription, error)

	LookupParticipant(ctx context.Context, reference IdentityReference) (ParticipantHandle, error)
	GrantAccess(ctx context.Context, ref PartitionRef, participant ParticipantHandle) error
	AcceptGrant(ctx context.Context, ref PartitionRef) error
	ListGrants(ctx context.Context, ref PartitionRef) ([]Grant, error)
}
