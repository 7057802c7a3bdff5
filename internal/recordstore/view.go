package recordstore

import (
	"context"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
)

var _ records.Store = (*UserView)(nil)

// UserView binds the service to one identity and satisfies records.Store.
type UserView struct {
	service *Service
	userID  string
}

// View returns the store as seen by userID.
func (s *Service) View(userID string) *UserView {
	return &UserView{service: s, userID: userID}
}

func (v *UserView) Identity() string {
	return v.userID
}

func (v *UserView) CreatePartition(ctx context.Context, name string) (records.PartitionRef, error) {
	return v.service.CreatePartition(ctx, v.userID, name)
}

func (v *UserView) DeletePartition(ctx context.Context, ref records.PartitionRef) error {
	return v.service.DeletePartition(ctx, v.userID, ref)
}

func (v *UserView) LeavePartition(ctx context.Context, ref records.PartitionRef) error {
	return v.service.LeavePartition(ctx, v.userID, ref)
}

func (v *UserView) FindPartition(ctx context.Context, scope records.Scope, name string) (records.PartitionRef, error) {
	return v.service.FindPartition(ctx, v.userID, scope, name)
}

func (v *UserView) ListPartitions(ctx context.Context, scope records.Scope) ([]records.PartitionRef, error) {
	return v.service.ListPartitions(ctx, v.userID, scope)
}

func (v *UserView) SaveRecord(ctx context.Context, scope records.Scope, record records.Record) (records.Record, error) {
	return v.service.SaveRecord(ctx, v.userID, scope, record)
}

func (v *UserView) FetchRecord(ctx context.Context, scope records.Scope, ref records.PartitionRef, key records.RecordKey) (records.Record, error) {
	return v.service.FetchRecord(ctx, v.userID, scope, ref, key)
}

func (v *UserView) DeleteRecord(ctx context.Context, scope records.Scope, ref records.PartitionRef, key records.RecordKey) error {
	return v.service.DeleteRecord(ctx, v.userID, scope, ref, key)
}

func (v *UserView) QueryRecords(ctx context.Context, scope records.Scope, ref records.PartitionRef, query records.Query) ([]records.Record, error) {
	return v.service.QueryRecords(ctx, v.userID, scope, ref, query)
}

func (v *UserView) FetchScopeChanges(ctx context.Context, scope records.Scope, cursor records.Cursor) (records.ScopeChanges, error) {
	return v.service.FetchScopeChanges(ctx, v.userID, scope, cursor)
}

func (v *UserView) FetchPartitionChanges(ctx context.Context, scope records.Scope, ref records.PartitionRef, cursor records.Cursor, options records.FetchOptions) (records.PartitionChanges, error) {
	return v.service.FetchPartitionChanges(ctx, v.userID, scope, ref, cursor, options)
}

func (v *UserView) CreateSubscription(ctx context.Context, subscription records.Subscription) (records.Subscription, error) {
	return v.service.CreateSubscription(ctx, v.userID, subscription)
}

func (v *UserView) DeleteSubscription(ctx context.Context, id string) error {
	return v.service.DeleteSubscription(ctx, v.userID, id)
}

func (v *UserView) ListSubscriptions(ctx context.Context) ([]records.Subscription, error) {
	return v.service.ListSubscriptions(ctx, v.userID)
}

func (v *UserView) LookupParticipant(ctx context.Context, reference records.IdentityReference) (records.ParticipantHandle, error) {
	return v.service.LookupParticipant(ctx, v.userID, reference)
}

func (v *UserView) GrantAccess(ctx context.Context, ref records.PartitionRef, participant records.ParticipantHandle) error {
	return v.service.GrantAccess(ctx, v.userID, ref, participant)
}

func (v *UserView) AcceptGrant(ctx context.Context, ref records.PartitionRef) error {
	return v.service.AcceptGrant(ctx, v.userID, ref)
}

func (v *UserView) ListGrants(ctx context.Context, ref records.PartitionRef) ([]records.Grant, error) {
	return v.service.ListGrants(ctx, v.userID, ref)
}
