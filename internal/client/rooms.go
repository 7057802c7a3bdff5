package client

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/parley/internal/conflict"
	"github.com/MarcoPoloResearchLab/parley/internal/coordinator"
	"github.com/MarcoPoloResearchLab/parley/internal/deltasync"
	"github.com/MarcoPoloResearchLab/parley/internal/mirror"
	"github.com/MarcoPoloResearchLab/parley/internal/partitions"
	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"go.uber.org/zap"
)

const maxRoomUpdateRetries = 3

// CreateRoom creates an owned partition for roomID and writes its room record.
func (r *Runtime) CreateRoom(ctx context.Context, roomID string) (mirror.Room, error) {
	normalized, err := records.NormalizeRoomID(roomID)
	if err != nil {
		return mirror.Room{}, err
	}
	ref, err := r.Store.CreatePartition(ctx, normalized)
	if err != nil {
		return mirror.Room{}, fmt.Errorf("client: create room %s: %w", normalized, err)
	}
	now := r.clock().UTC().UnixMilli()
	record := records.Record{
		Type:      records.TypeRoom,
		Name:      records.RoomRecordName,
		Partition: ref,
		ChangeTag: records.ChangeTagAbsent,
		Fields: records.Fields{
			records.FieldRoomID:    normalized,
			records.FieldOwnerID:   r.Store.Identity(),
			records.FieldCreatedAt: now,
			records.FieldUpdatedAt: now,
		},
	}
	saved, err := r.Store.SaveRecord(ctx, records.ScopeOwner, record)
	if err != nil && !records.IsKind(err, records.KindAlreadyExists) {
		return mirror.Room{}, fmt.Errorf("client: write room record %s: %w", normalized, err)
	}
	if err != nil {
		saved = record
	}
	if err := r.Resolver.Remember(ctx, partitions.Resolution{RoomID: normalized, Scope: records.ScopeOwner, Partition: ref}); err != nil {
		return mirror.Room{}, err
	}
	room := deltasync.DecodeRoom(saved, records.ScopeOwner, ref)
	if err := r.Mirror.Apply(ctx, mirror.Batch{UpsertRooms: []mirror.Room{room}}); err != nil {
		return mirror.Room{}, err
	}
	r.logger.Info("room created", zap.String("room_id", normalized))
	return room, nil
}

// Invite grants a participant shared access to an owned room and records them on the room record.
func (r *Runtime) Invite(ctx context.Context, roomID string, reference records.IdentityReference) (records.ParticipantHandle, error) {
	resolution, err := r.Resolver.Resolve(ctx, roomID)
	if err != nil {
		return records.ParticipantHandle{}, err
	}
	if resolution.Scope != records.ScopeOwner {
		return records.ParticipantHandle{}, records.NewError(records.KindPermissionDenied, "client.invite", nil).WithHint(records.HintWrongScope)
	}
	participant, err := r.Store.LookupParticipant(ctx, reference)
	if err != nil {
		return records.ParticipantHandle{}, err
	}
	if participant.UserID == r.Store.Identity() {
		return records.ParticipantHandle{}, records.NewError(records.KindInvalid, "client.invite", fmt.Errorf("cannot invite yourself"))
	}
	if err := r.Store.GrantAccess(ctx, resolution.Partition, participant); err != nil {
		return records.ParticipantHandle{}, err
	}
	if err := r.setParticipant(ctx, resolution, participant.UserID); err != nil {
		return records.ParticipantHandle{}, err
	}
	return participant, nil
}

func (r *Runtime) setParticipant(ctx context.Context, resolution partitions.Resolution, participantID string) error {
	key := records.RecordKey{Type: records.TypeRoom, Name: records.RoomRecordName}
	current, err := r.Store.FetchRecord(ctx, resolution.Scope, resolution.Partition, key)
	if err != nil {
		return err
	}
	update := current.Clone()
	update.Fields[records.FieldParticipantID] = participantID
	update.Fields[records.FieldUpdatedAt] = r.clock().UTC().UnixMilli()
	for attempt := 0; ; attempt++ {
		saved, err := r.Store.SaveRecord(ctx, resolution.Scope, update)
		if err == nil {
			room := deltasync.DecodeRoom(saved, resolution.Scope, resolution.Partition)
			return r.Mirror.Apply(ctx, mirror.Batch{UpsertRooms: []mirror.Room{room}})
		}
		server, ok := records.ConflictCurrent(err)
		if !ok || attempt >= maxRoomUpdateRetries {
			return err
		}
		update = conflict.Resolve(update, server)
	}
}

// AcceptInvite accepts a pending grant for roomID and pulls the room in.
// The first pass waits for the gate instead of being coalesced into a recent one.
func (r *Runtime) AcceptInvite(ctx context.Context, roomID string) error {
	normalized, err := records.NormalizeRoomID(roomID)
	if err != nil {
		return err
	}
	if r.authBlocked.Load() {
		return ErrAuthBlocked
	}
	if err := r.Store.AcceptGrant(ctx, records.PartitionRef{Name: normalized}); err != nil {
		return fmt.Errorf("client: accept %s: %w", normalized, err)
	}
	if _, err := r.Resolver.Resolve(ctx, normalized); err != nil {
		return err
	}
	err = r.Coordinator.Exclusive(ctx, func(ctx context.Context) error {
		_, err := r.Engine.Sync(ctx, normalized)
		return err
	})
	if err != nil {
		return r.recoverFailedPass(ctx, coordinator.TriggerGrantAccepted, err)
	}
	return nil
}
