package recordstore

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CreatePartition creates a partition named after a room and owned by the caller.
func (s *Service) CreatePartition(ctx context.Context, userID, name string) (records.PartitionRef, error) {
	if err := s.requireUser(opCreatePartition, userID); err != nil {
		return records.PartitionRef{}, err
	}
	partitionName, err := records.NormalizeRoomID(name)
	if err != nil {
		return records.PartitionRef{}, records.NewError(records.KindInvalid, opCreatePartition, err)
	}

	var pending []pendingNotification
	partition := Partition{OwnerID: userID, Name: partitionName}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Partition
		err := tx.Where("owner_id = ? AND name = ?", userID, partitionName).Take(&existing).Error
		if err == nil {
			return records.NewError(records.KindAlreadyExists, opCreatePartition, errPartitionExists)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opCreatePartition, "partition_select_failed", err, zap.String("user_id", userID))
			return newServiceError(opCreatePartition, "partition_select_failed", err)
		}

		partitionUID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreatePartition, "id_generation_failed", err, zap.String("user_id", userID))
			return newServiceError(opCreatePartition, "id_generation_failed", err)
		}
		partition.UID = partitionUID
		partition.CreatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Create(&partition).Error; err != nil {
			s.logError(opCreatePartition, "partition_insert_failed", err, zap.String("user_id", userID))
			return newServiceError(opCreatePartition, "partition_insert_failed", err)
		}
		pending, err = s.appendScopeChanges(tx, opCreatePartition, partition, []audienceEntry{{userID: userID, scope: records.ScopeOwner}}, false)
		return err
	})
	if txErr != nil {
		return records.PartitionRef{}, txErr
	}
	s.notify(ctx, pending)
	return records.PartitionRef{Name: partition.Name, Owner: partition.OwnerID}, nil
}

// DeletePartition removes an owned partition with all records, grants and partition subscriptions.
func (s *Service) DeletePartition(ctx context.Context, userID string, ref records.PartitionRef) error {
	if err := s.requireUser(opDeletePartition, userID); err != nil {
		return err
	}
	var pending []pendingNotification
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		partition, err := s.lookupPartition(tx, opDeletePartition, userID, records.ScopeOwner, ref)
		if err != nil {
			return err
		}
		entries, err := s.audience(tx, opDeletePartition, partition)
		if err != nil {
			return err
		}

		deletions := []struct {
			reason string
			model  any
			query  string
			args   []any
		}{
			{reason: "records_delete_failed", model: &StoredRecord{}, query: "area_uid = ?", args: []any{partition.UID}},
			{reason: "record_changes_delete_failed", model: &RecordChange{}, query: "area_uid = ?", args: []any{partition.UID}},
			{reason: "grants_delete_failed", model: &Grant{}, query: "partition_uid = ?", args: []any{partition.UID}},
			{reason: "subscriptions_delete_failed", model: &SubscriptionRow{}, query: "partition_name = ? AND partition_owner = ?", args: []any{partition.Name, partition.OwnerID}},
			{reason: "partition_delete_failed", model: &Partition{}, query: "partition_uid = ?", args: []any{partition.UID}},
		}
		for _, deletion := range deletions {
			if err := tx.Where(deletion.query, deletion.args...).Delete(deletion.model).Error; err != nil {
				s.logError(opDeletePartition, deletion.reason, err, zap.String("partition_uid", partition.UID))
				return newServiceError(opDeletePartition, deletion.reason, err)
			}
		}
		pending, err = s.appendScopeChanges(tx, opDeletePartition, partition, entries, true)
		return err
	})
	if txErr != nil {
		return txErr
	}
	s.notify(ctx, pending)
	return nil
}

// LeavePartition drops the caller's shared access to a partition.
func (s *Service) LeavePartition(ctx context.Context, userID string, ref records.PartitionRef) error {
	if err := s.requireUser(opLeavePartition, userID); err != nil {
		return err
	}
	var pending []pendingNotification
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		partition, err := s.lookupPartition(tx, opLeavePartition, userID, records.ScopeShared, ref)
		if err != nil {
			return err
		}
		if err := tx.Where("partition_uid = ? AND user_id = ?", partition.UID, userID).Delete(&Grant{}).Error; err != nil {
			s.logError(opLeavePartition, "grant_delete_failed", err, zap.String("user_id", userID))
			return newServiceError(opLeavePartition, "grant_delete_failed", err)
		}
		if err := tx.Where("user_id = ? AND scope = ? AND partition_name = ? AND partition_owner = ?",
			userID, records.ScopeShared.String(), partition.Name, partition.OwnerID).
			Delete(&SubscriptionRow{}).Error; err != nil {
			s.logError(opLeavePartition, "subscriptions_delete_failed", err, zap.String("user_id", userID))
			return newServiceError(opLeavePartition, "subscriptions_delete_failed", err)
		}
		pending, err = s.appendScopeChanges(tx, opLeavePartition, partition, []audienceEntry{{userID: userID, scope: records.ScopeShared}}, true)
		return err
	})
	if txErr != nil {
		return txErr
	}
	s.notify(ctx, pending)
	return nil
}

// FindPartition locates a partition by name in the given scope.
func (s *Service) FindPartition(ctx context.Context, userID string, scope records.Scope, name string) (records.PartitionRef, error) {
	if err := s.requireUser(opFindPartition, userID); err != nil {
		return records.PartitionRef{}, err
	}
	if !scope.Valid() {
		return records.PartitionRef{}, records.NewError(records.KindInvalid, opFindPartition, records.ErrInvalidScope)
	}
	partition, err := s.lookupPartition(s.db.WithContext(ctx), opFindPartition, userID, scope, records.PartitionRef{Name: name})
	if err != nil {
		return records.PartitionRef{}, err
	}
	return records.PartitionRef{Name: partition.Name, Owner: partition.OwnerID}, nil
}

// ListPartitions lists every partition reachable through scope, oldest first.
func (s *Service) ListPartitions(ctx context.Context, userID string, scope records.Scope) ([]records.PartitionRef, error) {
	if err := s.requireUser(opListPartitions, userID); err != nil {
		return nil, err
	}
	partitions, err := s.listPartitions(s.db.WithContext(ctx), userID, scope)
	if err != nil {
		return nil, err
	}
	refs := make([]records.PartitionRef, 0, len(partitions))
	for _, partition := range partitions {
		refs = append(refs, records.PartitionRef{Name: partition.Name, Owner: partition.OwnerID})
	}
	return refs, nil
}

func (s *Service) listPartitions(tx *gorm.DB, userID string, scope records.Scope) ([]Partition, error) {
	var partitions []Partition
	var err error
	switch scope {
	case records.ScopeOwner:
		err = tx.Where("owner_id = ?", userID).Order("created_at_s ASC, name ASC").Find(&partitions).Error
	case records.ScopeShared:
		err = tx.Table("store_partitions AS p").
			Select("p.*").
			Joins("JOIN store_grants AS g ON g.partition_uid = p.partition_uid").
			Where("g.user_id = ? AND g.accepted = ?", userID, true).
			Order("p.created_at_s ASC, p.name ASC").
			Find(&partitions).Error
	default:
		return nil, records.NewError(records.KindInvalid, opListPartitions, records.ErrInvalidScope)
	}
	if err != nil {
		s.logError(opListPartitions, "partition_select_failed", err, zap.String("user_id", userID), zap.String("scope", scope.String()))
		return nil, newServiceError(opListPartitions, "partition_select_failed", err)
	}
	return partitions, nil
}
