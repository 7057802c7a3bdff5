package recordstore

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errCursorMismatch = errors.New("cursor does not belong to this feed")

// FetchScopeChanges returns partitions changed or deleted in scope since cursor.
// An empty cursor lists every reachable partition as changed.
func (s *Service) FetchScopeChanges(ctx context.Context, userID string, scope records.Scope, cursor records.Cursor) (records.ScopeChanges, error) {
	if err := s.requireUser(opFetchScopeChanges, userID); err != nil {
		return records.ScopeChanges{}, err
	}
	if !scope.Valid() {
		return records.ScopeChanges{}, records.NewError(records.KindInvalid, opFetchScopeChanges, records.ErrInvalidScope)
	}

	var result records.ScopeChanges
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		epoch, err := s.currentEpoch(tx, opFetchScopeChanges, userID, scope)
		if err != nil {
			return err
		}
		if cursor.IsZero() {
			latest, err := s.latestScopeSequence(tx, userID, scope)
			if err != nil {
				return err
			}
			partitions, err := s.listPartitions(tx, userID, scope)
			if err != nil {
				return err
			}
			result.Changed = make([]records.PartitionRef, 0, len(partitions))
			for _, partition := range partitions {
				result.Changed = append(result.Changed, records.PartitionRef{Name: partition.Name, Owner: partition.OwnerID})
			}
			result.Cursor = encodeCursor(scopeCursor{UserID: userID, Scope: scope.String(), Epoch: epoch, Sequence: latest})
			return nil
		}

		var position scopeCursor
		if err := decodeCursor(cursor, &position); err != nil {
			return records.NewError(records.KindCursorExpired, opFetchScopeChanges, err)
		}
		if position.UserID != userID || position.Scope != scope.String() || position.Epoch != epoch {
			return records.NewError(records.KindCursorExpired, opFetchScopeChanges, errCursorMismatch)
		}

		var rows []ScopeChange
		if err := tx.Where("user_id = ? AND scope = ? AND seq > ?", userID, scope.String(), position.Sequence).
			Order("seq ASC").
			Limit(s.pageSize + 1).
			Find(&rows).Error; err != nil {
			s.logError(opFetchScopeChanges, "scope_change_select_failed", err, zap.String("user_id", userID))
			return newServiceError(opFetchScopeChanges, "scope_change_select_failed", err)
		}
		if len(rows) > s.pageSize {
			rows = rows[:s.pageSize]
			result.MoreComing = true
		}

		order := make([]string, 0, len(rows))
		latest := make(map[string]ScopeChange, len(rows))
		for _, row := range rows {
			key := row.PartitionOwner + "/" + row.PartitionName
			if _, seen := latest[key]; !seen {
				order = append(order, key)
			}
			latest[key] = row
			position.Sequence = row.Sequence
		}
		for _, key := range order {
			row := latest[key]
			ref := records.PartitionRef{Name: row.PartitionName, Owner: row.PartitionOwner}
			if row.Deleted {
				result.Deleted = append(result.Deleted, ref)
			} else {
				result.Changed = append(result.Changed, ref)
			}
		}
		result.Cursor = encodeCursor(position)
		return nil
	})
	if txErr != nil {
		return records.ScopeChanges{}, txErr
	}
	return result, nil
}

// FetchPartitionChanges returns records changed or deleted in a partition since cursor.
// An empty cursor returns every record in the partition.
func (s *Service) FetchPartitionChanges(ctx context.Context, userID string, scope records.Scope, ref records.PartitionRef, cursor records.Cursor, options records.FetchOptions) (records.PartitionChanges, error) {
	if err := s.requireUser(opFetchPartitionChanges, userID); err != nil {
		return records.PartitionChanges{}, err
	}
	limit := options.Limit
	if limit <= 0 || limit > s.pageSize {
		limit = s.pageSize
	}

	var result records.PartitionChanges
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		target, err := s.resolveArea(tx, opFetchPartitionChanges, userID, scope, ref)
		if err != nil {
			return err
		}
		canonical := target.ref()

		if cursor.IsZero() {
			var latest int64
			if err := tx.Model(&RecordChange{}).Where("area_uid = ?", target.uid).Select("COALESCE(MAX(seq), 0)").Scan(&latest).Error; err != nil {
				s.logError(opFetchPartitionChanges, "record_change_select_failed", err, zap.String("area_uid", target.uid))
				return newServiceError(opFetchPartitionChanges, "record_change_select_failed", err)
			}
			var rows []StoredRecord
			if err := tx.Where("area_uid = ?", target.uid).Order("record_type ASC, record_name ASC").Find(&rows).Error; err != nil {
				s.logError(opFetchPartitionChanges, "record_select_failed", err, zap.String("area_uid", target.uid))
				return newServiceError(opFetchPartitionChanges, "record_select_failed", err)
			}
			result.Changed = make([]records.Record, 0, len(rows))
			for _, row := range rows {
				result.Changed = append(result.Changed, row.toRecord(canonical, options.Fields))
			}
			result.Cursor = encodeCursor(partitionCursor{AreaUID: target.uid, Sequence: latest})
			return nil
		}

		var position partitionCursor
		if err := decodeCursor(cursor, &position); err != nil {
			return records.NewError(records.KindCursorExpired, opFetchPartitionChanges, err)
		}
		if position.AreaUID != target.uid {
			return records.NewError(records.KindCursorExpired, opFetchPartitionChanges, errCursorMismatch)
		}

		var changes []RecordChange
		if err := tx.Where("area_uid = ? AND seq > ?", target.uid, position.Sequence).
			Order("seq ASC").
			Limit(limit + 1).
			Find(&changes).Error; err != nil {
			s.logError(opFetchPartitionChanges, "record_change_select_failed", err, zap.String("area_uid", target.uid))
			return newServiceError(opFetchPartitionChanges, "record_change_select_failed", err)
		}
		if len(changes) > limit {
			changes = changes[:limit]
			result.MoreComing = true
		}

		order := make([]records.RecordKey, 0, len(changes))
		seen := make(map[records.RecordKey]struct{}, len(changes))
		for _, change := range changes {
			key := records.RecordKey{Type: records.RecordType(change.RecordType), Name: change.RecordName}
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				order = append(order, key)
			}
			position.Sequence = change.Sequence
		}
		for _, key := range order {
			row, found, err := s.loadRecord(tx, opFetchPartitionChanges, target.uid, key)
			if err != nil {
				return err
			}
			if !found {
				result.Deleted = append(result.Deleted, key)
				continue
			}
			result.Changed = append(result.Changed, row.toRecord(canonical, options.Fields))
		}
		result.Cursor = encodeCursor(position)
		return nil
	})
	if txErr != nil {
		return records.PartitionChanges{}, txErr
	}
	return result, nil
}

// CompactScopeFeed discards the scope change history of a user and invalidates outstanding cursors.
func (s *Service) CompactScopeFeed(ctx context.Context, userID string, scope records.Scope) error {
	if err := s.requireUser(opCompactScopeFeed, userID); err != nil {
		return err
	}
	if !scope.Valid() {
		return records.NewError(records.KindInvalid, opCompactScopeFeed, records.ErrInvalidScope)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		epoch, err := s.currentEpoch(tx, opCompactScopeFeed, userID, scope)
		if err != nil {
			return err
		}
		next := ScopeEpoch{UserID: userID, Scope: scope.String(), Epoch: epoch + 1}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "scope"}},
			DoUpdates: clause.AssignmentColumns([]string{"epoch"}),
		}).Create(&next).Error; err != nil {
			s.logError(opCompactScopeFeed, "epoch_upsert_failed", err, zap.String("user_id", userID))
			return newServiceError(opCompactScopeFeed, "epoch_upsert_failed", err)
		}
		if err := tx.Where("user_id = ? AND scope = ?", userID, scope.String()).Delete(&ScopeChange{}).Error; err != nil {
			s.logError(opCompactScopeFeed, "scope_change_delete_failed", err, zap.String("user_id", userID))
			return newServiceError(opCompactScopeFeed, "scope_change_delete_failed", err)
		}
		return nil
	})
}

func (s *Service) currentEpoch(tx *gorm.DB, op, userID string, scope records.Scope) (int64, error) {
	var row ScopeEpoch
	err := tx.Where("user_id = ? AND scope = ?", userID, scope.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		s.logError(op, "epoch_select_failed", err, zap.String("user_id", userID))
		return 0, newServiceError(op, "epoch_select_failed", err)
	}
	return row.Epoch, nil
}

func (s *Service) latestScopeSequence(tx *gorm.DB, userID string, scope records.Scope) (int64, error) {
	var latest int64
	if err := tx.Model(&ScopeChange{}).
		Where("user_id = ? AND scope = ?", userID, scope.String()).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&latest).Error; err != nil {
		s.logError(opFetchScopeChanges, "scope_change_select_failed", err, zap.String("user_id", userID))
		return 0, newServiceError(opFetchScopeChanges, "scope_change_select_failed", err)
	}
	return latest, nil
}
