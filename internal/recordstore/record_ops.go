package recordstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func (row StoredRecord) toRecord(ref records.PartitionRef, fields []string) records.Record {
	return records.Record{
		Type:       records.RecordType(row.RecordType),
		Name:       row.RecordName,
		Partition:  ref,
		Fields:     records.Fields(row.Fields).Project(fields),
		ChangeTag:  row.ChangeTag,
		ModifiedAt: time.UnixMilli(row.ModifiedAtMillis).UTC(),
	}
}

func (s *Service) loadRecord(tx *gorm.DB, op, areaUID string, key records.RecordKey) (StoredRecord, bool, error) {
	var row StoredRecord
	err := tx.Where("area_uid = ? AND record_type = ? AND record_name = ?", areaUID, string(key.Type), key.Name).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StoredRecord{}, false, nil
	}
	if err != nil {
		s.logError(op, "record_select_failed", err, zap.String("area_uid", areaUID), zap.String("record", key.String()))
		return StoredRecord{}, false, newServiceError(op, "record_select_failed", err)
	}
	return row, true, nil
}

func (s *Service) appendRecordChange(tx *gorm.DB, op, areaUID string, key records.RecordKey, deleted bool) error {
	change := RecordChange{AreaUID: areaUID, RecordType: string(key.Type), RecordName: key.Name, Deleted: deleted}
	if err := tx.Create(&change).Error; err != nil {
		s.logError(op, "record_change_insert_failed", err, zap.String("area_uid", areaUID), zap.String("record", key.String()))
		return newServiceError(op, "record_change_insert_failed", err)
	}
	return nil
}

// SaveRecord writes a record snapshot, honouring the change tag precondition.
func (s *Service) SaveRecord(ctx context.Context, userID string, scope records.Scope, record records.Record) (records.Record, error) {
	if err := s.requireUser(opSaveRecord, userID); err != nil {
		return records.Record{}, err
	}
	if record.Type == "" || strings.TrimSpace(record.Name) == "" {
		return records.Record{}, records.NewError(records.KindInvalid, opSaveRecord, errMissingRecordName)
	}

	var saved records.Record
	var pending []pendingNotification
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		target, err := s.resolveArea(tx, opSaveRecord, userID, scope, record.Partition)
		if err != nil {
			return err
		}
		key := record.Key()
		existing, found, err := s.loadRecord(tx, opSaveRecord, target.uid, key)
		if err != nil {
			return err
		}
		if err := checkPrecondition(record.ChangeTag, existing, found, target.ref()); err != nil {
			return err
		}

		changeTag, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opSaveRecord, "id_generation_failed", err, zap.String("user_id", userID))
			return newServiceError(opSaveRecord, "id_generation_failed", err)
		}
		fields := datatypes.JSONMap(record.Fields.Clone())
		if fields == nil {
			fields = datatypes.JSONMap{}
		}
		row := StoredRecord{
			AreaUID:          target.uid,
			RecordType:       string(record.Type),
			RecordName:       record.Name,
			Fields:           fields,
			ChangeTag:        changeTag,
			ModifiedAtMillis: s.nowMillis(),
		}
		if found {
			err = tx.Model(&StoredRecord{}).
				Where("area_uid = ? AND record_type = ? AND record_name = ?", row.AreaUID, row.RecordType, row.RecordName).
				Updates(map[string]any{
					"fields":         row.Fields,
					"change_tag":     row.ChangeTag,
					"modified_at_ms": row.ModifiedAtMillis,
				}).Error
		} else {
			err = tx.Create(&row).Error
		}
		if err != nil {
			s.logError(opSaveRecord, "record_write_failed", err, zap.String("user_id", userID), zap.String("record", key.String()))
			return newServiceError(opSaveRecord, "record_write_failed", err)
		}
		if err := s.appendRecordChange(tx, opSaveRecord, target.uid, key, false); err != nil {
			return err
		}
		pending, err = s.touchArea(tx, opSaveRecord, userID, target, false)
		if err != nil {
			return err
		}
		saved = row.toRecord(target.ref(), nil)
		return nil
	})
	if txErr != nil {
		return records.Record{}, txErr
	}
	s.notify(ctx, pending)
	return saved, nil
}

func checkPrecondition(changeTag string, existing StoredRecord, found bool, ref records.PartitionRef) error {
	switch {
	case changeTag == "":
		return nil
	case changeTag == records.ChangeTagAbsent:
		if !found {
			return nil
		}
		current := existing.toRecord(ref, nil)
		typed := records.NewError(records.KindAlreadyExists, opSaveRecord, errRecordExists)
		typed.Current = &current
		return typed
	case !found:
		return records.NewError(records.KindNotFound, opSaveRecord, errRecordMissing)
	case existing.ChangeTag != changeTag:
		current := existing.toRecord(ref, nil)
		typed := records.NewError(records.KindConflict, opSaveRecord, fmt.Errorf("change tag %s is stale", changeTag))
		typed.Current = &current
		return typed
	default:
		return nil
	}
}

// FetchRecord returns one record from a partition or the default area.
func (s *Service) FetchRecord(ctx context.Context, userID string, scope records.Scope, ref records.PartitionRef, key records.RecordKey) (records.Record, error) {
	if err := s.requireUser(opFetchRecord, userID); err != nil {
		return records.Record{}, err
	}
	db := s.db.WithContext(ctx)
	target, err := s.resolveArea(db, opFetchRecord, userID, scope, ref)
	if err != nil {
		return records.Record{}, err
	}
	row, found, err := s.loadRecord(db, opFetchRecord, target.uid, key)
	if err != nil {
		return records.Record{}, err
	}
	if !found {
		return records.Record{}, records.NewError(records.KindNotFound, opFetchRecord, fmt.Errorf("record %s", key))
	}
	return row.toRecord(target.ref(), nil), nil
}

// DeleteRecord removes a record. Deleting a missing record fails with KindNotFound.
func (s *Service) DeleteRecord(ctx context.Context, userID string, scope records.Scope, ref records.PartitionRef, key records.RecordKey) error {
	if err := s.requireUser(opDeleteRecord, userID); err != nil {
		return err
	}
	var pending []pendingNotification
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		target, err := s.resolveArea(tx, opDeleteRecord, userID, scope, ref)
		if err != nil {
			return err
		}
		result := tx.Where("area_uid = ? AND record_type = ? AND record_name = ?", target.uid, string(key.Type), key.Name).Delete(&StoredRecord{})
		if result.Error != nil {
			s.logError(opDeleteRecord, "record_delete_failed", result.Error, zap.String("user_id", userID), zap.String("record", key.String()))
			return newServiceError(opDeleteRecord, "record_delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return records.NewError(records.KindNotFound, opDeleteRecord, fmt.Errorf("record %s", key))
		}
		if err := s.appendRecordChange(tx, opDeleteRecord, target.uid, key, true); err != nil {
			return err
		}
		pending, err = s.touchArea(tx, opDeleteRecord, userID, target, false)
		return err
	})
	if txErr != nil {
		return txErr
	}
	s.notify(ctx, pending)
	return nil
}

// QueryRecords lists records of a partition matching the query, ordered by type and name.
func (s *Service) QueryRecords(ctx context.Context, userID string, scope records.Scope, ref records.PartitionRef, query records.Query) ([]records.Record, error) {
	if err := s.requireUser(opQueryRecords, userID); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	target, err := s.resolveArea(db, opQueryRecords, userID, scope, ref)
	if err != nil {
		return nil, err
	}
	statement := db.Where("area_uid = ?", target.uid)
	if query.Type != "" {
		statement = statement.Where("record_type = ?", string(query.Type))
	}
	var rows []StoredRecord
	if err := statement.Order("record_type ASC, record_name ASC").Find(&rows).Error; err != nil {
		s.logError(opQueryRecords, "record_select_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opQueryRecords, "record_select_failed", err)
	}
	result := make([]records.Record, 0, len(rows))
	for _, row := range rows {
		record := row.toRecord(target.ref(), nil)
		if matchesQuery(record.Fields, query.Equals) {
			result = append(result, record)
		}
	}
	return result, nil
}

func matchesQuery(fields records.Fields, equals map[string]string) bool {
	for key, want := range equals {
		if fieldText(fields, key) != want {
			return false
		}
	}
	return true
}

func fieldText(fields records.Fields, key string) string {
	if text, ok := fields.String(key); ok {
		return text
	}
	if number, ok := fields.Int64(key); ok {
		return strconv.FormatInt(number, 10)
	}
	if flag, ok := fields[key].(bool); ok {
		return strconv.FormatBool(flag)
	}
	return ""
}
