package recordstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the identity did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("recordstore: invalid identity")

// RegisterIdentity records or refreshes a directory entry so that other participants can look it up.
func (s *Service) RegisterIdentity(ctx context.Context, identity Identity) error {
	userID, err := records.NormalizeUserID(identity.UserID)
	if err != nil {
		return ErrInvalidIdentity
	}
	db := s.db.WithContext(ctx)

	var existing Identity
	err = db.Where("user_id = ?", userID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		created := Identity{
			UserID:      userID,
			Email:       normalizeEmail(identity.Email),
			Phone:       normalize(identity.Phone),
			DisplayName: normalize(identity.DisplayName),
			AvatarURL:   normalize(identity.AvatarURL),
			LastSeenAt:  s.clock(),
		}
		if err := db.Create(&created).Error; err != nil {
			s.logError(opRegisterIdentity, "identity_insert_failed", err, zap.String("user_id", userID))
			return newServiceError(opRegisterIdentity, "identity_insert_failed", err)
		}
		return nil
	}
	if err != nil {
		s.logError(opRegisterIdentity, "identity_select_failed", err, zap.String("user_id", userID))
		return newServiceError(opRegisterIdentity, "identity_select_failed", err)
	}

	updates := map[string]interface{}{}
	if email := normalizeEmail(identity.Email); email != "" && email != existing.Email {
		updates["user_email"] = email
	}
	if phone := normalize(identity.Phone); phone != "" && phone != existing.Phone {
		updates["user_phone"] = phone
	}
	if display := normalize(identity.DisplayName); display != "" && display != existing.DisplayName {
		updates["user_display_name"] = display
	}
	if avatar := normalize(identity.AvatarURL); avatar != "" && avatar != existing.AvatarURL {
		updates["user_avatar_url"] = avatar
	}
	updates["last_seen_at"] = s.clock()
	if err := db.Model(&Identity{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
		s.logError(opRegisterIdentity, "identity_update_failed", err, zap.String("user_id", userID))
		return newServiceError(opRegisterIdentity, "identity_update_failed", err)
	}
	return nil
}

// LookupParticipant resolves an identity reference through the directory.
func (s *Service) LookupParticipant(ctx context.Context, userID string, reference records.IdentityReference) (records.ParticipantHandle, error) {
	if err := s.requireUser(opLookupParticipant, userID); err != nil {
		return records.ParticipantHandle{}, err
	}
	if reference.IsZero() {
		return records.ParticipantHandle{}, records.NewError(records.KindInvalid, opLookupParticipant, ErrInvalidIdentity)
	}
	statement := s.db.WithContext(ctx).Model(&Identity{})
	switch {
	case normalize(reference.UserID) != "":
		statement = statement.Where("user_id = ?", normalize(reference.UserID))
	case normalizeEmail(reference.Email) != "":
		statement = statement.Where("user_email = ?", normalizeEmail(reference.Email))
	default:
		statement = statement.Where("user_phone = ?", normalize(reference.Phone))
	}
	var identity Identity
	err := statement.Order("created_at ASC").First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return records.ParticipantHandle{}, records.NewError(records.KindNotFound, opLookupParticipant, fmt.Errorf("identity %+v", reference))
	}
	if err != nil {
		s.logError(opLookupParticipant, "identity_select_failed", err, zap.String("user_id", userID))
		return records.ParticipantHandle{}, newServiceError(opLookupParticipant, "identity_select_failed", err)
	}
	return records.ParticipantHandle{
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
	}, nil
}

// GrantAccess extends shared access on an owned partition. Existing grants keep their acceptance state.
func (s *Service) GrantAccess(ctx context.Context, userID string, ref records.PartitionRef, participant records.ParticipantHandle) error {
	if err := s.requireUser(opGrantAccess, userID); err != nil {
		return err
	}
	participantID, err := records.NormalizeUserID(participant.UserID)
	if err != nil {
		return records.NewError(records.KindInvalid, opGrantAccess, err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		partition, err := s.lookupPartition(tx, opGrantAccess, userID, records.ScopeOwner, ref)
		if err != nil {
			return err
		}
		var existing Grant
		err = tx.Where("partition_uid = ? AND user_id = ?", partition.UID, participantID).Take(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opGrantAccess, "grant_select_failed", err, zap.String("user_id", userID))
			return newServiceError(opGrantAccess, "grant_select_failed", err)
		}
		grant := Grant{
			PartitionUID:     partition.UID,
			UserID:           participantID,
			GrantedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&grant).Error; err != nil {
			s.logError(opGrantAccess, "grant_insert_failed", err, zap.String("user_id", userID))
			return newServiceError(opGrantAccess, "grant_insert_failed", err)
		}
		return nil
	})
}

// AcceptGrant accepts a pending grant so the partition becomes reachable through the shared scope.
func (s *Service) AcceptGrant(ctx context.Context, userID string, ref records.PartitionRef) error {
	if err := s.requireUser(opAcceptGrant, userID); err != nil {
		return err
	}
	var pending []pendingNotification
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("name = ?", ref.Name)
		if ref.Owner != "" {
			query = query.Where("owner_id = ?", ref.Owner)
		}
		var candidates []Partition
		if err := query.Order("created_at_s ASC").Find(&candidates).Error; err != nil {
			s.logError(opAcceptGrant, "partition_select_failed", err, zap.String("user_id", userID))
			return newServiceError(opAcceptGrant, "partition_select_failed", err)
		}
		for _, candidate := range candidates {
			result := tx.Model(&Grant{}).
				Where("partition_uid = ? AND user_id = ?", candidate.UID, userID).
				Update("accepted", true)
			if result.Error != nil {
				s.logError(opAcceptGrant, "grant_update_failed", result.Error, zap.String("user_id", userID))
				return newServiceError(opAcceptGrant, "grant_update_failed", result.Error)
			}
			if result.RowsAffected == 0 {
				continue
			}
			var err error
			pending, err = s.appendScopeChanges(tx, opAcceptGrant, candidate, []audienceEntry{{userID: userID, scope: records.ScopeShared}}, false)
			return err
		}
		return records.NewError(records.KindPartitionNotFound, opAcceptGrant, fmt.Errorf("no grant for %s", ref)).
			WithHint(records.HintUngranted)
	})
	if txErr != nil {
		return txErr
	}
	s.notify(ctx, pending)
	return nil
}

// ListGrants lists the grants on an owned partition.
func (s *Service) ListGrants(ctx context.Context, userID string, ref records.PartitionRef) ([]records.Grant, error) {
	if err := s.requireUser(opListGrants, userID); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	partition, err := s.lookupPartition(db, opListGrants, userID, records.ScopeOwner, ref)
	if err != nil {
		return nil, err
	}
	var rows []Grant
	if err := db.Where("partition_uid = ?", partition.UID).Order("user_id ASC").Find(&rows).Error; err != nil {
		s.logError(opListGrants, "grant_select_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListGrants, "grant_select_failed", err)
	}
	canonical := records.PartitionRef{Name: partition.Name, Owner: partition.OwnerID}
	grants := make([]records.Grant, 0, len(rows))
	for _, row := range rows {
		grants = append(grants, records.Grant{Partition: canonical, UserID: row.UserID, Accepted: row.Accepted})
	}
	return grants, nil
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
