package recordstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"go.uber.org/zap"
)

// CreateSubscription registers (or replaces) a subscription owned by the caller.
func (s *Service) CreateSubscription(ctx context.Context, userID string, subscription records.Subscription) (records.Subscription, error) {
	if err := s.requireUser(opCreateSubscription, userID); err != nil {
		return records.Subscription{}, err
	}
	if !subscription.Scope.Valid() {
		return records.Subscription{}, records.NewError(records.KindInvalid, opCreateSubscription, records.ErrInvalidScope)
	}
	db := s.db.WithContext(ctx)

	row := SubscriptionRow{
		ID:               strings.TrimSpace(subscription.ID),
		UserID:           userID,
		Scope:            subscription.Scope.String(),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if subscription.Partition != nil && !subscription.Partition.IsDefault() {
		partition, err := s.lookupPartition(db, opCreateSubscription, userID, subscription.Scope, *subscription.Partition)
		if err != nil {
			return records.Subscription{}, err
		}
		row.PartitionName = partition.Name
		row.PartitionOwner = partition.OwnerID
	}
	if row.ID == "" {
		subscriptionID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreateSubscription, "id_generation_failed", err, zap.String("user_id", userID))
			return records.Subscription{}, newServiceError(opCreateSubscription, "id_generation_failed", err)
		}
		row.ID = subscriptionID
	} else {
		var existing SubscriptionRow
		err := db.Where("subscription_id = ?", row.ID).Limit(1).Find(&existing).Error
		if err != nil {
			s.logError(opCreateSubscription, "subscription_select_failed", err, zap.String("user_id", userID))
			return records.Subscription{}, newServiceError(opCreateSubscription, "subscription_select_failed", err)
		}
		if existing.ID != "" && existing.UserID != userID {
			return records.Subscription{}, records.NewError(records.KindPermissionDenied, opCreateSubscription, fmt.Errorf("subscription %s", row.ID))
		}
	}
	if err := db.Save(&row).Error; err != nil {
		s.logError(opCreateSubscription, "subscription_save_failed", err, zap.String("user_id", userID))
		return records.Subscription{}, newServiceError(opCreateSubscription, "subscription_save_failed", err)
	}
	return row.toSubscription(), nil
}

// DeleteSubscription removes a subscription owned by the caller.
func (s *Service) DeleteSubscription(ctx context.Context, userID, subscriptionID string) error {
	if err := s.requireUser(opDeleteSubscription, userID); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Where("subscription_id = ? AND user_id = ?", subscriptionID, userID).Delete(&SubscriptionRow{})
	if result.Error != nil {
		s.logError(opDeleteSubscription, "subscription_delete_failed", result.Error, zap.String("user_id", userID))
		return newServiceError(opDeleteSubscription, "subscription_delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return records.NewError(records.KindNotFound, opDeleteSubscription, fmt.Errorf("subscription %s", subscriptionID))
	}
	return nil
}

// ListSubscriptions lists the caller's subscriptions.
func (s *Service) ListSubscriptions(ctx context.Context, userID string) ([]records.Subscription, error) {
	if err := s.requireUser(opListSubscriptions, userID); err != nil {
		return nil, err
	}
	var rows []SubscriptionRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at_s ASC, subscription_id ASC").Find(&rows).Error; err != nil {
		s.logError(opListSubscriptions, "subscription_select_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListSubscriptions, "subscription_select_failed", err)
	}
	result := make([]records.Subscription, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toSubscription())
	}
	return result, nil
}

func (row SubscriptionRow) toSubscription() records.Subscription {
	subscription := records.Subscription{ID: row.ID, Scope: records.Scope(row.Scope)}
	if row.PartitionName != "" {
		subscription.Partition = &records.PartitionRef{Name: row.PartitionName, Owner: row.PartitionOwner}
	}
	return subscription
}
