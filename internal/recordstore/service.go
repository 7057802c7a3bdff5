package recordstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	errDefaultAreaShared = errors.New("default area is only reachable through the owner scope")
	errForeignPartition  = errors.New("partition belongs to another identity")
	errRecordExists      = errors.New("record already exists")
	errPartitionExists   = errors.New("partition already exists")
	errRecordMissing     = errors.New("record does not exist")
	errMissingRecordName = errors.New("record type and name are required")
	noOpLogger           = zap.NewNop()
)

const defaultPageSize = 200

// ServiceError reports infrastructure failures. Domain failures are records.Error values.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew             = "recordstore.service.new"
	opCreatePartition        = "recordstore.create_partition"
	opDeletePartition        = "recordstore.delete_partition"
	opLeavePartition         = "recordstore.leave_partition"
	opFindPartition          = "recordstore.find_partition"
	opListPartitions         = "recordstore.list_partitions"
	opSaveRecord             = "recordstore.save_record"
	opFetchRecord            = "recordstore.fetch_record"
	opDeleteRecord           = "recordstore.delete_record"
	opQueryRecords           = "recordstore.query_records"
	opFetchScopeChanges      = "recordstore.fetch_scope_changes"
	opFetchPartitionChanges  = "recordstore.fetch_partition_changes"
	opCompactScopeFeed       = "recordstore.compact_scope_feed"
	opCreateSubscription     = "recordstore.create_subscription"
	opDeleteSubscription     = "recordstore.delete_subscription"
	opListSubscriptions      = "recordstore.list_subscriptions"
	opRegisterIdentity       = "recordstore.register_identity"
	opLookupParticipant      = "recordstore.lookup_participant"
	opGrantAccess            = "recordstore.grant_access"
	opAcceptGrant            = "recordstore.accept_grant"
	opListGrants             = "recordstore.list_grants"
	opNotifySubscriptionsFor = "recordstore.notify"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues partition identifiers and change tags.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Notifier receives a signal for every subscription matched by a committed change.
type Notifier interface {
	Notify(userID string, notification records.Notification)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Notifier   Notifier
	// PageSize caps change-feed pages. Zero uses the default.
	PageSize int
}

// Service is the authoritative record store shared by every participant.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	notifier   Notifier
	pageSize   int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		notifier:   cfg.Notifier,
		pageSize:   pageSize,
	}, nil
}

// SetNotifier replaces the notification sink. It must be called before serving traffic.
func (s *Service) SetNotifier(notifier Notifier) {
	s.notifier = notifier
}

// area is a resolved storage location: a partition or the caller's default area.
type area struct {
	uid       string
	partition *Partition
}

func (a area) ref() records.PartitionRef {
	if a.partition == nil {
		return records.PartitionRef{}
	}
	return records.PartitionRef{Name: a.partition.Name, Owner: a.partition.OwnerID}
}

func defaultAreaUID(userID string) string {
	return "default:" + userID
}

func (s *Service) resolveArea(tx *gorm.DB, op, userID string, scope records.Scope, ref records.PartitionRef) (area, error) {
	if !scope.Valid() {
		return area{}, records.NewError(records.KindInvalid, op, records.ErrInvalidScope)
	}
	if ref.IsDefault() {
		if scope != records.ScopeOwner {
			return area{}, records.NewError(records.KindPermissionDenied, op, errDefaultAreaShared).WithHint(records.HintWrongScope)
		}
		return area{uid: defaultAreaUID(userID)}, nil
	}
	partition, err := s.lookupPartition(tx, op, userID, scope, ref)
	if err != nil {
		return area{}, err
	}
	return area{uid: partition.UID, partition: &partition}, nil
}

// lookupPartition finds a partition the caller reaches through scope.
func (s *Service) lookupPartition(tx *gorm.DB, op, userID string, scope records.Scope, ref records.PartitionRef) (Partition, error) {
	notFound := func() error {
		return records.NewError(records.KindPartitionNotFound, op, fmt.Errorf("partition %s", ref)).
			WithHint(records.AccessHint(records.KindPartitionNotFound, scope))
	}
	switch scope {
	case records.ScopeOwner:
		if ref.Owner != "" && ref.Owner != userID {
			return Partition{}, records.NewError(records.KindPermissionDenied, op, errForeignPartition).
				WithHint(records.AccessHint(records.KindPermissionDenied, scope))
		}
		var partition Partition
		err := tx.Where("owner_id = ? AND name = ?", userID, ref.Name).Take(&partition).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Partition{}, notFound()
		}
		if err != nil {
			s.logError(op, "partition_select_failed", err, zap.String("user_id", userID), zap.String("partition", ref.String()))
			return Partition{}, newServiceError(op, "partition_select_failed", err)
		}
		return partition, nil
	case records.ScopeShared:
		query := tx.Where("name = ?", ref.Name)
		if ref.Owner != "" {
			query = query.Where("owner_id = ?", ref.Owner)
		}
		var candidates []Partition
		if err := query.Order("created_at_s ASC").Find(&candidates).Error; err != nil {
			s.logError(op, "partition_select_failed", err, zap.String("user_id", userID), zap.String("partition", ref.String()))
			return Partition{}, newServiceError(op, "partition_select_failed", err)
		}
		if len(candidates) == 0 {
			return Partition{}, notFound()
		}
		for _, candidate := range candidates {
			var grant Grant
			err := tx.Where("partition_uid = ? AND user_id = ?", candidate.UID, userID).Take(&grant).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			if err != nil {
				s.logError(op, "grant_select_failed", err, zap.String("user_id", userID))
				return Partition{}, newServiceError(op, "grant_select_failed", err)
			}
			if grant.Accepted {
				return candidate, nil
			}
		}
		return Partition{}, records.NewError(records.KindPermissionDenied, op, fmt.Errorf("partition %s", ref)).
			WithHint(records.AccessHint(records.KindPermissionDenied, scope))
	default:
		return Partition{}, records.NewError(records.KindInvalid, op, records.ErrInvalidScope)
	}
}

type audienceEntry struct {
	userID string
	scope  records.Scope
}

// audience lists every identity that sees the partition in its scope feed.
func (s *Service) audience(tx *gorm.DB, op string, partition Partition) ([]audienceEntry, error) {
	entries := []audienceEntry{{userID: partition.OwnerID, scope: records.ScopeOwner}}
	var grants []Grant
	if err := tx.Where("partition_uid = ? AND accepted = ?", partition.UID, true).Order("user_id ASC").Find(&grants).Error; err != nil {
		s.logError(op, "grant_select_failed", err, zap.String("partition_uid", partition.UID))
		return nil, newServiceError(op, "grant_select_failed", err)
	}
	for _, grant := range grants {
		entries = append(entries, audienceEntry{userID: grant.UserID, scope: records.ScopeShared})
	}
	return entries, nil
}

type pendingNotification struct {
	userID    string
	scope     records.Scope
	partition records.PartitionRef
	deleted   bool
}

// touchArea appends scope feed entries for a mutated area and returns the notifications to send after commit.
func (s *Service) touchArea(tx *gorm.DB, op, userID string, target area, deleted bool) ([]pendingNotification, error) {
	if target.partition == nil {
		return []pendingNotification{{userID: userID, scope: records.ScopeOwner}}, nil
	}
	entries, err := s.audience(tx, op, *target.partition)
	if err != nil {
		return nil, err
	}
	return s.appendScopeChanges(tx, op, *target.partition, entries, deleted)
}

func (s *Service) appendScopeChanges(tx *gorm.DB, op string, partition Partition, entries []audienceEntry, deleted bool) ([]pendingNotification, error) {
	pending := make([]pendingNotification, 0, len(entries))
	ref := records.PartitionRef{Name: partition.Name, Owner: partition.OwnerID}
	for _, entry := range entries {
		change := ScopeChange{
			UserID:         entry.userID,
			Scope:          entry.scope.String(),
			PartitionName:  partition.Name,
			PartitionOwner: partition.OwnerID,
			Deleted:        deleted,
		}
		if err := tx.Create(&change).Error; err != nil {
			s.logError(op, "scope_change_insert_failed", err, zap.String("user_id", entry.userID))
			return nil, newServiceError(op, "scope_change_insert_failed", err)
		}
		pending = append(pending, pendingNotification{userID: entry.userID, scope: entry.scope, partition: ref, deleted: deleted})
	}
	return pending, nil
}

// notify delivers committed changes to matching subscriptions.
func (s *Service) notify(ctx context.Context, pending []pendingNotification) {
	if s.notifier == nil || len(pending) == 0 {
		return
	}
	for _, item := range pending {
		var rows []SubscriptionRow
		err := s.db.WithContext(ctx).
			Where("user_id = ? AND scope = ?", item.userID, item.scope.String()).
			Where("partition_name = '' OR (partition_name = ? AND partition_owner = ?)", item.partition.Name, item.partition.Owner).
			Find(&rows).Error
		if err != nil {
			s.logError(opNotifySubscriptionsFor, "subscription_select_failed", err, zap.String("user_id", item.userID))
			continue
		}
		for _, row := range rows {
			notification := records.Notification{
				SubscriptionID: row.ID,
				Scope:          item.scope,
				Deleted:        item.deleted,
			}
			if !item.partition.IsDefault() {
				partition := item.partition
				notification.Partition = &partition
			}
			s.notifier.Notify(item.userID, notification)
		}
	}
}

func (s *Service) requireUser(op, userID string) error {
	if userID == "" {
		s.logError(op, "missing_user_id", errMissingUserID)
		return records.NewError(records.KindAuthRequired, op, errMissingUserID)
	}
	return nil
}

func (s *Service) nowMillis() int64 {
	return s.clock().UTC().UnixMilli()
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("record store error", attrs...)
}
