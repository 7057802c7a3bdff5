package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/conflict"
	"github.com/MarcoPoloResearchLab/parley/internal/deltasync"
	"github.com/MarcoPoloResearchLab/parley/internal/mirror"
	"github.com/MarcoPoloResearchLab/parley/internal/partitions"
	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 5 * time.Minute
	DefaultInterval  = 30 * time.Second

	maxConflictRetries = 3
	maxBodyLength      = 16 * 1024
)

var (
	// ErrEmptyBody indicates a message without text or attachment.
	ErrEmptyBody = errors.New("outbox: message body is empty")
	// ErrNotSender indicates an edit or delete of a message sent by someone else.
	ErrNotSender = errors.New("outbox: only the sender may change a message")
	// ErrUnknownMessage indicates that the addressed message is not in the local mirror.
	ErrUnknownMessage = errors.New("outbox: unknown message")

	errMissingCollaborator = errors.New("outbox: database, store, resolver and mirror are required")
)

// Config wires the queue.
type Config struct {
	Database  *gorm.DB
	Store     records.Store
	Resolver  *partitions.Resolver
	Mirror    *mirror.Store
	Clock     func() time.Time
	Logger    *zap.Logger
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Interval is how often Run retries deferred operations without a kick.
	Interval time.Duration
}

// Report summarises one drain.
type Report struct {
	Delivered int
	Dropped   int
	Deferred  int
}

// Queue persists outbound writes and delivers them in order per record.
type Queue struct {
	db        *gorm.DB
	store     records.Store
	resolver  *partitions.Resolver
	mirror    *mirror.Store
	clock     func() time.Time
	logger    *zap.Logger
	baseDelay time.Duration
	maxDelay  time.Duration
	interval  time.Duration

	kick    chan struct{}
	drainMu sync.Mutex
}

func NewQueue(cfg Config) (*Queue, error) {
	if cfg.Database == nil || cfg.Store == nil || cfg.Resolver == nil || cfg.Mirror == nil {
		return nil, errMissingCollaborator
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay < baseDelay {
		maxDelay = max(DefaultMaxDelay, baseDelay)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Queue{
		db:        cfg.Database,
		store:     cfg.Store,
		resolver:  cfg.Resolver,
		mirror:    cfg.Mirror,
		clock:     clock,
		logger:    logger,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		interval:  interval,
		kick:      make(chan struct{}, 1),
	}, nil
}

// SendMessage stores a pending local message and queues its creation.
func (q *Queue) SendMessage(ctx context.Context, roomID, body, attachmentRef string) (mirror.Message, error) {
	normalized, err := records.NormalizeRoomID(roomID)
	if err != nil {
		return mirror.Message{}, err
	}
	body = strings.TrimSpace(body)
	if body == "" && attachmentRef == "" {
		return mirror.Message{}, ErrEmptyBody
	}
	if len(body) > maxBodyLength {
		body = body[:maxBodyLength]
	}
	messageID, err := uuid.NewV7()
	if err != nil {
		return mirror.Message{}, fmt.Errorf("outbox: message id: %w", err)
	}
	now := q.clock().UTC().UnixMilli()
	message := mirror.Message{
		RoomID:          normalized,
		MessageID:       messageID.String(),
		SenderID:        q.store.Identity(),
		Body:            body,
		TimestampMillis: now,
		AttachmentRef:   attachmentRef,
		Pending:         true,
	}
	if attachmentRef != "" {
		message.AttachmentUpdatedAtMillis = now
	}
	if err := q.mirror.Apply(ctx, mirror.Batch{UpsertMessages: []mirror.Message{message}}); err != nil {
		return mirror.Message{}, err
	}
	record := deltasync.EncodeMessage(message, records.PartitionRef{})
	if err := q.enqueue(ctx, ActionPut, normalized, record.Key(), record.Fields, records.ChangeTagAbsent); err != nil {
		return mirror.Message{}, err
	}
	return message, nil
}

// EditMessage replaces the body of one of the caller's messages.
func (q *Queue) EditMessage(ctx context.Context, roomID, messageID, body string) (mirror.Message, error) {
	message, err := q.ownMessage(ctx, roomID, messageID)
	if err != nil {
		return mirror.Message{}, err
	}
	body = strings.TrimSpace(body)
	if body == "" && message.AttachmentRef == "" {
		return mirror.Message{}, ErrEmptyBody
	}
	if len(body) > maxBodyLength {
		body = body[:maxBodyLength]
	}
	message.Body = body
	message.EditedAtMillis = max(q.clock().UTC().UnixMilli(), message.TimestampMillis+1)
	message.Pending = true
	if err := q.mirror.Apply(ctx, mirror.Batch{UpsertMessages: []mirror.Message{message}}); err != nil {
		return mirror.Message{}, err
	}
	record := deltasync.EncodeMessage(message, records.PartitionRef{})
	if err := q.enqueue(ctx, ActionPut, message.RoomID, record.Key(), record.Fields, message.ChangeTag); err != nil {
		return mirror.Message{}, err
	}
	return message, nil
}

// DeleteMessage removes one of the caller's messages locally and queues the remote delete.
func (q *Queue) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	message, err := q.ownMessage(ctx, roomID, messageID)
	if err != nil {
		return err
	}
	if err := q.mirror.Apply(ctx, mirror.Batch{DeleteMessages: []mirror.MessageKey{message.Key()}}); err != nil {
		return err
	}
	key := records.RecordKey{Type: records.TypeMessage, Name: records.MessageRecordName(message.MessageID, message.SenderID)}
	return q.enqueue(ctx, ActionDelete, message.RoomID, key, nil, "")
}

// AddReaction adds the caller's emoji to a message. Adding twice is a no-op remotely.
func (q *Queue) AddReaction(ctx context.Context, target mirror.MessageKey, emoji string) (mirror.Reaction, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return mirror.Reaction{}, fmt.Errorf("outbox: reaction emoji is empty")
	}
	if _, ok, err := q.mirror.Message(ctx, target); err != nil {
		return mirror.Reaction{}, err
	} else if !ok {
		return mirror.Reaction{}, fmt.Errorf("%w: %s", ErrUnknownMessage, records.MessageRecordName(target.MessageID, target.SenderID))
	}
	userID := q.store.Identity()
	reaction := mirror.Reaction{
		RoomID:          target.RoomID,
		RecordName:      records.ReactionRecordName(target.MessageID, target.SenderID, userID, emoji),
		MessageID:       target.MessageID,
		MessageSenderID: target.SenderID,
		UserID:          userID,
		Emoji:           emoji,
		CreatedAtMillis: q.clock().UTC().UnixMilli(),
	}
	if err := q.mirror.Apply(ctx, mirror.Batch{UpsertReactions: []mirror.Reaction{reaction}}); err != nil {
		return mirror.Reaction{}, err
	}
	record := deltasync.EncodeReaction(reaction, records.PartitionRef{})
	if err := q.enqueue(ctx, ActionPut, reaction.RoomID, record.Key(), record.Fields, ""); err != nil {
		return mirror.Reaction{}, err
	}
	return reaction, nil
}

// RemoveReaction removes exactly the caller's reaction with this emoji.
func (q *Queue) RemoveReaction(ctx context.Context, target mirror.MessageKey, emoji string) error {
	name := records.ReactionRecordName(target.MessageID, target.SenderID, q.store.Identity(), strings.TrimSpace(emoji))
	if err := q.mirror.Apply(ctx, mirror.Batch{DeleteReactions: []mirror.ReactionKey{{RoomID: target.RoomID, RecordName: name}}}); err != nil {
		return err
	}
	return q.enqueue(ctx, ActionDelete, target.RoomID, records.RecordKey{Type: records.TypeReaction, Name: name}, nil, "")
}

// Pending returns the number of queued operations.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&Operation{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("outbox: count: %w", err)
	}
	return count, nil
}

// Operations lists the queued operations in delivery order.
func (q *Queue) Operations(ctx context.Context) ([]Operation, error) {
	var operations []Operation
	if err := q.db.WithContext(ctx).Order("seq ASC").Find(&operations).Error; err != nil {
		return nil, fmt.Errorf("outbox: list: %w", err)
	}
	return operations, nil
}

// Clear drops every queued operation. Used by full resets.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.db.WithContext(ctx).Where("1 = 1").Delete(&Operation{}).Error; err != nil {
		return fmt.Errorf("outbox: clear: %w", err)
	}
	return nil
}

// Kick asks Run to drain soon. It never blocks.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// ConnectivityChanged kicks the queue when the device comes back online.
func (q *Queue) ConnectivityChanged(online bool) {
	if online {
		q.Kick()
	}
}

// Run drains on every kick and on the retry interval until ctx ends.
// An auth failure is returned so the caller can block until credentials are refreshed.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.kick:
		case <-ticker.C:
		}
		if _, err := q.Drain(ctx); err != nil {
			if records.IsKind(err, records.KindAuthRequired) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Warn("outbox drain failed", zap.Error(err))
		}
	}
}

// Drain delivers every due operation once. Operations on the same record stay in
// order: once one is deferred, later ones for that record wait for the next drain.
func (q *Queue) Drain(ctx context.Context) (Report, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	operations, err := q.Operations(ctx)
	if err != nil {
		return Report{}, err
	}
	var report Report
	blocked := make(map[string]struct{})
	now := q.clock().UTC().UnixMilli()
	for _, op := range operations {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		key := op.recordKey()
		if _, ok := blocked[key]; ok {
			continue
		}
		if op.NextAttemptAtMillis > now {
			blocked[key] = struct{}{}
			report.Deferred++
			continue
		}

		saved, err := q.deliver(ctx, op)
		switch {
		case err == nil:
			if err := q.acknowledge(ctx, op, saved); err != nil {
				return report, err
			}
			report.Delivered++
		case records.IsKind(err, records.KindAuthRequired):
			q.logger.Warn("outbox blocked on credentials", zap.String("operation_id", op.ID))
			return report, err
		case dropsOperation(err):
			q.logger.Warn("outbox operation dropped", zap.String("operation_id", op.ID),
				zap.String("room_id", op.RoomID), zap.String("record", op.RecordName), zap.Error(err))
			if err := q.remove(ctx, op); err != nil {
				return report, err
			}
			report.Dropped++
		default:
			blocked[key] = struct{}{}
			report.Deferred++
			if err := q.reschedule(ctx, op, err); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}

func dropsOperation(err error) bool {
	return errors.Is(err, partitions.ErrRoomNotFound) ||
		records.IsKind(err, records.KindPartitionNotFound) ||
		records.IsKind(err, records.KindInvalid)
}

func (q *Queue) deliver(ctx context.Context, op Operation) (records.Record, error) {
	resolution, err := q.resolver.Resolve(ctx, op.RoomID)
	if err != nil {
		return records.Record{}, err
	}
	key := records.RecordKey{Type: records.RecordType(op.RecordType), Name: op.RecordName}

	if Action(op.Action) == ActionDelete {
		err := q.store.DeleteRecord(ctx, resolution.Scope, resolution.Partition, key)
		if err != nil && !records.IsKind(err, records.KindNotFound) {
			return records.Record{}, q.routeFailure(ctx, op, err)
		}
		return records.Record{}, nil
	}

	record := records.Record{
		Type:      key.Type,
		Name:      key.Name,
		Partition: resolution.Partition,
		Fields:    records.Fields(op.Fields).Clone(),
		ChangeTag: op.ChangeTag,
	}
	for attempt := 0; ; attempt++ {
		saved, err := q.store.SaveRecord(ctx, resolution.Scope, record)
		if err == nil {
			return q.verify(ctx, resolution, saved)
		}
		current, ok := serverCopy(err)
		if !ok || attempt >= maxConflictRetries {
			return records.Record{}, q.routeFailure(ctx, op, err)
		}
		merged := conflict.Resolve(record, current)
		if !conflict.Changed(merged, current) {
			q.logger.Debug("outbox write already present remotely", zap.String("operation_id", op.ID))
			return current, nil
		}
		record = merged
	}
}

// verify confirms that the write is observable where it was sent.
func (q *Queue) verify(ctx context.Context, resolution partitions.Resolution, saved records.Record) (records.Record, error) {
	observed, err := q.store.FetchRecord(ctx, resolution.Scope, resolution.Partition, saved.Key())
	switch {
	case err == nil:
		return observed, nil
	case records.IsKind(err, records.KindNotFound), records.IsKind(err, records.KindPartitionNotFound):
		if invalidateErr := q.resolver.Invalidate(ctx, resolution.RoomID); invalidateErr != nil {
			q.logger.Warn("partition cache invalidation failed", zap.String("room_id", resolution.RoomID), zap.Error(invalidateErr))
		}
		return records.Record{}, records.NewError(records.KindSaveFailed, "outbox.verify", err)
	default:
		return records.Record{}, err
	}
}

func (q *Queue) routeFailure(ctx context.Context, op Operation, err error) error {
	if records.IsKind(err, records.KindPartitionNotFound) || records.IsKind(err, records.KindPermissionDenied) {
		if invalidateErr := q.resolver.Invalidate(ctx, op.RoomID); invalidateErr != nil {
			q.logger.Warn("partition cache invalidation failed", zap.String("room_id", op.RoomID), zap.Error(invalidateErr))
		}
	}
	return err
}

// serverCopy extracts the server record carried by a conflict or a lost create race.
func serverCopy(err error) (records.Record, bool) {
	var typed *records.Error
	if !errors.As(err, &typed) || typed.Current == nil {
		return records.Record{}, false
	}
	if typed.Kind != records.KindConflict && typed.Kind != records.KindAlreadyExists {
		return records.Record{}, false
	}
	return typed.Current.Clone(), true
}

func (q *Queue) acknowledge(ctx context.Context, op Operation, saved records.Record) error {
	var remaining int64
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Operation{}, op.Sequence).Error; err != nil {
			return err
		}
		later := tx.Model(&Operation{}).Where("room_id = ? AND record_type = ? AND record_name = ? AND seq > ?",
			op.RoomID, op.RecordType, op.RecordName, op.Sequence)
		if err := later.Count(&remaining).Error; err != nil {
			return err
		}
		if saved.ChangeTag == "" || remaining == 0 {
			return nil
		}
		return tx.Model(&Operation{}).
			Where("room_id = ? AND record_type = ? AND record_name = ? AND seq > ? AND action = ?",
				op.RoomID, op.RecordType, op.RecordName, op.Sequence, string(ActionPut)).
			Update("change_tag", saved.ChangeTag).Error
	})
	if err != nil {
		return fmt.Errorf("outbox: acknowledge %s: %w", op.ID, err)
	}
	if Action(op.Action) != ActionPut || records.RecordType(op.RecordType) != records.TypeMessage {
		return nil
	}

	delivered, err := deltasync.DecodeMessage(saved)
	if err != nil {
		q.logger.Warn("delivered message failed to decode", zap.String("operation_id", op.ID), zap.Error(err))
		return nil
	}
	if remaining > 0 {
		// Later local edits stay visible until they are delivered too.
		return q.mirror.MarkAcknowledged(ctx, delivered.Key(), saved.ChangeTag, true)
	}
	existing, ok, err := q.mirror.Message(ctx, delivered.Key())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if existing.AttachmentRef == delivered.AttachmentRef {
		delivered.AttachmentPath = existing.AttachmentPath
	}
	return q.mirror.Apply(ctx, mirror.Batch{UpsertMessages: []mirror.Message{delivered}})
}

func (q *Queue) reschedule(ctx context.Context, op Operation, cause error) error {
	attempts := op.Attempts + 1
	next := q.clock().Add(q.backoff(attempts)).UTC().UnixMilli()
	q.logger.Info("outbox operation deferred", zap.String("operation_id", op.ID),
		zap.Int("attempts", attempts), zap.Int64("next_attempt_at_ms", next), zap.Error(cause))
	err := q.db.WithContext(ctx).Model(&Operation{}).Where("seq = ?", op.Sequence).Updates(map[string]any{
		"attempts":           attempts,
		"next_attempt_at_ms": next,
		"last_error":         cause.Error(),
	}).Error
	if err != nil {
		return fmt.Errorf("outbox: reschedule %s: %w", op.ID, err)
	}
	return nil
}

func (q *Queue) backoff(attempts int) time.Duration {
	delay := q.baseDelay
	for i := 1; i < attempts && delay < q.maxDelay; i++ {
		delay *= 2
	}
	return min(delay, q.maxDelay)
}

func (q *Queue) remove(ctx context.Context, op Operation) error {
	if err := q.db.WithContext(ctx).Delete(&Operation{}, op.Sequence).Error; err != nil {
		return fmt.Errorf("outbox: remove %s: %w", op.ID, err)
	}
	return nil
}

func (q *Queue) enqueue(ctx context.Context, action Action, roomID string, key records.RecordKey, fields records.Fields, changeTag string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("outbox: operation id: %w", err)
	}
	op := Operation{
		ID:              id.String(),
		Action:          string(action),
		RoomID:          roomID,
		RecordType:      string(key.Type),
		RecordName:      key.Name,
		Fields:          datatypes.JSONMap(fields),
		ChangeTag:       changeTag,
		CreatedAtMillis: q.clock().UTC().UnixMilli(),
	}
	if err := q.db.WithContext(ctx).Create(&op).Error; err != nil {
		q.logger.Error("outbox enqueue failed", zap.String("room_id", roomID), zap.String("record", key.Name), zap.Error(err))
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	q.Kick()
	return nil
}

func (q *Queue) ownMessage(ctx context.Context, roomID, messageID string) (mirror.Message, error) {
	normalized, err := records.NormalizeRoomID(roomID)
	if err != nil {
		return mirror.Message{}, err
	}
	key := mirror.MessageKey{RoomID: normalized, MessageID: messageID, SenderID: q.store.Identity()}
	message, ok, err := q.mirror.Message(ctx, key)
	if err != nil {
		return mirror.Message{}, err
	}
	if !ok {
		return mirror.Message{}, fmt.Errorf("%w or %w: %s", ErrUnknownMessage, ErrNotSender, records.MessageRecordName(messageID, key.SenderID))
	}
	return message, nil
}
