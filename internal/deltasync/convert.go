package deltasync

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/parley/internal/conflict"
	"github.com/MarcoPoloResearchLab/parley/internal/events"
	"github.com/MarcoPoloResearchLab/parley/internal/mirror"
	"github.com/MarcoPoloResearchLab/parley/internal/partitions"
	"github.com/MarcoPoloResearchLab/parley/internal/profiles"
	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"go.uber.org/zap"
)

// pageConversion accumulates one page worth of mirror mutations and events.
type pageConversion struct {
	batch          mirror.Batch
	produced       []events.Event
	messageIndex   map[mirror.MessageKey]int
	touchedOrder   []mirror.MessageKey
	touchedMessage map[mirror.MessageKey]struct{}
	seenKeys       []string
	pageKeys       map[string]struct{}
}

// admit reports whether a record version is new to this page and to recent pages.
func (e *Engine) admit(c *pageConversion, key string) bool {
	if _, ok := c.pageKeys[key]; ok {
		return false
	}
	if e.seen.contains(key) {
		return false
	}
	c.pageKeys[key] = struct{}{}
	c.seenKeys = append(c.seenKeys, key)
	return true
}

func (c *pageConversion) upsertMessage(message mirror.Message) {
	if index, ok := c.messageIndex[message.Key()]; ok {
		c.batch.UpsertMessages[index] = message
		return
	}
	c.messageIndex[message.Key()] = len(c.batch.UpsertMessages)
	c.batch.UpsertMessages = append(c.batch.UpsertMessages, message)
}

func (c *pageConversion) touchReactions(key mirror.MessageKey) {
	if _, ok := c.touchedMessage[key]; ok {
		return
	}
	c.touchedMessage[key] = struct{}{}
	c.touchedOrder = append(c.touchedOrder, key)
}

// applyPage converts one page, commits it to the mirror and only then marks its records as seen.
func (e *Engine) applyPage(ctx context.Context, resolution partitions.Resolution, page records.PartitionChanges) ([]events.Event, error) {
	conversion, err := e.convert(ctx, resolution, page)
	if err != nil {
		return nil, err
	}
	if err := e.mirror.Apply(ctx, conversion.batch); err != nil {
		return nil, err
	}
	e.seen.remember(resolution.RoomID, conversion.seenKeys...)
	return conversion.produced, nil
}

func (e *Engine) convert(ctx context.Context, resolution partitions.Resolution, page records.PartitionChanges) (*pageConversion, error) {
	conversion := &pageConversion{
		messageIndex:   make(map[mirror.MessageKey]int),
		touchedMessage: make(map[mirror.MessageKey]struct{}),
		pageKeys:       make(map[string]struct{}),
	}
	logger := e.logger.With(zap.String("room_id", resolution.RoomID), zap.String("scope", resolution.Scope.String()))

	for _, record := range page.Changed {
		switch record.Type {
		case records.TypeMessage:
			if err := e.convertMessage(ctx, resolution, record, conversion); err != nil {
				return nil, err
			}
		case records.TypeReaction:
			reaction, err := DecodeReaction(record, resolution.RoomID)
			if err != nil {
				logger.Warn("skipping reaction", zap.String("record_name", record.Name), zap.Error(err))
				continue
			}
			if !e.admit(conversion, dedupKey(record, reaction.UserID)) {
				continue
			}
			conversion.batch.UpsertReactions = append(conversion.batch.UpsertReactions, reaction)
			conversion.touchReactions(mirror.MessageKey{RoomID: reaction.RoomID, MessageID: reaction.MessageID, SenderID: reaction.MessageSenderID})
		case records.TypeProfile:
			profile, ok := profiles.Decode(record)
			if !ok {
				logger.Warn("skipping profile", zap.String("record_name", record.Name))
				continue
			}
			if !e.admit(conversion, dedupKey(record, profile.UserID)) {
				continue
			}
			conversion.batch.UpsertProfiles = append(conversion.batch.UpsertProfiles, profile)
			conversion.produced = append(conversion.produced, events.Event{
				Kind: events.KindProfileUpdated, RoomID: resolution.RoomID, UserID: profile.UserID, At: e.clock(),
			})
		case records.TypeRoom:
			room := DecodeRoom(record, resolution.Scope, resolution.Partition)
			if !e.admit(conversion, dedupKey(record, room.OwnerID)) {
				continue
			}
			conversion.batch.UpsertRooms = append(conversion.batch.UpsertRooms, room)
		default:
			// Signaling records are read on demand by the mailbox.
		}
	}

	for _, key := range page.Deleted {
		switch key.Type {
		case records.TypeMessage:
			messageID, senderID, ok := records.ParseMessageRecordName(key.Name)
			if !ok {
				continue
			}
			messageKey := mirror.MessageKey{RoomID: resolution.RoomID, MessageID: messageID, SenderID: senderID}
			_, exists, err := e.mirror.Message(ctx, messageKey)
			if err != nil {
				return nil, err
			}
			if !exists {
				continue
			}
			conversion.batch.DeleteMessages = append(conversion.batch.DeleteMessages, messageKey)
			conversion.produced = append(conversion.produced, events.Event{
				Kind: events.KindMessageDeleted, RoomID: resolution.RoomID, MessageID: messageID, SenderID: senderID, At: e.clock(),
			})
		case records.TypeReaction:
			reactionKey := mirror.ReactionKey{RoomID: resolution.RoomID, RecordName: key.Name}
			reaction, exists, err := e.mirror.Reaction(ctx, reactionKey)
			if err != nil {
				return nil, err
			}
			if !exists {
				continue
			}
			conversion.batch.DeleteReactions = append(conversion.batch.DeleteReactions, reactionKey)
			conversion.touchReactions(mirror.MessageKey{RoomID: reaction.RoomID, MessageID: reaction.MessageID, SenderID: reaction.MessageSenderID})
		}
	}

	for _, key := range conversion.touchedOrder {
		conversion.produced = append(conversion.produced, events.Event{
			Kind: events.KindReactionsUpdated, RoomID: key.RoomID, MessageID: key.MessageID, SenderID: key.SenderID, At: e.clock(),
		})
	}
	return conversion, nil
}

func (e *Engine) convertMessage(ctx context.Context, resolution partitions.Resolution, record records.Record, conversion *pageConversion) error {
	message, err := DecodeMessage(record)
	if err == nil && message.RoomID != resolution.RoomID {
		err = fmt.Errorf("%w: %s belongs to room %q", ErrMalformedRecord, record.Name, message.RoomID)
	}
	if err != nil {
		if e.escalated.CompareAndSwap(false, true) {
			e.logger.Error("legacy message schema detected; requesting full reset",
				zap.String("room_id", resolution.RoomID), zap.String("record_name", record.Name), zap.Error(err))
			return fmt.Errorf("%w: %w: %w", ErrRequiresFullReset, ErrLegacySchema, err)
		}
		e.logger.Warn("skipping legacy message", zap.String("room_id", resolution.RoomID),
			zap.String("record_name", record.Name), zap.Error(err))
		return nil
	}
	if !e.admit(conversion, dedupKey(record, message.SenderID)) {
		return nil
	}

	local, exists, err := e.mirror.Message(ctx, message.Key())
	if err != nil {
		return err
	}
	if exists && local.Pending {
		merged := conflict.Resolve(EncodeMessage(local, resolution.Partition), record)
		decoded, decodeErr := DecodeMessage(merged)
		if decodeErr == nil {
			message = decoded
			message.Pending = conflict.Changed(merged, record)
		}
	}
	if exists && local.AttachmentRef == message.AttachmentRef {
		message.AttachmentPath = local.AttachmentPath
	}

	contentChanged := !exists ||
		local.Body != message.Body ||
		local.TimestampMillis != message.TimestampMillis ||
		local.EditedAtMillis != message.EditedAtMillis
	attachmentChanged := message.AttachmentRef != "" && (!exists ||
		local.AttachmentRef != message.AttachmentRef ||
		local.AttachmentUpdatedAtMillis != message.AttachmentUpdatedAtMillis ||
		local.AttachmentPath == "")

	if attachmentChanged && e.attachments != nil {
		path, locateErr := e.attachments.Locate(ctx, message.RoomID, message.AttachmentRef)
		if locateErr != nil {
			e.logger.Warn("attachment unavailable", zap.String("room_id", message.RoomID),
				zap.String("attachment_ref", message.AttachmentRef), zap.Error(locateErr))
		} else {
			message.AttachmentPath = path
			conversion.produced = append(conversion.produced, events.Event{
				Kind: events.KindAttachmentUpdated, RoomID: message.RoomID, MessageID: message.MessageID,
				SenderID: message.SenderID, LocalPath: path, At: e.clock(),
			})
		}
	}

	conversion.upsertMessage(message)
	if contentChanged {
		stored := message
		conversion.produced = append(conversion.produced, events.Event{
			Kind: events.KindMessageReceived, RoomID: message.RoomID, MessageID: message.MessageID,
			SenderID: message.SenderID, Message: &stored, At: e.clock(),
		})
	}
	return nil
}
