package mirror

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/parley/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("mirror: database handle is required")

const migrationPruneOrphanReactions = "2026-10-01_prune_orphan_reactions"

// Models lists the mirror tables.
func Models() []any {
	return []any{&Room{}, &Message{}, &Reaction{}, &Profile{}}
}

// Migrations lists the mirror data repairs.
func Migrations() []database.Migration {
	return []database.Migration{
		{Name: migrationPruneOrphanReactions, Apply: pruneOrphanReactions},
	}
}

func pruneOrphanReactions(db *gorm.DB) error {
	return db.Exec(`DELETE FROM mirror_reactions WHERE NOT EXISTS (
		SELECT 1 FROM mirror_messages m
		WHERE m.room_id = mirror_reactions.room_id
		AND m.message_id = mirror_reactions.message_id
		AND m.sender_id = mirror_reactions.message_sender_id)`).Error
}

// Store is the device-local mirror of synchronized conversations.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}, nil
}

// Apply runs every mutation of the batch in a single transaction.
func (s *Store) Apply(ctx context.Context, batch Batch) error {
	if batch.Empty() {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsertAll := clause.OnConflict{UpdateAll: true}
		if len(batch.UpsertRooms) > 0 {
			if err := tx.Clauses(upsertAll).Create(&batch.UpsertRooms).Error; err != nil {
				return fmt.Errorf("upsert rooms: %w", err)
			}
		}
		if len(batch.UpsertMessages) > 0 {
			if err := tx.Clauses(upsertAll).Create(&batch.UpsertMessages).Error; err != nil {
				return fmt.Errorf("upsert messages: %w", err)
			}
		}
		for _, key := range batch.DeleteMessages {
			if err := tx.Where("room_id = ? AND message_id = ? AND sender_id = ?", key.RoomID, key.MessageID, key.SenderID).
				Delete(&Message{}).Error; err != nil {
				return fmt.Errorf("delete message: %w", err)
			}
			if err := tx.Where("room_id = ? AND message_id = ? AND message_sender_id = ?", key.RoomID, key.MessageID, key.SenderID).
				Delete(&Reaction{}).Error; err != nil {
				return fmt.Errorf("delete message reactions: %w", err)
			}
		}
		if len(batch.UpsertReactions) > 0 {
			if err := tx.Clauses(upsertAll).Create(&batch.UpsertReactions).Error; err != nil {
				return fmt.Errorf("upsert reactions: %w", err)
			}
		}
		for _, key := range batch.DeleteReactions {
			if err := tx.Where("room_id = ? AND record_name = ?", key.RoomID, key.RecordName).Delete(&Reaction{}).Error; err != nil {
				return fmt.Errorf("delete reaction: %w", err)
			}
		}
		if len(batch.UpsertProfiles) > 0 {
			if err := tx.Clauses(upsertAll).Create(&batch.UpsertProfiles).Error; err != nil {
				return fmt.Errorf("upsert profiles: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("mirror batch failed", zap.Error(err))
		return fmt.Errorf("mirror: apply: %w", err)
	}
	return nil
}

// Message returns one local message.
func (s *Store) Message(ctx context.Context, key MessageKey) (Message, bool, error) {
	var message Message
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND message_id = ? AND sender_id = ?", key.RoomID, key.MessageID, key.SenderID).
		Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("mirror: load message: %w", err)
	}
	return message, true, nil
}

// Messages lists a room's messages in timeline order.
func (s *Store) Messages(ctx context.Context, roomID string) ([]Message, error) {
	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("timestamp_ms ASC, message_id ASC, sender_id ASC").
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("mirror: list messages: %w", err)
	}
	return messages, nil
}

// Reactions lists the reactions on one message.
func (s *Store) Reactions(ctx context.Context, key MessageKey) ([]Reaction, error) {
	var reactions []Reaction
	if err := s.db.WithContext(ctx).
		Where("room_id = ? AND message_id = ? AND message_sender_id = ?", key.RoomID, key.MessageID, key.SenderID).
		Order("created_at_ms ASC, record_name ASC").
		Find(&reactions).Error; err != nil {
		return nil, fmt.Errorf("mirror: list reactions: %w", err)
	}
	return reactions, nil
}

// Reaction returns one reaction by record name.
func (s *Store) Reaction(ctx context.Context, key ReactionKey) (Reaction, bool, error) {
	var reaction Reaction
	err := s.db.WithContext(ctx).Where("room_id = ? AND record_name = ?", key.RoomID, key.RecordName).Take(&reaction).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Reaction{}, false, nil
	}
	if err != nil {
		return Reaction{}, false, fmt.Errorf("mirror: load reaction: %w", err)
	}
	return reaction, true, nil
}

// Profile returns a participant profile.
func (s *Store) Profile(ctx context.Context, userID string) (Profile, bool, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, fmt.Errorf("mirror: load profile: %w", err)
	}
	return profile, true, nil
}

// Rooms lists the locally known rooms.
func (s *Store) Rooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	if err := s.db.WithContext(ctx).Order("room_id ASC").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("mirror: list rooms: %w", err)
	}
	return rooms, nil
}

// SetAttachmentPath records where the attachment bytes of a message live locally.
func (s *Store) SetAttachmentPath(ctx context.Context, key MessageKey, path string) error {
	err := s.db.WithContext(ctx).Model(&Message{}).
		Where("room_id = ? AND message_id = ? AND sender_id = ?", key.RoomID, key.MessageID, key.SenderID).
		Update("attachment_path", path).Error
	if err != nil {
		return fmt.Errorf("mirror: set attachment path: %w", err)
	}
	return nil
}

// MarkAcknowledged stores the server change tag of a message and sets its pending flag.
func (s *Store) MarkAcknowledged(ctx context.Context, key MessageKey, changeTag string, pending bool) error {
	err := s.db.WithContext(ctx).Model(&Message{}).
		Where("room_id = ? AND message_id = ? AND sender_id = ?", key.RoomID, key.MessageID, key.SenderID).
		Updates(map[string]any{"change_tag": changeTag, "pending": pending}).Error
	if err != nil {
		return fmt.Errorf("mirror: acknowledge message: %w", err)
	}
	return nil
}

// DeleteRoom removes a room and everything stored for it.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&Reaction{}, &Message{}, &Room{}} {
			if err := tx.Where("room_id = ?", roomID).Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("mirror room delete failed", zap.String("room_id", roomID), zap.Error(err))
		return fmt.Errorf("mirror: delete room %s: %w", roomID, err)
	}
	return nil
}

// Wipe removes every mirrored row.
func (s *Store) Wipe(ctx context.Context) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&Reaction{}, &Message{}, &Room{}, &Profile{}} {
			if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("mirror wipe failed", zap.Error(err))
		return fmt.Errorf("mirror: wipe: %w", err)
	}
	return nil
}

// Counts returns the number of rows per table.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var counts Counts
	db := s.db.WithContext(ctx)
	targets := []struct {
		model any
		into  *int64
	}{
		{model: &Room{}, into: &counts.Rooms},
		{model: &Message{}, into: &counts.Messages},
		{model: &Reaction{}, into: &counts.Reactions},
		{model: &Profile{}, into: &counts.Profiles},
	}
	for _, target := range targets {
		if err := db.Model(target.model).Count(target.into).Error; err != nil {
			return Counts{}, fmt.Errorf("mirror: count: %w", err)
		}
	}
	return counts, nil
}
