package cursors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrStaleGeneration rejects a cursor write that started before the scope was cleared.
	ErrStaleGeneration = errors.New("cursors: write predates a clear")
	errMissingDatabase = errors.New("cursors: database handle is required")
)

// Entry is one persisted cursor blob.
type Entry struct {
	Key             string `gorm:"column:cursor_key;primaryKey;size:512;not null"`
	Blob            string `gorm:"column:cursor_blob;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "sync_cursors"
}

// Config describes the dependencies required to construct a Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists opaque change cursors for scopes and partitions.
// Cursor content is never interpreted.
type Store struct {
	db          *gorm.DB
	clock       func() time.Time
	logger      *zap.Logger
	mu          sync.Mutex
	generations map[records.Scope]uint64
}

// NewStore constructs a cursor store over an already migrated database.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:          cfg.Database,
		clock:       clock,
		logger:      logger,
		generations: make(map[records.Scope]uint64),
	}, nil
}

func scopeKey(scope records.Scope) string {
	return "scope/" + scope.String()
}

func partitionPrefix(scope records.Scope) string {
	return "partition/" + scope.String() + "/"
}

func partitionKey(scope records.Scope, ref records.PartitionRef) string {
	return partitionPrefix(scope) + ref.Key()
}

// Generation returns the clear generation of scope. Pass it to SetScopeCursorAt
// or SetPartitionCursorAt to discard results of fetches overtaken by a clear.
func (s *Store) Generation(scope records.Scope) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generations[scope]
}

func (s *Store) ScopeCursor(ctx context.Context, scope records.Scope) (records.Cursor, error) {
	return s.load(ctx, scopeKey(scope))
}

func (s *Store) PartitionCursor(ctx context.Context, scope records.Scope, ref records.PartitionRef) (records.Cursor, error) {
	return s.load(ctx, partitionKey(scope, ref))
}

// SetScopeCursor stores the scope cursor unconditionally.
func (s *Store) SetScopeCursor(ctx context.Context, scope records.Scope, cursor records.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, scopeKey(scope), cursor)
}

// SetPartitionCursor stores a partition cursor unconditionally. An empty cursor removes it.
func (s *Store) SetPartitionCursor(ctx context.Context, scope records.Scope, ref records.PartitionRef, cursor records.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, partitionKey(scope, ref), cursor)
}

// SetScopeCursorAt stores the scope cursor unless the scope was cleared after generation was read.
func (s *Store) SetScopeCursorAt(ctx context.Context, generation uint64, scope records.Scope, cursor records.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generations[scope] != generation {
		return ErrStaleGeneration
	}
	return s.write(ctx, scopeKey(scope), cursor)
}

// SetPartitionCursorAt stores a partition cursor unless the scope was cleared after generation was read.
func (s *Store) SetPartitionCursorAt(ctx context.Context, generation uint64, scope records.Scope, ref records.PartitionRef, cursor records.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generations[scope] != generation {
		return ErrStaleGeneration
	}
	return s.write(ctx, partitionKey(scope, ref), cursor)
}

// Clear drops the scope cursor and every partition cursor of that scope.
func (s *Store) Clear(ctx context.Context, scope records.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generations[scope]++
	err := s.db.WithContext(ctx).
		Where("cursor_key = ? OR cursor_key LIKE ?", scopeKey(scope), partitionPrefix(scope)+"%").
		Delete(&Entry{}).Error
	if err != nil {
		s.logger.Error("cursor clear failed", zap.String("scope", scope.String()), zap.Error(err))
		return fmt.Errorf("cursors: clear %s: %w", scope, err)
	}
	return nil
}

// ClearPartition drops one partition cursor. The scope generation is left alone.
func (s *Store) ClearPartition(ctx context.Context, scope records.Scope, ref records.PartitionRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, partitionKey(scope, ref), "")
}

// ClearAll drops every cursor.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, scope := range records.Scopes() {
		s.generations[scope]++
	}
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&Entry{}).Error; err != nil {
		s.logger.Error("cursor wipe failed", zap.Error(err))
		return fmt.Errorf("cursors: clear all: %w", err)
	}
	return nil
}

// Count returns the number of persisted cursors.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Entry{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("cursors: count: %w", err)
	}
	return count, nil
}

func (s *Store) load(ctx context.Context, key string) (records.Cursor, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where("cursor_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		s.logger.Error("cursor load failed", zap.String("cursor_key", key), zap.Error(err))
		return "", fmt.Errorf("cursors: load %s: %w", key, err)
	}
	return records.Cursor(entry.Blob), nil
}

func (s *Store) write(ctx context.Context, key string, cursor records.Cursor) error {
	db := s.db.WithContext(ctx)
	if cursor.IsZero() {
		if err := db.Where("cursor_key = ?", key).Delete(&Entry{}).Error; err != nil {
			s.logger.Error("cursor delete failed", zap.String("cursor_key", key), zap.Error(err))
			return fmt.Errorf("cursors: delete %s: %w", key, err)
		}
		return nil
	}
	entry := Entry{Key: key, Blob: string(cursor), UpdatedAtMillis: s.clock().UTC().UnixMilli()}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cursor_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"cursor_blob", "updated_at_ms"}),
	}).Create(&entry).Error
	if err != nil {
		s.logger.Error("cursor write failed", zap.String("cursor_key", key), zap.Error(err))
		return fmt.Errorf("cursors: write %s: %w", key, err)
	}
	return nil
}
