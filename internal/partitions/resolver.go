package partitions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrRoomNotFound indicates that the room has no partition in either scope.
	ErrRoomNotFound    = errors.New("partitions: room not found")
	errMissingStore    = errors.New("partitions: record store is required")
	errMissingDatabase = errors.New("partitions: database handle is required")
)

// Resolution is where a room lives.
type Resolution struct {
	RoomID    string
	Scope     records.Scope
	Partition records.PartitionRef
}

// CacheEntry persists a resolution so that the partition reference can be rebuilt without a remote call.
type CacheEntry struct {
	RoomID           string                                   `gorm:"column:room_id;primaryKey;size:190;not null"`
	Scope            string                                   `gorm:"column:scope;size:16;not null"`
	Reference        datatypes.JSONType[records.PartitionRef] `gorm:"column:partition_ref;not null"`
	ResolvedAtMillis int64                                    `gorm:"column:resolved_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CacheEntry) TableName() string {
	return "partition_cache"
}

func (entry CacheEntry) resolution() Resolution {
	return Resolution{RoomID: entry.RoomID, Scope: records.Scope(entry.Scope), Partition: entry.Reference.Data()}
}

// Config describes the dependencies required to construct a Resolver.
type Config struct {
	Store    records.Store
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Resolver maps room identifiers to the scope and partition they live in.
type Resolver struct {
	store  records.Store
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	mu     sync.Mutex
	memory map[string]Resolution
}

// NewResolver constructs a Resolver backed by the persisted cache in cfg.Database.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
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
	return &Resolver{
		store:  cfg.Store,
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
		memory: make(map[string]Resolution),
	}, nil
}

// Resolve returns the room's scope and partition: cache first, then owner scope, then shared scope.
func (r *Resolver) Resolve(ctx context.Context, roomID string) (Resolution, error) {
	normalized, err := records.NormalizeRoomID(roomID)
	if err != nil {
		return Resolution{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok, err := r.cached(ctx, normalized); err != nil || ok {
		return cached, err
	}

	ref, err := r.store.FindPartition(ctx, records.ScopeOwner, normalized)
	switch {
	case err == nil:
		return r.rememberLocked(ctx, Resolution{RoomID: normalized, Scope: records.ScopeOwner, Partition: ref})
	case !isAbsent(err):
		return Resolution{}, err
	}

	ref, err = r.store.FindPartition(ctx, records.ScopeShared, normalized)
	switch {
	case err == nil:
		resolution := Resolution{RoomID: normalized, Scope: records.ScopeShared, Partition: ref}
		if ref.Owner == r.store.Identity() {
			r.logger.Info("shared lookup resolved to own partition; routing through owner scope",
				zap.String("room_id", normalized))
			resolution.Scope = records.ScopeOwner
		}
		return r.rememberLocked(ctx, resolution)
	case isAbsent(err):
		return Resolution{}, fmt.Errorf("%w: %s: %w", ErrRoomNotFound, normalized, err)
	default:
		return Resolution{}, err
	}
}

// Remember records a resolution learned elsewhere, e.g. after creating a partition.
func (r *Resolver) Remember(ctx context.Context, resolution Resolution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.rememberLocked(ctx, resolution)
	return err
}

// Lookup returns a cached resolution without any remote call.
func (r *Resolver) Lookup(ctx context.Context, roomID string) (Resolution, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cached(ctx, roomID)
}

// Known lists every cached resolution ordered by room id.
func (r *Resolver) Known(ctx context.Context) ([]Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []CacheEntry
	if err := r.db.WithContext(ctx).Order("room_id ASC").Find(&entries).Error; err != nil {
		r.logger.Error("partition cache list failed", zap.Error(err))
		return nil, fmt.Errorf("partitions: list cache: %w", err)
	}
	resolutions := make([]Resolution, 0, len(entries))
	for _, entry := range entries {
		resolutions = append(resolutions, entry.resolution())
	}
	return resolutions, nil
}

// FindByPartition returns the cached room that lives in ref, if any.
func (r *Resolver) FindByPartition(ctx context.Context, scope records.Scope, ref records.PartitionRef) (Resolution, bool, error) {
	known, err := r.Known(ctx)
	if err != nil {
		return Resolution{}, false, err
	}
	for _, resolution := range known {
		if resolution.Scope == scope && resolution.Partition == ref {
			return resolution, true, nil
		}
	}
	return Resolution{}, false, nil
}

// Invalidate forgets a room, typically after its partition was deleted.
func (r *Resolver) Invalidate(ctx context.Context, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.memory, roomID)
	if err := r.db.WithContext(ctx).Where("room_id = ?", roomID).Delete(&CacheEntry{}).Error; err != nil {
		r.logger.Error("partition cache invalidate failed", zap.String("room_id", roomID), zap.Error(err))
		return fmt.Errorf("partitions: invalidate %s: %w", roomID, err)
	}
	return nil
}

// Reset forgets every room.
func (r *Resolver) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memory = make(map[string]Resolution)
	if err := r.db.WithContext(ctx).Where("1 = 1").Delete(&CacheEntry{}).Error; err != nil {
		r.logger.Error("partition cache reset failed", zap.Error(err))
		return fmt.Errorf("partitions: reset: %w", err)
	}
	return nil
}

func (r *Resolver) cached(ctx context.Context, roomID string) (Resolution, bool, error) {
	if resolution, ok := r.memory[roomID]; ok {
		return resolution, true, nil
	}
	var entry CacheEntry
	err := r.db.WithContext(ctx).Where("room_id = ?", roomID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Resolution{}, false, nil
	}
	if err != nil {
		r.logger.Error("partition cache read failed", zap.String("room_id", roomID), zap.Error(err))
		return Resolution{}, false, fmt.Errorf("partitions: read cache %s: %w", roomID, err)
	}
	resolution := entry.resolution()
	r.memory[roomID] = resolution
	return resolution, true, nil
}

func (r *Resolver) rememberLocked(ctx context.Context, resolution Resolution) (Resolution, error) {
	entry := CacheEntry{
		RoomID:           resolution.RoomID,
		Scope:            resolution.Scope.String(),
		Reference:        datatypes.NewJSONType(resolution.Partition),
		ResolvedAtMillis: r.clock().UTC().UnixMilli(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"scope", "partition_ref", "resolved_at_ms"}),
	}).Create(&entry).Error
	if err != nil {
		r.logger.Error("partition cache write failed", zap.String("room_id", resolution.RoomID), zap.Error(err))
		return Resolution{}, fmt.Errorf("partitions: write cache %s: %w", resolution.RoomID, err)
	}
	r.memory[resolution.RoomID] = resolution
	return resolution, nil
}

func isAbsent(err error) bool {
	switch records.KindOf(err) {
	case records.KindPartitionNotFound, records.KindNotFound, records.KindPermissionDenied:
		return true
	default:
		return false
	}
}
