package deltasync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/cursors"
	"github.com/MarcoPoloResearchLab/parley/internal/events"
	"github.com/MarcoPoloResearchLab/parley/internal/mirror"
	"github.com/MarcoPoloResearchLab/parley/internal/partitions"
	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"go.uber.org/zap"
)

var (
	// ErrRequiresFullReset reports that cursors or partitions were invalidated.
	// Affected cursors are already cleared when it is returned.
	ErrRequiresFullReset = errors.New("deltasync: full reset required")
	// ErrLegacySchema reports records written by an incompatible schema. It also matches ErrRequiresFullReset.
	ErrLegacySchema = errors.New("deltasync: legacy record schema")

	errMissingCollaborator = errors.New("deltasync: store, resolver, cursors and mirror are required")
)

// AttachmentLocator maps an attachment reference to a local file.
type AttachmentLocator interface {
	Locate(ctx context.Context, roomID, attachmentRef string) (string, error)
}

// Config wires the engine to the remote store and the local state it maintains.
type Config struct {
	Store       records.Store
	Resolver    *partitions.Resolver
	Cursors     *cursors.Store
	Mirror      *mirror.Store
	Bus         *events.Bus
	Attachments AttachmentLocator
	Clock       func() time.Time
	Logger      *zap.Logger
	// PassTimeout bounds one Sync call. Zero disables the deadline.
	PassTimeout   time.Duration
	DedupCapacity int
}

// Engine pulls remote changes into the mirror.
type Engine struct {
	store       records.Store
	resolver    *partitions.Resolver
	cursors     *cursors.Store
	mirror      *mirror.Store
	bus         *events.Bus
	attachments AttachmentLocator
	clock       func() time.Time
	logger      *zap.Logger
	passTimeout time.Duration
	seen        *recentlySeen
	escalated   atomic.Bool
}

// NewEngine validates collaborators and constructs an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Resolver == nil || cfg.Cursors == nil || cfg.Mirror == nil {
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
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	return &Engine{
		store:       cfg.Store,
		resolver:    cfg.Resolver,
		cursors:     cfg.Cursors,
		mirror:      cfg.Mirror,
		bus:         bus,
		attachments: cfg.Attachments,
		clock:       clock,
		logger:      logger,
		passTimeout: cfg.PassTimeout,
		seen:        newRecentlySeen(cfg.DedupCapacity),
	}, nil
}

// Sync runs one pass for roomID, or a global catch-up when roomID is empty.
// The returned events are also published on the bus between sync-started and
// sync-finished (or sync-failed).
func (e *Engine) Sync(ctx context.Context, roomID string) ([]events.Event, error) {
	if e.passTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.passTimeout)
		defer cancel()
	}
	e.bus.Publish(events.Event{Kind: events.KindSyncStarted, RoomID: roomID, At: e.clock()})

	var (
		produced []events.Event
		err      error
	)
	if roomID == "" {
		produced, err = e.syncAll(ctx)
	} else {
		produced, err = e.syncRoom(ctx, roomID)
	}
	if len(produced) > 0 {
		e.bus.Publish(produced...)
	}
	if err != nil {
		e.logger.Warn("sync pass failed", zap.String("room_id", roomID), zap.Error(err))
		e.bus.Publish(events.Event{Kind: events.KindSyncFailed, RoomID: roomID, Err: err, At: e.clock()})
		return produced, err
	}
	e.bus.Publish(events.Event{Kind: events.KindSyncFinished, RoomID: roomID, Changes: len(produced), At: e.clock()})
	return produced, nil
}

// ForgetSeen clears the dedup set. Called after a full reset empties the mirror.
func (e *Engine) ForgetSeen() {
	e.seen.reset()
}

func (e *Engine) syncRoom(ctx context.Context, roomID string) ([]events.Event, error) {
	resolution, err := e.resolver.Resolve(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if resolution.Scope == records.ScopeOwner {
		return e.syncPartition(ctx, resolution)
	}
	return e.syncSharedScope(ctx, &resolution)
}

func (e *Engine) syncAll(ctx context.Context) ([]events.Event, error) {
	owned, err := e.store.ListPartitions(ctx, records.ScopeOwner)
	if err != nil {
		return nil, err
	}
	listed := make(map[records.PartitionRef]struct{}, len(owned))
	var produced []events.Event
	for _, ref := range owned {
		listed[ref] = struct{}{}
		resolution, err := e.ensureResolution(ctx, records.ScopeOwner, ref)
		if err != nil {
			return produced, err
		}
		batch, err := e.syncPartition(ctx, resolution)
		produced = append(produced, batch...)
		if err != nil {
			return produced, err
		}
	}

	known, err := e.resolver.Known(ctx)
	if err != nil {
		return produced, err
	}
	for _, resolution := range known {
		if resolution.Scope != records.ScopeOwner {
			continue
		}
		if _, ok := listed[resolution.Partition]; ok {
			continue
		}
		if err := e.removeRoom(ctx, resolution); err != nil {
			return produced, err
		}
	}

	shared, err := e.syncSharedScope(ctx, nil)
	return append(produced, shared...), err
}

// syncSharedScope walks the shared scope feed and syncs every changed partition.
// focus, when set, is synced even if the feed does not list it.
func (e *Engine) syncSharedScope(ctx context.Context, focus *partitions.Resolution) ([]events.Event, error) {
	scope := records.ScopeShared
	generation := e.cursors.Generation(scope)
	cursor, err := e.cursors.ScopeCursor(ctx, scope)
	if err != nil {
		return nil, err
	}

	var changed, deleted []records.PartitionRef
	for {
		page, err := e.store.FetchScopeChanges(ctx, scope, cursor)
		if err != nil {
			return nil, e.scopeFetchFailed(ctx, scope, err)
		}
		changed = append(changed, page.Changed...)
		deleted = append(deleted, page.Deleted...)
		cursor = page.Cursor
		if !page.MoreComing {
			break
		}
	}

	var produced []events.Event
	removed := make(map[records.PartitionRef]struct{}, len(deleted))
	for _, ref := range deleted {
		removed[ref] = struct{}{}
		resolution, ok, err := e.resolver.FindByPartition(ctx, scope, ref)
		if err != nil {
			return produced, err
		}
		if !ok {
			if err := e.cursors.ClearPartition(ctx, scope, ref); err != nil {
				return produced, err
			}
			continue
		}
		if err := e.removeRoom(ctx, resolution); err != nil {
			return produced, err
		}
	}

	synced := make(map[records.PartitionRef]struct{}, len(changed))
	for _, ref := range changed {
		if ref.Owner == e.store.Identity() {
			continue
		}
		if _, ok := synced[ref]; ok {
			continue
		}
		if _, ok := removed[ref]; ok {
			continue
		}
		synced[ref] = struct{}{}
		resolution, err := e.ensureResolution(ctx, scope, ref)
		if err != nil {
			return produced, err
		}
		batch, err := e.syncPartition(ctx, resolution)
		produced = append(produced, batch...)
		if err != nil {
			return produced, err
		}
	}

	if focus != nil {
		_, done := synced[focus.Partition]
		_, gone := removed[focus.Partition]
		if !done && !gone {
			pending, err := e.cursors.PartitionCursor(ctx, scope, focus.Partition)
			if err != nil {
				return produced, err
			}
			if pending.IsZero() {
				batch, err := e.syncPartition(ctx, *focus)
				produced = append(produced, batch...)
				if err != nil {
					return produced, err
				}
			}
		}
	}

	if err := e.cursors.SetScopeCursorAt(ctx, generation, scope, cursor); err != nil {
		if errors.Is(err, cursors.ErrStaleGeneration) {
			e.logger.Info("scope cursor cleared during fetch; discarding", zap.String("scope", scope.String()))
			return produced, nil
		}
		return produced, err
	}
	return produced, nil
}

func (e *Engine) syncPartition(ctx context.Context, resolution partitions.Resolution) ([]events.Event, error) {
	scope, ref := resolution.Scope, resolution.Partition
	generation := e.cursors.Generation(scope)
	cursor, err := e.cursors.PartitionCursor(ctx, scope, ref)
	if err != nil {
		return nil, err
	}

	var produced []events.Event
	for {
		page, err := e.store.FetchPartitionChanges(ctx, scope, ref, cursor, records.FetchOptions{})
		if err != nil {
			return produced, e.partitionFetchFailed(ctx, resolution, err)
		}
		if e.cursors.Generation(scope) != generation {
			e.logger.Info("cursors cleared during fetch; discarding page",
				zap.String("room_id", resolution.RoomID), zap.String("scope", scope.String()))
			return produced, nil
		}
		pageEvents, err := e.applyPage(ctx, resolution, page)
		if err != nil {
			return produced, err
		}
		produced = append(produced, pageEvents...)
		if err := e.cursors.SetPartitionCursorAt(ctx, generation, scope, ref, page.Cursor); err != nil {
			if errors.Is(err, cursors.ErrStaleGeneration) {
				return produced, nil
			}
			return produced, err
		}
		cursor = page.Cursor
		if !page.MoreComing {
			return produced, nil
		}
	}
}

func (e *Engine) ensureResolution(ctx context.Context, scope records.Scope, ref records.PartitionRef) (partitions.Resolution, error) {
	resolution, ok, err := e.resolver.Lookup(ctx, ref.Name)
	if err != nil {
		return partitions.Resolution{}, err
	}
	if ok && resolution.Scope == scope && resolution.Partition == ref {
		return resolution, nil
	}
	resolution = partitions.Resolution{RoomID: ref.Name, Scope: scope, Partition: ref}
	return resolution, e.resolver.Remember(ctx, resolution)
}

// removeRoom drops every local trace of a room whose partition is gone.
func (e *Engine) removeRoom(ctx context.Context, resolution partitions.Resolution) error {
	e.logger.Info("room partition removed",
		zap.String("room_id", resolution.RoomID), zap.String("scope", resolution.Scope.String()))
	if err := e.cursors.ClearPartition(ctx, resolution.Scope, resolution.Partition); err != nil {
		return err
	}
	if err := e.resolver.Invalidate(ctx, resolution.RoomID); err != nil {
		return err
	}
	if err := e.mirror.DeleteRoom(ctx, resolution.RoomID); err != nil {
		return err
	}
	e.seen.forgetRoom(resolution.RoomID)
	e.bus.Publish(events.Event{Kind: events.KindRoomRemoved, RoomID: resolution.RoomID, At: e.clock()})
	return nil
}

func (e *Engine) scopeFetchFailed(ctx context.Context, scope records.Scope, err error) error {
	if !records.IsKind(err, records.KindCursorExpired) {
		return err
	}
	e.logger.Warn("scope cursor expired", zap.String("scope", scope.String()), zap.Error(err))
	if clearErr := e.cursors.Clear(ctx, scope); clearErr != nil {
		return errors.Join(err, clearErr)
	}
	return fmt.Errorf("%w: %w", ErrRequiresFullReset, err)
}

func (e *Engine) partitionFetchFailed(ctx context.Context, resolution partitions.Resolution, err error) error {
	switch records.KindOf(err) {
	case records.KindCursorExpired:
		e.logger.Warn("partition cursor expired", zap.String("room_id", resolution.RoomID), zap.Error(err))
		if clearErr := e.cursors.ClearPartition(ctx, resolution.Scope, resolution.Partition); clearErr != nil {
			return errors.Join(err, clearErr)
		}
	case records.KindPartitionNotFound:
		if removeErr := e.removeRoom(ctx, resolution); removeErr != nil {
			return errors.Join(err, removeErr)
		}
	default:
		return err
	}
	return fmt.Errorf("%w: %w", ErrRequiresFullReset, err)
}
