package guardian

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/parley/internal/cursors"
	"github.com/MarcoPoloResearchLab/parley/internal/deltasync"
	"github.com/MarcoPoloResearchLab/parley/internal/mirror"
	"github.com/MarcoPoloResearchLab/parley/internal/partitions"
	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"github.com/MarcoPoloResearchLab/parley/internal/signaling"
	"go.uber.org/zap"
)

// IssueKind classifies a topology problem found by Validate.
type IssueKind string

const (
	IssueLegacyRoomList         IssueKind = "legacy_room_list"
	IssueStrayDefaultRecord     IssueKind = "stray_default_record"
	IssueMissingRoomRecord      IssueKind = "missing_room_record"
	IssueInconsistentRoomRecord IssueKind = "inconsistent_room_record"
	IssueInconsistentSession    IssueKind = "inconsistent_session"
)

// Issue is one finding. RoomID is empty for default-area findings.
type Issue struct {
	Kind       IssueKind
	Scope      records.Scope
	RoomID     string
	RecordName string
	Detail     string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s scope=%s room=%q record=%q %s", i.Kind, i.Scope, i.RoomID, i.RecordName, i.Detail)
}

var errMissingCollaborator = errors.New("guardian: store, resolver, cursors and mirror are required")

// Config lists the state a Guardian inspects and clears.
type Config struct {
	Store    records.Store
	Resolver *partitions.Resolver
	Cursors  *cursors.Store
	Mirror   *mirror.Store
	Logger   *zap.Logger
	// OnReset runs after local state is cleared, before subscriptions are re-armed.
	OnReset []func()
}

// Guardian validates remote topology and performs full resets.
type Guardian struct {
	store    records.Store
	resolver *partitions.Resolver
	cursors  *cursors.Store
	mirror   *mirror.Store
	logger   *zap.Logger
	onReset  []func()
	running  atomic.Bool

	mu     sync.Mutex
	resets int
}

// New validates collaborators and constructs a Guardian.
func New(cfg Config) (*Guardian, error) {
	if cfg.Store == nil || cfg.Resolver == nil || cfg.Cursors == nil || cfg.Mirror == nil {
		return nil, errMissingCollaborator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guardian{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		cursors:  cfg.Cursors,
		mirror:   cfg.Mirror,
		logger:   logger,
		onReset:  cfg.OnReset,
	}, nil
}

// Resets returns the number of completed full resets.
func (g *Guardian) Resets() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resets
}

// Validate inspects the remote topology. An empty result means healthy.
func (g *Guardian) Validate(ctx context.Context) ([]Issue, error) {
	var issues []Issue

	stray, err := g.store.QueryRecords(ctx, records.ScopeOwner, records.PartitionRef{}, records.Query{})
	if err != nil {
		return nil, err
	}
	for _, record := range stray {
		kind := IssueStrayDefaultRecord
		if record.Type == records.TypeRoomList {
			kind = IssueLegacyRoomList
		}
		issues = append(issues, Issue{Kind: kind, Scope: records.ScopeOwner, RecordName: record.Name, Detail: string(record.Type)})
	}

	for _, scope := range records.Scopes() {
		refs, err := g.store.ListPartitions(ctx, scope)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			found, err := g.validatePartition(ctx, scope, ref)
			if err != nil {
				return nil, err
			}
			issues = append(issues, found...)
		}
	}
	return issues, nil
}

func (g *Guardian) validatePartition(ctx context.Context, scope records.Scope, ref records.PartitionRef) ([]Issue, error) {
	var issues []Issue
	room, err := g.store.FetchRecord(ctx, scope, ref, records.RecordKey{Type: records.TypeRoom, Name: records.RoomRecordName})
	switch {
	case records.IsKind(err, records.KindNotFound):
		// A participant may see the partition before the owner has written the room record.
		if scope == records.ScopeOwner {
			issues = append(issues, Issue{Kind: IssueMissingRoomRecord, Scope: scope, RoomID: ref.Name, RecordName: records.RoomRecordName})
		}
	case records.IsKind(err, records.KindPermissionDenied), records.IsKind(err, records.KindPartitionNotFound):
		g.logger.Info("partition unreachable during validation", zap.String("room_id", ref.Name),
			zap.String("scope", scope.String()), zap.Error(err))
		return nil, nil
	case err != nil:
		return nil, err
	default:
		if detail := roomInconsistency(room, ref); detail != "" {
			issues = append(issues, Issue{Kind: IssueInconsistentRoomRecord, Scope: scope, RoomID: ref.Name, RecordName: room.Name, Detail: detail})
		}
	}

	sessions, err := g.store.QueryRecords(ctx, scope, ref, records.Query{Type: records.TypeSignalSession})
	if err != nil {
		return nil, err
	}
	for _, record := range sessions {
		session, err := signaling.DecodeSession(record)
		if err != nil || !session.Consistent() || session.RoomID != ref.Name {
			issues = append(issues, Issue{Kind: IssueInconsistentSession, Scope: scope, RoomID: ref.Name, RecordName: record.Name})
		}
	}
	return issues, nil
}

func roomInconsistency(room records.Record, ref records.PartitionRef) string {
	roomID, _ := room.Fields.String(records.FieldRoomID)
	if roomID != ref.Name {
		return fmt.Sprintf("room id %q does not match partition %q", roomID, ref.Name)
	}
	ownerID, _ := room.Fields.String(records.FieldOwnerID)
	if ownerID != ref.Owner {
		return fmt.Sprintf("owner %q does not match partition owner %q", ownerID, ref.Owner)
	}
	return ""
}

// PerformFullReset discards all remote rooms of the caller and every local cache,
// then re-arms subscriptions. A call while a reset is running returns immediately.
// Step failures are logged and reported together; later steps still run.
func (g *Guardian) PerformFullReset(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		g.logger.Info("full reset already running; ignoring request")
		return nil
	}
	defer g.running.Store(false)

	g.logger.Warn("performing full reset", zap.String("user_id", g.store.Identity()))
	var failures []error
	step := func(name string, err error) {
		if err != nil {
			g.logger.Error("full reset step failed", zap.String("step", name), zap.Error(err))
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("remove_subscriptions", g.removeSubscriptions(ctx))
	step("delete_owned_partitions", g.forEachPartition(ctx, records.ScopeOwner, g.store.DeletePartition))
	step("leave_shared_partitions", g.forEachPartition(ctx, records.ScopeShared, g.store.LeavePartition))
	step("clear_default_area", g.clearDefaultArea(ctx))
	step("reset_partition_cache", g.resolver.Reset(ctx))
	step("clear_cursors", g.cursors.ClearAll(ctx))
	step("wipe_mirror", g.mirror.Wipe(ctx))
	for _, hook := range g.onReset {
		hook()
	}
	step("arm_subscriptions", ArmSubscriptions(ctx, g.store))

	g.mu.Lock()
	g.resets++
	g.mu.Unlock()
	if len(failures) > 0 {
		return fmt.Errorf("guardian: full reset: %w", errors.Join(failures...))
	}
	g.logger.Info("full reset complete")
	return nil
}

// Recover routes a sync failure. Errors that do not require a reset are returned unchanged.
// Legacy schema always resets; other invalidations reset only when validation finds issues.
func (g *Guardian) Recover(ctx context.Context, syncErr error) error {
	if !errors.Is(syncErr, deltasync.ErrRequiresFullReset) {
		return syncErr
	}
	if errors.Is(syncErr, deltasync.ErrLegacySchema) {
		return g.PerformFullReset(ctx)
	}
	issues, err := g.Validate(ctx)
	if err != nil {
		g.logger.Error("validation failed during recovery", zap.Error(err))
		return err
	}
	if len(issues) == 0 {
		g.logger.Info("topology healthy; cleared cursors will refetch", zap.Error(syncErr))
		return nil
	}
	for _, issue := range issues {
		g.logger.Warn("topology issue", zap.String("issue", issue.String()))
	}
	return g.PerformFullReset(ctx)
}

func (g *Guardian) removeSubscriptions(ctx context.Context) error {
	subscriptions, err := g.store.ListSubscriptions(ctx)
	if err != nil {
		return err
	}
	var failures []error
	for _, subscription := range subscriptions {
		if err := g.store.DeleteSubscription(ctx, subscription.ID); err != nil && !records.IsKind(err, records.KindNotFound) {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

func (g *Guardian) forEachPartition(ctx context.Context, scope records.Scope, action func(context.Context, records.PartitionRef) error) error {
	refs, err := g.store.ListPartitions(ctx, scope)
	if err != nil {
		return err
	}
	var failures []error
	for _, ref := range refs {
		if err := action(ctx, ref); err != nil && !records.IsKind(err, records.KindPartitionNotFound) {
			failures = append(failures, fmt.Errorf("%s: %w", ref, err))
		}
	}
	return errors.Join(failures...)
}

func (g *Guardian) clearDefaultArea(ctx context.Context) error {
	stray, err := g.store.QueryRecords(ctx, records.ScopeOwner, records.PartitionRef{}, records.Query{})
	if err != nil {
		return err
	}
	var failures []error
	for _, record := range stray {
		if err := g.store.DeleteRecord(ctx, records.ScopeOwner, records.PartitionRef{}, record.Key()); err != nil && !records.IsKind(err, records.KindNotFound) {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// ArmSubscriptions makes sure one database-level subscription exists per scope.
func ArmSubscriptions(ctx context.Context, store records.Store) error {
	existing, err := store.ListSubscriptions(ctx)
	if err != nil {
		return err
	}
	armed := make(map[records.Scope]bool, 2)
	for _, subscription := range existing {
		if subscription.Partition == nil {
			armed[subscription.Scope] = true
		}
	}
	for _, scope := range records.Scopes() {
		if armed[scope] {
			continue
		}
		if _, err := store.CreateSubscription(ctx, records.Subscription{Scope: scope}); err != nil {
			return err
		}
	}
	return nil
}
