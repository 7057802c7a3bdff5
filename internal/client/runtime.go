package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/coordinator"
	"github.com/MarcoPoloResearchLab/parley/internal/cursors"
	"github.com/MarcoPoloResearchLab/parley/internal/database"
	"github.com/MarcoPoloResearchLab/parley/internal/deltasync"
	"github.com/MarcoPoloResearchLab/parley/internal/events"
	"github.com/MarcoPoloResearchLab/parley/internal/guardian"
	"github.com/MarcoPoloResearchLab/parley/internal/mirror"
	"github.com/MarcoPoloResearchLab/parley/internal/outbox"
	"github.com/MarcoPoloResearchLab/parley/internal/partitions"
	"github.com/MarcoPoloResearchLab/parley/internal/profiles"
	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"github.com/MarcoPoloResearchLab/parley/internal/signaling"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const DefaultPeriodicInterval = 5 * time.Minute

var (
	// ErrAuthBlocked is returned while the store rejects the current credentials.
	ErrAuthBlocked = errors.New("client: sync blocked until credentials are refreshed")

	errMissingStore    = errors.New("client: record store is required")
	errMissingDatabase = errors.New("client: database handle is required")
)

// Schema lists every table of the device-local database.
func Schema() database.Schema {
	models := []any{&cursors.Entry{}, &partitions.CacheEntry{}}
	models = append(models, mirror.Models()...)
	models = append(models, outbox.Models()...)
	return database.Schema{Name: "client", Models: models, Migrations: mirror.Migrations()}
}

type Config struct {
	Store       records.Store
	Database    *gorm.DB
	Attachments deltasync.AttachmentLocator
	Clock       func() time.Time
	Logger      *zap.Logger

	// Cooldown defaults to coordinator.DefaultCooldown. Negative disables it.
	Cooldown         time.Duration
	PassTimeout      time.Duration
	SignalingTimeout time.Duration
	PeriodicInterval time.Duration
	OutboxBaseDelay  time.Duration
	OutboxMaxDelay   time.Duration
	OutboxInterval   time.Duration
}

// Runtime owns one device's sync components and routes triggers between them.
type Runtime struct {
	Store       records.Store
	Bus         *events.Bus
	Resolver    *partitions.Resolver
	Cursors     *cursors.Store
	Mirror      *mirror.Store
	Engine      *deltasync.Engine
	Mailbox     *signaling.Mailbox
	Guardian    *guardian.Guardian
	Coordinator *coordinator.Coordinator
	Outbox      *outbox.Queue
	Profiles    *profiles.Publisher

	clock       func() time.Time
	logger      *zap.Logger
	periodic    time.Duration
	authBlocked atomic.Bool
}

func New(cfg Config) (*Runtime, error) {
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
	periodic := cfg.PeriodicInterval
	if periodic <= 0 {
		periodic = DefaultPeriodicInterval
	}
	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = coordinator.DefaultCooldown
	}

	runtime := &Runtime{Store: cfg.Store, Bus: events.NewBus(), clock: clock, logger: logger, periodic: periodic}
	var err error
	if runtime.Resolver, err = partitions.NewResolver(partitions.Config{
		Store: cfg.Store, Database: cfg.Database, Clock: clock, Logger: logger.Named("partitions"),
	}); err != nil {
		return nil, err
	}
	if runtime.Cursors, err = cursors.NewStore(cursors.Config{
		Database: cfg.Database, Clock: clock, Logger: logger.Named("cursors"),
	}); err != nil {
		return nil, err
	}
	if runtime.Mirror, err = mirror.NewStore(cfg.Database, logger.Named("mirror")); err != nil {
		return nil, err
	}
	if runtime.Engine, err = deltasync.NewEngine(deltasync.Config{
		Store:       cfg.Store,
		Resolver:    runtime.Resolver,
		Cursors:     runtime.Cursors,
		Mirror:      runtime.Mirror,
		Bus:         runtime.Bus,
		Attachments: cfg.Attachments,
		Clock:       clock,
		Logger:      logger.Named("deltasync"),
		PassTimeout: cfg.PassTimeout,
	}); err != nil {
		return nil, err
	}
	if runtime.Mailbox, err = signaling.NewMailbox(signaling.Config{
		Store: cfg.Store, Resolver: runtime.Resolver, Clock: clock, Logger: logger.Named("signaling"), Timeout: cfg.SignalingTimeout,
	}); err != nil {
		return nil, err
	}
	if runtime.Outbox, err = outbox.NewQueue(outbox.Config{
		Database:  cfg.Database,
		Store:     cfg.Store,
		Resolver:  runtime.Resolver,
		Mirror:    runtime.Mirror,
		Clock:     clock,
		Logger:    logger.Named("outbox"),
		BaseDelay: cfg.OutboxBaseDelay,
		MaxDelay:  cfg.OutboxMaxDelay,
		Interval:  cfg.OutboxInterval,
	}); err != nil {
		return nil, err
	}
	if runtime.Profiles, err = profiles.NewPublisher(profiles.Config{
		Store: cfg.Store, Resolver: runtime.Resolver, Mirror: runtime.Mirror, Clock: clock, Logger: logger.Named("profiles"),
	}); err != nil {
		return nil, err
	}
	if runtime.Guardian, err = guardian.New(guardian.Config{
		Store:    cfg.Store,
		Resolver: runtime.Resolver,
		Cursors:  runtime.Cursors,
		Mirror:   runtime.Mirror,
		Logger:   logger.Named("guardian"),
		OnReset:  []func(){runtime.Engine.ForgetSeen, runtime.dropOutbox},
	}); err != nil {
		return nil, err
	}
	runtime.Coordinator = coordinator.New(coordinator.Config{Cooldown: cooldown, Clock: clock, Logger: logger.Named("coordinator")})
	return runtime, nil
}

func (r *Runtime) dropOutbox() {
	if err := r.Outbox.Clear(context.Background()); err != nil {
		r.logger.Warn("outbox clear after reset failed", zap.Error(err))
	}
}

// AuthBlocked reports whether sync waits for refreshed credentials.
func (r *Runtime) AuthBlocked() bool {
	return r.authBlocked.Load()
}

// CredentialsRefreshed lifts the auth block and syncs at once.
func (r *Runtime) CredentialsRefreshed(ctx context.Context) error {
	r.authBlocked.Store(false)
	r.Outbox.Kick()
	_, err := r.Sync(ctx, coordinator.TriggerManual, "")
	return err
}

// Sync runs one coalesced pass for roomID ("" for every room) and reports whether it ran.
// A failure that invalidated local state is handed to the guardian under the exclusive gate.
func (r *Runtime) Sync(ctx context.Context, trigger coordinator.Trigger, roomID string) (bool, error) {
	if r.authBlocked.Load() {
		return false, ErrAuthBlocked
	}
	ran, err := r.Coordinator.RequestSync(ctx, trigger, func(ctx context.Context) error {
		_, err := r.Engine.Sync(ctx, roomID)
		return err
	})
	if err == nil || !ran {
		return ran, err
	}
	return true, r.recoverFailedPass(ctx, trigger, err)
}

// recoverFailedPass blocks on credential failures and routes state-invalidating
// failures to the guardian, followed by a global catch-up pass.
func (r *Runtime) recoverFailedPass(ctx context.Context, trigger coordinator.Trigger, err error) error {
	if records.IsKind(err, records.KindAuthRequired) {
		r.logger.Warn("sync blocked on credentials", zap.String("trigger", string(trigger)))
		r.authBlocked.Store(true)
		return fmt.Errorf("%w: %w", ErrAuthBlocked, err)
	}
	if !errors.Is(err, deltasync.ErrRequiresFullReset) {
		return err
	}

	r.logger.Info("sync invalidated local state; recovering", zap.String("trigger", string(trigger)), zap.Error(err))
	if recoverErr := r.Coordinator.Exclusive(ctx, func(ctx context.Context) error {
		return r.Guardian.Recover(ctx, err)
	}); recoverErr != nil {
		return recoverErr
	}
	// The exclusive gate cleared the cooldown, so the catch-up pass runs at once.
	// It is global because a reset may have removed the room.
	_, err = r.Coordinator.RequestSync(ctx, trigger, func(ctx context.Context) error {
		_, err := r.Engine.Sync(ctx, "")
		return err
	})
	return err
}

// Reset performs a full reset under the exclusive gate.
func (r *Runtime) Reset(ctx context.Context) error {
	return r.Coordinator.Exclusive(ctx, r.Guardian.PerformFullReset)
}

// Validate inspects remote topology without changing anything.
func (r *Runtime) Validate(ctx context.Context) ([]guardian.Issue, error) {
	return r.Guardian.Validate(ctx)
}

// HandleNotification reacts to a remote-changed push. A partition hint narrows the pass
// to one known room; anything else catches up globally.
func (r *Runtime) HandleNotification(ctx context.Context, notification records.Notification) (bool, error) {
	roomID := ""
	if notification.Partition != nil && !notification.Deleted {
		resolution, ok, err := r.Resolver.FindByPartition(ctx, notification.Scope, *notification.Partition)
		if err != nil {
			return false, err
		}
		if ok {
			roomID = resolution.RoomID
		}
	}
	return r.Sync(ctx, coordinator.TriggerPush, roomID)
}

// ConnectivityChanged resumes delivery and catches up when the device is back online.
func (r *Runtime) ConnectivityChanged(ctx context.Context, online bool) (bool, error) {
	r.Outbox.ConnectivityChanged(online)
	if !online {
		return false, nil
	}
	return r.Sync(ctx, coordinator.TriggerNetworkRestored, "")
}

// Start arms the scope subscriptions. Call once per process before Run.
func (r *Runtime) Start(ctx context.Context) error {
	if err := guardian.ArmSubscriptions(ctx, r.Store); err != nil {
		if records.IsKind(err, records.KindAuthRequired) {
			r.authBlocked.Store(true)
		}
		return fmt.Errorf("client: arm subscriptions: %w", err)
	}
	return nil
}

// Run drives the outbox, periodic catch-up and incoming notifications until ctx ends.
// A nil notifications channel disables push handling.
func (r *Runtime) Run(ctx context.Context, notifications <-chan records.Notification) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		for {
			err := r.Outbox.Run(groupCtx)
			if err == nil || groupCtx.Err() != nil {
				return nil
			}
			r.logger.Warn("outbox paused", zap.Error(err))
			r.authBlocked.Store(true)
			if !r.waitForCredentials(groupCtx) {
				return nil
			}
		}
	})

	group.Go(func() error {
		ticker := time.NewTicker(r.periodic)
		defer ticker.Stop()
		r.trigger(groupCtx, coordinator.TriggerPeriodic, "")
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				r.trigger(groupCtx, coordinator.TriggerPeriodic, "")
			}
		}
	})

	if notifications != nil {
		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case notification, ok := <-notifications:
					if !ok {
						return nil
					}
					if _, err := r.HandleNotification(groupCtx, notification); err != nil && !errors.Is(err, ErrAuthBlocked) {
						r.logger.Warn("push sync failed", zap.String("scope", notification.Scope.String()), zap.Error(err))
					}
				}
			}
		})
	}

	return group.Wait()
}

func (r *Runtime) trigger(ctx context.Context, trigger coordinator.Trigger, roomID string) {
	if _, err := r.Sync(ctx, trigger, roomID); err != nil && ctx.Err() == nil && !errors.Is(err, ErrAuthBlocked) {
		r.logger.Warn("sync failed", zap.String("trigger", string(trigger)), zap.Error(err))
	}
}

func (r *Runtime) waitForCredentials(ctx context.Context) bool {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for r.authBlocked.Load() {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}
