package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Trigger names the source of a sync request.
type Trigger string

const (
	TriggerManual          Trigger = "manual"
	TriggerPush            Trigger = "push"
	TriggerNetworkRestored Trigger = "network_restored"
	TriggerPeriodic        Trigger = "periodic"
	TriggerGrantAccepted   Trigger = "grant_accepted"
)

// DefaultCooldown is the window after a finished pass during which new triggers are dropped.
const DefaultCooldown = 5 * time.Second

// Work is one sync pass.
type Work func(ctx context.Context) error

// Config tunes the coordinator. A zero or negative Cooldown disables the window.
type Config struct {
	Cooldown time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Coordinator runs at most one pass at a time. Triggers arriving while a pass is in
// flight, or within the cooldown after one finished, are dropped rather than queued.
type Coordinator struct {
	gate     *semaphore.Weighted
	cooldown time.Duration
	clock    func() time.Time
	logger   *zap.Logger

	mu           sync.Mutex
	lastFinished time.Time
}

// New constructs a Coordinator with an open gate.
func New(cfg Config) *Coordinator {
	cooldown := cfg.Cooldown
	if cooldown < 0 {
		cooldown = 0
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		gate:     semaphore.NewWeighted(1),
		cooldown: cooldown,
		clock:    clock,
		logger:   logger,
	}
}

// RequestSync runs work unless another pass is in flight or the cooldown is active.
// It reports whether work ran.
func (c *Coordinator) RequestSync(ctx context.Context, trigger Trigger, work Work) (bool, error) {
	if !c.gate.TryAcquire(1) {
		c.logger.Debug("sync coalesced", zap.String("trigger", string(trigger)), zap.String("reason", "in_flight"))
		return false, nil
	}
	defer c.gate.Release(1)

	if c.coolingDown() {
		c.logger.Debug("sync coalesced", zap.String("trigger", string(trigger)), zap.String("reason", "cooldown"))
		return false, nil
	}

	defer c.markFinished()
	c.logger.Debug("sync started", zap.String("trigger", string(trigger)))
	return true, work(ctx)
}

// Exclusive waits for the gate and runs work. Used for full resets, which must not
// be dropped. The cooldown is cleared afterwards so the next trigger syncs at once.
func (c *Coordinator) Exclusive(ctx context.Context, work Work) error {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.gate.Release(1)
	defer c.clearCooldown()
	return work(ctx)
}

func (c *Coordinator) coolingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastFinished.IsZero() || c.cooldown == 0 {
		return false
	}
	return c.clock().Sub(c.lastFinished) < c.cooldown
}

func (c *Coordinator) markFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFinished = c.clock()
}

func (c *Coordinator) clearCooldown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFinished = time.Time{}
}
