package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
}

func TestTriggersDuringFlightAreDropped(t *testing.T) {
	coordinator := New(Config{Cooldown: 0})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int64
	done := make(chan error, 1)
	go func() {
		_, err := coordinator.RequestSync(ctx, TriggerManual, func(context.Context) error {
			runs.Add(1)
			close(started)
			<-release
			return nil
		})
		done <- err
	}()
	<-started

	for index := 0; index < 10; index++ {
		ran, err := coordinator.RequestSync(ctx, TriggerPush, func(context.Context) error {
			runs.Add(1)
			return nil
		})
		if ran || err != nil {
			t.Fatalf("expected push trigger to be coalesced, ran=%v err=%v", ran, err)
		}
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("expected exactly one run, got %d", runs.Load())
	}
}

func TestCooldownDropsTriggersUntilWindowPasses(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	coordinator := New(Config{Cooldown: DefaultCooldown, Clock: clock.Now})
	ctx := context.Background()
	noop := func(context.Context) error { return nil }

	if ran, _ := coordinator.RequestSync(ctx, TriggerManual, noop); !ran {
		t.Fatalf("expected first trigger to run")
	}
	clock.Advance(2 * time.Second)
	if ran, _ := coordinator.RequestSync(ctx, TriggerPeriodic, noop); ran {
		t.Fatalf("expected trigger inside cooldown to be dropped")
	}
	clock.Advance(4 * time.Second)
	if ran, _ := coordinator.RequestSync(ctx, TriggerNetworkRestored, noop); !ran {
		t.Fatalf("expected trigger after cooldown to run")
	}
}

func TestGateIsReleasedAfterFailure(t *testing.T) {
	coordinator := New(Config{})
	ctx := context.Background()
	failure := errors.New("remote unavailable")

	ran, err := coordinator.RequestSync(ctx, TriggerManual, func(context.Context) error { return failure })
	if !ran || !errors.Is(err, failure) {
		t.Fatalf("expected failing pass to run and report, ran=%v err=%v", ran, err)
	}
	if err := coordinator.Exclusive(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected gate to be free after failure: %v", err)
	}
}

func TestExclusiveWaitsAndClearsCooldown(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	coordinator := New(Config{Cooldown: time.Minute, Clock: clock.Now})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = coordinator.RequestSync(ctx, TriggerManual, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	exclusiveDone := make(chan struct{})
	go func() {
		_ = coordinator.Exclusive(ctx, func(context.Context) error { return nil })
		close(exclusiveDone)
	}()
	select {
	case <-exclusiveDone:
		t.Fatalf("expected exclusive work to wait for the in-flight pass")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-exclusiveDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected exclusive work to run after the pass")
	}

	if ran, _ := coordinator.RequestSync(ctx, TriggerManual, func(context.Context) error { return nil }); !ran {
		t.Fatalf("expected cooldown to be cleared by exclusive work")
	}
}

func TestExclusiveHonoursContext(t *testing.T) {
	coordinator := New(Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = coordinator.RequestSync(context.Background(), TriggerManual, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := coordinator.Exclusive(ctx, func(context.Context) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
