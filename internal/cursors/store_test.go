package cursors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:cursors_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewStore(Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func TestCursorRoundTripAndRemoval(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ref := records.PartitionRef{Name: "chat-42", Owner: "alice"}

	if cursor, err := store.PartitionCursor(ctx, records.ScopeOwner, ref); err != nil || !cursor.IsZero() {
		t.Fatalf("expected empty cursor initially, got %q (%v)", cursor, err)
	}
	if err := store.SetPartitionCursor(ctx, records.ScopeOwner, ref, "T0"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetPartitionCursor(ctx, records.ScopeOwner, ref, "T1"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if cursor, _ := store.PartitionCursor(ctx, records.ScopeOwner, ref); cursor != "T1" {
		t.Fatalf("expected T1, got %q", cursor)
	}
	if cursor, _ := store.PartitionCursor(ctx, records.ScopeShared, ref); !cursor.IsZero() {
		t.Fatalf("expected scopes to be isolated, got %q", cursor)
	}
	if err := store.SetPartitionCursor(ctx, records.ScopeOwner, ref, ""); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if cursor, _ := store.PartitionCursor(ctx, records.ScopeOwner, ref); !cursor.IsZero() {
		t.Fatalf("expected removal, got %q", cursor)
	}
}

func TestClearDropsScopeAndItsPartitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ref := records.PartitionRef{Name: "chat-1", Owner: "alice"}

	_ = store.SetScopeCursor(ctx, records.ScopeShared, "S1")
	_ = store.SetPartitionCursor(ctx, records.ScopeShared, ref, "P1")
	_ = store.SetScopeCursor(ctx, records.ScopeOwner, "S2")
	_ = store.SetPartitionCursor(ctx, records.ScopeOwner, ref, "P2")

	if err := store.Clear(ctx, records.ScopeShared); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cursor, _ := store.ScopeCursor(ctx, records.ScopeShared); !cursor.IsZero() {
		t.Fatalf("expected shared scope cursor cleared")
	}
	if cursor, _ := store.PartitionCursor(ctx, records.ScopeShared, ref); !cursor.IsZero() {
		t.Fatalf("expected shared partition cursor cleared")
	}
	if cursor, _ := store.PartitionCursor(ctx, records.ScopeOwner, ref); cursor != "P2" {
		t.Fatalf("expected owner cursor to survive, got %q", cursor)
	}

	if err := store.ClearAll(ctx); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if count, _ := store.Count(ctx); count != 0 {
		t.Fatalf("expected no cursors after clear all, got %d", count)
	}
}

func TestWritesStartedBeforeClearAreDiscarded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ref := records.PartitionRef{Name: "chat-9", Owner: "bob"}

	generation := store.Generation(records.ScopeShared)
	if err := store.Clear(ctx, records.ScopeShared); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := store.SetScopeCursorAt(ctx, generation, records.ScopeShared, "late"); !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("expected stale scope write to be rejected, got %v", err)
	}
	if err := store.SetPartitionCursorAt(ctx, generation, records.ScopeShared, ref, "late"); !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("expected stale partition write to be rejected, got %v", err)
	}
	if cursor, _ := store.ScopeCursor(ctx, records.ScopeShared); !cursor.IsZero() {
		t.Fatalf("expected no cursor after discarded write, got %q", cursor)
	}

	current := store.Generation(records.ScopeShared)
	if err := store.SetScopeCursorAt(ctx, current, records.ScopeShared, "fresh"); err != nil {
		t.Fatalf("expected current generation write to succeed: %v", err)
	}
	if err := store.SetScopeCursorAt(ctx, store.Generation(records.ScopeOwner), records.ScopeOwner, "other"); err != nil {
		t.Fatalf("expected other scope to be unaffected: %v", err)
	}
}
