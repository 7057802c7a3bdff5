package partitions

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/database"
	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"github.com/MarcoPoloResearchLab/parley/internal/recordstore"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var databaseSequence atomic.Int64

type countingStore struct {
	records.Store
	lookups atomic.Int64
}

func (s *countingStore) FindPartition(ctx context.Context, scope records.Scope, name string) (records.PartitionRef, error) {
	s.lookups.Add(1)
	return s.Store.FindPartition(ctx, scope, name)
}

type selfShareStore struct {
	records.Store
}

func (s selfShareStore) FindPartition(ctx context.Context, scope records.Scope, name string) (records.PartitionRef, error) {
	if scope == records.ScopeOwner {
		return records.PartitionRef{}, records.NewError(records.KindPartitionNotFound, "find", nil)
	}
	return records.PartitionRef{Name: name, Owner: s.Identity()}, nil
}

func newRecordService(t *testing.T) *recordstore.Service {
	t.Helper()
	dsn := fmt.Sprintf("file:partitions_remote_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), databaseSequence.Add(1))
	db, err := database.OpenSQLite(dsn, recordstore.Schema(), nil)
	if err != nil {
		t.Fatalf("failed to open remote database: %v", err)
	}
	service, err := recordstore.NewService(recordstore.ServiceConfig{Database: db, IDProvider: recordstore.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct record service: %v", err)
	}
	return service
}

func newLocalDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:partitions_local_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), databaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open local database: %v", err)
	}
	if err := db.AutoMigrate(&CacheEntry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newResolver(t *testing.T, store records.Store, db *gorm.DB) *Resolver {
	t.Helper()
	resolver, err := NewResolver(Config{Store: store, Database: db})
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}
	return resolver
}

func TestResolveIsCacheServedAfterFirstLookup(t *testing.T) {
	service := newRecordService(t)
	ctx := context.Background()
	ref, err := service.CreatePartition(ctx, "alice", "chat-42")
	if err != nil {
		t.Fatalf("create partition: %v", err)
	}

	store := &countingStore{Store: service.View("alice")}
	resolver := newResolver(t, store, newLocalDatabase(t))

	first, err := resolver.Resolve(ctx, "chat-42")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	lookupsAfterFirst := store.lookups.Load()
	second, err := resolver.Resolve(ctx, "chat-42")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical resolutions, got %+v and %+v", first, second)
	}
	if first.Scope != records.ScopeOwner || first.Partition != ref {
		t.Fatalf("unexpected resolution %+v", first)
	}
	if lookupsAfterFirst != 1 || store.lookups.Load() != 1 {
		t.Fatalf("expected exactly one remote lookup, got %d", store.lookups.Load())
	}
}

func TestResolveSurvivesRestartThroughPersistedCache(t *testing.T) {
	service := newRecordService(t)
	ctx := context.Background()
	ref, err := service.CreatePartition(ctx, "alice", "chat-7")
	if err != nil {
		t.Fatalf("create partition: %v", err)
	}
	if err := service.GrantAccess(ctx, "alice", ref, records.ParticipantHandle{UserID: "bob"}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := service.AcceptGrant(ctx, "bob", ref); err != nil {
		t.Fatalf("accept: %v", err)
	}

	local := newLocalDatabase(t)
	if _, err := newResolver(t, service.View("bob"), local).Resolve(ctx, "chat-7"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	store := &countingStore{Store: service.View("bob")}
	restarted := newResolver(t, store, local)
	resolution, err := restarted.Resolve(ctx, "chat-7")
	if err != nil {
		t.Fatalf("resolve after restart: %v", err)
	}
	if resolution.Scope != records.ScopeShared || resolution.Partition != ref {
		t.Fatalf("unexpected resolution %+v", resolution)
	}
	if store.lookups.Load() != 0 {
		t.Fatalf("expected persisted cache hit, got %d lookups", store.lookups.Load())
	}
}

func TestResolveReportsMissingRoomWithHint(t *testing.T) {
	service := newRecordService(t)
	ctx := context.Background()
	if _, err := service.CreatePartition(ctx, "alice", "chat-1"); err != nil {
		t.Fatalf("create partition: %v", err)
	}
	resolver := newResolver(t, service.View("bob"), newLocalDatabase(t))

	_, err := resolver.Resolve(ctx, "chat-1")
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected room not found, got %v", err)
	}
	var typed *records.Error
	if !errors.As(err, &typed) || typed.Hint != records.HintUngranted {
		t.Fatalf("expected ungranted hint to survive, got %v", err)
	}
	if _, err := resolver.Resolve(ctx, "chat-unknown"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected room not found, got %v", err)
	}
}

func TestSharedResultOwnedBySelfRoutesToOwnerScope(t *testing.T) {
	service := newRecordService(t)
	resolver := newResolver(t, selfShareStore{Store: service.View("alice")}, newLocalDatabase(t))

	resolution, err := resolver.Resolve(context.Background(), "chat-self")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution.Scope != records.ScopeOwner || resolution.Partition.Owner != "alice" {
		t.Fatalf("expected owner scope correction, got %+v", resolution)
	}
}

func TestInvalidateAndReset(t *testing.T) {
	service := newRecordService(t)
	ctx := context.Background()
	for _, name := range []string{"chat-1", "chat-2"} {
		if _, err := service.CreatePartition(ctx, "alice", name); err != nil {
			t.Fatalf("create partition: %v", err)
		}
	}
	store := &countingStore{Store: service.View("alice")}
	resolver := newResolver(t, store, newLocalDatabase(t))
	for _, name := range []string{"chat-1", "chat-2"} {
		if _, err := resolver.Resolve(ctx, name); err != nil {
			t.Fatalf("resolve %s: %v", name, err)
		}
	}

	if err := resolver.Invalidate(ctx, "chat-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := resolver.Lookup(ctx, "chat-1"); ok {
		t.Fatalf("expected chat-1 to be forgotten")
	}
	if _, ok, _ := resolver.Lookup(ctx, "chat-2"); !ok {
		t.Fatalf("expected chat-2 to stay cached")
	}

	if err := resolver.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	known, err := resolver.Known(ctx)
	if err != nil || len(known) != 0 {
		t.Fatalf("expected empty cache after reset, got %+v (%v)", known, err)
	}
}
