package recordstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/database"
	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"go.uber.org/zap"
)

var databaseSequence atomic.Int64

type recordingNotifier struct {
	mu            sync.Mutex
	notifications map[string][]records.Notification
}

func (n *recordingNotifier) Notify(userID string, notification records.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.notifications == nil {
		n.notifications = make(map[string][]records.Notification)
	}
	n.notifications[userID] = append(n.notifications[userID], notification)
}

func (n *recordingNotifier) count(userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notifications[userID])
}

func newTestService(t *testing.T) (*Service, *recordingNotifier) {
	t.Helper()
	dsn := fmt.Sprintf("file:recordstore_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), databaseSequence.Add(1))
	db, err := database.OpenSQLite(dsn, Schema(), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	var tick atomic.Int64
	notifier := &recordingNotifier{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: NewUUIDProvider(),
		Clock: func() time.Time {
			return time.Unix(1700000000, 0).Add(time.Duration(tick.Add(1)) * time.Millisecond)
		},
		Notifier: notifier,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, notifier
}

func shareRoom(t *testing.T, service *Service, ownerID, participantID, roomID string) records.PartitionRef {
	t.Helper()
	ctx := context.Background()
	ref, err := service.CreatePartition(ctx, ownerID, roomID)
	if err != nil {
		t.Fatalf("create partition: %v", err)
	}
	if err := service.GrantAccess(ctx, ownerID, ref, records.ParticipantHandle{UserID: participantID}); err != nil {
		t.Fatalf("grant access: %v", err)
	}
	if err := service.AcceptGrant(ctx, participantID, records.PartitionRef{Name: roomID}); err != nil {
		t.Fatalf("accept grant: %v", err)
	}
	return ref
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	if _, err := NewService(ServiceConfig{IDProvider: NewUUIDProvider()}); err == nil {
		t.Fatalf("expected missing database to be rejected")
	}
}

func TestSharedScopeRequiresAcceptedGrant(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	ref, err := service.CreatePartition(ctx, "alice", "chat-42")
	if err != nil {
		t.Fatalf("create partition: %v", err)
	}
	if ref.Owner != "alice" || ref.Name != "chat-42" {
		t.Fatalf("unexpected partition ref %+v", ref)
	}
	if _, err := service.CreatePartition(ctx, "alice", "chat-42"); !errors.Is(err, records.ErrAlreadyExists) {
		t.Fatalf("expected duplicate partition to fail with already exists, got %v", err)
	}

	_, err = service.FindPartition(ctx, "bob", records.ScopeShared, "chat-42")
	var typed *records.Error
	if !errors.As(err, &typed) || typed.Kind != records.KindPermissionDenied || typed.Hint != records.HintUngranted {
		t.Fatalf("expected ungranted permission denial, got %v", err)
	}

	if err := service.GrantAccess(ctx, "alice", ref, records.ParticipantHandle{UserID: "bob"}); err != nil {
		t.Fatalf("grant access: %v", err)
	}
	if _, err := service.FindPartition(ctx, "bob", records.ScopeShared, "chat-42"); !errors.Is(err, records.ErrPermissionDenied) {
		t.Fatalf("expected pending grant to stay unreachable, got %v", err)
	}
	if err := service.AcceptGrant(ctx, "bob", records.PartitionRef{Name: "chat-42"}); err != nil {
		t.Fatalf("accept grant: %v", err)
	}
	found, err := service.FindPartition(ctx, "bob", records.ScopeShared, "chat-42")
	if err != nil || found != ref {
		t.Fatalf("expected shared lookup to resolve %+v, got %+v (%v)", ref, found, err)
	}
	if _, err := service.FindPartition(ctx, "bob", records.ScopeOwner, "chat-42"); !errors.Is(err, records.ErrPartitionNotFound) {
		t.Fatalf("expected owner lookup by participant to miss, got %v", err)
	}

	grants, err := service.ListGrants(ctx, "alice", ref)
	if err != nil || len(grants) != 1 || !grants[0].Accepted || grants[0].UserID != "bob" {
		t.Fatalf("unexpected grants %+v (%v)", grants, err)
	}
}

func TestSaveRecordPreconditions(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	ref := shareRoom(t, service, "alice", "bob", "chat-42")

	record := records.Record{
		Type:      records.TypeSignalSession,
		Name:      "ss_1",
		Partition: ref,
		Fields:    records.Fields{records.FieldCallEpoch: int64(1)},
		ChangeTag: records.ChangeTagAbsent,
	}
	created, err := service.SaveRecord(ctx, "alice", records.ScopeOwner, record)
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	if created.ChangeTag == "" {
		t.Fatalf("expected change tag on saved record")
	}

	_, err = service.SaveRecord(ctx, "bob", records.ScopeShared, record)
	var typed *records.Error
	if !errors.As(err, &typed) || typed.Kind != records.KindAlreadyExists || typed.Current == nil {
		t.Fatalf("expected already exists with current copy, got %v", err)
	}

	update := created
	update.Fields = records.Fields{records.FieldCallEpoch: int64(2)}
	updated, err := service.SaveRecord(ctx, "bob", records.ScopeShared, update)
	if err != nil {
		t.Fatalf("update record: %v", err)
	}

	stale := created
	stale.Fields = records.Fields{records.FieldCallEpoch: int64(3)}
	_, err = service.SaveRecord(ctx, "alice", records.ScopeOwner, stale)
	current, ok := records.ConflictCurrent(err)
	if !ok {
		t.Fatalf("expected conflict with current copy, got %v", err)
	}
	if current.ChangeTag != updated.ChangeTag {
		t.Fatalf("expected conflict to carry latest change tag")
	}
	if epoch, _ := current.Fields.Int64(records.FieldCallEpoch); epoch != 2 {
		t.Fatalf("expected current epoch 2, got %d", epoch)
	}

	missing := records.Record{Type: records.TypeMessage, Name: "m1~alice", Partition: ref, ChangeTag: "stale"}
	if _, err := service.SaveRecord(ctx, "alice", records.ScopeOwner, missing); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected tagged save of missing record to fail with not found, got %v", err)
	}
}

func TestPartitionChangeFeed(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	ref := shareRoom(t, service, "alice", "bob", "chat-42")

	save := func(userID string, scope records.Scope, name, body string) {
		t.Helper()
		_, err := service.SaveRecord(ctx, userID, scope, records.Record{
			Type:      records.TypeMessage,
			Name:      name,
			Partition: ref,
			Fields:    records.Fields{records.FieldBody: body},
		})
		if err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}
	save("alice", records.ScopeOwner, "m1~alice", "hi")
	save("bob", records.ScopeShared, "m1~bob", "hello")

	full, err := service.FetchPartitionChanges(ctx, "bob", records.ScopeShared, ref, "", records.FetchOptions{})
	if err != nil {
		t.Fatalf("full fetch: %v", err)
	}
	if len(full.Changed) != 2 || full.Cursor.IsZero() {
		t.Fatalf("expected two records and a cursor, got %+v", full)
	}

	save("alice", records.ScopeOwner, "m1~alice", "hi there")
	save("alice", records.ScopeOwner, "m1~alice", "hi again")
	if err := service.DeleteRecord(ctx, "bob", records.ScopeShared, ref, records.RecordKey{Type: records.TypeMessage, Name: "m1~bob"}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	delta, err := service.FetchPartitionChanges(ctx, "bob", records.ScopeShared, ref, full.Cursor, records.FetchOptions{Fields: []string{records.FieldBody}})
	if err != nil {
		t.Fatalf("delta fetch: %v", err)
	}
	if len(delta.Changed) != 1 || len(delta.Deleted) != 1 {
		t.Fatalf("expected one change and one deletion, got %+v", delta)
	}
	if body, _ := delta.Changed[0].Fields.String(records.FieldBody); body != "hi again" {
		t.Fatalf("expected collapsed latest body, got %q", body)
	}

	empty, err := service.FetchPartitionChanges(ctx, "bob", records.ScopeShared, ref, delta.Cursor, records.FetchOptions{})
	if err != nil || len(empty.Changed) != 0 || len(empty.Deleted) != 0 {
		t.Fatalf("expected empty page, got %+v (%v)", empty, err)
	}

	if err := service.DeletePartition(ctx, "alice", ref); err != nil {
		t.Fatalf("delete partition: %v", err)
	}
	if _, err := service.FetchPartitionChanges(ctx, "bob", records.ScopeShared, ref, delta.Cursor, records.FetchOptions{}); !errors.Is(err, records.ErrPartitionNotFound) {
		t.Fatalf("expected partition not found after deletion, got %v", err)
	}

	recreated, err := service.CreatePartition(ctx, "alice", "chat-42")
	if err != nil {
		t.Fatalf("recreate partition: %v", err)
	}
	if _, err := service.FetchPartitionChanges(ctx, "alice", records.ScopeOwner, recreated, delta.Cursor, records.FetchOptions{}); !errors.Is(err, records.ErrCursorExpired) {
		t.Fatalf("expected cursor from previous partition to expire, got %v", err)
	}
}

func TestPartitionChangeFeedPages(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	ref, err := service.CreatePartition(ctx, "alice", "chat-7")
	if err != nil {
		t.Fatalf("create partition: %v", err)
	}
	initial, err := service.FetchPartitionChanges(ctx, "alice", records.ScopeOwner, ref, "", records.FetchOptions{})
	if err != nil {
		t.Fatalf("initial fetch: %v", err)
	}
	for index := 0; index < 5; index++ {
		if _, err := service.SaveRecord(ctx, "alice", records.ScopeOwner, records.Record{
			Type: records.TypeMessage, Name: fmt.Sprintf("m%d~alice", index), Partition: ref,
			Fields: records.Fields{records.FieldBody: "x"},
		}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	cursor := initial.Cursor
	total := 0
	pages := 0
	for {
		page, err := service.FetchPartitionChanges(ctx, "alice", records.ScopeOwner, ref, cursor, records.FetchOptions{Limit: 2})
		if err != nil {
			t.Fatalf("page fetch: %v", err)
		}
		total += len(page.Changed)
		pages++
		cursor = page.Cursor
		if !page.MoreComing {
			break
		}
	}
	if total != 5 || pages != 3 {
		t.Fatalf("expected 5 records over 3 pages, got %d over %d", total, pages)
	}
}

func TestScopeChangeFeedAndCompaction(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	first := shareRoom(t, service, "alice", "bob", "chat-1")

	initial, err := service.FetchScopeChanges(ctx, "bob", records.ScopeShared, "")
	if err != nil {
		t.Fatalf("initial scope fetch: %v", err)
	}
	if len(initial.Changed) != 1 || initial.Changed[0] != first {
		t.Fatalf("expected shared partition listing, got %+v", initial)
	}

	second := shareRoom(t, service, "alice", "bob", "chat-2")
	if _, err := service.SaveRecord(ctx, "alice", records.ScopeOwner, records.Record{
		Type: records.TypeMessage, Name: "m1~alice", Partition: first, Fields: records.Fields{records.FieldBody: "hi"},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := service.LeavePartition(ctx, "bob", second); err != nil {
		t.Fatalf("leave: %v", err)
	}

	delta, err := service.FetchScopeChanges(ctx, "bob", records.ScopeShared, initial.Cursor)
	if err != nil {
		t.Fatalf("delta scope fetch: %v", err)
	}
	if len(delta.Changed) != 1 || delta.Changed[0] != first {
		t.Fatalf("expected first partition changed, got %+v", delta.Changed)
	}
	if len(delta.Deleted) != 1 || delta.Deleted[0] != second {
		t.Fatalf("expected second partition deleted, got %+v", delta.Deleted)
	}

	if _, err := service.FetchScopeChanges(ctx, "alice", records.ScopeShared, delta.Cursor); !errors.Is(err, records.ErrCursorExpired) {
		t.Fatalf("expected another identity's cursor to be rejected, got %v", err)
	}
	if err := service.CompactScopeFeed(ctx, "bob", records.ScopeShared); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if _, err := service.FetchScopeChanges(ctx, "bob", records.ScopeShared, delta.Cursor); !errors.Is(err, records.ErrCursorExpired) {
		t.Fatalf("expected compaction to expire cursor, got %v", err)
	}
	if _, err := service.FetchScopeChanges(ctx, "bob", records.ScopeShared, "not-base64!"); !errors.Is(err, records.ErrCursorExpired) {
		t.Fatalf("expected malformed cursor to expire, got %v", err)
	}
}

func TestSubscriptionsReceiveNotifications(t *testing.T) {
	service, notifier := newTestService(t)
	ctx := context.Background()
	ref := shareRoom(t, service, "alice", "bob", "chat-42")

	subscription, err := service.CreateSubscription(ctx, "bob", records.Subscription{Scope: records.ScopeShared})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	if subscription.ID == "" {
		t.Fatalf("expected generated subscription id")
	}
	if _, err := service.CreateSubscription(ctx, "alice", records.Subscription{ID: "room-sub", Scope: records.ScopeOwner, Partition: &ref}); err != nil {
		t.Fatalf("create partition subscription: %v", err)
	}

	if _, err := service.SaveRecord(ctx, "alice", records.ScopeOwner, records.Record{
		Type: records.TypeMessage, Name: "m1~alice", Partition: ref, Fields: records.Fields{records.FieldBody: "hi"},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if notifier.count("bob") != 1 || notifier.count("alice") != 1 {
		t.Fatalf("expected one notification each, got bob=%d alice=%d", notifier.count("bob"), notifier.count("alice"))
	}

	listed, err := service.ListSubscriptions(ctx, "bob")
	if err != nil || len(listed) != 1 {
		t.Fatalf("expected one subscription, got %+v (%v)", listed, err)
	}
	if err := service.DeleteSubscription(ctx, "alice", subscription.ID); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected foreign subscription delete to miss, got %v", err)
	}
	if err := service.DeleteSubscription(ctx, "bob", subscription.ID); err != nil {
		t.Fatalf("delete subscription: %v", err)
	}
}

func TestDefaultAreaIsOwnerOnly(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	legacy := records.Record{Type: records.TypeRoomList, Name: "rooms", Fields: records.Fields{records.FieldRooms: "chat-1"}}
	if _, err := service.SaveRecord(ctx, "alice", records.ScopeOwner, legacy); err != nil {
		t.Fatalf("save default area record: %v", err)
	}
	if _, err := service.SaveRecord(ctx, "alice", records.ScopeShared, legacy); !errors.Is(err, records.ErrPermissionDenied) {
		t.Fatalf("expected shared default area write to be denied, got %v", err)
	}
	found, err := service.QueryRecords(ctx, "alice", records.ScopeOwner, records.PartitionRef{}, records.Query{Type: records.TypeRoomList})
	if err != nil || len(found) != 1 {
		t.Fatalf("expected one default area record, got %+v (%v)", found, err)
	}
	other, err := service.QueryRecords(ctx, "bob", records.ScopeOwner, records.PartitionRef{}, records.Query{})
	if err != nil || len(other) != 0 {
		t.Fatalf("expected default areas to be per identity, got %+v (%v)", other, err)
	}
}

func TestQueryRecordsMatchesFields(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	ref, err := service.CreatePartition(ctx, "alice", "chat-42")
	if err != nil {
		t.Fatalf("create partition: %v", err)
	}
	for _, reaction := range []struct{ name, messageID, emoji string }{
		{"rx_1", "m1", "👍"},
		{"rx_2", "m1", "🎉"},
		{"rx_3", "m2", "👍"},
	} {
		if _, err := service.SaveRecord(ctx, "alice", records.ScopeOwner, records.Record{
			Type: records.TypeReaction, Name: reaction.name, Partition: ref,
			Fields: records.Fields{records.FieldMessageID: reaction.messageID, records.FieldEmoji: reaction.emoji, records.FieldCreatedAt: int64(5)},
		}); err != nil {
			t.Fatalf("save reaction: %v", err)
		}
	}
	matched, err := service.QueryRecords(ctx, "alice", records.ScopeOwner, ref, records.Query{
		Type:   records.TypeReaction,
		Equals: map[string]string{records.FieldMessageID: "m1", records.FieldCreatedAt: "5"},
	})
	if err != nil || len(matched) != 2 {
		t.Fatalf("expected two reactions for m1, got %+v (%v)", matched, err)
	}
}

func TestLookupParticipantByEmail(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	if err := service.RegisterIdentity(ctx, Identity{UserID: "bob", Email: " Bob@Example.com ", DisplayName: "Bob"}); err != nil {
		t.Fatalf("register identity: %v", err)
	}
	handle, err := service.LookupParticipant(ctx, "alice", records.IdentityReference{Email: "bob@example.com"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if handle.UserID != "bob" || handle.DisplayName != "Bob" {
		t.Fatalf("unexpected handle %+v", handle)
	}
	if _, err := service.LookupParticipant(ctx, "alice", records.IdentityReference{Phone: "+100"}); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected unknown phone to miss, got %v", err)
	}
	if err := service.RegisterIdentity(ctx, Identity{UserID: " "}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected blank identity to be rejected, got %v", err)
	}
}
