package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/MarcoPoloResearchLab/parley/internal/database"
	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"github.com/MarcoPoloResearchLab/parley/internal/recordstore"
	"github.com/MarcoPoloResearchLab/parley/internal/server"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var databaseSequence atomic.Int64

type harness struct {
	url    string
	issuer *auth.TokenIssuer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dsn := fmt.Sprintf("file:remote_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), databaseSequence.Add(1))
	db, err := database.OpenSQLite(dsn, recordstore.Schema(), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	hub := server.NewNotificationHub()
	store, err := recordstore.NewService(recordstore.ServiceConfig{Database: db, IDProvider: recordstore.NewUUIDProvider(), Notifier: hub})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("remote-test-secret"),
		Issuer:        "parley-auth",
		Audience:      "parley-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{Tokens: issuer, Store: store, Hub: hub, HeartbeatInterval: time.Hour})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	return &harness{url: httpServer.URL, issuer: issuer}
}

func (h *harness) client(t *testing.T, userID string) *Client {
	t.Helper()
	token, _, err := h.issuer.IssueToken(context.Background(), auth.Identity{UserID: userID, Email: userID + "@example.com"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	client, err := NewClient(Config{BaseURL: h.url, Token: token, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestClientRoundTripAgainstServer(t *testing.T) {
	h := newHarness(t)
	alice := h.client(t, "alice")
	ctx := context.Background()

	if alice.Identity() != "alice" {
		t.Fatalf("expected identity from token subject, got %q", alice.Identity())
	}
	ref, err := alice.CreatePartition(ctx, "chat-42")
	if err != nil {
		t.Fatalf("create partition: %v", err)
	}
	saved, err := alice.SaveRecord(ctx, records.ScopeOwner, records.Record{
		Type:      records.TypeMessage,
		Name:      records.MessageRecordName("m1", "alice"),
		Partition: ref,
		Fields:    records.Fields{"body": "hello", "senderID": "alice", "timestamp": int64(1700000000123)},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	fetched, err := alice.FetchRecord(ctx, records.ScopeOwner, ref, saved.Key())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if timestamp, ok := fetched.Fields.Int64("timestamp"); !ok || timestamp != 1700000000123 {
		t.Fatalf("expected exact timestamp, got %v", fetched.Fields["timestamp"])
	}

	changes, err := alice.FetchPartitionChanges(ctx, records.ScopeOwner, ref, "", records.FetchOptions{})
	if err != nil {
		t.Fatalf("partition changes: %v", err)
	}
	if len(changes.Changed) != 1 || changes.Cursor.IsZero() {
		t.Fatalf("unexpected changes %+v", changes)
	}
	found, err := alice.QueryRecords(ctx, records.ScopeOwner, ref, records.Query{Type: records.TypeMessage})
	if err != nil || len(found) != 1 {
		t.Fatalf("expected one queried record, got %d (%v)", len(found), err)
	}
	partitions, err := alice.ListPartitions(ctx, records.ScopeOwner)
	if err != nil || len(partitions) != 1 || partitions[0].Name != "chat-42" {
		t.Fatalf("unexpected partitions %+v (%v)", partitions, err)
	}
}

func TestClientSurfacesTypedErrors(t *testing.T) {
	h := newHarness(t)
	alice := h.client(t, "alice")
	bob := h.client(t, "bob")
	ctx := context.Background()

	ref, err := alice.CreatePartition(ctx, "chat-42")
	if err != nil {
		t.Fatalf("create partition: %v", err)
	}
	record := records.Record{Type: records.TypeRoom, Name: records.RoomRecordName, Partition: ref, Fields: records.Fields{"name": "Chat"}}
	saved, err := alice.SaveRecord(ctx, records.ScopeOwner, record)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	stale := record
	stale.ChangeTag = "stale"
	_, err = alice.SaveRecord(ctx, records.ScopeOwner, stale)
	current, ok := records.ConflictCurrent(err)
	if !ok || current.ChangeTag != saved.ChangeTag {
		t.Fatalf("expected conflict with server copy, got %v", err)
	}

	create := record
	create.ChangeTag = records.ChangeTagAbsent
	if _, err := alice.SaveRecord(ctx, records.ScopeOwner, create); !records.IsKind(err, records.KindAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}

	if _, err := bob.FetchRecord(ctx, records.ScopeShared, records.PartitionRef{Name: "chat-42", Owner: "alice"}, record.Key()); !records.IsKind(err, records.KindPermissionDenied) && !records.IsKind(err, records.KindPartitionNotFound) {
		t.Fatalf("expected ungranted access to fail, got %v", err)
	}
	if _, err := alice.CreatePartition(ctx, "chat-42"); !records.IsKind(err, records.KindAlreadyExists) {
		t.Fatalf("expected duplicate partition to fail, got %v", err)
	}
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"partitions":[{"name":"chat-42","owner":"alice"}]}`))
	}))
	t.Cleanup(flaky.Close)

	client := newStubClient(t, flaky.URL, 2)
	partitions, err := client.ListPartitions(context.Background(), records.ScopeOwner)
	if err != nil {
		t.Fatalf("expected retries to succeed: %v", err)
	}
	if len(partitions) != 1 || calls.Load() != 3 {
		t.Fatalf("expected three calls and one partition, got %d calls %+v", calls.Load(), partitions)
	}
}

func TestClientDoesNotRetryPartitionCreation(t *testing.T) {
	var calls atomic.Int32
	unavailable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(unavailable.Close)

	client := newStubClient(t, unavailable.URL, 3)
	_, err := client.CreatePartition(context.Background(), "chat-42")
	if !records.IsKind(err, records.KindTransient) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestClientMapsUnauthorizedToAuthRequired(t *testing.T) {
	unauthorized := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(unauthorized.Close)

	client := newStubClient(t, unauthorized.URL, 3)
	if _, err := client.ListSubscriptions(context.Background()); !records.IsKind(err, records.KindAuthRequired) {
		t.Fatalf("expected auth required, got %v", err)
	}
}

func TestSetTokenRejectsOtherIdentity(t *testing.T) {
	h := newHarness(t)
	alice := h.client(t, "alice")
	bobToken, _, err := h.issuer.IssueToken(context.Background(), auth.Identity{UserID: "bob"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := alice.SetToken(bobToken); err == nil {
		t.Fatalf("expected identity switch to be rejected")
	}
	if _, err := NewClient(Config{BaseURL: h.url, Token: "not-a-jwt"}); err == nil {
		t.Fatalf("expected malformed token to be rejected")
	}
}

func TestNotificationsStreamDeliversChanges(t *testing.T) {
	h := newHarness(t)
	alice := h.client(t, "alice")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := alice.CreateSubscription(ctx, records.Subscription{ID: "alice-owner", Scope: records.ScopeOwner}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	notifications := alice.Notifications(ctx)

	ref, err := alice.CreatePartition(ctx, "chat-42")
	if err != nil {
		t.Fatalf("create partition: %v", err)
	}
	// the stream may open after the first change; keep writing until one arrives
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for index := 0; ; index++ {
		select {
		case notification := <-notifications:
			if notification.SubscriptionID != "alice-owner" {
				continue
			}
			if notification.Partition == nil || notification.Partition.Name != "chat-42" {
				t.Fatalf("unexpected notification %+v", notification)
			}
			return
		case <-ticker.C:
			_, err := alice.SaveRecord(ctx, records.ScopeOwner, records.Record{
				Type:      records.TypeMessage,
				Name:      records.MessageRecordName(fmt.Sprintf("m%d", index), "alice"),
				Partition: ref,
				Fields:    records.Fields{"body": "ping"},
			})
			if err != nil {
				t.Fatalf("save: %v", err)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for notification")
		}
	}
}

func newStubClient(t *testing.T, baseURL string, retries int) *Client {
	t.Helper()
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("stub"),
		Issuer:        "parley-auth",
		Audience:      "parley-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	token, _, err := issuer.IssueToken(context.Background(), auth.Identity{UserID: "alice"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	client, err := NewClient(Config{BaseURL: baseURL, Token: token, MaxRetries: retries, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}
