package signaling

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/database"
	"github.com/MarcoPoloResearchLab/parley/internal/partitions"
	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"github.com/MarcoPoloResearchLab/parley/internal/recordstore"
	"go.uber.org/zap"
)

var databaseSequence atomic.Int64

func newRemote(t *testing.T) *recordstore.Service {
	t.Helper()
	dsn := fmt.Sprintf("file:signaling_remote_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), databaseSequence.Add(1))
	db, err := database.OpenSQLite(dsn, recordstore.Schema(), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open remote database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	service, err := recordstore.NewService(recordstore.ServiceConfig{Database: db, IDProvider: recordstore.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct record service: %v", err)
	}
	return service
}

func newMailbox(t *testing.T, store records.Store) *Mailbox {
	t.Helper()
	dsn := fmt.Sprintf("file:signaling_local_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), databaseSequence.Add(1))
	db, err := database.OpenSQLite(dsn, database.Schema{Name: "client", Models: []any{&partitions.CacheEntry{}}}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open local database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	resolver, err := partitions.NewResolver(partitions.Config{Store: store, Database: db})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	mailbox, err := NewMailbox(Config{Store: store, Resolver: resolver})
	if err != nil {
		t.Fatalf("mailbox: %v", err)
	}
	return mailbox
}

// sharedRoom creates roomID owned by alice with bob as accepted participant.
func sharedRoom(t *testing.T, remote *recordstore.Service, roomID string) (*Mailbox, *Mailbox) {
	t.Helper()
	ctx := context.Background()
	ref, err := remote.CreatePartition(ctx, "alice", roomID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := remote.GrantAccess(ctx, "alice", ref, records.ParticipantHandle{UserID: "bob"}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := remote.AcceptGrant(ctx, "bob", records.PartitionRef{Name: roomID}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	return newMailbox(t, remote.View("alice")), newMailbox(t, remote.View("bob"))
}

func TestBothPeersShareOneSession(t *testing.T) {
	remote := newRemote(t)
	ctx := context.Background()
	alice, bob := sharedRoom(t, remote, "chat-42")

	fromAlice, err := alice.EnsureSession(ctx, "chat-42", "bob")
	if err != nil {
		t.Fatalf("alice ensure: %v", err)
	}
	fromBob, err := bob.EnsureSession(ctx, "chat-42", "alice")
	if err != nil {
		t.Fatalf("bob ensure: %v", err)
	}
	if fromAlice.Key != fromBob.Key || fromAlice.Key != records.SessionKey("chat-42", "bob", "alice") {
		t.Fatalf("expected symmetric session key, got %q and %q", fromAlice.Key, fromBob.Key)
	}
	if fromBob.CallerID != "alice" || !fromBob.Consistent() {
		t.Fatalf("expected bob to see alice's session, got %+v", fromBob)
	}
	sessions, err := remote.View("alice").QueryRecords(ctx, records.ScopeOwner, records.PartitionRef{Name: "chat-42", Owner: "alice"},
		records.Query{Type: records.TypeSignalSession})
	if err != nil || len(sessions) != 1 {
		t.Fatalf("expected one session record, got %d (%v)", len(sessions), err)
	}
}

type racingStore struct {
	records.Store
	hidden atomic.Bool
}

// FetchRecord pretends the session is missing once so that the create path loses the race.
func (s *racingStore) FetchRecord(ctx context.Context, scope records.Scope, ref records.PartitionRef, key records.RecordKey) (records.Record, error) {
	if key.Type == records.TypeSignalSession && s.hidden.CompareAndSwap(false, true) {
		return records.Record{}, records.NewError(records.KindNotFound, "fetch", nil)
	}
	return s.Store.FetchRecord(ctx, scope, ref, key)
}

func TestEnsureSessionTreatsCreateRaceAsSuccess(t *testing.T) {
	remote := newRemote(t)
	ctx := context.Background()
	alice, _ := sharedRoom(t, remote, "chat-1")
	if _, err := alice.EnsureSession(ctx, "chat-1", "bob"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	racing := newMailbox(t, &racingStore{Store: remote.View("bob")})
	session, err := racing.EnsureSession(ctx, "chat-1", "alice")
	if err != nil {
		t.Fatalf("expected already-exists to be absorbed, got %v", err)
	}
	if session.CallerID != "alice" {
		t.Fatalf("expected the existing session, got %+v", session)
	}
}

func TestSessionEpochNeverRegresses(t *testing.T) {
	remote := newRemote(t)
	ctx := context.Background()
	alice, bob := sharedRoom(t, remote, "chat-2")

	if session, err := alice.UpdateSession(ctx, "chat-2", "bob", 5); err != nil || session.CallEpoch != 5 {
		t.Fatalf("expected epoch 5, got %+v (%v)", session, err)
	}
	if session, err := bob.UpdateSession(ctx, "chat-2", "alice", 3); err != nil || session.CallEpoch != 5 {
		t.Fatalf("expected epoch to stay 5, got %+v (%v)", session, err)
	}
	session, err := bob.UpdateSession(ctx, "chat-2", "alice", 6)
	if err != nil || session.CallEpoch != 6 || session.CallerID != "bob" {
		t.Fatalf("expected bob to raise the epoch, got %+v (%v)", session, err)
	}
}

type interferingStore struct {
	records.Store
	competitor *Mailbox
	fired      atomic.Bool
}

// SaveRecord lets the competitor raise the epoch right before the first session update lands.
func (s *interferingStore) SaveRecord(ctx context.Context, scope records.Scope, record records.Record) (records.Record, error) {
	if record.Type == records.TypeSignalSession && record.ChangeTag != records.ChangeTagAbsent && s.fired.CompareAndSwap(false, true) {
		if _, err := s.competitor.UpdateSession(ctx, record.Partition.Name, "alice", 4); err != nil {
			return records.Record{}, err
		}
	}
	return s.Store.SaveRecord(ctx, scope, record)
}

func TestUpdateSessionRetriesOnConflict(t *testing.T) {
	remote := newRemote(t)
	ctx := context.Background()
	_, bob := sharedRoom(t, remote, "chat-3")
	alice := newMailbox(t, &interferingStore{Store: remote.View("alice"), competitor: bob})

	session, err := alice.UpdateSession(ctx, "chat-3", "bob", 7)
	if err != nil || session.CallEpoch != 7 {
		t.Fatalf("expected epoch 7 after retry, got %+v (%v)", session, err)
	}
	seen, ok, err := bob.FetchSession(ctx, "chat-3", "alice")
	if err != nil || !ok || seen.CallEpoch != 7 {
		t.Fatalf("expected bob to observe epoch 7, got %+v (%v)", seen, err)
	}
}

func TestEnvelopeAndIceAreOverwritten(t *testing.T) {
	remote := newRemote(t)
	ctx := context.Background()
	alice, bob := sharedRoom(t, remote, "chat-4")

	if _, err := alice.PublishOffer(ctx, "chat-4", "bob", 1, "offer-1"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if _, err := alice.PublishOffer(ctx, "chat-4", "bob", 2, "offer-2"); err != nil {
		t.Fatalf("second offer: %v", err)
	}
	offer, ok, err := bob.FetchEnvelope(ctx, "chat-4", "alice", EnvelopeOffer)
	if err != nil || !ok {
		t.Fatalf("expected offer, got %v", err)
	}
	if offer.Payload != "offer-2" || offer.Epoch != 2 || offer.SenderID != "alice" {
		t.Fatalf("expected latest offer, got %+v", offer)
	}
	if session, _, _ := bob.FetchSession(ctx, "chat-4", "alice"); session.CallEpoch != 2 {
		t.Fatalf("expected offer to raise epoch, got %d", session.CallEpoch)
	}
	if _, ok, err := bob.FetchEnvelope(ctx, "chat-4", "alice", EnvelopeAnswer); err != nil || ok {
		t.Fatalf("expected no answer yet, got %v %v", ok, err)
	}
	if _, err := bob.PublishAnswer(ctx, "chat-4", "alice", 2, "answer-2"); err != nil {
		t.Fatalf("answer: %v", err)
	}

	envelopes, err := remote.View("alice").QueryRecords(ctx, records.ScopeOwner, records.PartitionRef{Name: "chat-4", Owner: "alice"},
		records.Query{Type: records.TypeSignalEnvelope})
	if err != nil || len(envelopes) != 2 {
		t.Fatalf("expected one offer and one answer record, got %d (%v)", len(envelopes), err)
	}

	for _, candidate := range []string{"cand-1", "cand-2"} {
		if _, err := alice.PublishIceCandidate(ctx, "chat-4", "bob", candidate, "host"); err != nil {
			t.Fatalf("ice: %v", err)
		}
	}
	if _, err := bob.PublishIceCandidate(ctx, "chat-4", "alice", "cand-b", "srflx"); err != nil {
		t.Fatalf("bob ice: %v", err)
	}
	chunks, err := bob.FetchIceCandidates(ctx, "chat-4", "alice")
	if err != nil || len(chunks) != 2 {
		t.Fatalf("expected one chunk per peer, got %+v (%v)", chunks, err)
	}
	for _, chunk := range chunks {
		if chunk.OwnerID == "alice" && chunk.Payload != "cand-2" {
			t.Fatalf("expected latest alice candidate, got %+v", chunk)
		}
	}
}

func TestEnsureOwnerShareGrantsParticipant(t *testing.T) {
	remote := newRemote(t)
	ctx := context.Background()
	if _, err := remote.CreatePartition(ctx, "alice", "chat-5"); err != nil {
		t.Fatalf("create: %v", err)
	}
	alice := newMailbox(t, remote.View("alice"))
	if err := alice.EnsureOwnerShare(ctx, "chat-5", "bob"); err != nil {
		t.Fatalf("share: %v", err)
	}
	if err := alice.EnsureOwnerShare(ctx, "chat-5", "bob"); err != nil {
		t.Fatalf("repeat share: %v", err)
	}
	grants, err := remote.ListGrants(ctx, "alice", records.PartitionRef{Name: "chat-5", Owner: "alice"})
	if err != nil || len(grants) != 1 || grants[0].UserID != "bob" {
		t.Fatalf("expected one grant for bob, got %+v (%v)", grants, err)
	}
	if err := remote.AcceptGrant(ctx, "bob", records.PartitionRef{Name: "chat-5"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	bob := newMailbox(t, remote.View("bob"))
	if _, err := bob.EnsureSession(ctx, "chat-5", "alice"); err != nil {
		t.Fatalf("expected bob to signal after share, got %v", err)
	}
	if err := bob.EnsureOwnerShare(ctx, "chat-5", "alice"); err != nil {
		t.Fatalf("expected participant share to be a no-op, got %v", err)
	}
}
