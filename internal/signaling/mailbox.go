package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/partitions"
	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"go.uber.org/zap"
)

// DefaultTimeout bounds every mailbox call.
const DefaultTimeout = 10 * time.Second

const maxUpdateAttempts = 5

var (
	errMissingCollaborator = errors.New("signaling: store and resolver are required")
	errUpdateContended     = errors.New("signaling: session update kept conflicting")
)

// Config describes the dependencies required to construct a Mailbox.
type Config struct {
	Store    records.Store
	Resolver *partitions.Resolver
	Clock    func() time.Time
	Logger   *zap.Logger
	Timeout  time.Duration
}

// Mailbox negotiates calls through overwritten records in the room partition.
// The local participant is always the store identity.
type Mailbox struct {
	store    records.Store
	resolver *partitions.Resolver
	clock    func() time.Time
	logger   *zap.Logger
	timeout  time.Duration
}

// NewMailbox validates collaborators and constructs a Mailbox.
func NewMailbox(cfg Config) (*Mailbox, error) {
	if cfg.Store == nil || cfg.Resolver == nil {
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
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Mailbox{store: cfg.Store, resolver: cfg.Resolver, clock: clock, logger: logger, timeout: timeout}, nil
}

func (m *Mailbox) nowMillis() int64 {
	return m.clock().UTC().UnixMilli()
}

// EnsureSession returns the room's session with remoteID, creating it when absent.
// Losing a creation race is treated as success.
func (m *Mailbox) EnsureSession(ctx context.Context, roomID, remoteID string) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	resolution, err := m.resolver.Resolve(ctx, roomID)
	if err != nil {
		return Session{}, err
	}
	return m.ensureSession(ctx, resolution, remoteID)
}

func (m *Mailbox) ensureSession(ctx context.Context, resolution partitions.Resolution, remoteID string) (Session, error) {
	localID := m.store.Identity()
	key := records.SessionKey(resolution.RoomID, localID, remoteID)
	existing, err := m.store.FetchRecord(ctx, resolution.Scope, resolution.Partition, records.RecordKey{Type: records.TypeSignalSession, Name: key})
	switch {
	case err == nil:
		return DecodeSession(existing)
	case !records.IsKind(err, records.KindNotFound):
		return Session{}, err
	}

	created := Session{
		Key:             key,
		RoomID:          resolution.RoomID,
		CallerID:        localID,
		CalleeID:        remoteID,
		UpdatedAtMillis: m.nowMillis(),
		ChangeTag:       records.ChangeTagAbsent,
	}
	saved, err := m.store.SaveRecord(ctx, resolution.Scope, sessionRecord(created, resolution.Partition))
	if records.IsKind(err, records.KindAlreadyExists) {
		m.logger.Debug("session created concurrently; re-fetching", zap.String("room_id", resolution.RoomID))
		existing, err = m.store.FetchRecord(ctx, resolution.Scope, resolution.Partition, records.RecordKey{Type: records.TypeSignalSession, Name: key})
		if err != nil {
			return Session{}, err
		}
		return DecodeSession(existing)
	}
	if err != nil {
		return Session{}, err
	}
	return DecodeSession(saved)
}

// UpdateSession raises the call epoch to nextEpoch. The epoch never goes down;
// a lower nextEpoch returns the session unchanged.
func (m *Mailbox) UpdateSession(ctx context.Context, roomID, remoteID string, nextEpoch int64) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	resolution, err := m.resolver.Resolve(ctx, roomID)
	if err != nil {
		return Session{}, err
	}
	return m.updateSession(ctx, resolution, remoteID, nextEpoch)
}

func (m *Mailbox) updateSession(ctx context.Context, resolution partitions.Resolution, remoteID string, nextEpoch int64) (Session, error) {
	session, err := m.ensureSession(ctx, resolution, remoteID)
	if err != nil {
		return Session{}, err
	}
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if session.CallEpoch >= nextEpoch {
			return session, nil
		}
		next := session
		next.CallEpoch = nextEpoch
		next.CallerID = m.store.Identity()
		next.CalleeID = remoteID
		next.UpdatedAtMillis = m.nowMillis()
		saved, err := m.store.SaveRecord(ctx, resolution.Scope, sessionRecord(next, resolution.Partition))
		if err == nil {
			return DecodeSession(saved)
		}
		current, ok := records.ConflictCurrent(err)
		if !ok {
			return Session{}, err
		}
		if session, err = DecodeSession(current); err != nil {
			return Session{}, err
		}
	}
	return Session{}, fmt.Errorf("%w: %s", errUpdateContended, resolution.RoomID)
}

// PublishOffer raises the session epoch, then overwrites the offer envelope.
func (m *Mailbox) PublishOffer(ctx context.Context, roomID, remoteID string, epoch int64, payload string) (Envelope, error) {
	return m.publishEnvelope(ctx, roomID, remoteID, EnvelopeOffer, epoch, payload)
}

// PublishAnswer raises the session epoch, then overwrites the answer envelope.
func (m *Mailbox) PublishAnswer(ctx context.Context, roomID, remoteID string, epoch int64, payload string) (Envelope, error) {
	return m.publishEnvelope(ctx, roomID, remoteID, EnvelopeAnswer, epoch, payload)
}

func (m *Mailbox) publishEnvelope(ctx context.Context, roomID, remoteID string, envelopeType EnvelopeType, epoch int64, payload string) (Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	resolution, err := m.resolver.Resolve(ctx, roomID)
	if err != nil {
		return Envelope{}, err
	}
	session, err := m.updateSession(ctx, resolution, remoteID, epoch)
	if err != nil {
		return Envelope{}, err
	}
	envelope := Envelope{
		SessionKey:      session.Key,
		Type:            envelopeType,
		SenderID:        m.store.Identity(),
		Epoch:           epoch,
		Payload:         payload,
		UpdatedAtMillis: m.nowMillis(),
	}
	saved, err := m.store.SaveRecord(ctx, resolution.Scope, envelopeRecord(envelope, resolution.Partition))
	if err != nil {
		m.logger.Warn("envelope publish failed", zap.String("room_id", resolution.RoomID),
			zap.String("envelope_type", string(envelopeType)), zap.Error(err))
		return Envelope{}, err
	}
	return decodeEnvelope(saved)
}

// PublishIceCandidate overwrites the caller's candidate chunk. Only the latest snapshot per peer is kept.
func (m *Mailbox) PublishIceCandidate(ctx context.Context, roomID, remoteID, payload, candidateType string) (IceChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	resolution, err := m.resolver.Resolve(ctx, roomID)
	if err != nil {
		return IceChunk{}, err
	}
	chunk := IceChunk{
		SessionKey:      records.SessionKey(resolution.RoomID, m.store.Identity(), remoteID),
		OwnerID:         m.store.Identity(),
		Payload:         payload,
		CandidateType:   candidateType,
		UpdatedAtMillis: m.nowMillis(),
	}
	saved, err := m.store.SaveRecord(ctx, resolution.Scope, iceRecord(chunk, resolution.Partition))
	if err != nil {
		return IceChunk{}, err
	}
	return decodeIceChunk(saved)
}

// FetchSession returns the session, if one exists.
func (m *Mailbox) FetchSession(ctx context.Context, roomID, remoteID string) (Session, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	resolution, err := m.resolver.Resolve(ctx, roomID)
	if err != nil {
		return Session{}, false, err
	}
	key := records.SessionKey(resolution.RoomID, m.store.Identity(), remoteID)
	record, err := m.store.FetchRecord(ctx, resolution.Scope, resolution.Partition, records.RecordKey{Type: records.TypeSignalSession, Name: key})
	if records.IsKind(err, records.KindNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	session, err := DecodeSession(record)
	return session, err == nil, err
}

// FetchEnvelope returns the live envelope of the given type, if any.
func (m *Mailbox) FetchEnvelope(ctx context.Context, roomID, remoteID string, envelopeType EnvelopeType) (Envelope, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	resolution, err := m.resolver.Resolve(ctx, roomID)
	if err != nil {
		return Envelope{}, false, err
	}
	key := records.SessionKey(resolution.RoomID, m.store.Identity(), remoteID)
	name := records.EnvelopeRecordName(key, string(envelopeType))
	record, err := m.store.FetchRecord(ctx, resolution.Scope, resolution.Partition, records.RecordKey{Type: records.TypeSignalEnvelope, Name: name})
	if records.IsKind(err, records.KindNotFound) {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, err
	}
	envelope, err := decodeEnvelope(record)
	return envelope, err == nil, err
}

// FetchIceCandidates returns the candidate chunks of both peers.
func (m *Mailbox) FetchIceCandidates(ctx context.Context, roomID, remoteID string) ([]IceChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	resolution, err := m.resolver.Resolve(ctx, roomID)
	if err != nil {
		return nil, err
	}
	key := records.SessionKey(resolution.RoomID, m.store.Identity(), remoteID)
	found, err := m.store.QueryRecords(ctx, resolution.Scope, resolution.Partition, records.Query{
		Type:   records.TypeIceChunk,
		Equals: map[string]string{records.FieldSessionKey: key},
	})
	if err != nil {
		return nil, err
	}
	chunks := make([]IceChunk, 0, len(found))
	for _, record := range found {
		chunk, err := decodeIceChunk(record)
		if err != nil {
			m.logger.Warn("skipping ice chunk", zap.String("record_name", record.Name), zap.Error(err))
			continue
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// EnsureOwnerShare grants remoteID shared access when the caller owns the room.
// Participants have nothing to share and return nil.
func (m *Mailbox) EnsureOwnerShare(ctx context.Context, roomID, remoteID string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	resolution, err := m.resolver.Resolve(ctx, roomID)
	if err != nil {
		return err
	}
	if resolution.Scope != records.ScopeOwner || remoteID == m.store.Identity() {
		return nil
	}
	grants, err := m.store.ListGrants(ctx, resolution.Partition)
	if err != nil {
		return err
	}
	for _, grant := range grants {
		if grant.UserID == remoteID {
			return nil
		}
	}
	handle, err := m.store.LookupParticipant(ctx, records.IdentityReference{UserID: remoteID})
	if records.IsKind(err, records.KindNotFound) {
		handle, err = records.ParticipantHandle{UserID: remoteID}, nil
	}
	if err != nil {
		return err
	}
	if err := m.store.GrantAccess(ctx, resolution.Partition, handle); err != nil {
		m.logger.Error("owner share failed", zap.String("room_id", resolution.RoomID), zap.Error(err))
		return err
	}
	m.logger.Info("granted call participant access", zap.String("room_id", resolution.RoomID), zap.String("participant_id", remoteID))
	return nil
}
