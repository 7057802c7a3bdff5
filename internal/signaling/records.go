package signaling

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/parley/internal/records"
)

// EnvelopeType selects the offer or answer slot of a session.
type EnvelopeType string

const (
	EnvelopeOffer  EnvelopeType = "offer"
	EnvelopeAnswer EnvelopeType = "answer"
)

// ErrMalformedSignal reports a signaling record that lacks required fields.
var ErrMalformedSignal = errors.New("signaling: malformed record")

// Session is the call negotiation state shared by the two participants of a room.
type Session struct {
	Key             string
	RoomID          string
	CallerID        string
	CalleeID        string
	CallEpoch       int64
	UpdatedAtMillis int64
	ChangeTag       string
}

// Consistent reports whether the session key matches its room and participants.
func (s Session) Consistent() bool {
	return s.Key != "" && s.CallerID != "" && s.CalleeID != "" &&
		s.Key == records.SessionKey(s.RoomID, s.CallerID, s.CalleeID)
}

// Envelope is the live offer or answer of a session.
type Envelope struct {
	SessionKey      string
	Type            EnvelopeType
	SenderID        string
	Epoch           int64
	Payload         string
	UpdatedAtMillis int64
}

// IceChunk is the latest candidate snapshot one peer published for a session.
type IceChunk struct {
	SessionKey      string
	OwnerID         string
	Payload         string
	CandidateType   string
	UpdatedAtMillis int64
}

func sessionRecord(session Session, ref records.PartitionRef) records.Record {
	return records.Record{
		Type:      records.TypeSignalSession,
		Name:      session.Key,
		Partition: ref,
		ChangeTag: session.ChangeTag,
		Fields: records.Fields{
			records.FieldSessionKey: session.Key,
			records.FieldRoomID:     session.RoomID,
			records.FieldCallerID:   session.CallerID,
			records.FieldCalleeID:   session.CalleeID,
			records.FieldCallEpoch:  session.CallEpoch,
			records.FieldUpdatedAt:  session.UpdatedAtMillis,
		},
	}
}

// DecodeSession converts a session record.
func DecodeSession(record records.Record) (Session, error) {
	key, ok := record.Fields.String(records.FieldSessionKey)
	if !ok || key == "" {
		key = record.Name
	}
	roomID, okRoom := record.Fields.String(records.FieldRoomID)
	callerID, okCaller := record.Fields.String(records.FieldCallerID)
	calleeID, okCallee := record.Fields.String(records.FieldCalleeID)
	if !okRoom || !okCaller || !okCallee {
		return Session{}, fmt.Errorf("%w: session %s", ErrMalformedSignal, record.Name)
	}
	epoch, _ := record.Fields.Int64(records.FieldCallEpoch)
	updatedAt, _ := record.Fields.Int64(records.FieldUpdatedAt)
	return Session{
		Key:             key,
		RoomID:          roomID,
		CallerID:        callerID,
		CalleeID:        calleeID,
		CallEpoch:       epoch,
		UpdatedAtMillis: updatedAt,
		ChangeTag:       record.ChangeTag,
	}, nil
}

func envelopeRecord(envelope Envelope, ref records.PartitionRef) records.Record {
	return records.Record{
		Type:      records.TypeSignalEnvelope,
		Name:      records.EnvelopeRecordName(envelope.SessionKey, string(envelope.Type)),
		Partition: ref,
		Fields: records.Fields{
			records.FieldSessionKey:   envelope.SessionKey,
			records.FieldEnvelopeType: string(envelope.Type),
			records.FieldSenderID:     envelope.SenderID,
			records.FieldEpoch:        envelope.Epoch,
			records.FieldPayload:      envelope.Payload,
			records.FieldUpdatedAt:    envelope.UpdatedAtMillis,
		},
	}
}

func decodeEnvelope(record records.Record) (Envelope, error) {
	key, okKey := record.Fields.String(records.FieldSessionKey)
	envelopeType, okType := record.Fields.String(records.FieldEnvelopeType)
	payload, okPayload := record.Fields.String(records.FieldPayload)
	if !okKey || !okType || !okPayload {
		return Envelope{}, fmt.Errorf("%w: envelope %s", ErrMalformedSignal, record.Name)
	}
	senderID, _ := record.Fields.String(records.FieldSenderID)
	epoch, _ := record.Fields.Int64(records.FieldEpoch)
	updatedAt, _ := record.Fields.Int64(records.FieldUpdatedAt)
	return Envelope{
		SessionKey:      key,
		Type:            EnvelopeType(envelopeType),
		SenderID:        senderID,
		Epoch:           epoch,
		Payload:         payload,
		UpdatedAtMillis: updatedAt,
	}, nil
}

func iceRecord(chunk IceChunk, ref records.PartitionRef) records.Record {
	return records.Record{
		Type:      records.TypeIceChunk,
		Name:      records.IceRecordName(chunk.SessionKey, chunk.OwnerID),
		Partition: ref,
		Fields: records.Fields{
			records.FieldSessionKey:    chunk.SessionKey,
			records.FieldUserID:        chunk.OwnerID,
			records.FieldPayload:       chunk.Payload,
			records.FieldCandidateType: chunk.CandidateType,
			records.FieldUpdatedAt:     chunk.UpdatedAtMillis,
		},
	}
}

func decodeIceChunk(record records.Record) (IceChunk, error) {
	key, okKey := record.Fields.String(records.FieldSessionKey)
	ownerID, okOwner := record.Fields.String(records.FieldUserID)
	payload, okPayload := record.Fields.String(records.FieldPayload)
	if !okKey || !okOwner || !okPayload {
		return IceChunk{}, fmt.Errorf("%w: ice chunk %s", ErrMalformedSignal, record.Name)
	}
	candidateType, _ := record.Fields.String(records.FieldCandidateType)
	updatedAt, _ := record.Fields.Int64(records.FieldUpdatedAt)
	return IceChunk{
		SessionKey:      key,
		OwnerID:         ownerID,
		Payload:         payload,
		CandidateType:   candidateType,
		UpdatedAtMillis: updatedAt,
	}, nil
}
