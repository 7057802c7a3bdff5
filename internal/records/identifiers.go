package records

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Field names shared by every component that reads or writes records.
const (
	FieldRoomID          = "roomID"
	FieldMessageID       = "messageID"
	FieldSenderID        = "senderID"
	FieldBody            = "body"
	FieldTimestamp       = "timestamp"
	FieldEditedAt        = "editedAt"
	FieldAttachmentRef   = "attachmentRef"
	FieldAttachmentAt    = "attachmentUpdatedAt"
	FieldMessageSenderID = "messageSenderID"
	FieldUserID          = "userID"
	FieldEmoji           = "emoji"
	FieldOwnerID         = "ownerID"
	FieldParticipantID   = "participantID"
	FieldCreatedAt       = "createdAt"
	FieldUpdatedAt       = "updatedAt"
	FieldDisplayName     = "displayName"
	FieldAvatar          = "avatar"
	FieldSessionKey      = "sessionKey"
	FieldCallEpoch       = "callEpoch"
	FieldCallerID        = "callerID"
	FieldCalleeID        = "calleeID"
	FieldEnvelopeType    = "envelopeType"
	FieldEpoch           = "epoch"
	FieldPayload         = "payload"
	FieldCandidateType   = "candidateType"
	FieldRooms           = "rooms"
)

// RoomRecordName is the fixed name of the Room record inside every room partition.
const RoomRecordName = "room"

const messageNameSeparator = "~"

// MessageRecordName combines the logical message id with its sender so that two
// senders may reuse the same logical identifier without overwriting each other.
func MessageRecordName(messageID, senderID string) string {
	return messageID + messageNameSeparator + senderID
}

// ParseMessageRecordName splits a message record name into message and sender ids.
// It backs the legacy shim for records written without an explicit sender field.
func ParseMessageRecordName(name string) (string, string, bool) {
	index := strings.LastIndex(name, messageNameSeparator)
	if index <= 0 || index == len(name)-1 {
		return "", "", false
	}
	return name[:index], name[index+1:], true
}

// SessionKey derives the call session identity for a room and an unordered pair of participants.
func SessionKey(roomID, firstUserID, secondUserID string) string {
	participants := []string{firstUserID, secondUserID}
	sort.Strings(participants)
	return "ss_" + digest(roomID, participants[0], participants[1])[:32]
}

// ReactionRecordName derives the reaction identity from message, reacting user and emoji.
func ReactionRecordName(messageID, messageSenderID, userID, emoji string) string {
	return "rx_" + digest(MessageRecordName(messageID, messageSenderID), userID, emoji)[:40]
}

// EnvelopeRecordName names the single live envelope of a type for a session.
func EnvelopeRecordName(sessionKey, envelopeType string) string {
	return sessionKey + ":" + envelopeType
}

// IceRecordName names the single live candidate chunk a peer publishes for a session.
func IceRecordName(sessionKey, ownerUserID string) string {
	return sessionKey + ":ice:" + ownerUserID
}

// ProfileRecordName names a participant profile record.
func ProfileRecordName(userID string) string {
	return "profile:" + userID
}

func digest(parts ...string) string {
	hasher := sha256.New()
	for index, part := range parts {
		if index > 0 {
			hasher.Write([]byte{0})
		}
		hasher.Write([]byte(part))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
