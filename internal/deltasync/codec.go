package deltasync

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/parley/internal/mirror"
	"github.com/MarcoPoloResearchLab/parley/internal/records"
)

// ErrMalformedRecord marks a record missing required fields.
var ErrMalformedRecord = errors.New("deltasync: malformed record")

// EncodeMessage renders a stored message as a record in ref.
func EncodeMessage(message mirror.Message, ref records.PartitionRef) records.Record {
	fields := records.Fields{
		records.FieldRoomID:    message.RoomID,
		records.FieldMessageID: message.MessageID,
		records.FieldSenderID:  message.SenderID,
		records.FieldBody:      message.Body,
		records.FieldTimestamp: message.TimestampMillis,
	}
	if message.EditedAtMillis > 0 {
		fields[records.FieldEditedAt] = message.EditedAtMillis
	}
	if message.AttachmentRef != "" {
		fields[records.FieldAttachmentRef] = message.AttachmentRef
		fields[records.FieldAttachmentAt] = message.AttachmentUpdatedAtMillis
	}
	return records.Record{
		Type:      records.TypeMessage,
		Name:      records.MessageRecordName(message.MessageID, message.SenderID),
		Partition: ref,
		Fields:    fields,
		ChangeTag: message.ChangeTag,
	}
}

// DecodeMessage converts a message record. Room, sender, body and timestamp are required;
// the sender may only be recovered from the record name for records written before the
// sender field existed.
func DecodeMessage(record records.Record) (mirror.Message, error) {
	roomID, ok := record.Fields.String(records.FieldRoomID)
	if !ok || roomID == "" {
		return mirror.Message{}, fmt.Errorf("%w: %s lacks %s", ErrMalformedRecord, record.Name, records.FieldRoomID)
	}
	body, ok := record.Fields.String(records.FieldBody)
	if !ok {
		return mirror.Message{}, fmt.Errorf("%w: %s lacks %s", ErrMalformedRecord, record.Name, records.FieldBody)
	}
	timestamp, ok := record.Fields.Int64(records.FieldTimestamp)
	if !ok {
		return mirror.Message{}, fmt.Errorf("%w: %s lacks %s", ErrMalformedRecord, record.Name, records.FieldTimestamp)
	}

	nameMessageID, nameSenderID, nameOK := records.ParseMessageRecordName(record.Name)
	senderID, ok := record.Fields.String(records.FieldSenderID)
	if !ok || senderID == "" {
		if !nameOK {
			return mirror.Message{}, fmt.Errorf("%w: %s lacks %s", ErrMalformedRecord, record.Name, records.FieldSenderID)
		}
		senderID = nameSenderID
	}
	messageID, ok := record.Fields.String(records.FieldMessageID)
	if !ok || messageID == "" {
		if !nameOK {
			return mirror.Message{}, fmt.Errorf("%w: %s lacks %s", ErrMalformedRecord, record.Name, records.FieldMessageID)
		}
		messageID = nameMessageID
	}

	editedAt, _ := record.Fields.Int64(records.FieldEditedAt)
	attachmentRef, _ := record.Fields.String(records.FieldAttachmentRef)
	attachmentAt, _ := record.Fields.Int64(records.FieldAttachmentAt)
	return mirror.Message{
		RoomID:                    roomID,
		MessageID:                 messageID,
		SenderID:                  senderID,
		Body:                      body,
		TimestampMillis:           timestamp,
		EditedAtMillis:            editedAt,
		AttachmentRef:             attachmentRef,
		AttachmentUpdatedAtMillis: attachmentAt,
		ChangeTag:                 record.ChangeTag,
	}, nil
}

// EncodeReaction renders a reaction as a record in ref.
func EncodeReaction(reaction mirror.Reaction, ref records.PartitionRef) records.Record {
	return records.Record{
		Type:      records.TypeReaction,
		Name:      reaction.RecordName,
		Partition: ref,
		Fields: records.Fields{
			records.FieldRoomID:          reaction.RoomID,
			records.FieldMessageID:       reaction.MessageID,
			records.FieldMessageSenderID: reaction.MessageSenderID,
			records.FieldUserID:          reaction.UserID,
			records.FieldEmoji:           reaction.Emoji,
			records.FieldCreatedAt:       reaction.CreatedAtMillis,
		},
	}
}

// DecodeReaction converts a reaction record. The room defaults to the partition's room.
func DecodeReaction(record records.Record, roomID string) (mirror.Reaction, error) {
	messageID, okMessage := record.Fields.String(records.FieldMessageID)
	userID, okUser := record.Fields.String(records.FieldUserID)
	emoji, okEmoji := record.Fields.String(records.FieldEmoji)
	if !okMessage || !okUser || !okEmoji || messageID == "" || userID == "" || emoji == "" {
		return mirror.Reaction{}, fmt.Errorf("%w: reaction %s", ErrMalformedRecord, record.Name)
	}
	if value, ok := record.Fields.String(records.FieldRoomID); ok && value != "" {
		roomID = value
	}
	messageSenderID, _ := record.Fields.String(records.FieldMessageSenderID)
	createdAt, _ := record.Fields.Int64(records.FieldCreatedAt)
	return mirror.Reaction{
		RoomID:          roomID,
		RecordName:      record.Name,
		MessageID:       messageID,
		MessageSenderID: messageSenderID,
		UserID:          userID,
		Emoji:           emoji,
		CreatedAtMillis: createdAt,
	}, nil
}

// DecodeRoom converts the room record of a partition reached through scope.
func DecodeRoom(record records.Record, scope records.Scope, ref records.PartitionRef) mirror.Room {
	roomID, ok := record.Fields.String(records.FieldRoomID)
	if !ok || roomID == "" {
		roomID = ref.Name
	}
	ownerID, ok := record.Fields.String(records.FieldOwnerID)
	if !ok || ownerID == "" {
		ownerID = ref.Owner
	}
	participantID, _ := record.Fields.String(records.FieldParticipantID)
	createdAt, _ := record.Fields.Int64(records.FieldCreatedAt)
	return mirror.Room{
		RoomID:          roomID,
		Scope:           scope.String(),
		OwnerID:         ownerID,
		ParticipantID:   participantID,
		CreatedAtMillis: createdAt,
	}
}
