package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MessageCategory string

const (
	CategoryText  MessageCategory = "TEXT_SINGLE"
	CategoryGroup MessageCategory = "TEXT_GROUP"
	CategoryOther MessageCategory = "OTHER"
)

func (c MessageCategory) Valid() bool {
	switch c {
	case CategoryText, CategoryGroup, CategoryOther:
		return true
	}
	return false
}

type (
	MessageMetadata struct {
		Recipient UserId          `json:"recipient"`
		GroupId   *GroupId        `json:"group_id,omitempty"`
		Category  MessageCategory `json:"category"`
		MessageId string          `json:"message_id"`
	}

	// SenderMessageEntry is one logical outbound message before per-device
	// fan-out. Message holds the serialized ChatMessage plaintext.
	SenderMessageEntry struct {
		Metadata MessageMetadata `json:"metadata"`
		Message  []byte          `json:"message"`
	}

	PackageId struct {
		Address   Address `json:"address"`
		MessageId string  `json:"message_id"`
	}

	// Package is one undecrypted inbound item. Payload is the serialized
	// EncryptedPackagePayload exactly as received.
	Package struct {
		Id         PackageId `json:"id"`
		ReceivedAt time.Time `json:"received_at"`
		Payload    string    `json:"payload"`
	}

	// DeviceMismatch is reported by the relay when the device set a message
	// was encrypted for differs from the recipient's registered devices.
	DeviceMismatch struct {
		Missing []DeviceId `json:"missing"`
		Stale   []DeviceId `json:"stale"`
		Removed []DeviceId `json:"removed"`
	}
)

// NewMessageId returns a random message id.
func NewMessageId() string {
	return uuid.NewString()
}

func NewSenderMessageEntry(recipient UserId, group *GroupId, category MessageCategory, message []byte) SenderMessageEntry {
	return SenderMessageEntry{
		Metadata: MessageMetadata{
			Recipient: recipient,
			GroupId:   group,
			Category:  category,
			MessageId: NewMessageId(),
		},
		Message: message,
	}
}

func (m MessageMetadata) Validate() error {
	if m.MessageId == "" {
		return fmt.Errorf("metadata missing message_id")
	}
	if m.Recipient == 0 {
		return fmt.Errorf("metadata missing recipient")
	}
	if !m.Category.Valid() {
		return fmt.Errorf("metadata has invalid category %q", m.Category)
	}
	return nil
}

func (m MessageMetadata) Conversation() ConversationId {
	if m.GroupId != nil {
		return GroupConversation(*m.GroupId)
	}
	return UserConversation(m.Recipient)
}

func (id PackageId) String() string {
	return id.Address.String() + "/" + id.MessageId
}

func (d DeviceMismatch) IsEmpty() bool {
	return len(d.Missing) == 0 && len(d.Stale) == 0 && len(d.Removed) == 0
}
