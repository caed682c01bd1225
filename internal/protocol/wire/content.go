package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"e2e_messenger/internal/model"

	"github.com/google/uuid"
)

type AuthFailureReason string

const (
	AuthExpired AuthFailureReason = "expired"
	AuthInvalid AuthFailureReason = "invalid"
)

type (
	AuthenticateContent struct {
		Token string `json:"token"`
	}

	// AuthSuccessContent is optional. ServerTime is the relay clock in unix
	// milliseconds.
	AuthSuccessContent struct {
		ServerTime int64 `json:"server_time,omitempty"`
	}

	AuthFailureContent struct {
		Reason AuthFailureReason `json:"reason"`
	}

	// SendMessageContent carries one ciphertext per recipient device of one
	// logical message.
	SendMessageContent struct {
		Messages []model.MessageData `json:"messages"`
	}

	// NewMessageContent is the inbound counterpart for a single device.
	NewMessageContent struct {
		Payload model.EncryptedPackagePayload `json:"payload"`
	}

	// DeviceMismatchContent answers a SendMessage encrypted for the wrong
	// set of recipient devices.
	DeviceMismatchContent = model.DeviceMismatch
)

func Authenticate(from model.Address, token string) (RelayMessage, error) {
	return jsonMessage(CmdAuthenticate, from, model.Address{}, uuid.Nil, AuthenticateContent{Token: token})
}

func AuthSuccess(to model.Address, serverTime time.Time) (RelayMessage, error) {
	return jsonMessage(CmdAuthSuccess, model.Address{}, to, uuid.Nil, AuthSuccessContent{ServerTime: serverTime.UnixMilli()})
}

func Ping(from model.Address) RelayMessage {
	h := NewHeader(CmdPing)
	h.From = from
	return NewMessage(h, nil)
}

func SendMessage(from model.Address, to model.UserId, messageId string, messages []model.MessageData) (RelayMessage, error) {
	id, err := uuid.Parse(messageId)
	if err != nil {
		return RelayMessage{}, fmt.Errorf("wire: message id %q: %w", messageId, err)
	}
	return jsonMessage(CmdSendMessage, from, model.Address{User: to}, id, SendMessageContent{Messages: messages})
}

// MessageSent acknowledges that the relay accepted messageId.
func MessageSent(to model.Address, messageId string) (RelayMessage, error) {
	id, err := uuid.Parse(messageId)
	if err != nil {
		return RelayMessage{}, fmt.Errorf("wire: message id %q: %w", messageId, err)
	}
	h := NewHeader(CmdMessageSent)
	h.To = to
	h.MessageId = id
	return NewMessage(h, nil), nil
}

func DeviceMismatch(to model.Address, recipient model.UserId, messageId string, m DeviceMismatchContent) (RelayMessage, error) {
	id, err := uuid.Parse(messageId)
	if err != nil {
		return RelayMessage{}, fmt.Errorf("wire: message id %q: %w", messageId, err)
	}
	return jsonMessage(CmdDeviceMismatch, model.Address{User: recipient}, to, id, m)
}

// Deliver builds the frame the relay uses to hand one device ciphertext to
// its recipient.
func Deliver(from, to model.Address, messageId string, payload model.EncryptedPackagePayload) (RelayMessage, error) {
	id, err := uuid.Parse(messageId)
	if err != nil {
		return RelayMessage{}, fmt.Errorf("wire: message id %q: %w", messageId, err)
	}
	return jsonMessage(CmdNewMessage, from, to, id, NewMessageContent{Payload: payload})
}

// MessageIdOf returns the message id carried in the header, or "" for
// frames without one.
func MessageIdOf(m RelayMessage) string {
	if m.Header.MessageId == uuid.Nil {
		return ""
	}
	return m.Header.MessageId.String()
}

func jsonMessage(cmd CommandCode, from, to model.Address, id uuid.UUID, v any) (RelayMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return RelayMessage{}, fmt.Errorf("wire: encode %s content: %w", cmd, err)
	}
	h := NewHeader(cmd)
	h.From = from
	h.To = to
	h.MessageId = id
	return NewMessage(h, b), nil
}

// DecodeContent unmarshals a JSON content body into v.
func DecodeContent(m RelayMessage, v any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("wire: %s has no content", m.Header.Command)
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("wire: decode %s content: %w", m.Header.Command, err)
	}
	return nil
}
