package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidChatMessage = errors.New("chat: invalid message")

// ChatMessage is the decrypted domain message. Implementations are Text,
// GroupEvent and Control.
type ChatMessage interface {
	chatTag() string
}

type (
	Text struct {
		Timestamp int64    `json:"timestamp"`
		Message   string   `json:"message"`
		GroupId   *GroupId `json:"groupId"`
		TTL       int64    `json:"ttl"`
	}

	// GroupEvent carries exactly one of Join, Part or Invitation.
	GroupEvent struct {
		Join       *GroupJoin
		Part       *GroupPart
		Invitation *GroupInvitation
	}

	GroupJoin struct {
		Id     GroupId  `json:"id"`
		Joined []UserId `json:"joined"`
	}

	GroupPart struct {
		Id GroupId `json:"id"`
	}

	GroupInvitation struct {
		Id      GroupId  `json:"id"`
		Name    string   `json:"name"`
		Members []UserId `json:"members"`
	}

	// Control carries exactly one control notification.
	Control struct {
		WasAdded bool
	}

	// ChatMessageWrapper pairs a decoded message with the id it arrived under.
	ChatMessageWrapper struct {
		MessageId string
		Message   ChatMessage
	}

	tagged struct {
		T string          `json:"t"`
		M json.RawMessage `json:"m,omitempty"`
	}
)

func (Text) chatTag() string       { return "t" }
func (GroupEvent) chatTag() string { return "g" }
func (Control) chatTag() string    { return "c" }

func EncodeChatMessage(m ChatMessage) ([]byte, error) {
	var body any
	switch v := m.(type) {
	case Text:
		body = v
	case GroupEvent:
		inner, err := encodeGroupEvent(v)
		if err != nil {
			return nil, err
		}
		body = inner
	case Control:
		if !v.WasAdded {
			return nil, fmt.Errorf("%w: empty control message", ErrInvalidChatMessage)
		}
		body = tagged{T: "a"}
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidChatMessage, m)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tagged{T: m.chatTag(), M: raw})
}

func encodeGroupEvent(e GroupEvent) (tagged, error) {
	var (
		t    string
		body any
		n    int
	)
	if e.Join != nil {
		t, body, n = "j", e.Join, n+1
	}
	if e.Part != nil {
		t, body, n = "p", e.Part, n+1
	}
	if e.Invitation != nil {
		t, body, n = "i", e.Invitation, n+1
	}
	if n != 1 {
		return tagged{}, fmt.Errorf("%w: group event must carry exactly one event", ErrInvalidChatMessage)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return tagged{}, err
	}
	return tagged{T: t, M: raw}, nil
}

// DecodeChatMessage parses a decrypted plaintext. Any structural problem is
// reported as ErrInvalidChatMessage.
func DecodeChatMessage(b []byte) (ChatMessage, error) {
	var outer tagged
	if err := json.Unmarshal(b, &outer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChatMessage, err)
	}
	if len(outer.M) == 0 {
		return nil, fmt.Errorf("%w: missing body for tag %q", ErrInvalidChatMessage, outer.T)
	}

	switch outer.T {
	case "t":
		var m Text
		if err := strictUnmarshal(outer.M, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "g":
		return decodeGroupEvent(outer.M)
	case "c":
		var inner tagged
		if err := strictUnmarshal(outer.M, &inner); err != nil {
			return nil, err
		}
		if inner.T != "a" {
			return nil, fmt.Errorf("%w: unknown control tag %q", ErrInvalidChatMessage, inner.T)
		}
		return Control{WasAdded: true}, nil
	default:
		return nil, fmt.Errorf("%w: unknown tag %q", ErrInvalidChatMessage, outer.T)
	}
}

func decodeGroupEvent(b []byte) (ChatMessage, error) {
	var inner tagged
	if err := strictUnmarshal(b, &inner); err != nil {
		return nil, err
	}
	if len(inner.M) == 0 {
		return nil, fmt.Errorf("%w: missing group event body", ErrInvalidChatMessage)
	}

	var ev GroupEvent
	switch inner.T {
	case "j":
		ev.Join = &GroupJoin{}
		if err := strictUnmarshal(inner.M, ev.Join); err != nil {
			return nil, err
		}
	case "p":
		ev.Part = &GroupPart{}
		if err := strictUnmarshal(inner.M, ev.Part); err != nil {
			return nil, err
		}
	case "i":
		ev.Invitation = &GroupInvitation{}
		if err := strictUnmarshal(inner.M, ev.Invitation); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown group event tag %q", ErrInvalidChatMessage, inner.T)
	}
	return ev, nil
}

func strictUnmarshal(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChatMessage, err)
	}
	return nil
}
