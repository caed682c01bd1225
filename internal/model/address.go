package model

import (
	"fmt"
	"strconv"
	"strings"
)

type (
	UserId   uint64
	DeviceId uint32
	GroupId  string

	// Address identifies one cryptographic peer endpoint: a single device of a user.
	Address struct {
		User   UserId   `json:"user" bson:"user"`
		Device DeviceId `json:"device" bson:"device"`
	}
)

func NewAddress(user UserId, device DeviceId) Address {
	return Address{User: user, Device: device}
}

func (a Address) String() string {
	return fmt.Sprintf("%d:%d", a.User, a.Device)
}

// ParseAddress is the inverse of Address.String.
func ParseAddress(s string) (Address, error) {
	user, device, ok := strings.Cut(s, ":")
	if !ok {
		return Address{}, fmt.Errorf("invalid address %q", s)
	}
	u, err := strconv.ParseUint(user, 10, 64)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	d, err := strconv.ParseUint(device, 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Address{User: UserId(u), Device: DeviceId(d)}, nil
}

func (u UserId) String() string {
	return strconv.FormatUint(uint64(u), 10)
}

func ParseUserId(s string) (UserId, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q: %w", s, err)
	}
	return UserId(v), nil
}

// ConversationId is either a single user or a group.
type ConversationId struct {
	user  UserId
	group GroupId
	isGrp bool
}

func UserConversation(id UserId) ConversationId {
	return ConversationId{user: id}
}

func GroupConversation(id GroupId) ConversationId {
	return ConversationId{group: id, isGrp: true}
}

func (c ConversationId) IsGroup() bool { return c.isGrp }

func (c ConversationId) User() (UserId, bool) { return c.user, !c.isGrp }

func (c ConversationId) Group() (GroupId, bool) { return c.group, c.isGrp }

func (c ConversationId) String() string {
	if c.isGrp {
		return "group:" + string(c.group)
	}
	return "user:" + c.user.String()
}
