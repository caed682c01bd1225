package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"e2e_messenger/internal/model"

	"github.com/google/uuid"
)

const (
	HeaderSize      = 48
	ProtocolVersion = 1

	DefaultMaxContentLength = 1 << 20
)

type CommandCode uint8

const (
	CmdAuthenticate CommandCode = iota + 1
	CmdAuthSuccess
	CmdAuthFailure
	CmdSendMessage
	CmdMessageSent
	CmdNewMessage
	CmdDeviceMismatch
	CmdPing
	CmdPong
)

var commandNames = map[CommandCode]string{
	CmdAuthenticate:   "authenticate",
	CmdAuthSuccess:    "auth_success",
	CmdAuthFailure:    "auth_failure",
	CmdSendMessage:    "send_message",
	CmdMessageSent:    "message_sent",
	CmdNewMessage:     "new_message",
	CmdDeviceMismatch: "device_mismatch",
	CmdPing:           "ping",
	CmdPong:           "pong",
}

func (c CommandCode) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

func (c CommandCode) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("command(%d)", uint8(c))
}

var (
	ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")
	ErrUnknownCommand     = errors.New("wire: unknown command")
	ErrContentTooLarge    = errors.New("wire: content too large")
	ErrShortHeader        = errors.New("wire: short header")
)

// DecodeError is fatal for the connection that produced it.
type DecodeError struct {
	Offset uint64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: malformed header at byte %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Header is the fixed-size prefix of every frame.
type Header struct {
	Version       uint8
	Command       CommandCode
	Flags         uint16
	ContentLength uint32
	From          model.Address
	To            model.Address
	MessageId     uuid.UUID
}

func NewHeader(cmd CommandCode) Header {
	return Header{Version: ProtocolVersion, Command: cmd}
}

func EncodeHeader(h Header) []byte {
	return appendHeader(make([]byte, 0, HeaderSize), h)
}

func appendHeader(buf []byte, h Header) []byte {
	var b [HeaderSize]byte
	b[0] = h.Version
	b[1] = uint8(h.Command)
	binary.BigEndian.PutUint16(b[2:4], h.Flags)
	binary.BigEndian.PutUint32(b[4:8], h.ContentLength)
	binary.BigEndian.PutUint64(b[8:16], uint64(h.From.User))
	binary.BigEndian.PutUint32(b[16:20], uint32(h.From.Device))
	binary.BigEndian.PutUint64(b[20:28], uint64(h.To.User))
	binary.BigEndian.PutUint32(b[28:32], uint32(h.To.Device))
	copy(b[32:48], h.MessageId[:])
	return append(buf, b[:]...)
}

// DecodeHeader parses exactly HeaderSize bytes and checks the header
// against limits. maxContent of 0 disables the content length check.
func DecodeHeader(b []byte, maxContent uint32) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	h := Header{
		Version:       b[0],
		Command:       CommandCode(b[1]),
		Flags:         binary.BigEndian.Uint16(b[2:4]),
		ContentLength: binary.BigEndian.Uint32(b[4:8]),
		From: model.Address{
			User:   model.UserId(binary.BigEndian.Uint64(b[8:16])),
			Device: model.DeviceId(binary.BigEndian.Uint32(b[16:20])),
		},
		To: model.Address{
			User:   model.UserId(binary.BigEndian.Uint64(b[20:28])),
			Device: model.DeviceId(binary.BigEndian.Uint32(b[28:32])),
		},
	}
	copy(h.MessageId[:], b[32:48])

	if h.Version != ProtocolVersion {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if !h.Command.Valid() {
		return Header{}, fmt.Errorf("%w: %d", ErrUnknownCommand, uint8(h.Command))
	}
	if maxContent > 0 && h.ContentLength > maxContent {
		return Header{}, fmt.Errorf("%w: %d > %d", ErrContentTooLarge, h.ContentLength, maxContent)
	}
	return h, nil
}
