package session

import (
	"context"
	"errors"

	"e2e_messenger/internal/model"
)

var (
	ErrNoSession      = errors.New("session: no session for address")
	ErrInvalidMessage = errors.New("session: invalid message")
	ErrUntrustedKey   = errors.New("session: identity key changed")
	// ErrPersist marks failures to save session state. The in-memory state is
	// left as it was before the call.
	ErrPersist = errors.New("session: persist")
)

type (
	// Ciphertext is one encrypted message for a device.
	Ciphertext struct {
		PreKey         bool
		RegistrationId uint32
		Body           []byte
	}

	// Store owns the cryptographic sessions of the local device. It is not
	// safe for concurrent use; a single goroutine must own it.
	Store interface {
		// SubDeviceSessions lists the devices of user with a live session.
		SubDeviceSessions(user model.UserId) []model.DeviceId
		ContainsSession(addr model.Address) bool
		DeleteSession(ctx context.Context, addr model.Address) error
		// ProcessBundle establishes an outgoing session from a fetched bundle.
		ProcessBundle(ctx context.Context, addr model.Address, bundle *model.PreKeyBundle) error
		Encrypt(ctx context.Context, addr model.Address, plaintext []byte) (Ciphertext, error)
		DecryptPreKey(ctx context.Context, addr model.Address, body []byte) ([]byte, error)
		Decrypt(ctx context.Context, addr model.Address, body []byte) ([]byte, error)
	}

	// Persister stores serialized sessions and the local identity.
	Persister interface {
		SaveSession(ctx context.Context, addr model.Address, data []byte) error
		DeleteSession(ctx context.Context, addr model.Address) error
		LoadSessions(ctx context.Context) (map[model.Address][]byte, error)
		SaveIdentity(ctx context.Context, data []byte) error
		LoadIdentity(ctx context.Context) ([]byte, error)
		// SaveSessionAndIdentity stores both or neither.
		SaveSessionAndIdentity(ctx context.Context, addr model.Address, session, identity []byte) error
	}
)
