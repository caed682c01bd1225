package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"slices"

	"e2e_messenger/internal/cryptographic/dh"
	"e2e_messenger/internal/cryptographic/signature"
	"e2e_messenger/internal/model"
)

// Identity is the long-lived key material of the local device.
type Identity struct {
	RegistrationId  uint32                `json:"registration_id"`
	IdentityKey     dh.KeyPair            `json:"identity_key"`
	Signing         signature.KeyPair     `json:"signing"`
	SignedPreKeyId  uint32                `json:"signed_pre_key_id"`
	SignedPreKey    dh.KeyPair            `json:"signed_pre_key"`
	SignedPreKeySig []byte                `json:"signed_pre_key_sig"`
	OneTimeKeys     map[uint32]dh.KeyPair `json:"one_time_keys"`
	NextOneTimeId   uint32                `json:"next_one_time_id"`
}

// NewIdentity generates a fresh identity with n one-time prekeys.
func NewIdentity(n int) (*Identity, error) {
	var reg [4]byte
	if _, err := rand.Read(reg[:]); err != nil {
		return nil, err
	}
	ik, err := dh.NewKeyPair()
	if err != nil {
		return nil, err
	}
	sig, err := signature.NewKeyPair()
	if err != nil {
		return nil, err
	}
	id := &Identity{
		// Registration ids are 14 bit, non-zero.
		RegistrationId: binary.BigEndian.Uint32(reg[:])&0x3fff | 1,
		IdentityKey:    ik,
		Signing:        sig,
		OneTimeKeys:    make(map[uint32]dh.KeyPair),
		NextOneTimeId:  1,
	}
	if err := id.RotateSignedPreKey(); err != nil {
		return nil, err
	}
	if err := id.GenerateOneTimeKeys(n); err != nil {
		return nil, err
	}
	return id, nil
}

// RotateSignedPreKey replaces the signed prekey and its signature.
func (id *Identity) RotateSignedPreKey() error {
	spk, err := dh.NewKeyPair()
	if err != nil {
		return err
	}
	s, err := signature.Sign(id.Signing.Priv, spk.Pub[:])
	if err != nil {
		return err
	}
	id.SignedPreKeyId++
	id.SignedPreKey = spk
	id.SignedPreKeySig = s
	return nil
}

func (id *Identity) GenerateOneTimeKeys(n int) error {
	if id.OneTimeKeys == nil {
		id.OneTimeKeys = make(map[uint32]dh.KeyPair)
	}
	for range n {
		kp, err := dh.NewKeyPair()
		if err != nil {
			return err
		}
		id.OneTimeKeys[id.NextOneTimeId] = kp
		id.NextOneTimeId++
	}
	return nil
}

// PublicBundle returns the public part of the identity with every one-time
// key still held locally.
func (id *Identity) PublicBundle() model.PublishedKeys {
	p := model.PublishedKeys{
		RegistrationId:        id.RegistrationId,
		IdentityKey:           slices.Clone(id.IdentityKey.Pub[:]),
		SigningKey:            slices.Clone([]byte(id.Signing.Pub)),
		SignedPreKeyId:        id.SignedPreKeyId,
		SignedPreKey:          slices.Clone(id.SignedPreKey.Pub[:]),
		SignedPreKeySignature: slices.Clone(id.SignedPreKeySig),
	}
	ids := make([]uint32, 0, len(id.OneTimeKeys))
	for k := range id.OneTimeKeys {
		ids = append(ids, k)
	}
	slices.Sort(ids)
	for _, k := range ids {
		kp := id.OneTimeKeys[k]
		p.OneTimeKeys = append(p.OneTimeKeys, model.OneTimeKey{Id: k, Key: slices.Clone(kp.Pub[:])})
	}
	return p
}

func (id *Identity) signedPreKey(keyId uint32) (dh.KeyPair, error) {
	if keyId != id.SignedPreKeyId {
		return dh.KeyPair{}, fmt.Errorf("%w: unknown signed prekey %d", ErrInvalidMessage, keyId)
	}
	return id.SignedPreKey, nil
}

func (id *Identity) clone() *Identity {
	c := *id
	c.SignedPreKeySig = slices.Clone(id.SignedPreKeySig)
	c.OneTimeKeys = make(map[uint32]dh.KeyPair, len(id.OneTimeKeys))
	for k, v := range id.OneTimeKeys {
		c.OneTimeKeys[k] = v
	}
	return &c
}
