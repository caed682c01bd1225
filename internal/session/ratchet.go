package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"e2e_messenger/internal/cryptographic/dh"
	"e2e_messenger/internal/model"
	"e2e_messenger/internal/protocol/doubleratchet"
	"e2e_messenger/internal/protocol/x3dh"
	"e2e_messenger/internal/utils/log"

	"go.uber.org/zap"
)

type (
	pendingPreKey struct {
		BaseKey        []byte  `json:"base_key"`
		SignedPreKeyId uint32  `json:"signed_pre_key_id"`
		OneTimeKeyId   *uint32 `json:"one_time_key_id,omitempty"`
	}

	record struct {
		State                *doubleratchet.State `json:"state"`
		RemoteIdentity       []byte               `json:"remote_identity"`
		RemoteRegistrationId uint32               `json:"remote_registration_id"`
		// Pending is set on the initiating side until the peer has answered.
		Pending *pendingPreKey `json:"pending,omitempty"`
		// RemoteBaseKey is set on the responding side so repeated prekey
		// messages of the same handshake reuse the session.
		RemoteBaseKey []byte `json:"remote_base_key,omitempty"`
	}

	// RatchetStore implements Store with X3DH and the Double Ratchet.
	RatchetStore struct {
		identity  *Identity
		sessions  map[model.Address]*record
		persister Persister
	}
)

func (r *record) clone() *record {
	c := *r
	c.State = r.State.Clone()
	if r.Pending != nil {
		p := *r.Pending
		c.Pending = &p
	}
	return &c
}

// NewRatchetStore creates a store for identity. persister may be nil.
func NewRatchetStore(identity *Identity, persister Persister) *RatchetStore {
	return &RatchetStore{
		identity:  identity,
		sessions:  make(map[model.Address]*record),
		persister: persister,
	}
}

// LoadRatchetStore restores the identity and every session from persister,
// creating and saving a new identity with oneTimeKeys prekeys when none is
// stored yet.
func LoadRatchetStore(ctx context.Context, persister Persister, oneTimeKeys int) (*RatchetStore, error) {
	raw, err := persister.LoadIdentity(ctx)
	if err != nil {
		return nil, err
	}
	var id *Identity
	if raw == nil {
		if id, err = NewIdentity(oneTimeKeys); err != nil {
			return nil, err
		}
		log.Info("created new device identity", zap.Uint32("registration_id", id.RegistrationId))
	} else {
		id = &Identity{}
		if err := json.Unmarshal(raw, id); err != nil {
			return nil, fmt.Errorf("session: decode identity: %w", err)
		}
	}
	s := NewRatchetStore(id, persister)
	if raw == nil {
		if err := s.saveIdentity(ctx, id); err != nil {
			return nil, err
		}
	}

	stored, err := persister.LoadSessions(ctx)
	if err != nil {
		return nil, err
	}
	for addr, data := range stored {
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil || rec.State == nil {
			log.Warn("dropping unreadable session", zap.Stringer("address", addr), zap.Error(err))
			continue
		}
		s.sessions[addr] = &rec
	}
	return s, nil
}

func (s *RatchetStore) Identity() *Identity {
	return s.identity
}

func (s *RatchetStore) SubDeviceSessions(user model.UserId) []model.DeviceId {
	var out []model.DeviceId
	for addr := range s.sessions {
		if addr.User == user {
			out = append(out, addr.Device)
		}
	}
	slices.Sort(out)
	return out
}

func (s *RatchetStore) ContainsSession(addr model.Address) bool {
	_, ok := s.sessions[addr]
	return ok
}

func (s *RatchetStore) DeleteSession(ctx context.Context, addr model.Address) error {
	if _, ok := s.sessions[addr]; !ok {
		return nil
	}
	if s.persister != nil {
		if err := s.persister.DeleteSession(ctx, addr); err != nil {
			return fmt.Errorf("%w: delete %s: %v", ErrPersist, addr, err)
		}
	}
	delete(s.sessions, addr)
	return nil
}

func (s *RatchetStore) ProcessBundle(ctx context.Context, addr model.Address, b *model.PreKeyBundle) error {
	if err := x3dh.VerifyBundle(b); err != nil {
		return err
	}
	base, err := dh.NewKeyPair()
	if err != nil {
		return err
	}
	sk, err := x3dh.Initiate(&model.SenderKeyBundle{
		IKPrivA: s.identity.IdentityKey.Priv[:],
		EKPrivA: base.Priv[:],
		IKPubB:  b.IdentityKey,
		SPKPubB: b.SignedPreKey,
		OTKPubB: b.OneTimeKey,
	})
	if err != nil {
		return err
	}
	spk, err := dh.ToArray(b.SignedPreKey)
	if err != nil {
		return err
	}
	st, err := doubleratchet.NewInitiator(sk, spk)
	if err != nil {
		return err
	}
	rec := &record{
		State:                st,
		RemoteIdentity:       slices.Clone(b.IdentityKey),
		RemoteRegistrationId: b.RegistrationId,
		Pending: &pendingPreKey{
			BaseKey:        slices.Clone(base.Pub[:]),
			SignedPreKeyId: b.SignedPreKeyId,
			OneTimeKeyId:   b.OneTimeKeyId,
		},
	}
	return s.commit(ctx, addr, rec)
}

func (s *RatchetStore) Encrypt(ctx context.Context, addr model.Address, plaintext []byte) (Ciphertext, error) {
	cur, ok := s.sessions[addr]
	if !ok {
		return Ciphertext{}, fmt.Errorf("%w: %s", ErrNoSession, addr)
	}
	rec := cur.clone()
	msg, err := rec.State.Encrypt(plaintext)
	if err != nil {
		return Ciphertext{}, err
	}

	out := Ciphertext{RegistrationId: rec.RemoteRegistrationId}
	if p := rec.Pending; p != nil {
		out.PreKey = true
		out.Body, err = json.Marshal(model.PreKeyMessage{
			RegistrationId: s.identity.RegistrationId,
			IdentityKey:    s.identity.IdentityKey.Pub[:],
			BaseKey:        p.BaseKey,
			SignedPreKeyId: p.SignedPreKeyId,
			OneTimeKeyId:   p.OneTimeKeyId,
			Message:        msg,
		})
	} else {
		out.Body, err = json.Marshal(msg)
	}
	if err != nil {
		return Ciphertext{}, err
	}
	if err := s.commit(ctx, addr, rec); err != nil {
		return Ciphertext{}, err
	}
	return out, nil
}

func (s *RatchetStore) DecryptPreKey(ctx context.Context, addr model.Address, body []byte) ([]byte, error) {
	var pm model.PreKeyMessage
	if err := json.Unmarshal(body, &pm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(pm.IdentityKey) != dh.KeySize || len(pm.BaseKey) != dh.KeySize {
		return nil, fmt.Errorf("%w: bad prekey message keys", ErrInvalidMessage)
	}

	// A retransmitted prekey message of a handshake we already answered.
	if cur, ok := s.sessions[addr]; ok && bytes.Equal(cur.RemoteBaseKey, pm.BaseKey) {
		if !bytes.Equal(cur.RemoteIdentity, pm.IdentityKey) {
			return nil, ErrUntrustedKey
		}
		return s.decryptWith(ctx, addr, cur.clone(), nil, pm.Message)
	}

	spk, err := s.identity.signedPreKey(pm.SignedPreKeyId)
	if err != nil {
		return nil, err
	}
	rkb := &model.ReceiverKeyBundle{
		IKPubA:   pm.IdentityKey,
		EKPubA:   pm.BaseKey,
		IKPrivB:  s.identity.IdentityKey.Priv[:],
		SPKPrivB: spk.Priv[:],
	}
	var id *Identity
	if pm.OneTimeKeyId != nil {
		otk, ok := s.identity.OneTimeKeys[*pm.OneTimeKeyId]
		if !ok {
			return nil, fmt.Errorf("%w: unknown one-time key %d", ErrInvalidMessage, *pm.OneTimeKeyId)
		}
		rkb.OTKPrivB = otk.Priv[:]
		id = s.identity.clone()
		delete(id.OneTimeKeys, *pm.OneTimeKeyId)
	}
	sk, err := x3dh.Respond(rkb)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	rec := &record{
		State:                doubleratchet.NewResponder(sk, spk),
		RemoteIdentity:       slices.Clone(pm.IdentityKey),
		RemoteRegistrationId: pm.RegistrationId,
		RemoteBaseKey:        slices.Clone(pm.BaseKey),
	}
	return s.decryptWith(ctx, addr, rec, id, pm.Message)
}

func (s *RatchetStore) Decrypt(ctx context.Context, addr model.Address, body []byte) ([]byte, error) {
	cur, ok := s.sessions[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, addr)
	}
	var msg model.RatchetMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return s.decryptWith(ctx, addr, cur.clone(), nil, msg)
}

// decryptWith decrypts on rec, which must not be shared with the live map,
// and commits rec (and id, when a one-time key was used) only on success.
func (s *RatchetStore) decryptWith(ctx context.Context, addr model.Address, rec *record, id *Identity, msg model.RatchetMessage) ([]byte, error) {
	plain, err := rec.State.Decrypt(msg)
	if err != nil {
		return nil, err
	}
	// Any message from the peer means it has the session.
	rec.Pending = nil
	if id == nil {
		if err := s.commit(ctx, addr, rec); err != nil {
			return nil, err
		}
		return plain, nil
	}
	if err := s.commitWithIdentity(ctx, addr, rec, id); err != nil {
		return nil, err
	}
	return plain, nil
}

// commitWithIdentity stores rec together with id, whose one-time key rec
// consumed, so neither is kept without the other.
func (s *RatchetStore) commitWithIdentity(ctx context.Context, addr model.Address, rec *record, id *Identity) error {
	if s.persister != nil {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("%w: encode %s: %v", ErrPersist, addr, err)
		}
		idData, err := json.Marshal(id)
		if err != nil {
			return fmt.Errorf("%w: encode identity: %v", ErrPersist, err)
		}
		if err := s.persister.SaveSessionAndIdentity(ctx, addr, data, idData); err != nil {
			return fmt.Errorf("%w: save %s with identity: %v", ErrPersist, addr, err)
		}
	}
	s.identity = id
	s.sessions[addr] = rec
	return nil
}

func (s *RatchetStore) commit(ctx context.Context, addr model.Address, rec *record) error {
	if s.persister != nil {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("%w: encode %s: %v", ErrPersist, addr, err)
		}
		if err := s.persister.SaveSession(ctx, addr, data); err != nil {
			return fmt.Errorf("%w: save %s: %v", ErrPersist, addr, err)
		}
	}
	s.sessions[addr] = rec
	return nil
}

func (s *RatchetStore) saveIdentity(ctx context.Context, id *Identity) error {
	if s.persister == nil {
		return nil
	}
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("%w: encode identity: %v", ErrPersist, err)
	}
	if err := s.persister.SaveIdentity(ctx, data); err != nil {
		return fmt.Errorf("%w: save identity: %v", ErrPersist, err)
	}
	return nil
}

// IsCryptoError reports whether err is a per-message cryptographic failure
// rather than a storage problem.
func IsCryptoError(err error) bool {
	return err != nil && !errors.Is(err, ErrPersist) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
