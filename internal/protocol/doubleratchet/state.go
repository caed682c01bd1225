package doubleratchet

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"

	"e2e_messenger/internal/cryptographic/dh"
	"e2e_messenger/internal/cryptographic/encryption"
	"e2e_messenger/internal/model"
)

const MaxSkip = 1000

var (
	ErrRemoteKeyUnset   = errors.New("doubleratchet: remote ratchet key not set")
	ErrNoReceivingChain = errors.New("doubleratchet: no receiving chain")
	ErrTooManySkipped   = errors.New("doubleratchet: skipped message limit exceeded")
	ErrDecrypt          = errors.New("doubleratchet: message failed to decrypt")
)

func headerToAAD(h model.Header) []byte {
	b := make([]byte, 32+4+4)
	copy(b[:32], h.Pub[:])
	binary.BigEndian.PutUint32(b[32:36], h.MsgNum)
	binary.BigEndian.PutUint32(b[36:40], h.Prev)
	return b
}

func skippedKey(pub [32]byte, msgNum uint32) string {
	return fmt.Sprintf("%s:%d", hex.EncodeToString(pub[:]), msgNum)
}

// State is one side of a ratchet session. It serializes to JSON as is so a
// session store can persist it.
type State struct {
	RootKey []byte `json:"rk"`

	DHsPriv [32]byte `json:"dhs_priv"`
	DHsPub  [32]byte `json:"dhs_pub"`
	DHr     [32]byte `json:"dhr"`

	SendingChainKey   []byte `json:"cks,omitempty"`
	ReceivingChainKey []byte `json:"ckr,omitempty"`
	Ns                uint32 `json:"ns"`
	Nr                uint32 `json:"nr"`
	PN                uint32 `json:"pn"`

	Skipped map[string][]byte `json:"skipped"`
}

// NewInitiator starts the state on the side that ran X3DH against a bundle.
// The remote's signed prekey is the first ratchet key.
func NewInitiator(sharedKey []byte, remoteRatchetKey [32]byte) (*State, error) {
	s := &State{
		RootKey: slices.Clone(sharedKey),
		DHr:     remoteRatchetKey,
		Skipped: make(map[string][]byte),
	}
	if err := s.ratchetSending(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewResponder starts the state on the side whose signed prekey was used.
func NewResponder(sharedKey []byte, signedPreKey dh.KeyPair) *State {
	return &State{
		RootKey: slices.Clone(sharedKey),
		DHsPriv: signedPreKey.Priv,
		DHsPub:  signedPreKey.Pub,
		Skipped: make(map[string][]byte),
	}
}

// Clone returns a deep copy. Decryption attempts run on a clone so that a
// failed message leaves the original state untouched.
func (s *State) Clone() *State {
	c := *s
	c.RootKey = slices.Clone(s.RootKey)
	c.SendingChainKey = slices.Clone(s.SendingChainKey)
	c.ReceivingChainKey = slices.Clone(s.ReceivingChainKey)
	c.Skipped = make(map[string][]byte, len(s.Skipped))
	for k, v := range s.Skipped {
		c.Skipped[k] = slices.Clone(v)
	}
	return &c
}

// ratchetSending generates a new ratchet key and derives a new sending chain.
func (s *State) ratchetSending() error {
	if s.DHr == ([32]byte{}) {
		return ErrRemoteKeyUnset
	}
	kp, err := dh.NewKeyPair()
	if err != nil {
		return err
	}
	shared, err := dh.SharedSecret(kp.Priv[:], s.DHr[:])
	if err != nil {
		return fmt.Errorf("doubleratchet: sending ratchet: %w", err)
	}
	rk, cks, err := kdfRoot(s.RootKey, shared)
	if err != nil {
		return err
	}
	s.RootKey, s.SendingChainKey = rk, cks
	s.DHsPriv, s.DHsPub = kp.Priv, kp.Pub
	s.Ns = 0
	return nil
}

// skipUntil stores message keys of the receiving chain for [Nr, until).
func (s *State) skipUntil(until uint32) error {
	if until <= s.Nr {
		return nil
	}
	if s.ReceivingChainKey == nil {
		return ErrNoReceivingChain
	}
	n := int(until - s.Nr)
	if n > MaxSkip || len(s.Skipped)+n > MaxSkip {
		return fmt.Errorf("%w: need %d, have %d stored", ErrTooManySkipped, n, len(s.Skipped))
	}
	for ; n > 0; n-- {
		ck, mk, err := kdfChain(s.ReceivingChainKey)
		if err != nil {
			return err
		}
		s.ReceivingChainKey = ck
		s.Skipped[skippedKey(s.DHr, s.Nr)] = mk
		s.Nr++
	}
	return nil
}

// Encrypt advances the sending chain and seals plaintext under it.
func (s *State) Encrypt(plaintext []byte) (model.RatchetMessage, error) {
	if s.SendingChainKey == nil {
		if err := s.ratchetSending(); err != nil {
			return model.RatchetMessage{}, err
		}
	}
	ck, mk, err := kdfChain(s.SendingChainKey)
	if err != nil {
		return model.RatchetMessage{}, err
	}
	h := model.Header{Pub: s.DHsPub, MsgNum: s.Ns, Prev: s.PN}
	ct, err := encryption.Seal(mk, plaintext, headerToAAD(h))
	if err != nil {
		return model.RatchetMessage{}, err
	}
	s.SendingChainKey = ck
	s.Ns++
	return model.RatchetMessage{Header: h, Ciphertext: ct}, nil
}

// Decrypt consumes one message. On error the state may be partially
// advanced; callers decrypt on a Clone and keep it only on success.
func (s *State) Decrypt(m model.RatchetMessage) ([]byte, error) {
	h := m.Header
	key := skippedKey(h.Pub, h.MsgNum)
	if mk, ok := s.Skipped[key]; ok {
		plain, err := encryption.Open(mk, m.Ciphertext, headerToAAD(h))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
		}
		delete(s.Skipped, key)
		return plain, nil
	}

	if h.Pub != s.DHr {
		if s.ReceivingChainKey != nil {
			if err := s.skipUntil(h.Prev); err != nil {
				return nil, err
			}
		}
		shared, err := dh.SharedSecret(s.DHsPriv[:], h.Pub[:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
		}
		rk, ckr, err := kdfRoot(s.RootKey, shared)
		if err != nil {
			return nil, err
		}
		s.RootKey, s.ReceivingChainKey = rk, ckr
		s.DHr = h.Pub
		s.PN = s.Ns
		s.Ns = 0
		s.Nr = 0
		// The next Encrypt starts a new sending chain against the new key.
		s.SendingChainKey = nil
	}

	if err := s.skipUntil(h.MsgNum); err != nil {
		return nil, err
	}
	if s.ReceivingChainKey == nil {
		return nil, ErrNoReceivingChain
	}
	if h.MsgNum < s.Nr {
		return nil, fmt.Errorf("%w: message %d already consumed", ErrDecrypt, h.MsgNum)
	}
	ck, mk, err := kdfChain(s.ReceivingChainKey)
	if err != nil {
		return nil, err
	}
	plain, err := encryption.Open(mk, m.Ciphertext, headerToAAD(h))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	s.ReceivingChainKey = ck
	s.Nr++
	return plain, nil
}

// SkippedKeys lists the stored skipped message keys, for tests and
// diagnostics.
func (s *State) SkippedKeys() []string {
	return slices.Sorted(maps.Keys(s.Skipped))
}
