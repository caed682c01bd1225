package dh

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const KeySize = curve25519.ScalarSize

var ErrInvalidKey = errors.New("dh: invalid X25519 key")

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Priv [KeySize]byte
	Pub  [KeySize]byte
}

func NewKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Priv[:]); err != nil {
		return KeyPair{}, fmt.Errorf("dh: generate private key: %w", err)
	}
	curve25519.ScalarBaseMult(&kp.Pub, &kp.Priv)
	return kp, nil
}

// PublicKey derives the public half of priv.
func PublicKey(priv []byte) ([KeySize]byte, error) {
	var pub [KeySize]byte
	if len(priv) != KeySize {
		return pub, ErrInvalidKey
	}
	out, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	copy(pub[:], out)
	return pub, nil
}

// SharedSecret performs priv * pub. Both keys must be KeySize bytes.
func SharedSecret(priv, pub []byte) ([]byte, error) {
	if len(priv) != KeySize || len(pub) != KeySize {
		return nil, ErrInvalidKey
	}
	out, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return out, nil
}

// ToArray copies a KeySize slice into an array.
func ToArray(b []byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	if len(b) != KeySize {
		return out, ErrInvalidKey
	}
	copy(out[:], b)
	return out, nil
}
