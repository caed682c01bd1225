package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

type KeyPair struct {
	Pub  ed25519.PublicKey
	Priv ed25519.PrivateKey
}

func NewKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("signature: generate key: %w", err)
	}
	return KeyPair{Pub: pub, Priv: priv}, nil
}

func Sign(priv []byte, message []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signature: invalid private key length %d", len(priv))
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), message), nil
}

// Verify reports whether sig is a valid signature of message by pub. Keys of
// the wrong size never verify.
func Verify(pub []byte, message []byte, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}
