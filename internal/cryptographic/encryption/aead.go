package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

var (
	ErrCiphertextTooShort = errors.New("aead: ciphertext too short")
	// ErrAuthentication is returned when the tag does not verify (bad MAC).
	ErrAuthentication = errors.New("aead: message authentication failed")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts with AES-GCM and returns nonce || ciphertext. key must be
// 16, 24 or 32 bytes.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("aead: nonce: %w", err)
	}
	return aead.Seal(out, out[:aead.NonceSize()], plaintext, aad), nil
}

func Open(key, nonceAndCiphertext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	ns := aead.NonceSize()
	if len(nonceAndCiphertext) < ns+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	plain, err := aead.Open(nil, nonceAndCiphertext[:ns], nonceAndCiphertext[ns:], aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plain, nil
}
