package kdf

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF derives n bytes with HKDF-SHA256.
func HKDF(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	h := hkdf.New(sha256.New, secret, salt, info)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, fmt.Errorf("kdf: %w", err)
	}
	return out, nil
}

// Split derives two 32 byte keys, as used by the root and chain steps.
func Split(secret, salt, info []byte) ([]byte, []byte, error) {
	buf, err := HKDF(secret, salt, info, 64)
	if err != nil {
		return nil, nil, err
	}
	return buf[:32], buf[32:], nil
}
