package x3dh

import (
	"bytes"
	"errors"
	"fmt"

	"e2e_messenger/internal/cryptographic/dh"
	"e2e_messenger/internal/cryptographic/kdf"
	"e2e_messenger/internal/cryptographic/signature"
	"e2e_messenger/internal/model"
)

var (
	ErrInvalidSignature = errors.New("x3dh: signed prekey signature does not verify")
	ErrIncompleteBundle = errors.New("x3dh: incomplete prekey bundle")
)

var sharedKeyInfo = []byte("e2e_messenger/x3dh")

func sharedKey(parts ...[]byte) ([]byte, error) {
	// The 0xFF prefix keeps the input disjoint from any single DH output.
	ikm := bytes.Repeat([]byte{0xff}, dh.KeySize)
	for _, p := range parts {
		ikm = append(ikm, p...)
	}
	return kdf.HKDF(ikm, make([]byte, 32), sharedKeyInfo, 32)
}

// VerifyBundle checks that b is complete and its signed prekey was signed by
// the device's signing key.
func VerifyBundle(b *model.PreKeyBundle) error {
	if b == nil || len(b.IdentityKey) != dh.KeySize || len(b.SignedPreKey) != dh.KeySize {
		return ErrIncompleteBundle
	}
	if (b.OneTimeKeyId == nil) != (len(b.OneTimeKey) == 0) {
		return fmt.Errorf("%w: one-time key id and key must be set together", ErrIncompleteBundle)
	}
	if !signature.Verify(b.SigningKey, b.SignedPreKey, b.SignedPreKeySignature) {
		return ErrInvalidSignature
	}
	return nil
}

// Initiate derives the shared key on the side that fetched the bundle.
func Initiate(skb *model.SenderKeyBundle) ([]byte, error) {
	dh1, err := dh.SharedSecret(skb.IKPrivA, skb.SPKPubB)
	if err != nil {
		return nil, err
	}
	dh2, err := dh.SharedSecret(skb.EKPrivA, skb.IKPubB)
	if err != nil {
		return nil, err
	}
	dh3, err := dh.SharedSecret(skb.EKPrivA, skb.SPKPubB)
	if err != nil {
		return nil, err
	}
	if skb.OTKPubB == nil {
		return sharedKey(dh1, dh2, dh3)
	}
	dh4, err := dh.SharedSecret(skb.EKPrivA, skb.OTKPubB)
	if err != nil {
		return nil, err
	}
	return sharedKey(dh1, dh2, dh3, dh4)
}

// Respond derives the same key on the device that published the bundle.
func Respond(rkb *model.ReceiverKeyBundle) ([]byte, error) {
	dh1, err := dh.SharedSecret(rkb.SPKPrivB, rkb.IKPubA)
	if err != nil {
		return nil, err
	}
	dh2, err := dh.SharedSecret(rkb.IKPrivB, rkb.EKPubA)
	if err != nil {
		return nil, err
	}
	dh3, err := dh.SharedSecret(rkb.SPKPrivB, rkb.EKPubA)
	if err != nil {
		return nil, err
	}
	if rkb.OTKPrivB == nil {
		return sharedKey(dh1, dh2, dh3)
	}
	dh4, err := dh.SharedSecret(rkb.OTKPrivB, rkb.EKPubA)
	if err != nil {
		return nil, err
	}
	return sharedKey(dh1, dh2, dh3, dh4)
}
