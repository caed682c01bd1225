package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PayloadVersion0 is the only defined envelope format.
const PayloadVersion0 = 0

var (
	ErrUnsupportedPayloadVersion = errors.New("payload: unsupported version")
	ErrEmptyPayload              = errors.New("payload: empty ciphertext")
)

type (
	// EncryptedPackagePayload distinguishes a session establishing message
	// from an ordinary ratchet message. Version is kept on the wire and in
	// persisted rows so another format can coexist.
	EncryptedPackagePayload struct {
		Version    int
		PreKey     bool
		Ciphertext []byte
	}

	// MessageData is the ciphertext for one recipient device.
	MessageData struct {
		DeviceId       DeviceId                `json:"device_id"`
		RegistrationId uint32                  `json:"registration_id"`
		Payload        EncryptedPackagePayload `json:"payload"`
	}

	payloadV0 struct {
		Version *int   `json:"v"`
		PreKey  bool   `json:"prekey"`
		Payload []byte `json:"payload"`
	}
)

func NewPayload(preKey bool, ciphertext []byte) EncryptedPackagePayload {
	return EncryptedPackagePayload{Version: PayloadVersion0, PreKey: preKey, Ciphertext: ciphertext}
}

func (p EncryptedPackagePayload) MarshalJSON() ([]byte, error) {
	if p.Version != PayloadVersion0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedPayloadVersion, p.Version)
	}
	v := p.Version
	return json.Marshal(payloadV0{Version: &v, PreKey: p.PreKey, Payload: p.Ciphertext})
}

func (p *EncryptedPackagePayload) UnmarshalJSON(b []byte) error {
	var raw payloadV0
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	if raw.Version == nil {
		return fmt.Errorf("%w: missing version tag", ErrUnsupportedPayloadVersion)
	}
	if *raw.Version != PayloadVersion0 {
		return fmt.Errorf("%w: %d", ErrUnsupportedPayloadVersion, *raw.Version)
	}
	if len(raw.Payload) == 0 {
		return ErrEmptyPayload
	}
	*p = EncryptedPackagePayload{Version: *raw.Version, PreKey: raw.PreKey, Ciphertext: raw.Payload}
	return nil
}

// EncodePayload serializes p to the string form stored in Package.Payload.
func EncodePayload(p EncryptedPackagePayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodePayload(s string) (EncryptedPackagePayload, error) {
	var p EncryptedPackagePayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return EncryptedPackagePayload{}, err
	}
	return p, nil
}
