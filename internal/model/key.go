package model

type (
	// PreKeyBundle is the published key set that lets a sender establish a
	// session with a device that is offline.
	PreKeyBundle struct {
		RegistrationId        uint32  `json:"registration_id" bson:"registration_id"`
		IdentityKey           []byte  `json:"identity_key" bson:"identity_key"`
		SigningKey            []byte  `json:"signing_key" bson:"signing_key"`
		SignedPreKeyId        uint32  `json:"signed_pre_key_id" bson:"signed_pre_key_id"`
		SignedPreKey          []byte  `json:"signed_pre_key" bson:"signed_pre_key"`
		SignedPreKeySignature []byte  `json:"signed_pre_key_signature" bson:"signed_pre_key_signature"`
		OneTimeKeyId          *uint32 `json:"one_time_key_id,omitempty" bson:"one_time_key_id,omitempty"`
		OneTimeKey            []byte  `json:"one_time_key,omitempty" bson:"one_time_key,omitempty"`
	}

	// DeviceBundle is one entry of a key-distribution response. A nil Bundle
	// means the server has no key data for that device.
	DeviceBundle struct {
		DeviceId DeviceId      `json:"device_id"`
		Bundle   *PreKeyBundle `json:"bundle"`
	}

	OneTimeKey struct {
		Id  uint32 `json:"id" bson:"id"`
		Key []byte `json:"key" bson:"key"`
	}

	// PublishedKeys is what a device uploads to the key server. Each fetch
	// hands out at most one of the one-time keys and removes it.
	PublishedKeys struct {
		RegistrationId        uint32       `json:"registration_id" bson:"registration_id"`
		IdentityKey           []byte       `json:"identity_key" bson:"identity_key"`
		SigningKey            []byte       `json:"signing_key" bson:"signing_key"`
		SignedPreKeyId        uint32       `json:"signed_pre_key_id" bson:"signed_pre_key_id"`
		SignedPreKey          []byte       `json:"signed_pre_key" bson:"signed_pre_key"`
		SignedPreKeySignature []byte       `json:"signed_pre_key_signature" bson:"signed_pre_key_signature"`
		OneTimeKeys           []OneTimeKey `json:"one_time_keys" bson:"one_time_keys"`
	}

	// SenderKeyBundle is the X3DH input on the initiating side.
	SenderKeyBundle struct {
		IKPrivA []byte
		EKPrivA []byte

		IKPubB  []byte
		SPKPubB []byte
		OTKPubB []byte
	}

	// ReceiverKeyBundle is the X3DH input on the responding side.
	ReceiverKeyBundle struct {
		IKPubA []byte
		EKPubA []byte

		IKPrivB  []byte
		SPKPrivB []byte
		OTKPrivB []byte
	}
)

// Bundle builds the bundle handed to one fetcher. otk may be nil.
func (p *PublishedKeys) Bundle(otk *OneTimeKey) *PreKeyBundle {
	b := &PreKeyBundle{
		RegistrationId:        p.RegistrationId,
		IdentityKey:           p.IdentityKey,
		SigningKey:            p.SigningKey,
		SignedPreKeyId:        p.SignedPreKeyId,
		SignedPreKey:          p.SignedPreKey,
		SignedPreKeySignature: p.SignedPreKeySignature,
	}
	if otk != nil {
		id := otk.Id
		b.OneTimeKeyId = &id
		b.OneTimeKey = otk.Key
	}
	return b
}
