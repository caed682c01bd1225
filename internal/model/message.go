package model

type (
	// Header is the ratchet header carried along with each ciphertext.
	Header struct {
		Pub    [32]byte `json:"pub"`  // sender's current ratchet public key
		MsgNum uint32   `json:"n"`    // message number in the sending chain
		Prev   uint32   `json:"prev"` // previous sending chain length (PN)
	}

	// RatchetMessage is an ordinary message on an established session.
	RatchetMessage struct {
		Header     Header `json:"header"`
		Ciphertext []byte `json:"ciphertext"`
	}

	// PreKeyMessage establishes a session on the receiving side. The sender
	// keeps producing these until the peer has answered on the session.
	PreKeyMessage struct {
		RegistrationId uint32         `json:"registration_id"`
		IdentityKey    []byte         `json:"identity_key"`
		BaseKey        []byte         `json:"base_key"`
		SignedPreKeyId uint32         `json:"signed_pre_key_id"`
		OneTimeKeyId   *uint32        `json:"one_time_key_id,omitempty"`
		Message        RatchetMessage `json:"message"`
	}
)
