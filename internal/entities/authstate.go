package entities

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	mrand "math/rand"
)

// KeyID addresses one cryptographic key record inside an AuthState.
type KeyID struct {
	Category string `json:"category"`
	ID       string `json:"id"`
}

// AuthState is the durable credential material for one instance: the
// credential record itself plus the signal key mapping. The key mapping is
// the authoritative source for cryptographic material; values are opaque
// byte sequences and must round-trip exactly through persistence.
type AuthState struct {
	Credential []byte
	Keys       map[KeyID][]byte
}

// credentialSeed is the structural shape a brand-new credential must carry
// before the first handshake. The protocol rejects an empty record, so a
// fresh instance gets generated registration material instead.
type credentialSeed struct {
	RegistrationID uint32 `json:"registration_id"`
	NoiseKey       []byte `json:"noise_key"`
	IdentityKey    []byte `json:"identity_key"`
	SignedPreKey   []byte `json:"signed_pre_key"`
	AdvSecret      []byte `json:"adv_secret"`
}

// NewFreshCredential generates the canonical seed credential for an instance
// that has never connected. Never returns an empty record.
func NewFreshCredential() ([]byte, error) {
	seed := credentialSeed{
		RegistrationID: uint32(mrand.Int31n(16380)) + 1,
		NoiseKey:       make([]byte, 32),
		IdentityKey:    make([]byte, 32),
		SignedPreKey:   make([]byte, 32),
		AdvSecret:      make([]byte, 32),
	}
	for _, k := range [][]byte{seed.NoiseKey, seed.IdentityKey, seed.SignedPreKey, seed.AdvSecret} {
		if _, err := rand.Read(k); err != nil {
			return nil, fmt.Errorf("generate credential seed: %w", err)
		}
	}
	return json.Marshal(seed)
}
