// Package creds owns the durable authentication identity of the protocol
// client: the credential bundle and the per-peer session key table. No
// other package mutates stored credentials.
package creds

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"wabridge/internal/wire"
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Public  wire.Binary `json:"public"`
	Private wire.Binary `json:"private"`
}

// SigningKeyPair is an Ed25519 key pair used to sign the published prekey.
type SigningKeyPair struct {
	Public  wire.Binary `json:"public"`
	Private wire.Binary `json:"private"`
}

// SignedPreKey is the published prekey plus the signature that binds it to
// the identity.
type SignedPreKey struct {
	KeyPair   KeyPair     `json:"keyPair"`
	KeyID     uint32      `json:"keyId"`
	Signature wire.Binary `json:"signature"`
}

// Bundle is the complete mutable authentication identity of the client.
// It is replaced whole on every persist; nothing merges into it.
type Bundle struct {
	RegistrationID uint32         `json:"registrationId"`
	NoiseKey       KeyPair        `json:"noiseKey"`
	IdentityKey    KeyPair        `json:"signedIdentityKey"`
	SigningKey     SigningKeyPair `json:"signingKey"`
	SignedPreKey   SignedPreKey   `json:"signedPreKey"`
	AdvSecretKey   wire.Binary    `json:"advSecretKey"`
	Platform       wire.Tree      `json:"platform,omitempty"`
}

// NewBundle generates fresh key material for a session that has never been
// paired.
func NewBundle() (*Bundle, error) {
	noise, err := newKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate noise key: %w", err)
	}
	identity, err := newKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	preKey, err := newKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate signed prekey: %w", err)
	}
	regID, err := registrationID()
	if err != nil {
		return nil, fmt.Errorf("generate registration id: %w", err)
	}
	advSecret, err := deriveAdvSecret()
	if err != nil {
		return nil, fmt.Errorf("derive adv secret: %w", err)
	}

	return &Bundle{
		RegistrationID: regID,
		NoiseKey:       noise,
		IdentityKey:    identity,
		SigningKey: SigningKeyPair{
			Public:  wire.Binary(edPub),
			Private: wire.Binary(edPriv),
		},
		SignedPreKey: SignedPreKey{
			KeyPair:   preKey,
			KeyID:     1,
			Signature: wire.Binary(ed25519.Sign(edPriv, preKey.Public)),
		},
		AdvSecretKey: advSecret,
	}, nil
}

// missingFields names the required cryptographic fields a stored bundle
// lacks. A decoded bundle missing any of them is corrupted, not merely
// fresh: blindly connecting with it fails far downstream at the protocol
// level instead of with a clear local error.
func (b *Bundle) missingFields() []string {
	var missing []string
	if b.RegistrationID == 0 {
		missing = append(missing, "registrationId")
	}
	if len(b.NoiseKey.Private) == 0 || len(b.NoiseKey.Public) == 0 {
		missing = append(missing, "noiseKey")
	}
	if len(b.IdentityKey.Private) == 0 || len(b.IdentityKey.Public) == 0 {
		missing = append(missing, "signedIdentityKey")
	}
	if len(b.SignedPreKey.KeyPair.Private) == 0 || len(b.SignedPreKey.Signature) == 0 {
		missing = append(missing, "signedPreKey")
	}
	return missing
}

func newKeyPair() (KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{
		Public:  wire.Binary(priv.PublicKey().Bytes()),
		Private: wire.Binary(priv.Bytes()),
	}, nil
}

// registrationID is 14-bit, non-zero, per the signal registration
// convention.
func registrationID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:])%16380 + 1, nil
}

func deriveAdvSecret() (wire.Binary, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, seed, nil, []byte("adv secret"))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return wire.Binary(out), nil
}
