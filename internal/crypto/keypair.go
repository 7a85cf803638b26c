package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
)

// KeyPair is a base64-encoded Ed25519 identity. Pub is the identity string used
// throughout the system; Priv holds the 32-byte seed (a 64-byte private key is accepted too).
type KeyPair struct {
	Pub  string `json:"pub"`
	Priv string `json:"priv"`
}

// GenerateKeyPair creates a fresh Ed25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{
		Pub:  base64.StdEncoding.EncodeToString(pub),
		Priv: base64.StdEncoding.EncodeToString(priv.Seed()),
	}, nil
}

// LoadKeyPair reads a JSON key pair file as written by cmd/genkey.
func LoadKeyPair(path string) (KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return KeyPair{}, err
	}

	var kp KeyPair
	if err := json.Unmarshal(data, &kp); err != nil {
		return KeyPair{}, fmt.Errorf("parse key pair %s: %w", path, err)
	}
	if err := kp.Validate(); err != nil {
		return KeyPair{}, err
	}
	return kp, nil
}

// Save writes the key pair as JSON with owner-only permissions.
func (kp KeyPair) Save(path string) error {
	data, err := json.MarshalIndent(kp, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// PrivateKey decodes the private half.
func (kp KeyPair) PrivateKey() (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(kp.Priv)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPrivateKey)
	}

	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("%w: must be %d or %d bytes, got %d", ErrInvalidPrivateKey, ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// PublicKey decodes the public half.
func (kp KeyPair) PublicKey() (ed25519.PublicKey, error) {
	return ValidatePublicKey(kp.Pub)
}

// Validate checks that both halves decode and belong together.
func (kp KeyPair) Validate() error {
	pub, err := kp.PublicKey()
	if err != nil {
		return err
	}
	priv, err := kp.PrivateKey()
	if err != nil {
		return err
	}
	if !pub.Equal(priv.Public()) {
		return fmt.Errorf("%w: does not match public key", ErrInvalidPrivateKey)
	}
	return nil
}

// Sign signs data and returns the base64 signature. Ed25519 is deterministic,
// so identical data always yields the identical signature.
func (kp KeyPair) Sign(data []byte) (string, error) {
	priv, err := kp.PrivateKey()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data)), nil
}
