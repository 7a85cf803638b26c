package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

var (
	ErrInvalidPublicKey  = errors.New("invalid Ed25519 public key")
	ErrInvalidPrivateKey = errors.New("invalid Ed25519 private key")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrSignatureExpired  = errors.New("signature timestamp expired")
	ErrInvalidNonce      = errors.New("invalid or reused nonce")
)

// ValidatePublicKey decodes a base64 Ed25519 public key. Keys that are not
// curve points or that lie in the small-order subgroup are rejected, since
// any signature verifies against them.
func ValidatePublicKey(pubkeyB64 string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(pubkeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPublicKey)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(decoded))
	}

	p, err := new(edwards25519.Point).SetBytes(decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: not a curve point", ErrInvalidPublicKey)
	}
	if new(edwards25519.Point).MultByCofactor(p).Equal(edwards25519.NewIdentityPoint()) == 1 {
		return nil, fmt.Errorf("%w: small-order point", ErrInvalidPublicKey)
	}
	return ed25519.PublicKey(decoded), nil
}

// VerifySignature checks a base64 signature over signedData.
func VerifySignature(pubkey ed25519.PublicKey, signedData []byte, signatureB64 string) error {
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: invalid base64 encoding", ErrInvalidSignature)
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: must be %d bytes", ErrInvalidSignature, ed25519.SignatureSize)
	}
	if !ed25519.Verify(pubkey, signedData, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Verify checks signatureB64 over signedData against a base64-encoded public key.
func Verify(pubkeyB64 string, signedData []byte, signatureB64 string) error {
	pubkey, err := ValidatePublicKey(pubkeyB64)
	if err != nil {
		return err
	}
	return VerifySignature(pubkey, signedData, signatureB64)
}

// SignaturePayload creates the canonical data to sign for relay requests.
// Format: body|nonce|timestamp
func SignaturePayload(body, nonce string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d", body, nonce, timestamp))
}

// HandshakePayload is the data a relay signs to prove its identity.
// Format: handshake|challenge|timestamp
func HandshakePayload(challenge string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("handshake|%s|%d", challenge, timestamp))
}
