package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	sealVersion     = "roomrelay-seal-v1"
	ephemeralPKSize = 32
	nonceSize       = 12
	keySize         = 32
	tagSize         = 16
	minSealedLen    = ephemeralPKSize + nonceSize + tagSize // 60
)

// SealError represents a sealing/opening failure.
type SealError struct {
	Message string
}

func (e *SealError) Error() string {
	return e.Message
}

// IsSealError reports whether err is a SealError.
func IsSealError(err error) bool {
	var se *SealError
	return errors.As(err, &se)
}

// ed25519PubToX25519 converts an Ed25519 public key to an X25519 public key.
func ed25519PubToX25519(edPub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// ed25519SeedToX25519Private converts an Ed25519 seed to an X25519 private key.
func ed25519SeedToX25519Private(seed []byte) []byte {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}

func deriveKey(sharedSecret, ephemeralPK, recipientX25519PK []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephemeralPK)+len(recipientX25519PK))
	salt = append(salt, ephemeralPK...)
	salt = append(salt, recipientX25519PK...)

	r := hkdf.New(sha256.New, sharedSecret, salt, []byte(sealVersion))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext so that only the holder of recipientPubB64 can open it.
// Wire format (base64): ephemeral_pk[32] + nonce[12] + ciphertext[N+16].
func Seal(plaintext []byte, recipientPubB64 string) (string, error) {
	recipientEdPub, err := ValidatePublicKey(recipientPubB64)
	if err != nil {
		return "", &SealError{Message: fmt.Sprintf("invalid recipient public key: %v", err)}
	}

	recipientX25519Pub, err := ed25519PubToX25519(recipientEdPub)
	if err != nil {
		return "", &SealError{Message: fmt.Sprintf("failed to convert recipient key: %v", err)}
	}

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return "", err
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return "", err
	}

	sharedSecret, err := curve25519.X25519(ephPriv[:], recipientX25519Pub)
	if err != nil {
		return "", err
	}

	key, err := deriveKey(sharedSecret, ephPub, recipientX25519Pub)
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	wire := make([]byte, 0, len(ephPub)+nonceSize+len(ciphertext))
	wire = append(wire, ephPub...)
	wire = append(wire, nonce...)
	wire = append(wire, ciphertext...)

	return base64.StdEncoding.EncodeToString(wire), nil
}

// Open decrypts a sealed payload with the recipient's key pair.
func Open(sealedB64 string, kp KeyPair) ([]byte, error) {
	wire, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil {
		return nil, &SealError{Message: fmt.Sprintf("invalid base64 payload: %v", err)}
	}

	if len(wire) < minSealedLen {
		return nil, &SealError{Message: fmt.Sprintf("sealed payload too short: %d bytes, minimum %d", len(wire), minSealedLen)}
	}

	priv, err := kp.PrivateKey()
	if err != nil {
		return nil, err
	}

	ephPK := wire[:ephemeralPKSize]
	nonce := wire[ephemeralPKSize : ephemeralPKSize+nonceSize]
	ciphertext := wire[ephemeralPKSize+nonceSize:]

	ownX25519Priv := ed25519SeedToX25519Private(priv.Seed())
	ownX25519Pub, err := curve25519.X25519(ownX25519Priv, curve25519.Basepoint)
	if err != nil {
		return nil, &SealError{Message: fmt.Sprintf("failed to derive X25519 public key: %v", err)}
	}

	sharedSecret, err := curve25519.X25519(ownX25519Priv, ephPK)
	if err != nil {
		return nil, &SealError{Message: "open failed: invalid ephemeral key"}
	}

	key, err := deriveKey(sharedSecret, ephPK, ownX25519Pub)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &SealError{Message: "open failed: wrong key or tampered payload"}
	}

	return plaintext, nil
}
