package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/eldtechnologies/roomrelay/internal/crypto"
)

// Signed request headers.
const (
	HeaderKey       = "X-Relay-Key"
	HeaderNonce     = "X-Relay-Nonce"
	HeaderTimestamp = "X-Relay-Timestamp"
	HeaderSignature = "X-Relay-Signature"
)

type contextKey string

const PubKeyContextKey contextKey = "pubkey"

// NonceStore remembers nonces for the replay window.
// RedisStore and NonceCache implement it.
type NonceStore interface {
	IsNonceUsed(ctx context.Context, pubKey, nonce string) bool
	MarkNonceUsed(ctx context.Context, pubKey, nonce string, ttl time.Duration)
}

// AuthMiddleware handles signature verification for authenticated endpoints.
type AuthMiddleware struct {
	nonces NonceStore
	window time.Duration
	now    func() time.Time
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(nonces NonceStore) *AuthMiddleware {
	return &AuthMiddleware{
		nonces: nonces,
		window: 30 * time.Second, // Tight window to minimize replay attack surface
		now:    time.Now,
	}
}

// RequireAuth middleware verifies Ed25519 signatures on requests. The
// signing key itself is the identity; it is put in the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Extract headers
		pubKey := r.Header.Get(HeaderKey)
		nonce := r.Header.Get(HeaderNonce)
		timestamp := r.Header.Get(HeaderTimestamp)
		signature := r.Header.Get(HeaderSignature)

		// Validate all headers present
		if pubKey == "" || nonce == "" || timestamp == "" || signature == "" {
			jsonError(w, http.StatusUnauthorized, "missing auth headers")
			return
		}

		// Parse and validate timestamp
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid timestamp format")
			return
		}
		if !m.isTimestampValid(ts) {
			jsonError(w, http.StatusUnauthorized, "timestamp expired or too far in future")
			return
		}

		// Validate nonce format (min 24 chars for adequate entropy)
		if len(nonce) < 24 {
			jsonError(w, http.StatusUnauthorized, "nonce must be at least 24 characters")
			return
		}

		// Check nonce not reused
		if m.nonces.IsNonceUsed(r.Context(), pubKey, nonce) {
			jsonError(w, http.StatusUnauthorized, "nonce already used")
			return
		}

		key, err := crypto.ValidatePublicKey(pubKey)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid public key")
			return
		}

		// Read body and compute hash
		body, err := io.ReadAll(r.Body)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewBuffer(body)) // Reset for handler

		// Verify signature
		signedData := crypto.SignaturePayload(sha256Hex(body), nonce, ts)
		if err := crypto.VerifySignature(key, signedData, signature); err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		// Mark nonce as used
		m.nonces.MarkNonceUsed(r.Context(), pubKey, nonce, 3*time.Minute)

		ctx := context.WithValue(r.Context(), PubKeyContextKey, pubKey)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) isTimestampValid(ts int64) bool {
	now := m.now().UnixMilli()
	windowMs := m.window.Milliseconds()
	// Only accept timestamps from the past (within window), reject future timestamps
	return ts > now-windowMs && ts <= now
}

// SignRequest sets the signed request headers on req for body using kp.
func SignRequest(req *http.Request, body []byte, kp crypto.KeyPair) error {
	nonce := crypto.NewULID()
	ts := time.Now().UnixMilli()

	sig, err := kp.Sign(crypto.SignaturePayload(sha256Hex(body), nonce, ts))
	if err != nil {
		return err
	}

	req.Header.Set(HeaderKey, kp.Pub)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, sig)
	return nil
}

// NonceCache is an in-process NonceStore for relays without Redis.
type NonceCache struct {
	cache *lru.Cache // pubKey|nonce -> expiry
}

// NewNonceCache creates a cache remembering up to size nonces.
func NewNonceCache(size int) (*NonceCache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &NonceCache{cache: cache}, nil
}

func (c *NonceCache) IsNonceUsed(ctx context.Context, pubKey, nonce string) bool {
	until, ok := c.cache.Get(pubKey + "|" + nonce)
	return ok && time.Now().Before(until.(time.Time))
}

func (c *NonceCache) MarkNonceUsed(ctx context.Context, pubKey, nonce string, ttl time.Duration) {
	c.cache.Add(pubKey+"|"+nonce, time.Now().Add(ttl))
}

func sha256Hex(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetPubKeyFromContext returns the authenticated signing key.
func GetPubKeyFromContext(ctx context.Context) string {
	pubKey, _ := ctx.Value(PubKeyContextKey).(string)
	return pubKey
}
