package handlers

import (
	"net/http"
	"time"

	"github.com/eldtechnologies/roomrelay/internal/crypto"
	"github.com/eldtechnologies/roomrelay/internal/models"
)

// Handshake proves the relay's identity by signing the caller's challenge.
func (h *Handler) Handshake(w http.ResponseWriter, r *http.Request) {
	challenge := r.URL.Query().Get("challenge")
	if len(challenge) < 16 || len(challenge) > 128 {
		h.Error(w, http.StatusBadRequest, "challenge must be 16-128 characters")
		return
	}

	ts := time.Now().UnixMilli()
	sig, err := h.identity.Sign(crypto.HandshakePayload(challenge, ts))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to sign handshake")
		h.Error(w, http.StatusInternalServerError, "failed to sign handshake")
		return
	}

	h.JSON(w, http.StatusOK, models.HandshakeResponse{
		PubKey:    h.identity.Pub,
		Name:      h.name,
		Timestamp: ts,
		Signature: sig,
	})
}
