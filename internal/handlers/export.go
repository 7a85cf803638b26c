package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/roomrelay/internal/api/middleware"
	"github.com/eldtechnologies/roomrelay/internal/crypto"
	"github.com/eldtechnologies/roomrelay/internal/models"
)

// Export hands the authenticated key every record of the room it holds a
// live receipt for. The bundle is sealed to that key.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	pubKey := middleware.GetPubKeyFromContext(r.Context())
	if pubKey == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	root := chi.URLParam(r, "root")

	bundle, err := h.storage.Export(r.Context(), root, pubKey, time.Now().UnixMilli())
	if err != nil {
		h.logger.Error().Err(err).Str("root", root).Msg("Export failed")
		h.Error(w, http.StatusInternalServerError, "failed to export nodes")
		return
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to encode bundle")
		return
	}
	sealed, err := crypto.Seal(data, pubKey)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "cannot seal to this key")
		return
	}

	h.logger.Debug().Str("root", root).Str("peer", pubKey).Int("nodes", len(bundle.Nodes)).Msg("Exported bundle")
	h.JSON(w, http.StatusOK, models.SealedBundle{
		Recipient: pubKey,
		Sealed:    sealed,
		Nodes:     len(bundle.Nodes),
	})
}
