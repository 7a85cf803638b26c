package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/roomrelay/internal/models"
	"github.com/eldtechnologies/roomrelay/internal/store"
	"github.com/eldtechnologies/roomrelay/internal/substrate"
)

// maxPageSize caps the limit parameter of a node listing.
const maxPageSize = 500

// ListNodes pages the records of a room.
//
// Query parameters: limit (0 or absent for all, capped at maxPageSize),
// cursor (exclusive record id), direction (asc or desc) and includeRoot.
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	root := chi.URLParam(r, "root")
	q := r.URL.Query()

	limit := maxPageSize
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			h.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n > 0 && n < maxPageSize {
			limit = n
		}
	}

	ordering := &substrate.Ordering{Direction: substrate.Ascending}
	switch q.Get("direction") {
	case "", string(substrate.Ascending):
	case string(substrate.Descending):
		ordering.Direction = substrate.Descending
	default:
		h.Error(w, http.StatusBadRequest, "direction must be asc or desc")
		return
	}

	criteria := substrate.Criteria{
		0: {Discard: q.Get("includeRoot") == ""},
		1: {Limit: limit, CursorNodeID: q.Get("cursor")},
	}

	batch, err := h.storage.Fetch(r.Context(), root, 1, criteria, ordering)
	switch {
	case errors.Is(err, store.ErrCursorNotFound):
		h.Error(w, http.StatusNotFound, "cursor not found")
		return
	case err != nil:
		h.logger.Error().Err(err).Str("root", root).Msg("Fetch failed")
		h.Error(w, http.StatusInternalServerError, "failed to fetch nodes")
		return
	}

	if batch.Records == nil {
		batch.Records = []models.Record{}
	}
	h.JSON(w, http.StatusOK, batch)
}

// StoreNodes stores a signed request of records below a room.
func (h *Handler) StoreNodes(w http.ResponseWriter, r *http.Request) {
	root := chi.URLParam(r, "root")

	var req substrate.StoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	for _, n := range req.Nodes {
		if n.ParentID != root {
			h.Error(w, http.StatusBadRequest, "node does not belong to this room")
			return
		}
	}

	err := h.storage.Store(r.Context(), req)
	switch {
	case errors.Is(err, substrate.ErrInvalidRequest):
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, substrate.ErrNotConnected):
		h.Error(w, http.StatusServiceUnavailable, "storage not connected")
		return
	case err != nil:
		h.logger.Error().Err(err).Str("root", root).Msg("Store failed")
		h.Error(w, http.StatusInternalServerError, "failed to store nodes")
		return
	}

	h.JSON(w, http.StatusCreated, models.StoreResponse{Status: "stored", Nodes: len(req.Nodes)})
}
