package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomrelay/internal/crypto"
	"github.com/eldtechnologies/roomrelay/internal/substrate"
)

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	storage  *substrate.Local
	identity crypto.KeyPair
	name     string
	checks   map[string]Pinger
	logger   zerolog.Logger
}

// NewHandler creates a new Handler serving storage under identity. checks
// names the dependencies reported by /health.
func NewHandler(storage *substrate.Local, identity crypto.KeyPair, name string, checks map[string]Pinger, logger zerolog.Logger) *Handler {
	return &Handler{
		storage:  storage,
		identity: identity,
		name:     name,
		checks:   checks,
		logger:   logger.With().Str("component", "handlers").Logger(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
