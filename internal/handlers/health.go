package handlers

import (
	"context"
	"net/http"
	"os"
	"time"
)

const (
	version     = "0.1.0"
	pingTimeout = 3 * time.Second
	statusPass  = "pass"
	statusFail  = "fail"
)

// Check is the outcome of probing one dependency.
type Check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string           `json:"status"` // "healthy" or "degraded"
	Version       string           `json:"version"`
	Relay         string           `json:"relay"`
	Identity      string           `json:"identity"`
	Host          string           `json:"host,omitempty"`
	Subscriptions int              `json:"subscriptions"`
	Checks        map[string]Check `json:"checks"`
	Timestamp     string           `json:"timestamp"`
}

// Health reports storage connectivity and pings every configured
// dependency. Any failure answers 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	checks := make(map[string]Check, len(h.checks)+1)
	healthy := h.storage.IsConnected()
	if healthy {
		checks["storage"] = Check{Status: statusPass}
	} else {
		checks["storage"] = Check{Status: statusFail, Message: "not connected"}
	}

	for name, dep := range h.checks {
		start := time.Now()
		if err := dep.Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Str("check", name).Msg("Health check failed")
			checks[name] = Check{Status: statusFail, Message: "unreachable"}
			healthy = false
			continue
		}
		checks[name] = Check{Status: statusPass, Latency: time.Since(start).Round(time.Microsecond).String()}
	}

	resp := HealthResponse{
		Status:        "healthy",
		Version:       version,
		Relay:         h.name,
		Identity:      h.identity.Pub,
		Host:          hostname(),
		Subscriptions: h.storage.SubscriptionCount(),
		Checks:        checks,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	h.JSON(w, code, resp)
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}

// RootResponse is the body of GET /.
type RootResponse struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Identity string `json:"identity"`
}

// Root identifies the relay.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:     h.name,
		Version:  version,
		Identity: h.identity.Pub,
	})
}
