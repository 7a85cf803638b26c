package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomrelay/internal/api/middleware"
	"github.com/eldtechnologies/roomrelay/internal/handlers"
)

// maxBodyBytes bounds store requests; records carry text, blobs stay small.
const maxBodyBytes = 1 << 20

// RouterConfig holds the router's dependencies.
type RouterConfig struct {
	Handler     *handlers.Handler
	Nonces      middleware.NonceStore
	RedisClient *redis.Client // nil selects in-process rate limiting
	RateLimit   middleware.RateLimiterConfig
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(maxBodyBytes))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	limiter := middleware.NewRateLimiter(cfg.RedisClient, logger, cfg.RateLimit)
	r.Use(limiter.Middleware)

	// CORS - allow all origins (peers call from anywhere)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", middleware.HeaderKey, middleware.HeaderNonce, middleware.HeaderTimestamp, middleware.HeaderSignature},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := cfg.Handler
	auth := middleware.NewAuthMiddleware(cfg.Nonces)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/api", h.Root)
	r.Get("/health", h.Health)
	r.Get("/handshake", h.Handshake)

	r.Route("/rooms/{root}", func(r chi.Router) {
		r.Get("/nodes", h.ListNodes)
		r.Post("/nodes", h.StoreNodes)
		r.Get("/stats", h.Stats)
		r.Get("/subscribe", h.Subscribe)

		// Authenticated routes (require signature)
		r.With(auth.RequireAuth).Get("/export", h.Export)
	})

	return r
}
