package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/eldtechnologies/roomrelay/internal/crypto"
	"github.com/eldtechnologies/roomrelay/internal/metrics"
)

const (
	// localCacheSize bounds the per-key state kept when no Redis is configured.
	localCacheSize = 10000

	autoBlockThreshold = 10
	violationWindow    = time.Hour
	autoBlockDuration  = 24 * time.Hour

	rateLimitPrefix = "relay:ratelimit:"
	violationPrefix = "relay:violations:"
	blockPrefix     = "relay:blocked:"
)

// RateLimit caps the requests matched by one rule.
type RateLimit struct {
	Name     string
	Method   string
	Match    func(path string) bool
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // block an IP after repeated violations
	Limits           []RateLimit
}

// DefaultLimits are the relay's rules, first match wins. Signed requests
// are bucketed by relay key, everything else by client IP.
func DefaultLimits() []RateLimit {
	return []RateLimit{
		{"handshake", http.MethodGet, exact("/handshake"), 30, time.Minute, ipKey},
		{"export", http.MethodGet, roomSuffix("/export"), 30, time.Minute, keyOrIPKey},
		{"subscribe", http.MethodGet, roomSuffix("/subscribe"), 20, time.Minute, ipKey},
		{"store", http.MethodPost, roomSuffix("/nodes"), 60, time.Minute, keyOrIPKey},
		{"read", http.MethodGet, roomSuffix(""), 240, time.Minute, keyOrIPKey},
	}
}

func exact(p string) func(string) bool {
	return func(path string) bool { return path == p }
}

// roomSuffix matches /rooms/{root}<suffix>; an empty suffix matches any
// room path.
func roomSuffix(suffix string) func(string) bool {
	return func(path string) bool {
		rest, ok := strings.CutPrefix(path, "/rooms/")
		if !ok || rest == "" {
			return false
		}
		return suffix == "" || strings.HasSuffix(rest, suffix)
	}
}

// RateLimiter enforces sliding windows in Redis, or token buckets in
// process memory when no client is configured.
type RateLimiter struct {
	client    *redis.Client
	local     *localLimiter
	limits    []RateLimit
	blocker   *IPBlocker
	logger    zerolog.Logger
	nets      []*net.IPNet
	ips       map[string]bool
	autoBlock bool
}

// NewRateLimiter creates a new rate limiter. client may be nil.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		client:    client,
		limits:    cfg.Limits,
		blocker:   NewIPBlocker(client),
		logger:    logger.With().Str("component", "ratelimit").Logger(),
		ips:       make(map[string]bool),
		autoBlock: cfg.AutoBlockEnabled,
	}
	if rl.limits == nil {
		rl.limits = DefaultLimits()
	}
	if client == nil {
		rl.local = newLocalLimiter()
	}

	for _, entry := range cfg.Whitelist {
		if !strings.Contains(entry, "/") {
			rl.ips[entry] = true
			continue
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			rl.logger.Warn().Str("entry", entry).Err(err).Msg("Invalid CIDR in whitelist")
			continue
		}
		rl.nets = append(rl.nets, ipNet)
	}
	if len(cfg.Whitelist) > 0 {
		rl.logger.Info().Int("ips", len(rl.ips)).Int("cidrs", len(rl.nets)).Msg("Rate limit whitelist configured")
	}
	return rl
}

func (rl *RateLimiter) whitelisted(ipStr string) bool {
	if rl.ips[ipStr] {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range rl.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func ipKey(r *http.Request) string {
	return "ip:" + ClientIP(r)
}

func keyOrIPKey(r *http.Request) string {
	if pubKey := r.Header.Get(HeaderKey); pubKey != "" {
		return "key:" + pubKey
	}
	return ipKey(r)
}

// ClientIP returns the host part of RemoteAddr. The router runs chi's
// RealIP first, so proxy headers are already applied.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Allow counts one request against key and reports whether it fits in
// the window, the requests left and when the window resets.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time) {
	if rl.client == nil {
		return rl.local.allow(key, limit, window)
	}

	now := time.Now()
	redisKey := rateLimitPrefix + key

	pipe := rl.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(now.Add(-window).UnixMilli(), 10))
	count := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMilli()), Member: crypto.NewULID()})
	pipe.PExpire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		// fail open; the relay stays usable while Redis is down
		rl.logger.Error().Err(err).Str("key", key).Msg("Rate limit check failed")
		return true, limit, now.Add(window)
	}

	n := int(count.Val())
	return n < limit, max(limit-n-1, 0), now.Add(window)
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if rl.whitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.blocker.IsBlocked(r.Context(), ip) {
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			rl.logger.Warn().Str("event", "blocked_request").Str("ip", ip).Str("path", r.URL.Path).Msg("Blocked IP attempted request")
			http.Error(w, `{"error":"temporarily blocked"}`, http.StatusForbidden)
			return
		}

		limit := rl.match(r)
		if limit == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := limit.Name + ":" + limit.KeyFunc(r)
		allowed, remaining, resetAt := rl.Allow(r.Context(), key, limit.Requests, limit.Window)

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		if allowed {
			next.ServeHTTP(w, r)
			return
		}

		metrics.RateLimitHits.WithLabelValues(limit.Name).Inc()
		rl.trackViolation(r.Context(), ip)
		rl.logger.Warn().
			Str("event", "rate_limit_exceeded").
			Str("rule", limit.Name).
			Str("ip", ip).
			Str("relay_key", r.Header.Get(HeaderKey)).
			Msg("Rate limit exceeded")

		h.Set("Retry-After", strconv.Itoa(max(int(time.Until(resetAt).Seconds()), 1)))
		h.Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limit exceeded"}`))
	})
}

func (rl *RateLimiter) match(r *http.Request) *RateLimit {
	for i := range rl.limits {
		l := &rl.limits[i]
		if l.Method == r.Method && l.Match(r.URL.Path) {
			return l
		}
	}
	return nil
}

// trackViolation blocks an IP once it exceeds autoBlockThreshold limits
// within violationWindow.
func (rl *RateLimiter) trackViolation(ctx context.Context, ip string) {
	if !rl.autoBlock {
		return
	}

	var count int64
	if rl.client == nil {
		count = rl.local.violation(ip, violationWindow)
	} else {
		key := violationPrefix + ip
		pipe := rl.client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, violationWindow)
		if _, err := pipe.Exec(ctx); err != nil {
			rl.logger.Error().Err(err).Str("ip", ip).Msg("Failed to record violation")
			return
		}
		count = incr.Val()
	}

	if count >= autoBlockThreshold {
		rl.blocker.Block(ctx, ip, autoBlockDuration, "repeated rate limit violations")
		rl.logger.Warn().Str("event", "ip_auto_blocked").Str("ip", ip).Int64("violations", count).Msg("IP auto-blocked")
	}
}

// localLimiter keeps one token bucket per key.
type localLimiter struct {
	buckets    *lru.Cache // key -> *rate.Limiter
	violations *lru.Cache // ip -> *violationCount
}

type violationCount struct {
	mu    sync.Mutex
	count int64
	since time.Time
}

func newLocalLimiter() *localLimiter {
	buckets, _ := lru.New(localCacheSize)
	violations, _ := lru.New(localCacheSize)
	return &localLimiter{buckets: buckets, violations: violations}
}

func (l *localLimiter) allow(key string, limit int, window time.Duration) (bool, int, time.Time) {
	every := window / time.Duration(limit)

	lim := rate.NewLimiter(rate.Every(every), limit)
	if prev, found, _ := l.buckets.PeekOrAdd(key, lim); found {
		lim = prev.(*rate.Limiter)
	}

	now := time.Now()
	allowed := lim.AllowN(now, 1)
	return allowed, max(int(lim.TokensAt(now)), 0), now.Add(every)
}

func (l *localLimiter) violation(ip string, window time.Duration) int64 {
	vc := &violationCount{since: time.Now()}
	if prev, found, _ := l.violations.PeekOrAdd(ip, vc); found {
		vc = prev.(*violationCount)
	}

	vc.mu.Lock()
	defer vc.mu.Unlock()
	if time.Since(vc.since) > window {
		vc.count = 0
		vc.since = time.Now()
	}
	vc.count++
	return vc.count
}

// IPBlocker manages temporary IP blocks, in Redis or in process memory.
type IPBlocker struct {
	client *redis.Client
	local  *lru.Cache // ip -> block expiry
}

// NewIPBlocker creates a new IP blocker. client may be nil.
func NewIPBlocker(client *redis.Client) *IPBlocker {
	b := &IPBlocker{client: client}
	if client == nil {
		b.local, _ = lru.New(localCacheSize)
	}
	return b
}

// IsBlocked checks if an IP is blocked.
func (b *IPBlocker) IsBlocked(ctx context.Context, ip string) bool {
	if b.client == nil {
		until, ok := b.local.Get(ip)
		return ok && time.Now().Before(until.(time.Time))
	}
	n, err := b.client.Exists(ctx, blockPrefix+ip).Result()
	return err == nil && n > 0
}

// Block blocks an IP for d.
func (b *IPBlocker) Block(ctx context.Context, ip string, d time.Duration, reason string) {
	if b.client == nil {
		b.local.Add(ip, time.Now().Add(d))
		return
	}
	b.client.Set(ctx, blockPrefix+ip, reason, d)
}
