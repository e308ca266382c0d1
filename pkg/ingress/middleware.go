package ingress

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/types"
)

// Middleware holds the proxy's per-tenant rate limiters. Spec §4.5's
// expansion keys rate limiting by tenant rather than client IP: a
// sandbox's aggregate inbound rate is what the control plane protects,
// not any one caller.
type Middleware struct {
	defaultRate  float64
	defaultBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	logger zerolog.Logger
}

// NewMiddleware builds a Middleware using defaultRate/defaultBurst for any
// tenant without an explicit types.RateLimitConfig.
func NewMiddleware(defaultRate float64, defaultBurst int) *Middleware {
	return &Middleware{
		defaultRate:  defaultRate,
		defaultBurst: defaultBurst,
		limiters:     make(map[string]*rate.Limiter),
		logger:       log.WithComponent("ingress-middleware"),
	}
}

// AddProxyHeaders sets the standard forwarding headers before the request
// is handed to the reverse proxy (spec §4.5 step 5).
func (m *Middleware) AddProxyHeaders(r *http.Request) {
	clientIP := getClientIP(r)

	if r.Header.Get("X-Real-IP") == "" {
		r.Header.Set("X-Real-IP", clientIP)
	}

	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		r.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		r.Header.Set("X-Forwarded-For", clientIP)
	}

	if r.Header.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if r.TLS != nil {
			proto = "https"
		}
		r.Header.Set("X-Forwarded-Proto", proto)
	}

	if r.Header.Get("X-Forwarded-Host") == "" {
		r.Header.Set("X-Forwarded-Host", r.Host)
	}
}

// CheckRateLimit reports whether a request for tenantName is allowed. A
// zero-value RateLimitConfig means "use the configured default"; an
// unconfigured limiter (zero default rate) fails open, since an outage in
// the rate-limit bookkeeping must never itself become the outage.
func (m *Middleware) CheckRateLimit(tenantName string, cfg types.RateLimitConfig) bool {
	rps := cfg.RequestsPerSecond
	burst := cfg.Burst
	if rps <= 0 {
		rps = m.defaultRate
	}
	if burst <= 0 {
		burst = m.defaultBurst
	}
	if rps <= 0 {
		return true
	}

	m.mu.Lock()
	limiter, ok := m.limiters[tenantName]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
		m.limiters[tenantName] = limiter
	}
	m.mu.Unlock()

	allowed := limiter.Allow()
	if !allowed {
		m.logger.Debug().Str("tenant", tenantName).Msg("rate limit exceeded")
	}
	return allowed
}

// Forget evicts tenantName's limiter, for use once its tenant is deleted.
func (m *Middleware) Forget(tenantName string) {
	m.mu.Lock()
	delete(m.limiters, tenantName)
	m.mu.Unlock()
}

// StartCleanupJob periodically bounds the limiter map's size, in case
// Forget is missed for some tenant churn path.
func (m *Middleware) StartCleanupJob(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.mu.Lock()
				if len(m.limiters) > 10000 {
					m.limiters = make(map[string]*rate.Limiter)
				}
				m.mu.Unlock()
			}
		}
	}()
}

// getClientIP extracts the caller's address for X-Forwarded-For/X-Real-IP,
// preferring any existing forwarding chain before falling back to the
// socket's remote address.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
