package ingress

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/sandboxd/pkg/types"
)

func TestCheckRateLimitUsesPerTenantBucket(t *testing.T) {
	m := NewMiddleware(0, 0)
	cfg := types.RateLimitConfig{RequestsPerSecond: 1, Burst: 1}

	assert.True(t, m.CheckRateLimit("neo", cfg))
	assert.False(t, m.CheckRateLimit("neo", cfg))
	// A different tenant has its own bucket.
	assert.True(t, m.CheckRateLimit("trinity", cfg))
}

func TestCheckRateLimitFallsBackToDefault(t *testing.T) {
	m := NewMiddleware(1, 1)
	assert.True(t, m.CheckRateLimit("neo", types.RateLimitConfig{}))
	assert.False(t, m.CheckRateLimit("neo", types.RateLimitConfig{}))
}

func TestCheckRateLimitFailsOpenWithoutConfig(t *testing.T) {
	m := NewMiddleware(0, 0)
	for i := 0; i < 5; i++ {
		assert.True(t, m.CheckRateLimit("neo", types.RateLimitConfig{}))
	}
}

func TestForgetEvictsLimiter(t *testing.T) {
	m := NewMiddleware(0, 0)
	cfg := types.RateLimitConfig{RequestsPerSecond: 1, Burst: 1}

	assert.True(t, m.CheckRateLimit("neo", cfg))
	assert.False(t, m.CheckRateLimit("neo", cfg))

	m.Forget("neo")
	assert.True(t, m.CheckRateLimit("neo", cfg))
}

func TestAddProxyHeaders(t *testing.T) {
	m := NewMiddleware(0, 0)
	r := httptest.NewRequest("GET", "http://neo.apex.test/", nil)
	r.RemoteAddr = "10.0.0.5:1234"

	m.AddProxyHeaders(r)

	assert.Equal(t, "10.0.0.5", r.Header.Get("X-Real-Ip"))
	assert.Equal(t, "10.0.0.5", r.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "http", r.Header.Get("X-Forwarded-Proto"))
	assert.Equal(t, "neo.apex.test", r.Header.Get("X-Forwarded-Host"))
}
