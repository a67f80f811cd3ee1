// Package ratelimit implements Admission & Rate Limits (spec component
// H): the per-IP token bucket, per-room client/bandwidth admission
// caps, and the CORS origin allow-list.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPLimiter is a per-IP token bucket, §4.H: 120 requests / 60 s / IP.
type IPLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

// NewIPLimiter builds a limiter allowing requestsPerWindow requests per
// window, refilled continuously (i.e. requestsPerWindow/window per
// second), with a burst equal to the full window budget.
func NewIPLimiter(requestsPerWindow int, window time.Duration) *IPLimiter {
	perSec := rate.Limit(float64(requestsPerWindow) / window.Seconds())
	return &IPLimiter{
		limiters: make(map[string]*rate.Limiter),
		perSec:   perSec,
		burst:    requestsPerWindow,
	}
}

// Allow consumes one token for ip, creating its bucket on first use.
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.perSec, l.burst)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// IsExempt reports whether path is exempt from the per-IP limiter —
// upload endpoints are exempted per §4.H.
func IsExempt(path string) bool {
	return strings.HasPrefix(path, "/api/upload/")
}

// Admission implements the per-room WebSocket admission caps.
type Admission struct {
	MaxClients       int
	MaxBandwidthMbps float64
}

// EstimateBitrateMbps implements §4.H's estimator: if the final file
// exists, a clamp(fileSize*8/7200s/1e6, 2, 50) estimate; else a flat
// 15 Mbps placeholder. The fixed 7200s duration is intentional — see
// DESIGN.md's Open Question decisions.
func (a Admission) EstimateBitrateMbps(fileSize int64, fileExists bool) float64 {
	if !fileExists {
		return 15
	}
	mbps := float64(fileSize) * 8 / 7200 / 1e6
	if mbps < 2 {
		return 2
	}
	if mbps > 50 {
		return 50
	}
	return mbps
}

// CanAdmit reports whether one more client may join a room currently
// holding currentClients connections, at the given estimated bitrate.
func (a Admission) CanAdmit(currentClients int, estimatedBitrateMbps float64) bool {
	if currentClients >= a.MaxClients {
		return false
	}
	total := float64(currentClients+1) * estimatedBitrateMbps
	return total <= a.MaxBandwidthMbps
}

// CORS is a permissive-unless-configured origin allow-list.
type CORS struct {
	allowed map[string]bool
}

// NewCORS builds a CORS checker. An empty allow-list is permissive.
func NewCORS(allowedOrigins []string) CORS {
	m := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		m[o] = true
	}
	return CORS{allowed: m}
}

// Allowed reports whether origin may access the API.
func (c CORS) Allowed(origin string) bool {
	if len(c.allowed) == 0 {
		return true
	}
	return c.allowed[origin]
}
