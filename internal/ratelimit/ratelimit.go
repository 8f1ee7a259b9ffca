package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter manages both global and per-client rate limiting for control
// registrations (connections) and forwarded requests. A limit of 0 disables it.
type RateLimiter struct {
	mu                    sync.Mutex
	globalConnLimiter     *rate.Limiter
	globalReqLimiter      *rate.Limiter
	perClientConnLimiters map[string]*rate.Limiter
	perClientReqLimiters  map[string]*rate.Limiter
	connRate              int
	reqRate               int
	burstSize             int
}

// NewRateLimiter creates a new rate limiter with the given per-second limits.
func NewRateLimiter(globalConnLimit, perClientConnLimit, globalReqLimit, perClientReqLimit, burstSize int) *RateLimiter {
	if burstSize < 1 {
		burstSize = 1
	}
	rl := &RateLimiter{
		perClientConnLimiters: make(map[string]*rate.Limiter),
		perClientReqLimiters:  make(map[string]*rate.Limiter),
		connRate:              perClientConnLimit,
		reqRate:               perClientReqLimit,
		burstSize:             burstSize,
	}
	if globalConnLimit > 0 {
		rl.globalConnLimiter = rate.NewLimiter(rate.Limit(globalConnLimit), burstSize)
	}
	if globalReqLimit > 0 {
		rl.globalReqLimiter = rate.NewLimiter(rate.Limit(globalReqLimit), burstSize)
	}
	return rl
}

// AllowConnection checks if a control registration is allowed for the given client.
func (rl *RateLimiter) AllowConnection(clientName string) bool {
	if rl == nil {
		return true
	}
	if rl.globalConnLimiter != nil && !rl.globalConnLimiter.Allow() {
		return false
	}
	if rl.connRate <= 0 {
		return true
	}
	return rl.clientLimiter(rl.perClientConnLimiters, clientName, rl.connRate).Allow()
}

// AllowRequest checks if a forwarded request is allowed for the given client.
func (rl *RateLimiter) AllowRequest(clientName string) bool {
	if rl == nil {
		return true
	}
	if rl.globalReqLimiter != nil && !rl.globalReqLimiter.Allow() {
		return false
	}
	if rl.reqRate <= 0 {
		return true
	}
	return rl.clientLimiter(rl.perClientReqLimiters, clientName, rl.reqRate).Allow()
}

func (rl *RateLimiter) clientLimiter(m map[string]*rate.Limiter, clientName string, limit int) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := m[clientName]
	if !ok {
		l = rate.NewLimiter(rate.Limit(limit), rl.burstSize)
		m[clientName] = l
	}
	return l
}

// CleanupExpiredClients removes rate limiters for clients that no longer exist
func (rl *RateLimiter) CleanupExpiredClients(activeClients map[string]bool) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for clientName := range rl.perClientConnLimiters {
		if !activeClients[clientName] {
			delete(rl.perClientConnLimiters, clientName)
		}
	}
	for clientName := range rl.perClientReqLimiters {
		if !activeClients[clientName] {
			delete(rl.perClientReqLimiters, clientName)
		}
	}
}
