// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the FOV service.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per client IP. Buckets unused for
// IdleTTL are dropped on the next request after the TTL, so the map does
// not grow with every client ever seen.
//
//	Request
//	   │
//	   ▼
//	RateLimiter.Middleware
//	   │
//	   ├─► limiter for c.ClientIP()
//	   │
//	   ├─► Allow() ── false ─► 429 {"error", "code": "rate_limited"}
//	   │
//	   └─► c.Next()
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per client. 0 disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requestsPerSecond" validate:"gte=0"`

	// Burst is the bucket size.
	Burst int `yaml:"burst" json:"burst" validate:"gte=0"`

	// IdleTTL drops a client's bucket after this long without requests.
	IdleTTL time.Duration `yaml:"idle_ttl" json:"idleTtl"`
}

// DefaultRateLimitConfig allows 20 requests per second with a burst of 40.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 20, Burst: 40, IdleTTL: 10 * time.Minute}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per client IP.
//
// Thread Safety: RateLimiter is safe for concurrent use.
type RateLimiter struct {
	cfg       RateLimitConfig
	mu        sync.Mutex
	clients   map[string]*client
	lastPrune time.Time
	now       func() time.Time
	onReject  func(c *gin.Context)
}

// NewRateLimiter creates a limiter. A zero Burst uses the ceiling of the rate.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond + 0.999)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultRateLimitConfig().IdleTTL
	}
	return &RateLimiter{
		cfg:     cfg,
		clients: make(map[string]*client),
		now:     time.Now,
	}
}

// OnReject sets a hook run for every rejected request, e.g. to count it.
func (rl *RateLimiter) OnReject(fn func(c *gin.Context)) *RateLimiter {
	rl.onReject = fn
	return rl
}

// Allow reports whether a request from key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.cfg.RequestsPerSecond <= 0 {
		return true
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastPrune) > rl.cfg.IdleTTL {
		for k, cl := range rl.clients {
			if now.Sub(cl.lastSeen) > rl.cfg.IdleTTL {
				delete(rl.clients, k)
			}
		}
		rl.lastPrune = now
	}

	cl, ok := rl.clients[key]
	if !ok {
		cl = &client{limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst)}
		rl.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Middleware returns the gin middleware.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	retryAfter := "1"
	if rl.cfg.RequestsPerSecond > 0 && rl.cfg.RequestsPerSecond < 1 {
		retryAfter = strconv.Itoa(int(1/rl.cfg.RequestsPerSecond + 0.999))
	}
	return func(c *gin.Context) {
		if rl.Allow(c.ClientIP()) {
			c.Next()
			return
		}
		if rl.onReject != nil {
			rl.onReject(c)
		}
		c.Header("Retry-After", retryAfter)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "rate limit exceeded",
			"code":  "rate_limited",
		})
	}
}
