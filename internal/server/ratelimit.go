// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/sigil-dev/bastion/internal/ratelimit"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

const defaultMaxClients = 10000

// RateLimitConfig limits admin API requests per client IP. A zero Spec
// disables limiting.
type RateLimitConfig struct {
	Spec ratelimit.Spec
	// Factory builds per-client counters. Nil uses in-process windows; a
	// redis factory shares the budget across replicas.
	Factory ratelimit.Factory
	// MaxClients caps tracked client IPs; the least recently seen are
	// evicted first.
	MaxClients int
}

// Validate checks the spec and applies defaults.
func (c *RateLimitConfig) Validate() error {
	if err := c.Spec.Validate(); err != nil {
		return bastionerr.Wrap(err, bastionerr.CodeServerConfigInvalid, "api rate limit")
	}
	if c.MaxClients < 0 {
		return bastionerr.Errorf(bastionerr.CodeServerConfigInvalid,
			"api rate limit max clients must not be negative (got %d)", c.MaxClients)
	}
	if c.MaxClients == 0 {
		c.MaxClients = defaultMaxClients
	}
	if c.Factory == nil {
		c.Factory = ratelimit.MemoryFactory()
	}
	return nil
}

type client struct {
	counter  ratelimit.Counter
	lastSeen time.Time
}

type clientLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	clients map[string]*client
}

func (l *clientLimiter) counter(ip string) ratelimit.Counter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[ip]
	if !ok {
		if len(l.clients) >= l.cfg.MaxClients {
			l.evictLocked(len(l.clients) - l.cfg.MaxClients + 1)
		}
		c = &client{counter: l.cfg.Factory("api", ip, l.cfg.Spec)}
		l.clients[ip] = c
	}
	c.lastSeen = time.Now()
	return c.counter
}

func (l *clientLimiter) evictLocked(n int) {
	type seen struct {
		ip string
		at time.Time
	}
	all := make([]seen, 0, len(l.clients))
	for ip, c := range l.clients {
		all = append(all, seen{ip, c.lastSeen})
	}
	slices.SortFunc(all, func(a, b seen) int { return a.at.Compare(b.at) })
	for _, s := range all[:min(n, len(all))] {
		delete(l.clients, s.ip)
	}
	slog.Warn("api rate limiter client cap enforced", "evicted", n, "max_clients", l.cfg.MaxClients)
}

// rateLimitMiddleware enforces cfg per client IP. cfg must be validated.
func rateLimitMiddleware(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.Spec.Unlimited() {
		return func(next http.Handler) http.Handler { return next }
	}
	l := &clientLimiter{cfg: cfg, clients: make(map[string]*client)}
	retryAfter := strconv.Itoa(max(1, int(cfg.Spec.Window/time.Second)))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Key on the IP alone so extra connections do not buy extra budget.
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			ok, err := l.counter(ip).Allow(r.Context())
			if err != nil {
				slog.Error("api rate limiter unavailable", "ip", ip, "error", err)
				writeJSONError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
				return
			}
			if !ok {
				slog.Warn("api rate limit exceeded", "ip", ip, "path", r.URL.Path)
				w.Header().Set("Retry-After", retryAfter)
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
