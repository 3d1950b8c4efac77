// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostRateLimiter manages rate limiting per remote host. Used to bound
// API request rates per caller to prevent DoS.
type HostRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*hostEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
}

type hostEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewHostRateLimiter creates a new host-based rate limiter.
// rate is requests per second, burst is the burst allowance.
func NewHostRateLimiter(r float64, burst int, cleanupInterval time.Duration) *HostRateLimiter {
	l := &HostRateLimiter{
		limiters: make(map[string]*hostEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow checks if a request from the given remote address is allowed.
// Returns true if the request is allowed, false if rate limited.
func (l *HostRateLimiter) Allow(remoteAddr string) bool {
	host := extractHost(remoteAddr)
	if host == "" {
		return true // Allow if we can't extract a host
	}

	l.mu.Lock()
	entry, exists := l.limiters[host]
	if !exists {
		entry = &hostEntry{
			limiter:  rate.NewLimiter(l.rate, l.burst),
			lastSeen: time.Now(),
		}
		l.limiters[host] = entry
	} else {
		entry.lastSeen = time.Now()
	}
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// cleanupLoop periodically removes stale entries.
func (l *HostRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *HostRateLimiter) cleanupStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for host, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, host)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *HostRateLimiter) Stop() {
	close(l.stopCh)
}

// extractHost extracts the host part of a remote address in host:port
// form, falling back to the whole string for bare hosts.
func extractHost(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Request RequestConfig `yaml:"request"`
	Execute ExecuteConfig `yaml:"execute"`
}

// RequestConfig holds per-host API request rate limiting settings.
type RequestConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // requests per second per host
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for stale entries
}

// ExecuteConfig holds per-host manual execution rate limiting settings.
// Manual executions spawn processes, so they get a tighter budget than
// plain API requests.
type ExecuteConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // executions per second per host
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for stale entries
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Request: RequestConfig{
			Enabled:         true,
			Rate:            50, // 50 requests per second per host
			Burst:           100,
			CleanupInterval: 5 * time.Minute,
		},
		Execute: ExecuteConfig{
			Enabled:         true,
			Rate:            5, // 5 executions per second per host
			Burst:           10,
			CleanupInterval: 5 * time.Minute,
		},
	}
}

// Manager coordinates all rate limiters.
type Manager struct {
	config   Config
	requests *HostRateLimiter
	executes *HostRateLimiter
	disabled bool
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true, config: cfg}
	}

	var requests *HostRateLimiter
	var executes *HostRateLimiter

	if cfg.Request.Enabled {
		requests = NewHostRateLimiter(cfg.Request.Rate, cfg.Request.Burst, cfg.Request.CleanupInterval)
	}
	if cfg.Execute.Enabled {
		executes = NewHostRateLimiter(cfg.Execute.Rate, cfg.Execute.Burst, cfg.Execute.CleanupInterval)
	}

	return &Manager{
		config:   cfg,
		requests: requests,
		executes: executes,
	}
}

// AllowRequest checks if an API request from the given remote address is
// allowed.
func (m *Manager) AllowRequest(remoteAddr string) bool {
	if m.disabled || m.requests == nil || !m.config.Request.Enabled {
		return true
	}
	return m.requests.Allow(remoteAddr)
}

// AllowExecute checks if a manual execution from the given remote
// address is allowed.
func (m *Manager) AllowExecute(remoteAddr string) bool {
	if m.disabled || m.executes == nil || !m.config.Execute.Enabled {
		return true
	}
	return m.executes.Allow(remoteAddr)
}

// Stop stops the rate limit manager and cleans up resources.
func (m *Manager) Stop() {
	if m.requests != nil {
		m.requests.Stop()
	}
	if m.executes != nil {
		m.executes.Stop()
	}
}
