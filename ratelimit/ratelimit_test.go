// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

func TestHostRateLimiter_Allow(t *testing.T) {
	// Create limiter with 5 requests per second, burst of 2
	limiter := NewHostRateLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	addr := "192.168.1.1:49202"

	// First 2 requests should succeed (burst)
	if !limiter.Allow(addr) {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow(addr) {
		t.Error("Second request (within burst) should be allowed")
	}

	// Third request should be rate limited (burst exhausted, no tokens yet)
	if limiter.Allow(addr) {
		t.Error("Third request should be rate limited (burst exhausted)")
	}

	// Wait for token refill
	time.Sleep(250 * time.Millisecond)

	// Should be allowed now (token refilled)
	if !limiter.Allow(addr) {
		t.Error("Request after token refill should be allowed")
	}
}

func TestHostRateLimiter_DifferentHosts(t *testing.T) {
	limiter := NewHostRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	addr1 := "192.168.1.1:1234"
	addr2 := "192.168.1.2:1234"

	// First request from each host should succeed
	if !limiter.Allow(addr1) {
		t.Error("First request from host1 should be allowed")
	}
	if !limiter.Allow(addr2) {
		t.Error("First request from host2 should be allowed")
	}

	// Second request from host1 should be rate limited
	if limiter.Allow(addr1) {
		t.Error("Second request from host1 should be rate limited")
	}
	// Second request from host2 should also be rate limited
	if limiter.Allow(addr2) {
		t.Error("Second request from host2 should be rate limited")
	}
}

func TestHostRateLimiter_PortIgnored(t *testing.T) {
	limiter := NewHostRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	// Same host on different ports shares one budget.
	if !limiter.Allow("10.0.0.1:1000") {
		t.Error("First request should be allowed")
	}
	if limiter.Allow("10.0.0.1:2000") {
		t.Error("Second request from same host should be rate limited")
	}
}

func TestHostRateLimiter_EmptyAddr(t *testing.T) {
	limiter := NewHostRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	// Empty address should always be allowed
	if !limiter.Allow("") {
		t.Error("Empty address should be allowed")
	}
}

func TestManager_Disabled(t *testing.T) {
	cfg := Config{Enabled: false}
	manager := NewManager(cfg)

	addr := "192.168.1.1:1234"

	// All checks should pass when disabled
	for i := 0; i < 10; i++ {
		if !manager.AllowRequest(addr) {
			t.Error("AllowRequest should return true when disabled")
		}
		if !manager.AllowExecute(addr) {
			t.Error("AllowExecute should return true when disabled")
		}
	}
}

func TestManager_Enabled(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Request: RequestConfig{
			Enabled:         true,
			Rate:            1,
			Burst:           1,
			CleanupInterval: time.Minute,
		},
		Execute: ExecuteConfig{
			Enabled:         true,
			Rate:            1,
			Burst:           1,
			CleanupInterval: time.Minute,
		},
	}
	manager := NewManager(cfg)
	defer manager.Stop()

	addr := "192.168.1.1:1234"

	// First requests should succeed
	if !manager.AllowRequest(addr) {
		t.Error("First request should be allowed")
	}
	if !manager.AllowExecute(addr) {
		t.Error("First execution should be allowed")
	}

	// Second requests should be rate limited
	if manager.AllowRequest(addr) {
		t.Error("Second request should be rate limited")
	}
	if manager.AllowExecute(addr) {
		t.Error("Second execution should be rate limited")
	}
}

func TestManager_SelectiveEnable(t *testing.T) {
	// Only enable execution rate limiting
	cfg := Config{
		Enabled: true,
		Request: RequestConfig{
			Enabled: false,
		},
		Execute: ExecuteConfig{
			Enabled:         true,
			Rate:            1,
			Burst:           1,
			CleanupInterval: time.Minute,
		},
	}
	manager := NewManager(cfg)
	defer manager.Stop()

	addr := "192.168.1.1:1234"

	// Executions should be rate limited
	if !manager.AllowExecute(addr) {
		t.Error("First execution should be allowed")
	}
	if manager.AllowExecute(addr) {
		t.Error("Second execution should be rate limited")
	}

	// Plain requests should always pass (disabled)
	for i := 0; i < 10; i++ {
		if !manager.AllowRequest(addr) {
			t.Errorf("Request %d should be allowed (rate limiting disabled)", i)
		}
	}
}

func TestExtractHost(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected string
	}{
		{
			name:     "HostPort",
			addr:     "192.168.1.1:1234",
			expected: "192.168.1.1",
		},
		{
			name:     "IPv6HostPort",
			addr:     "[::1]:5678",
			expected: "::1",
		},
		{
			name:     "BareHost",
			addr:     "10.0.0.1",
			expected: "10.0.0.1",
		},
		{
			name:     "Empty",
			addr:     "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := extractHost(tt.addr)
			if result != tt.expected {
				t.Errorf("extractHost(%q) = %q, want %q", tt.addr, result, tt.expected)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Enabled {
		t.Error("Default config should have Enabled=false")
	}
	if !cfg.Request.Enabled {
		t.Error("Request rate limiting should be enabled by default")
	}
	if !cfg.Execute.Enabled {
		t.Error("Execute rate limiting should be enabled by default")
	}
	if cfg.Execute.Rate >= cfg.Request.Rate {
		t.Error("Execute rate should be tighter than the request rate")
	}
}
