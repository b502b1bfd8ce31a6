package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// MultiLimiter manages multiple rate limiters for different services
type MultiLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

// NewMultiLimiter creates a new multi-limiter
func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

// AddLimiter adds a new rate limiter for a service
// requestsPerSecond: the rate limit (e.g., 10 means 10 requests per second)
// burst: maximum burst size
func (m *MultiLimiter) AddLimiter(name string, requestsPerSecond float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[name] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Wait blocks until the limiter allows an event
func (m *MultiLimiter) Wait(ctx context.Context, name string) error {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("limiter %s not found", name)
	}

	return limiter.Wait(ctx)
}

// Allow reports whether an event may happen now
func (m *MultiLimiter) Allow(name string) bool {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()

	if !ok {
		return false
	}

	return limiter.Allow()
}

// Reserve returns a reservation for a future event
func (m *MultiLimiter) Reserve(name string) (*rate.Reservation, error) {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("limiter %s not found", name)
	}

	return limiter.Reserve(), nil
}

// Default rate limiter names
const (
	LimiterGraph    = "graph"    // Instagram Graph API content endpoints
	LimiterInsights = "insights" // Graph API insights endpoints
)

// NewDefaultLimiter creates a limiter with default rate limits
func NewDefaultLimiter() *MultiLimiter {
	m := NewMultiLimiter()

	// Graph API: 200 requests per hour per user token, burst 10
	m.AddLimiter(LimiterGraph, 200.0/3600, 10)

	// Insights share the same budget but run in large batches, keep burst higher
	m.AddLimiter(LimiterInsights, 200.0/3600, 25)

	return m
}

// NewLimiterWithRate creates a limiter using the configured hourly Graph budget
func NewLimiterWithRate(graphRequestsPerHour int) *MultiLimiter {
	if graphRequestsPerHour <= 0 {
		return NewDefaultLimiter()
	}

	m := NewMultiLimiter()
	perSecond := float64(graphRequestsPerHour) / 3600
	m.AddLimiter(LimiterGraph, perSecond, 10)
	m.AddLimiter(LimiterInsights, perSecond, 25)
	return m
}
