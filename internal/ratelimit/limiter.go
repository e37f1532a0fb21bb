package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// DefaultWindow is the sliding window used for per-minute limits.
const DefaultWindow = time.Minute

// CheckResult is the outcome of a rate limit check.
type CheckResult struct {
	Exceeded bool
	Tenant   string
	Tool     string
	Current  int
	Limit    int
	Reason   string
}

// Check compares the in-window count against a limit.
// A non-positive limit means unlimited.
func Check(count, limit int, window time.Duration) CheckResult {
	if limit <= 0 {
		return CheckResult{}
	}
	if count >= limit {
		return CheckResult{
			Exceeded: true,
			Current:  count,
			Limit:    limit,
			Reason:   fmt.Sprintf("rate limit exceeded: %d/%d calls in %s window", count, limit, window),
		}
	}
	return CheckResult{Current: count, Limit: limit}
}

// key identifies one (tenant, tool) window.
type key struct {
	tenant string
	tool   string
}

// Limiter keeps a sliding log of call timestamps per (tenant, tool).
// Windows are independent; a single mutex guards the map so concurrent
// tenants never observe a torn count.
type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	calls  map[key][]time.Time
}

// NewLimiter creates a limiter with the given window (DefaultWindow if <= 0).
func NewLimiter(window time.Duration) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		window: window,
		calls:  make(map[key][]time.Time),
	}
}

// Allow evicts timestamps older than the window, checks the remaining count
// against limit, and records now when the call is admitted.
func (l *Limiter) Allow(tenant, tool string, limit int, now time.Time) CheckResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{tenant: tenant, tool: tool}
	kept := l.evictLocked(k, now)

	result := Check(len(kept), limit, l.window)
	result.Tenant = tenant
	result.Tool = tool
	if result.Exceeded {
		return result
	}
	if limit > 0 {
		l.calls[k] = append(kept, now)
		result.Current = len(kept) + 1
	}
	return result
}

// Count returns the number of admitted calls currently inside the window.
func (l *Limiter) Count(tenant, tool string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.evictLocked(key{tenant: tenant, tool: tool}, now))
}

// Reset drops every window.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = make(map[key][]time.Time)
}

func (l *Limiter) evictLocked(k key, now time.Time) []time.Time {
	ts := l.calls[k]
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == len(ts) {
		delete(l.calls, k)
		return nil
	}
	if i > 0 {
		ts = append([]time.Time(nil), ts[i:]...)
		l.calls[k] = ts
	}
	return ts
}
