package ratelimit

import (
	"strings"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// --- Check tests ---

func TestCheckWithinLimit(t *testing.T) {
	result := Check(5, 10, time.Minute)
	if result.Exceeded {
		t.Error("expected within limit")
	}
}

func TestCheckAtLimit(t *testing.T) {
	result := Check(10, 10, time.Minute)
	if !result.Exceeded {
		t.Error("expected exceeded at limit")
	}
	if result.Limit != 10 {
		t.Errorf("expected limit=10, got %d", result.Limit)
	}
	if !strings.Contains(result.Reason, "10/10") {
		t.Errorf("expected limit in reason, got %q", result.Reason)
	}
}

func TestCheckZeroLimitUnlimited(t *testing.T) {
	result := Check(1000, 0, time.Minute)
	if result.Exceeded {
		t.Error("expected zero limit to mean unlimited")
	}
}

// --- Limiter tests ---

func TestAllowExactlyLimitWithinWindow(t *testing.T) {
	l := NewLimiter(time.Minute)
	for i := 0; i < 10; i++ {
		r := l.Allow("acme", "send_email", 10, t0.Add(time.Duration(i)*time.Second))
		if r.Exceeded {
			t.Fatalf("call %d: expected allowed", i+1)
		}
	}
	r := l.Allow("acme", "send_email", 10, t0.Add(30*time.Second))
	if !r.Exceeded {
		t.Fatal("expected 11th call to be rejected")
	}
	if r.Limit != 10 {
		t.Errorf("expected limit 10, got %d", r.Limit)
	}
}

func TestRejectedCallsDoNotConsume(t *testing.T) {
	l := NewLimiter(time.Minute)
	l.Allow("acme", "t", 1, t0)
	for i := 0; i < 5; i++ {
		l.Allow("acme", "t", 1, t0.Add(time.Second))
	}
	if n := l.Count("acme", "t", t0.Add(2*time.Second)); n != 1 {
		t.Errorf("expected 1 admitted call, got %d", n)
	}
}

func TestWindowSlides(t *testing.T) {
	l := NewLimiter(time.Minute)
	l.Allow("acme", "t", 2, t0)
	l.Allow("acme", "t", 2, t0.Add(30*time.Second))

	if r := l.Allow("acme", "t", 2, t0.Add(59*time.Second)); !r.Exceeded {
		t.Fatal("expected rejection while both calls are in window")
	}
	// First call leaves the window; one slot opens, not two.
	if r := l.Allow("acme", "t", 2, t0.Add(61*time.Second)); r.Exceeded {
		t.Fatal("expected a slot after the first call slid out")
	}
	if r := l.Allow("acme", "t", 2, t0.Add(62*time.Second)); !r.Exceeded {
		t.Fatal("expected rejection: second call still in window")
	}
}

func TestTenantsAndToolsIndependent(t *testing.T) {
	l := NewLimiter(time.Minute)
	l.Allow("acme", "t", 1, t0)
	if r := l.Allow("acme", "t", 1, t0); !r.Exceeded {
		t.Fatal("expected acme/t exhausted")
	}
	if r := l.Allow("globex", "t", 1, t0); r.Exceeded {
		t.Error("expected other tenant independent")
	}
	if r := l.Allow("acme", "u", 1, t0); r.Exceeded {
		t.Error("expected other tool independent")
	}
}

func TestUnlimitedNotTracked(t *testing.T) {
	l := NewLimiter(time.Minute)
	for i := 0; i < 100; i++ {
		if r := l.Allow("acme", "t", 0, t0); r.Exceeded {
			t.Fatal("expected unlimited")
		}
	}
	if n := l.Count("acme", "t", t0); n != 0 {
		t.Errorf("expected no tracking for unlimited tools, got %d", n)
	}
}

func TestConcurrentTenants(t *testing.T) {
	l := NewLimiter(time.Minute)
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := map[string]int{}

	for _, tenant := range []string{"a", "b", "c", "d"} {
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(tenant string) {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					if r := l.Allow(tenant, "t", 25, t0); !r.Exceeded {
						mu.Lock()
						admitted[tenant]++
						mu.Unlock()
					}
				}
			}(tenant)
		}
	}
	wg.Wait()

	for tenant, n := range admitted {
		if n != 25 {
			t.Errorf("tenant %s: expected exactly 25 admitted, got %d", tenant, n)
		}
	}
}

func TestReset(t *testing.T) {
	l := NewLimiter(0)
	l.Allow("acme", "t", 1, t0)
	l.Reset()
	if r := l.Allow("acme", "t", 1, t0); r.Exceeded {
		t.Error("expected reset to clear windows")
	}
}
