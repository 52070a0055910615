package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(60, 5, 0) // 1 rps refill, burst 5

	for i := 0; i < 5; i++ {
		ok, _ := l.Allow("key1", 0)
		if !ok {
			t.Fatalf("request %d denied within burst", i)
		}
	}

	ok, wait := l.Allow("key1", 0)
	if ok {
		t.Fatal("sixth request must be denied")
	}
	if wait <= 0 || wait > 2*time.Second {
		t.Errorf("retry-after = %v, want ~1s", wait)
	}
}

func TestPerKeyIsolation(t *testing.T) {
	l := New(60, 1, 0)

	if ok, _ := l.Allow("a", 0); !ok {
		t.Fatal("first request for key a denied")
	}
	if ok, _ := l.Allow("a", 0); ok {
		t.Fatal("key a burst must be exhausted")
	}
	// Key b has its own bucket.
	if ok, _ := l.Allow("b", 0); !ok {
		t.Error("key b must not share key a's bucket")
	}
}

func TestKeyRPMOverride(t *testing.T) {
	l := New(1, 1, 0)

	// Key-specific limit of 6000 rpm = 100 rps; with burst 1 consumed, the
	// refill is fast enough to admit another request almost immediately.
	if ok, _ := l.Allow("vip", 6000); !ok {
		t.Fatal("first request denied")
	}
	time.Sleep(20 * time.Millisecond)
	if ok, _ := l.Allow("vip", 6000); !ok {
		t.Error("vip refill too slow; override not applied")
	}
}

func TestGlobalCeiling(t *testing.T) {
	l := New(0, 2, 60) // per-key disabled, global 1 rps, burst 2

	if ok, _ := l.Allow("a", 0); !ok {
		t.Fatal("1st denied")
	}
	if ok, _ := l.Allow("b", 0); !ok {
		t.Fatal("2nd denied")
	}
	// Third request exceeds the shared global burst regardless of key.
	if ok, _ := l.Allow("c", 0); ok {
		t.Error("global ceiling not enforced")
	}
}

func TestDisabledLimiterAdmitsAll(t *testing.T) {
	l := New(0, 1, 0)
	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow("any", 0); !ok {
			t.Fatal("disabled limiter must admit everything")
		}
	}

	var nilLimiter *Limiter
	if ok, _ := nilLimiter.Allow("x", 0); !ok {
		t.Error("nil limiter must admit")
	}
}

func TestAnonymousBypassesPerKey(t *testing.T) {
	l := New(60, 1, 0)
	// Empty key id: per-key limiting does not apply.
	for i := 0; i < 10; i++ {
		if ok, _ := l.Allow("", 0); !ok {
			t.Fatal("anonymous caller must not hit per-key buckets")
		}
	}
}
