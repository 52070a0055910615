package cache

import (
	"context"

	"github.com/ccbridge/gateway/internal/model"
	"github.com/ccbridge/gateway/internal/store"
)

// FlightResult is what waiters receive when the leader's upstream call
// finishes. Exactly one of Entry / ErrorKind is meaningful.
type FlightResult struct {
	// Entry holds the successful response; nil on failure.
	Entry *store.CacheEntry

	ErrorKind    model.ErrorKind
	ErrorMessage string
}

// Flight is the single-flight slot for one fingerprint: the invariant is at
// most one concurrent upstream call per fingerprint, with every other caller
// attached as a waiter.
type Flight struct {
	fingerprint string

	// LeaderID is the request id whose upstream call the waiters share.
	LeaderID string

	done   chan struct{}
	result *FlightResult
}

// Wait blocks until the leader completes or ctx fires.
func (f *Flight) Wait(ctx context.Context) (*FlightResult, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BeginFlight registers fingerprint as in flight with leaderID, or attaches
// to the existing flight. leader is true when the caller must perform the
// upstream call and later CompleteFlight.
func (m *Manager) BeginFlight(fingerprint, leaderID string) (f *Flight, leader bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.flights[fingerprint]; ok {
		return existing, false
	}

	f = &Flight{
		fingerprint: fingerprint,
		LeaderID:    leaderID,
		done:        make(chan struct{}),
	}
	m.flights[fingerprint] = f
	return f, true
}

// CompleteFlight publishes the leader's outcome and releases the slot.
// On success the cache entry is written before waiters wake, so a waiter
// never observes a missing entry after the producer claims success.
func (m *Manager) CompleteFlight(ctx context.Context, f *Flight, result *FlightResult, cacheable bool) {
	if result.Entry != nil && cacheable {
		m.Put(ctx, result.Entry)
	}

	m.mu.Lock()
	delete(m.flights, f.fingerprint)
	m.mu.Unlock()

	f.result = result
	close(f.done)
}
