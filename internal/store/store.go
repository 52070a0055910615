// Package store provides the durable state layer for the gateway.
//
// The store exclusively owns all persisted entities: requests, responses,
// state transitions, cache entries, api keys, and cost samples. Every other
// component goes through this API; nothing else writes the database.
package store

import (
	"errors"
	"time"

	"github.com/ccbridge/gateway/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when inserting an entity whose id already exists.
var ErrDuplicate = errors.New("already exists")

// ErrConflict is returned by Transition when the current status does not
// match the expected from status.
var ErrConflict = errors.New("status conflict")

// APIKey is an opaque bearer credential. The secret is hashed at rest;
// only the SHA-256 digest is ever stored.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"` // active | disabled
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	// RPM is the per-minute rate limit for this key. 0 means the gateway
	// default applies.
	RPM int `json:"rpm,omitempty"`
}

// CacheEntry is the persisted form of one fingerprint → response mapping.
type CacheEntry struct {
	Fingerprint string
	Text        string
	Thinking    string

	InputTokens  int
	OutputTokens int
	TotalTokens  int

	Provider string
	Backend  model.BackendType

	StoredAt time.Time
	TTL      time.Duration
}

// Expired reports whether the entry is past StoredAt+TTL at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.StoredAt.Add(e.TTL))
}

// SizeBytes approximates the entry's memory footprint for byte-bounded LRU.
func (e *CacheEntry) SizeBytes() int64 {
	return int64(len(e.Fingerprint) + len(e.Text) + len(e.Thinking) + len(e.Provider) + 64)
}

// CostSample records token usage and estimated cost for one served request.
type CostSample struct {
	Provider     string    `json:"provider"`
	RequestID    string    `json:"request_id"`
	Model        string    `json:"model,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	At           time.Time `json:"at"`
}

// CostTotals is an aggregate over cost samples.
type CostTotals struct {
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// ProviderCost is CostTotals keyed by provider.
type ProviderCost struct {
	Provider string `json:"provider"`
	CostTotals
}

// DailyCost is CostTotals keyed by UTC day.
type DailyCost struct {
	Day string `json:"day"` // YYYY-MM-DD
	CostTotals
}

// Transition is one audit row from the state_transitions table.
type Transition struct {
	RequestID string       `json:"request_id"`
	From      model.Status `json:"from"`
	To        model.Status `json:"to"`
	Meta      string       `json:"meta,omitempty"`
	At        time.Time    `json:"at"`
}
