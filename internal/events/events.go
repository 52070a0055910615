// Package events implements the typed in-process event bus that feeds the
// WebSocket fan-out.
//
// Publishers serialize each event exactly once; every subscriber holds a
// bounded outbound buffer. A subscriber that cannot drain its buffer is
// disconnected rather than allowed to grow memory without bound.
package events

import (
	"encoding/json"
	"time"
)

// Channel groups events for subscription filtering.
type Channel string

const (
	ChannelRequests  Channel = "requests"
	ChannelProviders Channel = "providers"
	ChannelCLI       Channel = "cli"
	ChannelStream    Channel = "stream"
)

// KnownChannels lists every valid subscription channel.
var KnownChannels = []Channel{ChannelRequests, ChannelProviders, ChannelCLI, ChannelStream}

// Event types, one per lifecycle edge.
const (
	TypeRequestSubmitted  = "request_submitted"
	TypeRequestProcessing = "request_processing"
	TypeRequestCompleted  = "request_completed"
	TypeRequestFailed     = "request_failed"
	TypeRequestCancelled  = "request_cancelled"
	TypeCLIExecuting      = "cli_executing"
	TypeProviderHealth    = "provider_health_changed"
	TypeStreamChunk       = "stream_chunk"
)

// Event is a tagged record broadcast on exactly one channel.
type Event struct {
	Channel   Channel        `json:"channel"`
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// New creates an event stamped with the current time.
func New(ch Channel, typ string) Event {
	return Event{Channel: ch, Type: typ, Timestamp: time.Now().UTC()}
}

// encode serializes the event once for all subscribers.
func (e Event) encode() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		// Events carry only JSON-safe payloads; a marshal failure means a
		// programming error upstream. Emit a minimal record instead of nothing.
		data, _ = json.Marshal(Event{Channel: e.Channel, Type: e.Type, Timestamp: e.Timestamp})
	}
	return data
}
