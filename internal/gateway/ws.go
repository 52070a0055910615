package gateway

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"

	"github.com/ccbridge/gateway/internal/events"
)

const (
	wsWriteTimeout = 10 * time.Second

	// wsSubscribeTimeout bounds how long a client may sit connected without
	// sending its subscribe message.
	wsSubscribeTimeout = 30 * time.Second
)

var wsUpgrader = websocket.FastHTTPUpgrader{
	// The API is key-authenticated; origin checks add nothing for
	// non-browser clients and break dashboards served elsewhere.
	CheckOrigin: func(ctx *fasthttp.RequestCtx) bool { return true },
}

// subscribeMessage is the first client frame on /api/ws.
type subscribeMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// handleWebSocket serves GET /api/ws. The client's first message selects its
// channels; afterwards the connection is write-mostly, fed from the event
// bus. A client that cannot drain its bounded buffer is disconnected.
func (g *Gateway) handleWebSocket(ctx *fasthttp.RequestCtx) {
	err := wsUpgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		defer conn.Close()

		if g.metrics != nil {
			g.metrics.IncWSClients()
			defer g.metrics.DecWSClients()
		}

		// First frame: {"type": "subscribe", "channels": [...]}.
		conn.SetReadDeadline(time.Now().Add(wsSubscribeTimeout))
		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil || sub.Type != "subscribe" {
			writeWSError(conn, "first message must be {\"type\": \"subscribe\", \"channels\": [...]}")
			return
		}

		channels := make([]events.Channel, 0, len(sub.Channels))
		for _, ch := range sub.Channels {
			channels = append(channels, events.Channel(ch))
		}
		subscriber := g.bus.Subscribe(channels)
		defer g.bus.Unsubscribe(subscriber)

		ack, _ := json.Marshal(map[string]any{
			"type":     "subscribed",
			"channels": sub.Channels,
		})
		if err := writeWS(conn, ack); err != nil {
			return
		}

		// Reader goroutine: drains pings/closes and unblocks the writer when
		// the peer goes away.
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			conn.SetReadDeadline(time.Time{})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case payload, ok := <-subscriber.Out():
				if !ok {
					// Bus closed the stream; slow consumers get told why.
					if subscriber.SlowConsumer() {
						writeWSError(conn, "slow_consumer")
					}
					return
				}
				if err := writeWS(conn, payload); err != nil {
					return
				}
			case <-readerDone:
				return
			case <-g.done:
				return
			}
		}
	})
	if err != nil {
		g.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
	}
}

func writeWS(conn *websocket.Conn, payload []byte) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func writeWSError(conn *websocket.Conn, msg string) {
	payload, _ := json.Marshal(map[string]string{"type": "error", "message": msg})
	_ = writeWS(conn, payload)
}
