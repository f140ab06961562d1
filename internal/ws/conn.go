package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/yowger/fitness-race-tracking/pkg/auth"
)

// Conn wraps one client websocket: buffered outbound channel, liveness
// pings and the set of races joined on this connection (used to synthesize
// leaves on disconnect).
type Conn struct {
	ws     *websocket.Conn
	out    chan []byte
	claims auth.Claims

	mu     sync.Mutex
	joined map[string]bool
}

// Accept upgrades HTTP to websocket (allow all origins)
func Accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
}

// NewConn wraps a WS connection for an authenticated user
func NewConn(wsc *websocket.Conn, claims auth.Claims) *Conn {
	return &Conn{
		ws:     wsc,
		claims: claims,
		out:    make(chan []byte, 256),
		joined: map[string]bool{},
	}
}

// TrySend queues an outbound frame without blocking. A full buffer means
// the consumer is too slow; the frame is dropped for this connection only.
func (c *Conn) TrySend(b []byte) bool {
	select {
	case c.out <- b:
		return true
	default:
		return false
	}
}

// Read blocks until it receives a text/binary message
// Returns false if connection is closed
func (c *Conn) Read(ctx context.Context) ([]byte, bool) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return nil, false
		}
		if typ == websocket.MessageText || typ == websocket.MessageBinary {
			return data, true
		}
	}
}

// WriteLoop sends outbound messages + periodic pings
// Exits when ctx is cancelled
func (c *Conn) WriteLoop(ctx context.Context) {
	t := time.NewTicker(20 * time.Second)
	defer t.Stop()

	for {
		select {
		case b := <-c.out:
			_ = c.ws.Write(ctx, websocket.MessageText, b)
		case <-t.C:
			_ = c.ws.Ping(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) track(raceID string) {
	c.mu.Lock()
	c.joined[raceID] = true
	c.mu.Unlock()
}

func (c *Conn) untrack(raceID string) {
	c.mu.Lock()
	delete(c.joined, raceID)
	c.mu.Unlock()
}

func (c *Conn) hasJoined(raceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined[raceID]
}

func (c *Conn) joinedRaces() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joined))
	for id := range c.joined {
		out = append(out, id)
	}
	return out
}

// Close closes the WS connection normally
func (c *Conn) Close() error { return c.ws.Close(websocket.StatusNormalClosure, "bye") }
