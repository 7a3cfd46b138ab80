package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rasberry/tracking/internal/monitoring"
	"github.com/rasberry/tracking/internal/tracking"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Broadcaster streams outputs to websocket clients as JSON messages in the
// Message form. It is both a tracking.Sink and an http.Handler.
type Broadcaster struct {
	fanout *Fanout
	depth  int

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewBroadcaster returns a broadcaster whose clients each queue up to
// depth outputs.
func NewBroadcaster(depth int) *Broadcaster {
	return &Broadcaster{
		fanout: NewFanout("WS"),
		depth:  depth,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// Publish implements tracking.Sink.
func (b *Broadcaster) Publish(out tracking.Output) { b.fanout.Publish(out) }

// Clients returns the number of connected websocket clients.
func (b *Broadcaster) Clients() int { return b.fanout.Clients() }

// Dropped returns the number of outputs skipped for slow clients.
func (b *Broadcaster) Dropped() uint64 { return b.fanout.Dropped() }

// ServeHTTP upgrades the request and streams outputs until the client goes
// away or the request context ends.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Opsf("[WS] upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}
	b.track(conn, true)
	defer b.track(conn, false)
	defer conn.Close()

	outputs, cancel := b.fanout.Subscribe(b.depth)
	defer cancel()

	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	go b.readPump(conn, stop)
	b.writePump(ctx, conn, outputs)
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
	}
}

func (b *Broadcaster) track(conn *websocket.Conn, add bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if add {
		b.conns[conn] = struct{}{}
	} else {
		delete(b.conns, conn)
	}
}

// readPump discards client messages and keeps the read deadline fresh on
// pongs. A read error means the client is gone.
func (b *Broadcaster) readPump(conn *websocket.Conn, stop context.CancelFunc) {
	defer stop()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				monitoring.Diagf("[WS] client %s read error: %v", conn.RemoteAddr(), err)
			}
			return
		}
	}
}

func (b *Broadcaster) writePump(ctx context.Context, conn *websocket.Conn, outputs <-chan tracking.Output) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-outputs:
			if !ok {
				return
			}
			data, err := json.Marshal(Message(out))
			if err != nil {
				monitoring.Opsf("[WS] encode cycle %d: %v", out.Cycle, err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				monitoring.Diagf("[WS] removing client %s: %v", conn.RemoteAddr(), err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
