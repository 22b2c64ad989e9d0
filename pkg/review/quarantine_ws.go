package review

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/kv"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// quarantineHub fans out ProtocolStatus changes to every connected
// reviewer dashboard over /ws/quarantine, grounded on the web channel's
// connection-registry shape but repurposed from chat delivery to a
// one-way status feed.
type quarantineHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

func newQuarantineHub() *quarantineHub {
	return &quarantineHub{clients: make(map[*websocket.Conn]bool)}
}

func (h *quarantineHub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("review: websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *quarantineHub) broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			slog.Warn("review: dropping quarantine dashboard client", "error", err)
			go conn.Close()
		}
	}
}

// run subscribes to the quarantine status pub/sub channel and forwards
// every message verbatim to connected dashboards, so long-lived clients
// refresh without polling the HTTP surface.
func (h *quarantineHub) run(ctx context.Context, kvc *kv.Client) {
	sub := kvc.Raw().Subscribe(ctx, kv.QuarantineStatusChannel())
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast([]byte(msg.Payload))
		}
	}
}
