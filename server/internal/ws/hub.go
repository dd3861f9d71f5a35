package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apexcomponents/andonstack/server/internal/alerts"
	"github.com/apexcomponents/andonstack/server/internal/api"
	"github.com/apexcomponents/andonstack/server/internal/store"
)

const (
	writeWait = 10 * time.Second

	// A viewer that has not answered a ping within idleLimit is gone.
	idleLimit    = 60 * time.Second
	pingInterval = idleLimit * 9 / 10

	// Queued messages per viewer. A board that falls further behind than
	// this is disconnected and reloads on reconnect.
	queueDepth = 16

	// Viewers never send data frames; anything bigger than a control frame
	// is a misbehaving client.
	maxInbound = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// CORS is applied at the reverse proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Event names carried in Message.Event.
const (
	EventSnapshot = "snapshot"
	EventAlert    = "alert"
)

// Message is the JSON envelope sent to viewers.
type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Hub pushes the plant board to connected Andon displays: a full snapshot
// every interval and on connect, and each alert event as it is raised or
// resolved.
type Hub struct {
	machines *store.Machines
	engine   *alerts.Engine
	interval time.Duration

	mu      sync.RWMutex
	viewers map[*viewer]struct{}
}

type viewer struct {
	conn  *websocket.Conn
	queue chan []byte
}

// New creates a Hub that snapshots machines and engine every interval.
func New(machines *store.Machines, engine *alerts.Engine, interval time.Duration) *Hub {
	return &Hub{
		machines: machines,
		engine:   engine,
		interval: interval,
		viewers:  make(map[*viewer]struct{}),
	}
}

// Run broadcasts the board every interval until ctx is cancelled, then
// disconnects every viewer.
func (h *Hub) Run(ctx context.Context) {
	tick := time.NewTicker(h.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			h.disconnectAll()
			return
		case <-tick.C:
			data, err := h.snapshot(ctx)
			if err != nil {
				slog.Warn("ws: snapshot failed", "err", err)
				continue
			}
			h.fanOut(data)
		}
	}
}

// AlertEvent pushes a raised or resolved alert to every viewer.
func (h *Hub) AlertEvent(a alerts.Alert) {
	data, err := json.Marshal(Message{Event: EventAlert, Data: a})
	if err != nil {
		slog.Error("ws: encode alert", "alert", a.ID, "err", err)
		return
	}
	h.fanOut(data)
}

// ServeHTTP upgrades the request and serves one viewer until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		return
	}

	v := &viewer{conn: conn, queue: make(chan []byte, queueDepth)}

	// The first snapshot is queued before the viewer is visible to fanOut,
	// so it is always the first frame on the wire.
	if data, err := h.snapshot(r.Context()); err == nil {
		v.queue <- data
	}
	h.add(v)
	defer h.remove(v)

	slog.Debug("ws: viewer connected", "remote", r.RemoteAddr)
	go v.writeLoop()
	v.readLoop()
	slog.Debug("ws: viewer disconnected", "remote", r.RemoteAddr)
}

// Count returns the number of connected viewers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

func (h *Hub) add(v *viewer) {
	h.mu.Lock()
	h.viewers[v] = struct{}{}
	h.mu.Unlock()
}

// remove closes the viewer's queue exactly once; writeLoop then sends a
// close frame and exits.
func (h *Hub) remove(v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.viewers[v]; ok {
		delete(h.viewers, v)
		close(v.queue)
	}
}

// fanOut enqueues data for every viewer under the read lock. Queues are
// only closed under the write lock, so a send never hits a closed channel.
func (h *Hub) fanOut(data []byte) {
	var behind []*viewer
	h.mu.RLock()
	for v := range h.viewers {
		select {
		case v.queue <- data:
		default:
			behind = append(behind, v)
		}
	}
	h.mu.RUnlock()

	for _, v := range behind {
		slog.Warn("ws: viewer too slow, disconnecting", "remote", v.conn.RemoteAddr().String())
		h.remove(v)
	}
}

func (h *Hub) snapshot(ctx context.Context) ([]byte, error) {
	board, err := api.BuildSnapshot(ctx, h.machines, h.engine)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Event: EventSnapshot, Data: board})
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for v := range h.viewers {
		delete(h.viewers, v)
		close(v.queue)
	}
}

// writeLoop is the only writer on the connection.
func (v *viewer) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer v.conn.Close()

	for {
		var (
			kind    = websocket.PingMessage
			payload []byte
		)
		select {
		case msg, open := <-v.queue:
			if !open {
				_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = v.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			kind, payload = websocket.TextMessage, msg
		case <-ping.C:
		}
		_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := v.conn.WriteMessage(kind, payload); err != nil {
			return
		}
	}
}

// readLoop consumes control frames so pongs extend the idle deadline. It
// returns when the viewer goes away.
func (v *viewer) readLoop() {
	defer v.conn.Close()
	v.conn.SetReadLimit(maxInbound)
	_ = v.conn.SetReadDeadline(time.Now().Add(idleLimit))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(idleLimit))
	})
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			return
		}
	}
}
