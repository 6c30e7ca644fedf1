package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roelfdiedericks/askbot/internal/bus"
	. "github.com/roelfdiedericks/askbot/internal/logging"
	"github.com/roelfdiedericks/askbot/internal/supervisor"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// wsClient holds the latest undelivered view for one connection
type wsClient struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	pending *StatusView
	sent    bool
	lastSeq uint64
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// offer queues v unless the client already has a newer view
func (c *wsClient) offer(v StatusView) {
	c.mu.Lock()
	if (c.sent && v.Seq <= c.lastSeq) || (c.pending != nil && v.Seq <= c.pending.Seq) {
		c.mu.Unlock()
		return
	}
	c.pending = &v
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *wsClient) take() (StatusView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return StatusView{}, false
	}
	v := *c.pending
	c.pending = nil
	c.sent = true
	c.lastSeq = v.Seq
	return v, true
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// hub tracks connected websocket clients
type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*wsClient]struct{})}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *hub) broadcast(v StatusView) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.offer(v)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// onSessionState fans supervisor snapshots out to websocket clients
func (s *Server) onSessionState(e bus.Event) {
	snap, ok := e.Data.(supervisor.Snapshot)
	if !ok {
		L_warn("http: unexpected session state payload", "source", e.Source)
		return
	}
	s.hub.broadcast(NewStatusView(snap))
}

// handleWS upgrades to a websocket and streams status views, newest only
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_debug("http: websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		conn: conn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	s.hub.add(c)
	L_debug("http: websocket client connected", "remote", r.RemoteAddr, "clients", s.hub.count())

	c.offer(NewStatusView(s.source.Snapshot()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsReadLoop(c)
	}()
	s.wsWriteLoop(c)

	s.hub.remove(c)
	L_debug("http: websocket client disconnected", "remote", r.RemoteAddr)
}

// wsReadLoop discards client messages and notices disconnects
func (s *Server) wsReadLoop(c *wsClient) {
	defer c.close()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) wsWriteLoop(c *wsClient) {
	defer c.close()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
			v, ok := c.take()
			if !ok {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(v); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
