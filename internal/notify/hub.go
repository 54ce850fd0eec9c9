// Package notify fans engine notifications out to websocket listeners, one
// hub per event.
package notify

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kople/internal/domain"
)

const (
	sendBuffer     = 16
	broadcastQueue = 64
	writeWait      = 10 * time.Second
)

type client struct {
	conn    *websocket.Conn
	send    chan domain.Notification
	actorID string
}

// Hub holds the listeners of a single event.
type Hub struct {
	eventID string
	clients map[*client]bool

	register  chan *client
	unreg     chan *client
	broadcast chan domain.Notification
	done      chan struct{}

	mu         sync.RWMutex
	lastActive time.Time
	size       int
}

func newHub(eventID string) *Hub {
	return &Hub{
		eventID:    eventID,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unreg:      make(chan *client),
		broadcast:  make(chan domain.Notification, broadcastQueue),
		done:       make(chan struct{}),
		lastActive: time.Now(),
	}
}

func (h *Hub) touch() {
	h.mu.Lock()
	h.lastActive = time.Now()
	h.size = len(h.clients)
	h.mu.Unlock()
}

func (h *Hub) run(log *slog.Logger) {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.touch()
			log.Debug("listener connected", "event_id", h.eventID, "actor_id", c.actorID)
		case c := <-h.unreg:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.touch()
		case n := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- n:
				default:
					// slow listener
					delete(h.clients, c)
					close(c.send)
					log.Warn("dropping slow listener", "event_id", h.eventID, "actor_id", c.actorID)
				}
			}
			h.touch()
		case <-h.done:
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.touch()
			return
		}
	}
}

func (h *Hub) listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Manager holds a set of hubs keyed by event id.
type Manager struct {
	Logger *slog.Logger
	// CheckOrigin overrides the websocket origin check; nil accepts any origin.
	CheckOrigin func(r *http.Request) bool

	mu          sync.Mutex
	hubs        map[string]*Hub
	idleTimeout time.Duration
	closed      bool
	stop        chan struct{}
}

// NewManager starts a manager. Hubs idle longer than idleTimeout with no
// listeners are reaped; zero disables reaping.
func NewManager(logger *slog.Logger, idleTimeout time.Duration) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		Logger:      logger,
		hubs:        make(map[string]*Hub),
		idleTimeout: idleTimeout,
		stop:        make(chan struct{}),
	}
	if idleTimeout > 0 {
		go m.reaperLoop()
	}
	return m
}

func (m *Manager) hub(eventID string, create bool) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if h, ok := m.hubs[eventID]; ok {
		return h
	}
	if !create {
		return nil
	}
	h := newHub(eventID)
	m.hubs[eventID] = h
	go h.run(m.Logger)
	return h
}

// Publish queues n for every listener of eventID. Events without listeners are skipped.
func (m *Manager) Publish(eventID string, n domain.Notification) {
	h := m.hub(eventID, false)
	if h == nil {
		return
	}
	select {
	case h.broadcast <- n:
	case <-h.done:
	default:
		m.Logger.Warn("notification queue full", "event_id", eventID, "type", n.Type)
	}
}

// Listeners reports how many sockets are attached to eventID.
func (m *Manager) Listeners(eventID string) int {
	h := m.hub(eventID, false)
	if h == nil {
		return 0
	}
	return h.listeners()
}

// ServeWS upgrades the request and attaches the socket to eventID's hub until
// the peer goes away.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request, eventID, actorID string) {
	h := m.hub(eventID, true)
	if h == nil {
		http.Error(w, "notifications closed", http.StatusServiceUnavailable)
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     m.CheckOrigin,
	}
	if upgrader.CheckOrigin == nil {
		upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.Logger.Warn("websocket upgrade failed", "event_id", eventID, "err", err)
		return
	}
	c := &client{conn: conn, send: make(chan domain.Notification, sendBuffer), actorID: actorID}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	c.readPump(h)
}

// readPump only watches for the peer closing; listeners never send.
func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for n := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(n); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (m *Manager) reaperLoop() {
	ticker := time.NewTicker(m.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-m.idleTimeout)
		m.mu.Lock()
		for id, h := range m.hubs {
			h.mu.RLock()
			idle := h.size == 0 && h.lastActive.Before(cutoff)
			h.mu.RUnlock()
			if idle {
				delete(m.hubs, id)
				close(h.done)
			}
		}
		m.mu.Unlock()
	}
}

// Close disconnects every listener and stops all hubs.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.stop)
	for id, h := range m.hubs {
		delete(m.hubs, id)
		close(h.done)
	}
}
