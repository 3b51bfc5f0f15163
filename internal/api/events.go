package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shalteor/zerotrace/internal/middleware"
	"github.com/shalteor/zerotrace/internal/progress"
	"github.com/shalteor/zerotrace/internal/storage"
	"go.uber.org/zap"
)

// Event types sent on /v1/events
const (
	EventAchievementUnlock = "achievementUnlock"
	EventLevelUp           = "levelUp"
	EventStreakUpdate      = "streakUpdate"
	EventPreferenceChanged = "preferenceChanged"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 50 * time.Second
	sendBuffer   = 32
)

// Event is one notification frame
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type eventClient struct {
	conn *websocket.Conn
	send chan Event
	sid  string
	once sync.Once
}

func (c *eventClient) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans events out to connected websocket clients. Broadcast never blocks:
// a client whose buffer is full misses the event.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{logger: logger, clients: make(map[*eventClient]struct{})}
}

// Broadcast queues ev for every client
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Warn("dropping event for slow client", zap.String("type", ev.Type))
		}
	}
}

func (h *Hub) add(c *eventClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
}

// DisconnectExcept closes every client not opened under session sid. An
// empty sid disconnects everyone.
func (h *Hub) DisconnectExcept(sid string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for c := range h.clients {
		if sid != "" && c.sid == sid {
			continue
		}
		delete(h.clients, c)
		c.close()
		n++
	}
	return n
}

// Len returns the number of connected clients
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (s *Server) publishOutcome(out progress.Outcome) {
	for _, ev := range out.Unlocked {
		s.hub.Broadcast(Event{Type: EventAchievementUnlock, Data: ev})
	}
	for _, ev := range out.LevelUps {
		s.hub.Broadcast(Event{Type: EventLevelUp, Data: ev})
	}
	if out.Streak.NewStreak != out.Streak.OldStreak {
		s.hub.Broadcast(Event{Type: EventStreakUpdate, Data: out.Streak})
	}
}

// Only the key is published; preference values stay on the pull API
func (s *Server) publishPreferenceChange(c storage.Change) {
	s.hub.Broadcast(Event{Type: EventPreferenceChanged, Data: map[string]string{"key": c.Key}})
}

// HandleEvents implements GET /v1/events (websocket)
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(s.origins, origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade to websocket", zap.Error(err))
		return
	}

	sid, _ := middleware.GetSessionIDFromContext(r.Context())
	c := &eventClient{conn: conn, send: make(chan Event, sendBuffer), sid: sid}
	if !s.hub.add(c) {
		conn.Close()
		return
	}
	// The session may have ended while upgrading
	if !s.isCurrentSession(sid) {
		s.hub.remove(c)
	}
	s.logger.Debug("event stream connected", zap.Int("clients", s.hub.Len()))

	go s.writeEvents(c)
	s.readEvents(c)
}

// readEvents discards client frames and keeps the read deadline fresh
func (s *Server) readEvents(c *eventClient) {
	defer func() {
		s.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("event stream read error", zap.Error(err))
			}
			return
		}
	}
}

func (s *Server) writeEvents(c *eventClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to encode event", zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
