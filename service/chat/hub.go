package chat

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sparkd-app/sparkd/tools/errs"
	"github.com/sparkd-app/sparkd/tools/safe"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	sendQueueDepth = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// envelope is the wire frame for every live-session event.
type envelope struct {
	Event     string `json:"event"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type session struct {
	userID int64
	conn   *websocket.Conn
	send   chan []byte
}

// Hub is the websocket broadcaster. A user may hold several live sessions
// (multiple devices); every one receives each delivery.
type Hub struct {
	log *zap.Logger

	mu       sync.RWMutex
	sessions map[int64]map[*session]struct{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:      log,
		sessions: make(map[int64]map[*session]struct{}),
	}
}

// HandleWS upgrades an HTTP request into a live session. Authentication is
// handled upstream; the user id arrives on the query string.
func (h *Hub) HandleWS(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("userId"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_user"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s := &session{userID: userID, conn: conn, send: make(chan []byte, sendQueueDepth)}
	h.register(s)
	safe.Go(h.log, "ws-write", s.writePump)
	safe.Go(h.log, "ws-read", func() { h.readPump(s) })
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[s.userID]
	if !ok {
		set = make(map[*session]struct{})
		h.sessions[s.userID] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.sessions[s.userID]; ok {
		if _, present := set[s]; present {
			delete(set, s)
			close(s.send)
			if len(set) == 0 {
				delete(h.sessions, s.userID)
			}
		}
	}
}

func (h *Hub) readPump(s *session) {
	defer func() {
		h.unregister(s)
		_ = s.conn.Close()
	}()
	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// Inbound frames are ignored; the socket is downstream-only.
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encode(event string, payload any) ([]byte, error) {
	return json.Marshal(envelope{Event: event, Data: payload, Timestamp: time.Now().UnixMilli()})
}

// SendToUser queues the event on every live session of the user. A full
// session queue drops the frame for that session; slow readers must not
// block the pipeline.
//
// The read lock is held across the sends: unregister and Close close the
// session queues under the write lock, so a close can never interleave with
// a send. The sends are non-blocking, the lock is never held on a slow
// reader.
func (h *Hub) SendToUser(userID int64, event string, payload any) error {
	body, err := encode(event, payload)
	if err != nil {
		return errs.Wrap(err, "encode frame")
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.sessions[userID]
	if len(set) == 0 {
		return errs.ErrChannelDelivery.WithDetail("no live session")
	}
	for s := range set {
		select {
		case s.send <- body:
		default:
			h.log.Warn("session queue full, frame dropped",
				zap.Int64("userId", userID), zap.String("event", event))
		}
	}
	return nil
}

// SendToRoom relays to every participant of the room.
func (h *Hub) SendToRoom(roomID string, participants []int64, event string, payload any) error {
	var lastErr error
	for _, uid := range participants {
		if err := h.SendToUser(uid, event, payload); err != nil {
			lastErr = err
		}
	}
	_ = roomID
	return lastErr
}

// BroadcastStatus pushes a presence change to every watcher.
func (h *Hub) BroadcastStatus(userID int64, status string, watchers []int64) {
	payload := map[string]any{"userId": userID, "status": status}
	for _, w := range watchers {
		_ = h.SendToUser(w, "presence_changed", payload)
	}
}

func (h *Hub) IsOnline(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

// Close tears down every live session.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.sessions {
		for s := range set {
			close(s.send)
			_ = s.conn.Close()
		}
	}
	h.sessions = make(map[int64]map[*session]struct{})
}
