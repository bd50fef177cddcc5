package message

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/sparkd-app/sparkd/module/message/persist"
	"github.com/sparkd-app/sparkd/service/badge"
	"github.com/sparkd-app/sparkd/service/chat"
	"github.com/sparkd-app/sparkd/service/kafka"
	"github.com/sparkd-app/sparkd/service/storage/cache"
	"github.com/sparkd-app/sparkd/service/storage/mgo"
	"github.com/sparkd-app/sparkd/tools/errs"
	"github.com/sparkd-app/sparkd/tools/ids"
)

// Publisher is the producer gateway surface the handlers use.
type Publisher interface {
	PublishChatMessage(ev kafka.ChatMessageEvent) error
	PublishUserEvent(ev kafka.UserEvent) error
	PublishNotification(ev kafka.NotificationEvent) error
	Connected() bool
}

// MessageLookup reads a single durable message record.
type MessageLookup interface {
	FindByID(ctx context.Context, id string) (*mgo.MessageRecord, error)
}

// NotificationStore lists a user's persisted notification records.
type NotificationStore interface {
	ListByUser(ctx context.Context, userID int64, limit int64) ([]mgo.NotificationRecord, error)
}

// Handler owns the REST surface feeding the pipeline.
type Handler struct {
	log           *zap.Logger
	gateway       Publisher
	fallback      *Fallback
	badges        *badge.Service
	rooms         RoomDirectory
	store         cache.Store
	messages      MessageLookup
	notifications NotificationStore
	health        func() map[string]bool
}

func NewHandler(gateway Publisher, fallback *Fallback, badges *badge.Service,
	rooms RoomDirectory, store cache.Store, messages MessageLookup,
	notifications NotificationStore, health func() map[string]bool, log *zap.Logger) *Handler {
	return &Handler{
		log:           log.With(zap.String("component", "http")),
		gateway:       gateway,
		fallback:      fallback,
		badges:        badges,
		rooms:         rooms,
		store:         store,
		messages:      messages,
		notifications: notifications,
		health:        health,
	}
}

// Register mounts the routes.
func (h *Handler) Register(r *gin.Engine, hub *chat.Hub) {
	r.GET("/healthz", h.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", hub.HandleWS)

	api := r.Group("/api")
	api.POST("/rooms/:roomId/messages", h.sendMessage)
	api.GET("/rooms/:roomId/messages", h.recentMessages)
	api.POST("/rooms/:roomId/read", h.markRead)
	api.POST("/rooms/:roomId/typing", h.typing)
	api.POST("/presence", h.presence)
	api.GET("/messages/:messageId", h.getMessage)
	api.GET("/users/:userId/badges", h.listBadges)
	api.GET("/users/:userId/notifications", h.listNotifications)
	api.PUT("/users/:userId/badges/:roomId", h.setBadge)
	api.POST("/users/:userId/read-all", h.readAll)
}

type sendMessageReq struct {
	UserID      int64             `json:"userId" binding:"required"`
	Content     string            `json:"content" binding:"required"`
	MessageType string            `json:"messageType"`
	Metadata    map[string]string `json:"metadata"`
}

// sendMessage publishes onto the chat-messages topic; when the broker is
// unreachable the same message id goes through the synchronous fallback so
// the durable record is identical either way.
func (h *Handler) sendMessage(c *gin.Context) {
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "error": err.Error()})
		return
	}
	mt := kafka.MessageType(req.MessageType)
	if mt == "" {
		mt = kafka.MessageText
	}

	ev := kafka.ChatMessageEvent{
		ID:          ids.NewMessageID(),
		RoomID:      c.Param("roomId"),
		UserID:      req.UserID,
		Content:     req.Content,
		MessageType: mt,
		Timestamp:   time.Now().UnixMilli(),
		Metadata:    req.Metadata,
	}

	if err := h.gateway.PublishChatMessage(ev); err != nil {
		if errors.Is(err, errs.ErrNotConnected) || errors.Is(err, errs.ErrPublishFailure) {
			if ferr := h.fallback.DeliverChatMessage(c.Request.Context(), ev); ferr != nil {
				c.JSON(http.StatusBadGateway, gin.H{"code": "pipeline_unavailable"})
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"id": ev.ID, "degraded": true})
			return
		}
		h.log.Error("publish chat message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"code": "publish_failed"})
		return
	}

	h.publishMessageNotifications(c, ev)
	c.JSON(http.StatusAccepted, gin.H{"id": ev.ID})
}

// publishMessageNotifications emits one notification event per recipient;
// failures are logged, the message itself already made it onto the topic.
func (h *Handler) publishMessageNotifications(c *gin.Context, ev kafka.ChatMessageEvent) {
	participants, err := h.rooms.Participants(c.Request.Context(), ev.RoomID)
	if err != nil {
		h.log.Warn("participant lookup for notification failed",
			zap.String("roomId", ev.RoomID), zap.Error(err))
		return
	}
	for _, uid := range participants {
		if uid == ev.UserID {
			continue
		}
		nev := kafka.NotificationEvent{
			UserID:    uid,
			Type:      kafka.NotifyMessage,
			Title:     "New message",
			Body:      ev.Content,
			Data:      map[string]string{"roomId": ev.RoomID, "messageId": ev.ID},
			Timestamp: ev.Timestamp,
		}
		if err := h.gateway.PublishNotification(nev); err != nil {
			h.log.Warn("notification publish failed", zap.Int64("userId", uid), zap.Error(err))
		}
	}
}

func (h *Handler) recentMessages(c *gin.Context) {
	limit := int64(50)
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	raw, err := h.store.LRange(c.Request.Context(), persist.HistoryKey(c.Param("roomId")), 0, limit-1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "history_unavailable"})
		return
	}
	out := make([]json.RawMessage, 0, len(raw))
	for _, r := range raw {
		out = append(out, json.RawMessage(r))
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func (h *Handler) markRead(c *gin.Context) {
	userID, ok := parseUserID(c, c.Query("userId"))
	if !ok {
		return
	}
	if err := h.badges.Reset(c.Request.Context(), userID, c.Param("roomId")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "badge_reset_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) typing(c *gin.Context) {
	userID, ok := parseUserID(c, c.Query("userId"))
	if !ok {
		return
	}
	ev := kafka.UserEvent{
		UserID:    userID,
		EventType: kafka.UserTyping,
		RoomID:    c.Param("roomId"),
		Timestamp: time.Now().UnixMilli(),
	}
	if err := h.gateway.PublishUserEvent(ev); err != nil {
		// Typing indicators are transient; nothing to fall back to.
		h.log.Debug("typing publish failed", zap.Error(err))
	}
	c.Status(http.StatusAccepted)
}

type presenceReq struct {
	UserID    int64  `json:"userId" binding:"required"`
	EventType string `json:"eventType" binding:"required"`
	RoomID    string `json:"roomId"`
}

func (h *Handler) presence(c *gin.Context) {
	var req presenceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "error": err.Error()})
		return
	}
	ev := kafka.UserEvent{
		UserID:    req.UserID,
		EventType: kafka.UserEventType(req.EventType),
		RoomID:    req.RoomID,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := h.gateway.PublishUserEvent(ev); err != nil {
		h.log.Debug("presence publish failed", zap.Error(err))
	}
	c.Status(http.StatusAccepted)
}

// getMessage reads the durable record; the cache only holds recent history.
func (h *Handler) getMessage(c *gin.Context) {
	rec, err := h.messages.FindByID(c.Request.Context(), c.Param("messageId"))
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			c.JSON(http.StatusNotFound, gin.H{"code": "message_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "message_unavailable"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) listNotifications(c *gin.Context) {
	userID, ok := parseUserID(c, c.Param("userId"))
	if !ok {
		return
	}
	limit := int64(50)
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	records, err := h.notifications.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "notifications_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": records})
}

func (h *Handler) listBadges(c *gin.Context) {
	userID, ok := parseUserID(c, c.Param("userId"))
	if !ok {
		return
	}
	unread, err := h.badges.ListUnread(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "badges_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": unread})
}

type setBadgeReq struct {
	Count int64 `json:"count"`
}

func (h *Handler) setBadge(c *gin.Context) {
	userID, ok := parseUserID(c, c.Param("userId"))
	if !ok {
		return
	}
	var req setBadgeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request"})
		return
	}
	if err := h.badges.SetCount(c.Request.Context(), userID, c.Param("roomId"), req.Count); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "badge_set_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) readAll(c *gin.Context) {
	userID, ok := parseUserID(c, c.Param("userId"))
	if !ok {
		return
	}
	if err := h.badges.ResetAll(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "badge_reset_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) healthz(c *gin.Context) {
	status := http.StatusOK
	checks := map[string]bool{"broker": h.gateway.Connected()}
	if h.health != nil {
		for k, v := range h.health() {
			checks[k] = v
		}
	}
	for _, ok := range checks {
		if !ok {
			status = http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(status, checks)
}

func parseUserID(c *gin.Context, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_user"})
		return 0, false
	}
	return id, true
}
