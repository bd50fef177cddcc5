package kafka

import (
	"encoding/json"
	"strconv"

	"github.com/Shopify/sarama"
)

// SchemaVersion is carried in every record's headers so consumers can route
// without decoding the body first.
const SchemaVersion = "1"

// Header keys.
const (
	HeaderEventType   = "eventType"
	HeaderMessageType = "messageType"
	HeaderUserID      = "userId"
	HeaderVersion     = "version"
)

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
)

type UserEventType string

const (
	UserOnline    UserEventType = "online"
	UserOffline   UserEventType = "offline"
	UserTyping    UserEventType = "typing"
	UserJoinRoom  UserEventType = "join_room"
	UserLeaveRoom UserEventType = "leave_room"
)

type NotificationType string

const (
	NotifyMessage  NotificationType = "message"
	NotifyMatch    NotificationType = "match"
	NotifyLike     NotificationType = "like"
	NotifyMention  NotificationType = "mention"
	NotifySystem   NotificationType = "system"
	NotifySecurity NotificationType = "security"
	NotifyAccount  NotificationType = "account"
)

// ChatMessageEvent is immutable once published. Keyed by room so per-room
// order is preserved.
type ChatMessageEvent struct {
	ID          string            `json:"id"`
	RoomID      string            `json:"roomId"`
	UserID      int64             `json:"userId"`
	Content     string            `json:"content"`
	MessageType MessageType       `json:"messageType"`
	Timestamp   int64             `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (e ChatMessageEvent) PartitionKey() string { return e.RoomID }

func (e ChatMessageEvent) Headers() []sarama.RecordHeader {
	return headers(HeaderMessageType, string(e.MessageType), e.UserID)
}

type UserEvent struct {
	UserID    int64             `json:"userId"`
	EventType UserEventType     `json:"eventType"`
	RoomID    string            `json:"roomId,omitempty"`
	Timestamp int64             `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (e UserEvent) PartitionKey() string { return strconv.FormatInt(e.UserID, 10) }

func (e UserEvent) Headers() []sarama.RecordHeader {
	return headers(HeaderEventType, string(e.EventType), e.UserID)
}

type NotificationEvent struct {
	UserID    int64             `json:"userId"`
	Type      NotificationType  `json:"type"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

func (e NotificationEvent) PartitionKey() string { return strconv.FormatInt(e.UserID, 10) }

func (e NotificationEvent) Headers() []sarama.RecordHeader {
	return headers(HeaderEventType, string(e.Type), e.UserID)
}

// DeadLetterRecord captures a failed publish for offline inspection.
type DeadLetterRecord struct {
	OriginalTopic   string          `json:"originalTopic"`
	OriginalMessage json.RawMessage `json:"originalMessage"`
	Error           string          `json:"error"`
	Timestamp       int64           `json:"timestamp"`
}

func headers(typeKey, typeVal string, userID int64) []sarama.RecordHeader {
	return []sarama.RecordHeader{
		{Key: []byte(typeKey), Value: []byte(typeVal)},
		{Key: []byte(HeaderUserID), Value: []byte(strconv.FormatInt(userID, 10))},
		{Key: []byte(HeaderVersion), Value: []byte(SchemaVersion)},
	}
}

// HeaderValue looks up a record header by key.
func HeaderValue(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func DecodeChatMessage(b []byte) (ChatMessageEvent, error) {
	var e ChatMessageEvent
	err := json.Unmarshal(b, &e)
	return e, err
}

func DecodeUserEvent(b []byte) (UserEvent, error) {
	var e UserEvent
	err := json.Unmarshal(b, &e)
	return e, err
}

func DecodeNotification(b []byte) (NotificationEvent, error) {
	var e NotificationEvent
	err := json.Unmarshal(b, &e)
	return e, err
}
