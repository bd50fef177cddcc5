package kafka

import (
	"encoding/json"
	"testing"

	"github.com/Shopify/sarama"
)

func TestChatMessagePartitionKeyIsRoom(t *testing.T) {
	ev := ChatMessageEvent{ID: "m1", RoomID: "room-42", UserID: 7}
	if got := ev.PartitionKey(); got != "room-42" {
		t.Fatalf("partition key = %q, want room id", got)
	}
}

func TestUserEventPartitionKeyIsUser(t *testing.T) {
	ev := UserEvent{UserID: 1234, EventType: UserOnline}
	if got := ev.PartitionKey(); got != "1234" {
		t.Fatalf("partition key = %q, want user id", got)
	}
}

func TestNotificationPartitionKeyIsUser(t *testing.T) {
	ev := NotificationEvent{UserID: 55, Type: NotifyMatch}
	if got := ev.PartitionKey(); got != "55" {
		t.Fatalf("partition key = %q, want user id", got)
	}
}

func TestHeadersCarryTypeUserAndVersion(t *testing.T) {
	ev := ChatMessageEvent{RoomID: "r", UserID: 9, MessageType: MessageImage}
	hs := ev.Headers()

	msg := &sarama.ConsumerMessage{}
	for i := range hs {
		msg.Headers = append(msg.Headers, &hs[i])
	}
	if got := HeaderValue(msg, HeaderMessageType); got != "image" {
		t.Errorf("messageType header = %q", got)
	}
	if got := HeaderValue(msg, HeaderUserID); got != "9" {
		t.Errorf("userId header = %q", got)
	}
	if got := HeaderValue(msg, HeaderVersion); got != SchemaVersion {
		t.Errorf("version header = %q", got)
	}
	if got := HeaderValue(msg, "missing"); got != "" {
		t.Errorf("missing header = %q, want empty", got)
	}
}

func TestDecodeChatMessageRoundTrip(t *testing.T) {
	in := ChatMessageEvent{
		ID:          "msg-1",
		RoomID:      "room-1",
		UserID:      3,
		Content:     "hey there",
		MessageType: MessageText,
		Timestamp:   1700000000000,
		Metadata:    map[string]string{"client": "ios"},
	}
	body, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodeChatMessage(body)
	if err != nil {
		t.Fatal(err)
	}
	if out.ID != in.ID || out.RoomID != in.RoomID || out.Content != in.Content {
		t.Fatalf("decoded %+v, want %+v", out, in)
	}
	if out.Metadata["client"] != "ios" {
		t.Fatalf("metadata lost: %+v", out.Metadata)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeChatMessage([]byte("{not json")); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := DecodeUserEvent([]byte("nope")); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := DecodeNotification([]byte("")); err == nil {
		t.Fatal("expected decode error")
	}
}
