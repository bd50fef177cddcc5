package chat

// Broadcaster delivers events to live sessions. The websocket Hub is the
// real implementation; workers receive the interface so tests can observe
// deliveries without sockets.
type Broadcaster interface {
	SendToUser(userID int64, event string, payload any) error
	SendToRoom(roomID string, participants []int64, event string, payload any) error
	BroadcastStatus(userID int64, status string, watchers []int64)
	IsOnline(userID int64) bool
}
