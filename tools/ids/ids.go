package ids

import "github.com/google/uuid"

// NewMessageID mints the id shared by the async publish path and the
// synchronous fallback, so both write the same durable record.
func NewMessageID() string {
	return uuid.NewString()
}
