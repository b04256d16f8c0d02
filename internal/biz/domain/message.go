package domain

import (
	"fmt"
	"time"
)

// SystemSender is the sender of locally synthesized notices
const SystemSender = "system"

// Message represents a stored chat message
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"` // unix seconds
	FromMe    bool   `json:"fromMe"`
	Ack       int    `json:"ack"`
}

// IsSystemNotice checks if the message was synthesized locally
func (m *Message) IsSystemNotice() bool {
	return m.From == SystemSender
}

// ConversationOf resolves the conversation a message belongs to when the
// platform did not report it: the recipient for own messages, the sender otherwise
func (m *Message) ConversationOf() string {
	if m.FromMe {
		return m.To
	}
	return m.From
}

// NewSystemNotice builds the notice returned when history cannot be loaded
func NewSystemNotice(conversationID, cause string, now time.Time) Message {
	return Message{
		ID:        fmt.Sprintf("system-error-%d", now.UnixMilli()),
		From:      SystemSender,
		To:        conversationID,
		Body:      fmt.Sprintf("System: Failed to load history (%s). Real-time messages will appear here.", cause),
		Timestamp: now.Unix(),
	}
}

// AccountMessages maps conversation ID to its ordered message sequence
type AccountMessages map[string][]Message
