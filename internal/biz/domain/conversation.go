package domain

import (
	"sort"
	"strings"
)

// DefaultColorTag is applied when the platform reports no color
const DefaultColorTag = "#128c7e"

// Conversation represents a chat thread within an account
type Conversation struct {
	ID                 string `json:"id"`
	DisplayName        string `json:"displayName"`
	LastMessagePreview string `json:"lastMessagePreview"`
	LastMessageTime    int64  `json:"lastMessageTime"` // unix seconds, 0 if unknown
	UnreadCount        uint   `json:"unreadCount"`
	ColorTag           string `json:"colorTag"`
}

// ApplyInbound updates preview and unread count for a newly observed message
func (c *Conversation) ApplyInbound(m Message) {
	if m.Timestamp >= c.LastMessageTime {
		c.LastMessagePreview = m.Body
		c.LastMessageTime = m.Timestamp
	}
	if !m.FromMe {
		c.UnreadCount++
	}
}

// MarkRead clears the unread count
func (c *Conversation) MarkRead() {
	c.UnreadCount = 0
}

// UserPart returns the portion of a serialized id before the '@' separator
func UserPart(id string) string {
	if i := strings.IndexByte(id, '@'); i >= 0 {
		return id[:i]
	}
	return id
}

// SortByRecency orders conversations by last message time, newest first
func SortByRecency(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessageTime > convs[j].LastMessageTime
	})
}

// ConversationList is a conversation list plus its freshness
type ConversationList struct {
	Conversations []Conversation
	Stale         bool
}

// Find returns the index of the conversation with id, or -1
func (l *ConversationList) Find(id string) int {
	for i := range l.Conversations {
		if l.Conversations[i].ID == id {
			return i
		}
	}
	return -1
}
