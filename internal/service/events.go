package service

import "github.com/dlchats/accounts-bridge/internal/biz/domain"

// Observer event names
const (
	EventQR               = "qr"
	EventStatus           = "status"
	EventReady            = "ready"
	EventConversationList = "conversation-list"
	EventChatMessages     = "chat-messages"
	EventChatMessagesErr  = "chat-messages-error"
	EventMessage          = "message"
	EventMessageAck       = "message-ack"
	EventSendMessageErr   = "send-message-error"
)

// Observer-facing error texts
const (
	ErrTextSessionNotActive = "Session not active. Please refresh the page."
	ErrTextSessionNotFound  = "Session not found"
)

// Emitter delivers an event to every observer joined to an account scope
type Emitter interface {
	Emit(accountID, event string, payload any)
}

// Replier delivers an event to the single observer that issued a command
type Replier interface {
	Reply(event string, payload any)
}

type QREvent struct {
	AccountID string `json:"accountId"`
	Code      string `json:"code"`
}

type StatusEvent struct {
	AccountID string `json:"accountId"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

type ReadyEvent struct {
	AccountID string `json:"accountId"`
}

type ConversationListEvent struct {
	AccountID     string                `json:"accountId"`
	Conversations []domain.Conversation `json:"conversations"`
	Stale         bool                  `json:"stale"`
}

type ChatMessagesEvent struct {
	AccountID      string           `json:"accountId"`
	ConversationID string           `json:"conversationId"`
	Messages       []domain.Message `json:"messages"`
	Stale          bool             `json:"stale"`
	Source         string           `json:"source"`
}

type CommandErrorEvent struct {
	AccountID      string `json:"accountId"`
	ConversationID string `json:"conversationId,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
	Error          string `json:"error"`
}

type MessageEvent struct {
	AccountID      string         `json:"accountId"`
	ConversationID string         `json:"conversationId"`
	Message        domain.Message `json:"message"`
	// ClientID and Replaces are set when the message confirms an earlier fallback send
	ClientID string `json:"clientId,omitempty"`
	Replaces string `json:"replaces,omitempty"`
}

type MessageAckEvent struct {
	AccountID      string `json:"accountId"`
	ConversationID string `json:"conversationId"`
	ClientID       string `json:"clientId,omitempty"`
	MessageID      string `json:"messageId"`
	Ack            int    `json:"ack"`
	Timestamp      int64  `json:"timestamp,omitempty"`
	Fallback       bool   `json:"fallback,omitempty"`
}

type discard struct{}

func (discard) Reply(string, any) {}

// Discard is a Replier for callers that consume command results directly
var Discard Replier = discard{}

// replyOrEmit sends to the requester when there is one, otherwise to the whole scope
func replyOrEmit(emitter Emitter, requester Replier, accountID, event string, payload any) {
	if requester != nil {
		requester.Reply(event, payload)
		return
	}
	emitter.Emit(accountID, event, payload)
}
