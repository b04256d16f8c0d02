package repo

import (
	"context"
	"encoding/json"
)

// AutomatedSession is one automation-backed platform client bound to an account.
// Every method may be slow or hang; callers bound them with their own timers.
type AutomatedSession interface {
	// Initialize begins authentication. It returns once startup is under way;
	// progress is reported through SessionHandlers.
	Initialize(ctx context.Context) error

	// ListConversations uses the high-level API to list chats
	ListConversations(ctx context.Context) ([]RemoteChat, error)

	// FetchHistory uses the high-level API to load recent messages of a chat
	FetchHistory(ctx context.Context, conversationID string, limit int) ([]RemoteMessage, error)

	// Send sends a text message through the high-level API
	Send(ctx context.Context, conversationID, body string) (*RemoteMessage, error)

	// MarkRead marks a chat as seen through the high-level API
	MarkRead(ctx context.Context, conversationID string) error

	// Evaluate runs script on the automation surface and returns its JSON result.
	// Used only by fallback strategies.
	Evaluate(ctx context.Context, script string, args ...any) (json.RawMessage, error)

	// Destroy tears the session down
	Destroy(ctx context.Context) error
}

// Inspector is implemented by sessions that can expose their page for debugging
type Inspector interface {
	Screenshot(ctx context.Context) ([]byte, error)
	PageHTML(ctx context.Context) (string, error)
}

// SessionHandlers receives lifecycle and sync events of one session
type SessionHandlers struct {
	OnQRCode        func(code string)
	OnAuthenticated func()
	OnReady         func()
	OnAuthFailure   func(reason string)
	OnDisconnected  func(reason string)
	OnMessage       func(ev InboundMessage)
	OnMessageAck    func(ev MessageAck)
}

// SessionOptions configures a new session
type SessionOptions struct {
	AccountID string
	// AuthDir is the persistent credential namespace of the account, so a
	// restart does not require a new scan
	AuthDir string
}

// SessionFactory constructs a session. Construction must not block on authentication.
type SessionFactory func(ctx context.Context, opts SessionOptions, handlers SessionHandlers) (AutomatedSession, error)

// RemoteChat is a chat as reported by the high-level API
type RemoteChat struct {
	ID             string
	Name           string
	FormattedTitle string
	ContactName    string
	UnreadCount    int
	LastMessage    *RemoteMessage
}

// RemoteMessage is a message as reported by the high-level API
type RemoteMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
	FromMe    bool   `json:"fromMe"`
	Ack       int    `json:"ack"`
}

// InboundMessage is a real-time message event. ChatID may be empty when the
// platform could not resolve the chat.
type InboundMessage struct {
	ChatID  string
	Message RemoteMessage
}

// MessageAck is a delivery/read acknowledgment change
type MessageAck struct {
	ChatID    string
	MessageID string
	Ack       int
	Timestamp int64
}
