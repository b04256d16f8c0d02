package driver

import (
	"encoding/json"
	"fmt"

	"github.com/dlchats/accounts-bridge/internal/biz/repo"
)

// Request methods
const (
	MethodInitialize    = "initialize"
	MethodGetChats      = "getChats"
	MethodFetchMessages = "fetchMessages"
	MethodSendMessage   = "sendMessage"
	MethodMarkRead      = "markRead"
	MethodEvaluate      = "evaluate"
	MethodScreenshot    = "screenshot"
	MethodContent       = "content"
	MethodDestroy       = "destroy"
)

// Notification methods
const (
	NotifyQR            = "qr"
	NotifyAuthenticated = "authenticated"
	NotifyReady         = "ready"
	NotifyAuthFailure   = "auth_failure"
	NotifyMessageCreate = "message_create"
	NotifyMessageAck    = "message_ack"
	NotifyDisconnected  = "disconnected"
)

// Request is a JSON-RPC request line
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a JSON-RPC response line
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Notification is a server-initiated JSON-RPC message without id
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// line is used to tell responses and notifications apart
type line struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type InitializeParams struct {
	AccountID string `json:"accountId"`
	AuthDir   string `json:"authDir"`
}

type ChatParams struct {
	ChatID string `json:"chatId"`
}

type FetchMessagesParams struct {
	ChatID string `json:"chatId"`
	Limit  int    `json:"limit"`
}

type SendMessageParams struct {
	ChatID string `json:"chatId"`
	Body   string `json:"body"`
}

type EvaluateParams struct {
	Script string `json:"script"`
	Args   []any  `json:"args"`
}

type Chat struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	FormattedTitle string              `json:"formattedTitle"`
	ContactName    string              `json:"contactName"`
	UnreadCount    int                 `json:"unreadCount"`
	LastMessage    *repo.RemoteMessage `json:"lastMessage"`
}

type GetChatsResult struct {
	Chats []Chat `json:"chats"`
}

type FetchMessagesResult struct {
	Messages []repo.RemoteMessage `json:"messages"`
}

type SendMessageResult struct {
	Message *repo.RemoteMessage `json:"message"`
}

type EvaluateResult struct {
	Result json.RawMessage `json:"result"`
}

type ScreenshotResult struct {
	// Data is the base64-encoded PNG
	Data string `json:"data"`
}

type ContentResult struct {
	HTML string `json:"html"`
}

type QRParams struct {
	Code string `json:"code"`
}

type ReasonParams struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

func (p ReasonParams) text() string {
	if p.Message != "" {
		return p.Message
	}
	return p.Reason
}

type MessageCreateParams struct {
	ChatID  string             `json:"chatId"`
	Message repo.RemoteMessage `json:"message"`
}

type MessageAckParams struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Ack       int    `json:"ack"`
	Timestamp int64  `json:"timestamp"`
}
