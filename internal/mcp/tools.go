package mcp

import (
	"context"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dlchats/accounts-bridge/internal/biz/domain"
)

// Server exposes the bridge API as MCP tools
type Server struct {
	server *sdk.Server
	client *Client
}

// NewServer creates the MCP server and registers every tool
func NewServer(client *Client, version string) *Server {
	s := &Server{
		server: sdk.NewServer(&sdk.Implementation{
			Name:    "accounts-bridge",
			Version: version,
		}, nil),
		client: client,
	}
	s.registerTools()
	return s
}

// Run serves on the given transport until the client disconnects
func (s *Server) Run(ctx context.Context, transport sdk.Transport) error {
	return s.server.Run(ctx, transport)
}

func (s *Server) registerTools() {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "bridge_list_sessions",
		Description: "List the messaging accounts connected to the bridge and their session state.",
	}, s.handleListSessions)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "bridge_list_conversations",
		Description: "List the conversations of a ready account, newest first, with unread counts.",
	}, s.handleListConversations)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "bridge_get_messages",
		Description: "Get the message history of a conversation, oldest first.",
	}, s.handleGetMessages)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "bridge_send_message",
		Description: "Send a text message to a conversation from the given account.",
	}, s.handleSendMessage)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "bridge_mark_read",
		Description: "Mark a conversation as seen.",
	}, s.handleMarkRead)
}

// ListSessionsInput is empty - no input needed
type ListSessionsInput struct{}

// ListSessionsOutput contains every session
type ListSessionsOutput struct {
	Sessions []domain.SessionInfo `json:"sessions"`
	Error    string               `json:"error,omitempty"`
}

func (s *Server) handleListSessions(ctx context.Context, req *sdk.CallToolRequest, input ListSessionsInput) (*sdk.CallToolResult, ListSessionsOutput, error) {
	sessions, err := s.client.Sessions(ctx)
	if err != nil {
		return nil, ListSessionsOutput{Error: err.Error()}, nil
	}
	return nil, ListSessionsOutput{Sessions: sessions}, nil
}

// AccountInput selects an account
type AccountInput struct {
	AccountID string `json:"account_id" jsonschema:"The account ID as listed by bridge_list_sessions"`
}

// ListConversationsOutput contains the conversations of an account
type ListConversationsOutput struct {
	Conversations []domain.Conversation `json:"conversations"`
	Stale         bool                  `json:"stale"`
	Error         string                `json:"error,omitempty"`
}

func (s *Server) handleListConversations(ctx context.Context, req *sdk.CallToolRequest, input AccountInput) (*sdk.CallToolResult, ListConversationsOutput, error) {
	if input.AccountID == "" {
		return nil, ListConversationsOutput{Error: "account_id is required"}, nil
	}
	convs, err := s.client.Conversations(ctx, input.AccountID)
	if err != nil {
		return nil, ListConversationsOutput{Error: err.Error()}, nil
	}
	return nil, ListConversationsOutput{Conversations: convs.Conversations, Stale: convs.Stale}, nil
}

// ConversationInput selects a conversation of an account
type ConversationInput struct {
	AccountID      string `json:"account_id" jsonschema:"The account ID"`
	ConversationID string `json:"conversation_id" jsonschema:"The conversation ID as listed by bridge_list_conversations"`
	Limit          int    `json:"limit,omitempty" jsonschema:"Only return the most recent messages (default all)"`
}

// GetMessagesOutput contains the history of a conversation
type GetMessagesOutput struct {
	Messages []domain.Message `json:"messages"`
	Stale    bool             `json:"stale"`
	Error    string           `json:"error,omitempty"`
}

func (s *Server) handleGetMessages(ctx context.Context, req *sdk.CallToolRequest, input ConversationInput) (*sdk.CallToolResult, GetMessagesOutput, error) {
	if input.AccountID == "" || input.ConversationID == "" {
		return nil, GetMessagesOutput{Error: "account_id and conversation_id are required"}, nil
	}
	history, err := s.client.Messages(ctx, input.AccountID, input.ConversationID)
	if err != nil {
		return nil, GetMessagesOutput{Error: err.Error()}, nil
	}

	messages := history.Messages
	if input.Limit > 0 && len(messages) > input.Limit {
		messages = messages[len(messages)-input.Limit:]
	}
	return nil, GetMessagesOutput{Messages: messages, Stale: history.Stale}, nil
}

// SendMessageInput is the input for bridge_send_message
type SendMessageInput struct {
	AccountID      string `json:"account_id" jsonschema:"The account ID to send from"`
	ConversationID string `json:"conversation_id" jsonschema:"The conversation ID to send to"`
	Body           string `json:"body" jsonschema:"The message text"`
}

// SendMessageOutput is the output for bridge_send_message
type SendMessageOutput struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleSendMessage(ctx context.Context, req *sdk.CallToolRequest, input SendMessageInput) (*sdk.CallToolResult, SendMessageOutput, error) {
	if input.AccountID == "" || input.ConversationID == "" || input.Body == "" {
		return nil, SendMessageOutput{Error: "account_id, conversation_id and body are required"}, nil
	}
	res, err := s.client.Send(ctx, input.AccountID, input.ConversationID, input.Body)
	if err != nil {
		return nil, SendMessageOutput{Error: err.Error()}, nil
	}
	return nil, SendMessageOutput{Success: true, MessageID: res.MessageID}, nil
}

// MarkReadOutput is the output for bridge_mark_read
type MarkReadOutput struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleMarkRead(ctx context.Context, req *sdk.CallToolRequest, input ConversationInput) (*sdk.CallToolResult, MarkReadOutput, error) {
	if input.AccountID == "" || input.ConversationID == "" {
		return nil, MarkReadOutput{Error: "account_id and conversation_id are required"}, nil
	}
	if err := s.client.MarkRead(ctx, input.AccountID, input.ConversationID); err != nil {
		return nil, MarkReadOutput{Error: err.Error()}, nil
	}
	return nil, MarkReadOutput{Success: true}, nil
}
