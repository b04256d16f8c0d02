package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dlchats/accounts-bridge/internal/biz/domain"
	"github.com/dlchats/accounts-bridge/internal/biz/usecase"
)

// Client is the HTTP client for the bridge API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new bridge API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			// sends may take a primary and a fallback attempt
			Timeout: 45 * time.Second,
		},
	}
}

// Conversations is a conversation list and its freshness
type Conversations struct {
	Conversations []domain.Conversation `json:"conversations"`
	Stale         bool                  `json:"stale"`
}

// History is the message history of one conversation
type History struct {
	Messages []domain.Message `json:"messages"`
	Stale    bool             `json:"stale"`
	Source   string           `json:"source"`
}

// Sessions lists every registered session
func (c *Client) Sessions(ctx context.Context) ([]domain.SessionInfo, error) {
	var result struct {
		Sessions []domain.SessionInfo `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &result); err != nil {
		return nil, err
	}
	return result.Sessions, nil
}

// Conversations lists the conversations of an account
func (c *Client) Conversations(ctx context.Context, accountID string) (*Conversations, error) {
	var result Conversations
	if err := c.do(ctx, http.MethodGet, sessionPath(accountID, "conversations"), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Messages gets the history of a conversation
func (c *Client) Messages(ctx context.Context, accountID, conversationID string) (*History, error) {
	var result History
	if err := c.do(ctx, http.MethodGet, conversationPath(accountID, conversationID, "messages"), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Send sends a text message
func (c *Client) Send(ctx context.Context, accountID, conversationID, body string) (*usecase.SendResult, error) {
	var result usecase.SendResult
	req := map[string]string{"body": body}
	if err := c.do(ctx, http.MethodPost, conversationPath(accountID, conversationID, "messages"), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MarkRead marks a conversation as seen
func (c *Client) MarkRead(ctx context.Context, accountID, conversationID string) error {
	return c.do(ctx, http.MethodPost, conversationPath(accountID, conversationID, "read"), nil, nil)
}

func sessionPath(accountID, suffix string) string {
	return fmt.Sprintf("/api/sessions/%s/%s", url.PathEscape(accountID), suffix)
}

func conversationPath(accountID, conversationID, suffix string) string {
	return fmt.Sprintf("/api/sessions/%s/conversations/%s/%s", url.PathEscape(accountID), url.PathEscape(conversationID), suffix)
}

// ============ HTTP Helpers ============

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(bytes.TrimSpace(respBody)))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
