package driver

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dlchats/accounts-bridge/internal/biz/repo"
)

// ErrClosed is returned for calls on a stopped driver
var ErrClosed = errors.New("driver closed")

// Config describes how to launch the automation sidecar
type Config struct {
	Command string
	Args    []string
	// KillGrace is how long the process may take to exit after destroy
	KillGrace time.Duration
}

// DefaultConfig returns default driver configuration
func DefaultConfig() Config {
	return Config{Command: "node", Args: []string{"driver.js"}, KillGrace: 5 * time.Second}
}

// Client is one automation sidecar speaking newline-delimited JSON-RPC on stdio
type Client struct {
	accountID string
	authDir   string
	handlers  repo.SessionHandlers
	killGrace time.Duration
	logger    zerolog.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	requestID atomic.Int64
	pending   map[int64]chan *Response
	pendingMu sync.Mutex

	notifications chan Notification
	done          chan struct{}
	readDone      chan struct{}
	closeOnce     sync.Once
	destroying    atomic.Bool
	wg            sync.WaitGroup
}

// NewFactory returns a session factory that launches one sidecar per account
func NewFactory(cfg Config) repo.SessionFactory {
	return func(ctx context.Context, opts repo.SessionOptions, handlers repo.SessionHandlers) (repo.AutomatedSession, error) {
		return Start(cfg, opts, handlers)
	}
}

// Start launches the sidecar process. The process is not bound to any
// request context; it lives until Destroy.
func Start(cfg Config, opts repo.SessionOptions, handlers repo.SessionHandlers) (*Client, error) {
	if cfg.Command == "" {
		return nil, errors.New("driver command not configured")
	}
	if opts.AuthDir != "" {
		if err := os.MkdirAll(opts.AuthDir, 0o700); err != nil {
			return nil, fmt.Errorf("create auth dir: %w", err)
		}
	}

	args := append([]string{}, cfg.Args...)
	args = append(args, "--account", opts.AccountID, "--auth-dir", opts.AuthDir)
	cmd := exec.Command(cfg.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start driver: %w", err)
	}

	c := newClient(opts, handlers, stdin, stdout, cfg.KillGrace)
	c.cmd = cmd
	c.wg.Add(1)
	go c.readStderr(stderr)
	c.logger.Info().Str("command", cfg.Command).Int("pid", cmd.Process.Pid).Msg("Driver started")
	return c, nil
}

// newClient wires a client to an already running transport
func newClient(opts repo.SessionOptions, handlers repo.SessionHandlers, stdin io.WriteCloser, stdout io.Reader, killGrace time.Duration) *Client {
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	c := &Client{
		accountID:     opts.AccountID,
		authDir:       opts.AuthDir,
		handlers:      handlers,
		killGrace:     killGrace,
		logger:        log.With().Str("component", "driver").Str("account", opts.AccountID).Logger(),
		stdin:         stdin,
		pending:       make(map[int64]chan *Response),
		notifications: make(chan Notification, 256),
		done:          make(chan struct{}),
		readDone:      make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readLoop(stdout)
	go c.dispatchLoop()
	return c
}

// ============ repo.AutomatedSession ============

func (c *Client) Initialize(ctx context.Context) error {
	_, err := c.call(ctx, MethodInitialize, InitializeParams{AccountID: c.accountID, AuthDir: c.authDir})
	return err
}

func (c *Client) ListConversations(ctx context.Context) ([]repo.RemoteChat, error) {
	var res GetChatsResult
	if err := c.callInto(ctx, MethodGetChats, nil, &res); err != nil {
		return nil, err
	}
	chats := make([]repo.RemoteChat, 0, len(res.Chats))
	for _, ch := range res.Chats {
		chats = append(chats, repo.RemoteChat{
			ID:             ch.ID,
			Name:           ch.Name,
			FormattedTitle: ch.FormattedTitle,
			ContactName:    ch.ContactName,
			UnreadCount:    ch.UnreadCount,
			LastMessage:    ch.LastMessage,
		})
	}
	return chats, nil
}

func (c *Client) FetchHistory(ctx context.Context, conversationID string, limit int) ([]repo.RemoteMessage, error) {
	var res FetchMessagesResult
	if err := c.callInto(ctx, MethodFetchMessages, FetchMessagesParams{ChatID: conversationID, Limit: limit}, &res); err != nil {
		return nil, err
	}
	return res.Messages, nil
}

func (c *Client) Send(ctx context.Context, conversationID, body string) (*repo.RemoteMessage, error) {
	var res SendMessageResult
	if err := c.callInto(ctx, MethodSendMessage, SendMessageParams{ChatID: conversationID, Body: body}, &res); err != nil {
		return nil, err
	}
	if res.Message == nil {
		return nil, errors.New("sendMessage returned no message")
	}
	return res.Message, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.call(ctx, MethodMarkRead, ChatParams{ChatID: conversationID})
	return err
}

func (c *Client) Evaluate(ctx context.Context, script string, args ...any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	var res EvaluateResult
	if err := c.callInto(ctx, MethodEvaluate, EvaluateParams{Script: script, Args: args}, &res); err != nil {
		return nil, err
	}
	return res.Result, nil
}

// Destroy asks the sidecar to log out of the page and stops the process.
// The process is killed if it has not exited KillGrace after the request.
func (c *Client) Destroy(ctx context.Context) error {
	if !c.destroying.CompareAndSwap(false, true) {
		return nil
	}

	_, callErr := c.call(ctx, MethodDestroy, nil)
	if callErr != nil {
		c.logger.Warn().Err(callErr).Msg("Destroy request failed")
	}

	c.writeMu.Lock()
	_ = c.stdin.Close()
	c.writeMu.Unlock()

	select {
	case <-c.readDone:
	case <-time.After(c.killGrace):
		c.logger.Warn().Msg("Driver did not exit, killing")
		if c.cmd != nil {
			_ = c.cmd.Process.Kill()
		}
	}
	if c.cmd != nil {
		_ = c.cmd.Wait()
	}

	c.shutdown()
	c.wg.Wait()
	c.logger.Info().Msg("Driver stopped")
	if callErr != nil && !errors.Is(callErr, ErrClosed) {
		return callErr
	}
	return nil
}

// ============ repo.Inspector ============

func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	var res ScreenshotResult
	if err := c.callInto(ctx, MethodScreenshot, nil, &res); err != nil {
		return nil, err
	}
	img, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return img, nil
}

func (c *Client) PageHTML(ctx context.Context) (string, error) {
	var res ContentResult
	if err := c.callInto(ctx, MethodContent, nil, &res); err != nil {
		return "", err
	}
	return res.HTML, nil
}

// ============ Internal Methods ============

func (c *Client) callInto(ctx context.Context, method string, params, out any) error {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	if len(raw) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", method, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	id := c.requestID.Add(1)
	respChan := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

func (c *Client) readLoop(stdout io.Reader) {
	defer c.wg.Done()
	defer close(c.readDone)

	scanner := bufio.NewScanner(stdout)
	// screenshots and page HTML can be large
	scanner.Buffer(make([]byte, 64*1024), 32*1024*1024)
	for scanner.Scan() {
		c.handleLine(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		c.logger.Error().Err(err).Msg("Driver read error")
	}

	if !c.destroying.Load() {
		c.logger.Error().Msg("Driver exited unexpectedly")
		c.enqueue(Notification{Method: NotifyDisconnected, Params: mustMarshal(ReasonParams{Reason: "driver exited"})})
	}
	c.shutdown()
}

func (c *Client) handleLine(data []byte) {
	if len(data) == 0 {
		return
	}
	var l line
	if err := json.Unmarshal(data, &l); err != nil {
		c.logger.Warn().Err(err).Msg("Ignoring malformed driver output")
		return
	}

	if l.Method == "" && l.ID != 0 {
		c.pendingMu.Lock()
		ch, ok := c.pending[l.ID]
		c.pendingMu.Unlock()
		if ok {
			ch <- &Response{ID: l.ID, Result: l.Result, Error: l.Error}
		}
		return
	}
	if l.Method != "" {
		c.enqueue(Notification{Method: l.Method, Params: l.Params})
	}
}

func (c *Client) enqueue(n Notification) {
	select {
	case c.notifications <- n:
	case <-c.done:
	default:
		c.logger.Warn().Str("method", n.Method).Msg("Notification queue full, dropping")
	}
}

// dispatchLoop delivers notifications in order, one at a time
func (c *Client) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case n := <-c.notifications:
			c.dispatch(n)
		case <-c.done:
			// deliver what was queued before shutdown
			for {
				select {
				case n := <-c.notifications:
					c.dispatch(n)
				default:
					return
				}
			}
		}
	}
}

func (c *Client) dispatch(n Notification) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("method", n.Method).Msg("Recovered panic in handler")
		}
	}()

	h := c.handlers
	switch n.Method {
	case NotifyQR:
		var p QRParams
		if c.decode(n, &p) && h.OnQRCode != nil {
			h.OnQRCode(p.Code)
		}
	case NotifyAuthenticated:
		if h.OnAuthenticated != nil {
			h.OnAuthenticated()
		}
	case NotifyReady:
		if h.OnReady != nil {
			h.OnReady()
		}
	case NotifyAuthFailure:
		var p ReasonParams
		if c.decode(n, &p) && h.OnAuthFailure != nil {
			h.OnAuthFailure(p.text())
		}
	case NotifyDisconnected:
		var p ReasonParams
		if c.decode(n, &p) && h.OnDisconnected != nil && !c.destroying.Load() {
			h.OnDisconnected(p.text())
		}
	case NotifyMessageCreate:
		var p MessageCreateParams
		if c.decode(n, &p) && h.OnMessage != nil {
			h.OnMessage(repo.InboundMessage{ChatID: p.ChatID, Message: p.Message})
		}
	case NotifyMessageAck:
		var p MessageAckParams
		if c.decode(n, &p) && h.OnMessageAck != nil {
			h.OnMessageAck(repo.MessageAck{ChatID: p.ChatID, MessageID: p.MessageID, Ack: p.Ack, Timestamp: p.Timestamp})
		}
	default:
		c.logger.Debug().Str("method", n.Method).Msg("Unhandled notification")
	}
}

func (c *Client) decode(n Notification, v any) bool {
	if len(n.Params) == 0 {
		return true
	}
	if err := json.Unmarshal(n.Params, v); err != nil {
		c.logger.Warn().Err(err).Str("method", n.Method).Msg("Bad notification params")
		return false
	}
	return true
}

func (c *Client) readStderr(stderr io.Reader) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if text := scanner.Text(); text != "" {
			c.logger.Debug().Str("stream", "stderr").Msg(text)
		}
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
