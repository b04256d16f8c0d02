package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dlchats/accounts-bridge/internal/biz/usecase"
	"github.com/dlchats/accounts-bridge/internal/service"
)

// Inbound command names
const (
	CmdStartSession  = "start-session"
	CmdSendMessage   = "send-message"
	CmdFetchMessages = "fetch-messages"
	CmdMarkRead      = "mark-read"
	CmdDeleteSession = "delete-session"

	// accepted for older dashboards
	cmdMarkChatRead = "mark-chat-read"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 1 << 20
	sendQueueDepth = 256
)

// Commands is the registry surface driven by observers
type Commands interface {
	StartSession(ctx context.Context, accountID string, requester service.Replier) error
	DeleteSession(ctx context.Context, accountID string) error
	FetchMessages(ctx context.Context, accountID, conversationID string, requester service.Replier) (usecase.HistoryResult, error)
	SendMessage(ctx context.Context, accountID string, req usecase.SendRequest, requester service.Replier) (usecase.SendResult, error)
	MarkRead(ctx context.Context, accountID, conversationID string) error
}

// ObserverConfig configures observer connections
type ObserverConfig struct {
	// CommandRate is the sustained number of commands per second per connection
	CommandRate  float64
	CommandBurst int
}

// DefaultObserverConfig returns default observer configuration
func DefaultObserverConfig() ObserverConfig {
	return ObserverConfig{CommandRate: 20, CommandBurst: 40}
}

// ObserverServer upgrades dashboard connections and dispatches their commands
type ObserverServer struct {
	cfg      ObserverConfig
	hub      *Hub
	commands Commands
	upgrader websocket.Upgrader
}

// NewObserverServer creates the observer endpoint
func NewObserverServer(cfg ObserverConfig, hub *Hub, commands Commands) *ObserverServer {
	return &ObserverServer{
		cfg:      cfg,
		hub:      hub,
		commands: commands,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The dashboard may be served from another origin during development
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes
func (s *ObserverServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Observer upgrade failed")
		return
	}

	o := &Observer{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, sendQueueDepth),
		done:    make(chan struct{}),
		server:  s,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.CommandRate), s.cfg.CommandBurst),
	}
	o.logger = log.With().Str("component", "observer").Str("observer", o.id).Logger()
	o.logger.Info().Str("remote", r.RemoteAddr).Msg("Frontend connected")

	// Commands outlive the connection that issued them
	ctx := context.WithoutCancel(r.Context())

	go o.writePump()
	o.readPump(ctx)
}

// Observer is one dashboard connection
type Observer struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	server  *ObserverServer
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// Enqueue implements Subscriber
func (o *Observer) Enqueue(frame []byte) bool {
	select {
	case <-o.done:
		return true
	default:
	}
	select {
	case o.send <- frame:
		return true
	default:
		return false
	}
}

// Close implements Subscriber
func (o *Observer) Close() {
	o.once.Do(func() {
		close(o.done)
		_ = o.conn.Close()
	})
}

// Reply implements service.Replier
func (o *Observer) Reply(event string, payload any) {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		o.logger.Error().Err(err).Str("event", event).Msg("Dropping reply")
		return
	}
	if !o.Enqueue(frame) {
		o.logger.Warn().Str("event", event).Msg("Observer too slow, dropping it")
		o.server.hub.Leave(o)
		o.Close()
	}
}

func (o *Observer) readPump(ctx context.Context) {
	defer func() {
		o.server.hub.Leave(o)
		o.Close()
		o.logger.Info().Msg("Frontend disconnected")
	}()

	o.conn.SetReadLimit(maxFrameSize)
	_ = o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := o.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				o.logger.Warn().Err(err).Msg("Observer read failed")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			o.logger.Warn().Err(err).Msg("Ignoring malformed frame")
			continue
		}
		if !o.limiter.Allow() {
			o.logger.Warn().Str("event", frame.Event).Msg("Command rate exceeded, dropping")
			continue
		}
		o.dispatch(ctx, frame)
	}
}

func (o *Observer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		o.Close()
	}()

	for {
		select {
		case <-o.done:
			return
		case frame := <-o.send:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				o.logger.Warn().Err(err).Msg("Observer write failed")
				return
			}
		case <-ticker.C:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// commandData carries the fields of every inbound command. chatId and
// message are the legacy names of conversationId and body.
type commandData struct {
	AccountID      string `json:"accountId"`
	ConversationID string `json:"conversationId"`
	ChatID         string `json:"chatId"`
	Body           string `json:"body"`
	Message        string `json:"message"`
	ClientID       string `json:"clientId"`
}

func (d commandData) conversation() string {
	if d.ConversationID != "" {
		return d.ConversationID
	}
	return d.ChatID
}

func (d commandData) text() string {
	if d.Body != "" {
		return d.Body
	}
	return d.Message
}

func (o *Observer) dispatch(ctx context.Context, frame Frame) {
	var data commandData
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			o.logger.Warn().Err(err).Str("event", frame.Event).Msg("Ignoring malformed command")
			return
		}
	}
	logger := o.logger.With().Str("event", frame.Event).Str("account", data.AccountID).Logger()

	switch frame.Event {
	case CmdStartSession:
		if data.AccountID == "" {
			return
		}
		// Join first so the requester sees every event of the new session
		o.server.hub.Join(o, data.AccountID)
		o.run(logger, func() {
			_ = o.server.commands.StartSession(ctx, data.AccountID, o)
		})

	case CmdSendMessage:
		req := usecase.SendRequest{ConversationID: data.conversation(), Body: data.text(), ClientID: data.ClientID}
		o.run(logger, func() {
			_, _ = o.server.commands.SendMessage(ctx, data.AccountID, req, o)
		})

	case CmdFetchMessages:
		o.run(logger, func() {
			_, _ = o.server.commands.FetchMessages(ctx, data.AccountID, data.conversation(), o)
		})

	case CmdMarkRead, cmdMarkChatRead:
		o.run(logger, func() {
			_ = o.server.commands.MarkRead(ctx, data.AccountID, data.conversation())
		})

	case CmdDeleteSession:
		o.run(logger, func() {
			_ = o.server.commands.DeleteSession(ctx, data.AccountID)
		})

	default:
		logger.Warn().Msg("Unknown event, ignoring")
	}
}

// run executes a command off the read loop so slow commands don't block the connection
func (o *Observer) run(logger zerolog.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Msg("Recovered panic in command")
			}
		}()
		fn()
	}()
}
