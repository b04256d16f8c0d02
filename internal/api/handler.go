package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/dlchats/accounts-bridge/internal/biz/domain"
	"github.com/dlchats/accounts-bridge/internal/biz/repo"
	"github.com/dlchats/accounts-bridge/internal/biz/usecase"
	"github.com/dlchats/accounts-bridge/internal/service"
)

// Bridge is the session registry surface served over HTTP
type Bridge interface {
	StartSession(ctx context.Context, accountID string, requester service.Replier) error
	DeleteSession(ctx context.Context, accountID string) error
	Sessions() []domain.SessionInfo
	Session(accountID string) (domain.SessionInfo, error)
	Conversations(ctx context.Context, accountID string) (domain.ConversationList, error)
	FetchMessages(ctx context.Context, accountID, conversationID string, requester service.Replier) (usecase.HistoryResult, error)
	SendMessage(ctx context.Context, accountID string, req usecase.SendRequest, requester service.Replier) (usecase.SendResult, error)
	MarkRead(ctx context.Context, accountID, conversationID string) error
	Inspect(accountID string) (repo.Inspector, error)
}

// Config contains HTTP server configuration
type Config struct {
	Addr      string
	StaticDir string // optional dashboard build served with HTML5 fallback
}

// Server provides the HTTP API, the observer WebSocket endpoint and the dashboard
type Server struct {
	echo       *echo.Echo
	addr       string
	bridge     Bridge
	translator repo.Translator
}

// NewServer creates a new API server. translator may be nil.
func NewServer(cfg Config, bridge Bridge, translator repo.Translator, observers http.Handler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	}))
	if cfg.StaticDir != "" {
		e.Use(middleware.StaticWithConfig(middleware.StaticConfig{
			Root:  cfg.StaticDir,
			HTML5: true,
		}))
	}

	s := &Server{echo: e, addr: cfg.Addr, bridge: bridge, translator: translator}

	e.GET("/health", s.handleHealth)
	if observers != nil {
		e.GET("/ws", echo.WrapHandler(observers))
	}
	e.POST("/translate", s.handleTranslate)

	debug := e.Group("/debug")
	debug.GET("/screenshot/:accountId", s.handleScreenshot)
	debug.GET("/html/:accountId", s.handleHTML)

	sessions := e.Group("/api/sessions")
	sessions.GET("", s.handleListSessions)
	sessions.POST("/:accountId", s.handleStartSession)
	sessions.GET("/:accountId", s.handleGetSession)
	sessions.DELETE("/:accountId", s.handleDeleteSession)
	sessions.GET("/:accountId/conversations", s.handleConversations)
	sessions.GET("/:accountId/conversations/:conversationId/messages", s.handleMessages)
	sessions.POST("/:accountId/conversations/:conversationId/messages", s.handleSend)
	sessions.POST("/:accountId/conversations/:conversationId/read", s.handleMarkRead)

	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	log.Info().Str("component", "api").Str("addr", s.addr).Msg("HTTP server listening")
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.bridge.Sessions()),
	})
}

type translateRequest struct {
	Text       string `json:"text"`
	TargetLang string `json:"targetLang"`
}

func (s *Server) handleTranslate(c echo.Context) error {
	var req translateRequest
	if err := c.Bind(&req); err != nil || req.Text == "" || req.TargetLang == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Missing text or targetLang"})
	}
	if s.translator == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Translation is not configured"})
	}

	out, err := s.translator.Translate(c.Request().Context(), req.Text, req.TargetLang)
	if err != nil {
		log.Error().Err(err).Str("component", "api").Msg("Translation error")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "Translation failed",
			"details": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"translatedText": out})
}

func (s *Server) inspector(c echo.Context) (repo.Inspector, error) {
	insp, err := s.bridge.Inspect(c.Param("accountId"))
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return nil, c.String(http.StatusNotFound, "Session not found")
	case err != nil:
		return nil, c.String(http.StatusInternalServerError, "No page found for session")
	}
	return insp, nil
}

func (s *Server) handleScreenshot(c echo.Context) error {
	insp, err := s.inspector(c)
	if insp == nil {
		return err
	}
	img, err := insp.Screenshot(c.Request().Context())
	if err != nil {
		return c.String(http.StatusInternalServerError, "Error taking screenshot: "+err.Error())
	}
	return c.Blob(http.StatusOK, "image/png", img)
}

func (s *Server) handleHTML(c echo.Context) error {
	insp, err := s.inspector(c)
	if insp == nil {
		return err
	}
	html, err := insp.PageHTML(c.Request().Context())
	if err != nil {
		return c.String(http.StatusInternalServerError, "Error getting content: "+err.Error())
	}
	return c.HTML(http.StatusOK, html)
}

func (s *Server) handleListSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"sessions": s.bridge.Sessions()})
}

func (s *Server) handleGetSession(c echo.Context) error {
	info, err := s.bridge.Session(c.Param("accountId"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleStartSession(c echo.Context) error {
	accountID := c.Param("accountId")
	// Initialization outlives the request; events go to observers of the account
	if err := s.bridge.StartSession(context.WithoutCancel(c.Request().Context()), accountID, service.Discard); err != nil {
		return errorJSON(c, err)
	}
	info, err := s.bridge.Session(accountID)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusAccepted, info)
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	if err := s.bridge.DeleteSession(c.Request().Context(), c.Param("accountId")); err != nil {
		return errorJSON(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleConversations(c echo.Context) error {
	list, err := s.bridge.Conversations(c.Request().Context(), c.Param("accountId"))
	if err != nil {
		return errorJSON(c, err)
	}
	convs := list.Conversations
	if convs == nil {
		convs = []domain.Conversation{}
	}
	return c.JSON(http.StatusOK, map[string]any{"conversations": convs, "stale": list.Stale})
}

func (s *Server) handleMessages(c echo.Context) error {
	res, err := s.bridge.FetchMessages(c.Request().Context(), c.Param("accountId"), c.Param("conversationId"), service.Discard)
	if err != nil {
		return errorJSON(c, err)
	}
	msgs := res.Messages
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs, "stale": res.Stale, "source": res.Source})
}

type sendRequest struct {
	Body     string `json:"body"`
	ClientID string `json:"clientId"`
}

func (s *Server) handleSend(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Body) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Missing body"})
	}
	res, err := s.bridge.SendMessage(c.Request().Context(), c.Param("accountId"), usecase.SendRequest{
		ConversationID: c.Param("conversationId"),
		Body:           req.Body,
		ClientID:       req.ClientID,
	}, service.Discard)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleMarkRead(c echo.Context) error {
	if err := s.bridge.MarkRead(c.Request().Context(), c.Param("accountId"), c.Param("conversationId")); err != nil {
		return errorJSON(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// errorJSON maps domain errors to status codes
func errorJSON(c echo.Context, err error) error {
	var (
		sf *domain.SendFailure
		si *domain.SessionInitError
	)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Session not found"})
	case errors.As(err, &sf):
		return c.JSON(http.StatusBadGateway, map[string]string{"error": sf.Cause()})
	case errors.As(err, &si):
		return c.JSON(http.StatusBadGateway, map[string]string{"error": si.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
