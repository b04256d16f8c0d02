package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlchats/accounts-bridge/internal/biz/domain"
	"github.com/dlchats/accounts-bridge/internal/biz/repo"
	"github.com/dlchats/accounts-bridge/internal/biz/usecase"
	"github.com/dlchats/accounts-bridge/internal/service"
)

type mockBridge struct {
	sessions  map[string]domain.SessionInfo
	convs     domain.ConversationList
	history   usecase.HistoryResult
	sendErr   error
	sent      []usecase.SendRequest
	read      []string
	inspector repo.Inspector
}

func newMockBridge() *mockBridge {
	return &mockBridge{sessions: map[string]domain.SessionInfo{
		"acc-1": {AccountID: "acc-1", State: domain.StateReady},
	}}
}

func (m *mockBridge) StartSession(ctx context.Context, accountID string, requester service.Replier) error {
	if _, ok := m.sessions[accountID]; !ok {
		m.sessions[accountID] = domain.SessionInfo{AccountID: accountID, State: domain.StateUninitialized}
	}
	return nil
}

func (m *mockBridge) DeleteSession(ctx context.Context, accountID string) error {
	delete(m.sessions, accountID)
	return nil
}

func (m *mockBridge) Sessions() []domain.SessionInfo {
	var out []domain.SessionInfo
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *mockBridge) Session(accountID string) (domain.SessionInfo, error) {
	s, ok := m.sessions[accountID]
	if !ok {
		return domain.SessionInfo{}, domain.ErrSessionNotFound
	}
	return s, nil
}

func (m *mockBridge) ready(accountID string) error {
	if s, ok := m.sessions[accountID]; !ok || s.State != domain.StateReady {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (m *mockBridge) Conversations(ctx context.Context, accountID string) (domain.ConversationList, error) {
	return m.convs, m.ready(accountID)
}

func (m *mockBridge) FetchMessages(ctx context.Context, accountID, conversationID string, requester service.Replier) (usecase.HistoryResult, error) {
	return m.history, m.ready(accountID)
}

func (m *mockBridge) SendMessage(ctx context.Context, accountID string, req usecase.SendRequest, requester service.Replier) (usecase.SendResult, error) {
	if err := m.ready(accountID); err != nil {
		return usecase.SendResult{}, err
	}
	m.sent = append(m.sent, req)
	if m.sendErr != nil {
		return usecase.SendResult{}, m.sendErr
	}
	return usecase.SendResult{ClientID: req.ClientID, MessageID: "sent-1", Ack: 1}, nil
}

func (m *mockBridge) MarkRead(ctx context.Context, accountID, conversationID string) error {
	if err := m.ready(accountID); err != nil {
		return err
	}
	m.read = append(m.read, conversationID)
	return nil
}

func (m *mockBridge) Inspect(accountID string) (repo.Inspector, error) {
	if _, ok := m.sessions[accountID]; !ok {
		return nil, domain.ErrSessionNotFound
	}
	if m.inspector == nil {
		return nil, service.ErrInspectUnsupported
	}
	return m.inspector, nil
}

type stubInspector struct{}

func (stubInspector) Screenshot(ctx context.Context) ([]byte, error) { return []byte("\x89PNG"), nil }
func (stubInspector) PageHTML(ctx context.Context) (string, error)   { return "<html>wa</html>", nil }

type stubTranslator struct {
	err error
}

func (s stubTranslator) Translate(ctx context.Context, text, targetLang string) (string, error) {
	if s.err != nil {
		return "", &domain.TranslationError{TargetLang: targetLang, Err: s.err}
	}
	return "[" + targetLang + "] " + text, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := NewServer(Config{}, newMockBridge(), nil, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","sessions":1}`, rec.Body.String())
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name       string
		translator repo.Translator
		body       string
		code       int
		contains   string
	}{
		{"ok", stubTranslator{}, `{"text":"hola","targetLang":"en"}`, http.StatusOK, `"translatedText":"[en] hola"`},
		{"missing target", stubTranslator{}, `{"text":"hola"}`, http.StatusBadRequest, "Missing text or targetLang"},
		{"failure", stubTranslator{err: errors.New("quota")}, `{"text":"hola","targetLang":"en"}`, http.StatusInternalServerError, `"details":"translate to en: quota"`},
		{"not configured", nil, `{"text":"hola","targetLang":"en"}`, http.StatusServiceUnavailable, "not configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(Config{}, newMockBridge(), tt.translator, nil)
			rec := do(t, s.Handler(), http.MethodPost, "/translate", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}
}

func TestDebugRoutes(t *testing.T) {
	bridge := newMockBridge()
	s := NewServer(Config{}, bridge, nil, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/debug/screenshot/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Session not found", rec.Body.String())

	rec = do(t, s.Handler(), http.MethodGet, "/debug/html/acc-1", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	bridge.inspector = stubInspector{}
	rec = do(t, s.Handler(), http.MethodGet, "/debug/screenshot/acc-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = do(t, s.Handler(), http.MethodGet, "/debug/html/acc-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Equal(t, "<html>wa</html>", rec.Body.String())
}

func TestSessionRoutes(t *testing.T) {
	bridge := newMockBridge()
	bridge.convs = domain.ConversationList{Conversations: []domain.Conversation{{ID: "111@c.us", DisplayName: "Alice"}}, Stale: true}
	bridge.history = usecase.HistoryResult{Messages: []domain.Message{{ID: "m1", Body: "hi"}}, Source: usecase.SourceAPI}
	h := NewServer(Config{}, bridge, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/api/sessions/acc-2", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"uninitialized"`)

	rec = do(t, h, http.MethodGet, "/api/sessions/acc-1/conversations", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stale":true`)
	assert.Contains(t, rec.Body.String(), `"displayName":"Alice"`)

	rec = do(t, h, http.MethodGet, "/api/sessions/acc-2/conversations", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/sessions/acc-1/conversations/111@c.us/messages", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"source":"api"`)

	rec = do(t, h, http.MethodPost, "/api/sessions/acc-1/conversations/111@c.us/messages", `{"body":"yo","clientId":"c-1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, bridge.sent, 1)
	assert.Equal(t, usecase.SendRequest{ConversationID: "111@c.us", Body: "yo", ClientID: "c-1"}, bridge.sent[0])

	rec = do(t, h, http.MethodPost, "/api/sessions/acc-1/conversations/111@c.us/messages", `{"body":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/sessions/acc-1/conversations/111@c.us/read", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"111@c.us"}, bridge.read)

	rec = do(t, h, http.MethodDelete, "/api/sessions/ghost", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/sessions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accountId":"acc-1"`)
}

func TestSendFailureCause(t *testing.T) {
	bridge := newMockBridge()
	bridge.sendErr = &domain.SendFailure{Primary: errors.New("Cannot read properties of undefined (reading 'markedUnread')")}
	h := NewServer(Config{}, bridge, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/api/sessions/acc-1/conversations/c/messages", `{"body":"yo"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "(Code: MU)")
}

func TestStaticFallback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<div id=app></div>"), 0644))
	h := NewServer(Config{StaticDir: dir}, newMockBridge(), nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/accounts/acc-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "id=app")

	rec = do(t, h, http.MethodGet, "/health", "")
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
