package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dlchats/accounts-bridge/internal/biz/domain"
	"github.com/dlchats/accounts-bridge/internal/biz/repo"
)

// History sources
const (
	SourceAPI      = "api"
	SourceEvaluate = "evaluate"
	SourceCache    = "cache"
	SourceNotice   = "notice"
)

// errEmpty marks a well-formed but empty strategy result
var errEmpty = errors.New("empty result")

// FetchConfig bounds every call into the automation surface
type FetchConfig struct {
	ListTimeout     time.Duration
	HistoryTimeout  time.Duration
	EvaluateTimeout time.Duration
	HistoryLimit    int
}

// DefaultFetchConfig returns default fetch configuration
func DefaultFetchConfig() FetchConfig {
	return FetchConfig{
		ListTimeout:     7 * time.Second,
		HistoryTimeout:  10 * time.Second,
		EvaluateTimeout: 10 * time.Second,
		HistoryLimit:    50,
	}
}

// HistoryResult is the outcome of a history fetch. Messages is always usable.
type HistoryResult struct {
	Messages []domain.Message
	// Stale is set when the messages come from the cache after every strategy failed
	Stale  bool
	Source string
}

// Fetcher reads conversations and history through an ordered strategy chain
type Fetcher struct {
	cfg   FetchConfig
	store *MessageStore
	now   func() time.Time
}

// NewFetcher creates a fetcher that merges successful history into store
func NewFetcher(cfg FetchConfig, store *MessageStore) *Fetcher {
	return &Fetcher{cfg: cfg, store: store, now: time.Now}
}

type strategy[T any] struct {
	name string
	run  func(ctx context.Context) (T, error)
}

// firstSuccess runs strategies in order and returns the first non-empty result.
// If every strategy failed but one returned a well-formed empty result, that
// empty result is returned without error.
func firstSuccess[T any](ctx context.Context, op string, empty func(T) bool, strategies ...strategy[T]) (T, string, error) {
	var (
		zero      T
		lastErr   error
		sawEmpty  bool
		emptyFrom string
	)
	for _, s := range strategies {
		val, err := s.run(ctx)
		if err == nil && empty(val) {
			err = errEmpty
		}
		if err == nil {
			return val, s.name, nil
		}
		if errors.Is(err, errEmpty) {
			sawEmpty = true
			emptyFrom = s.name
		}
		if ctx.Err() != nil {
			return zero, "", ctx.Err()
		}
		log.Warn().Err(err).Str("op", op).Str("strategy", s.name).Msg("Strategy failed")
		lastErr = &domain.FetchFailure{Op: op, Strategy: s.name, Err: err}
	}
	if sawEmpty {
		return zero, emptyFrom, nil
	}
	return zero, "", &domain.FetchFailure{Op: op, Err: lastErr}
}

// ListConversations fetches and normalizes the conversation list, newest first
func (f *Fetcher) ListConversations(ctx context.Context, session repo.AutomatedSession) ([]domain.Conversation, error) {
	chats, source, err := firstSuccess(ctx, "getChats",
		func(c []repo.RemoteChat) bool { return len(c) == 0 },
		strategy[[]repo.RemoteChat]{name: SourceAPI, run: func(ctx context.Context) ([]repo.RemoteChat, error) {
			return callWithTimeout(ctx, "getChats", f.cfg.ListTimeout, session.ListConversations)
		}},
		strategy[[]repo.RemoteChat]{name: SourceEvaluate, run: func(ctx context.Context) ([]repo.RemoteChat, error) {
			return f.listViaEvaluate(ctx, session)
		}},
	)
	if err != nil {
		return nil, err
	}

	convs := make([]domain.Conversation, 0, len(chats))
	for _, c := range chats {
		if c.ID == "" {
			continue
		}
		convs = append(convs, normalizeChat(c))
	}
	domain.SortByRecency(convs)

	log.Debug().Str("strategy", source).Int("count", len(convs)).Msg("Conversation list fetched")
	return convs, nil
}

type evalChat struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	UnreadCount int    `json:"unreadCount"`
	LastMessage *struct {
		Body      string `json:"body"`
		Timestamp int64  `json:"timestamp"`
	} `json:"lastMessage"`
}

type evalChats struct {
	Found bool       `json:"found"`
	Error string     `json:"error"`
	Chats []evalChat `json:"chats"`
}

func (f *Fetcher) listViaEvaluate(ctx context.Context, session repo.AutomatedSession) ([]repo.RemoteChat, error) {
	raw, err := callWithTimeout(ctx, "evaluate getChats", f.cfg.EvaluateTimeout, func(ctx context.Context) (json.RawMessage, error) {
		return session.Evaluate(ctx, listChatsScript)
	})
	if err != nil {
		return nil, err
	}

	var res evalChats
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode chat list: %w", err)
	}
	if !res.Found {
		return nil, errors.New(orDefault(res.Error, "Store not found"))
	}

	chats := make([]repo.RemoteChat, 0, len(res.Chats))
	for _, c := range res.Chats {
		rc := repo.RemoteChat{ID: c.ID, Name: c.Name, UnreadCount: c.UnreadCount}
		if c.LastMessage != nil {
			rc.LastMessage = &repo.RemoteMessage{Body: c.LastMessage.Body, Timestamp: c.LastMessage.Timestamp}
		}
		chats = append(chats, rc)
	}
	return chats, nil
}

func normalizeChat(c repo.RemoteChat) domain.Conversation {
	name := c.Name
	if name == "" {
		name = c.FormattedTitle
	}
	if name == "" {
		name = c.ContactName
	}
	if name == "" {
		name = domain.UserPart(c.ID)
	}

	conv := domain.Conversation{
		ID:          c.ID,
		DisplayName: name,
		ColorTag:    domain.DefaultColorTag,
	}
	if c.UnreadCount > 0 {
		conv.UnreadCount = uint(c.UnreadCount)
	}
	if c.LastMessage != nil {
		conv.LastMessagePreview = c.LastMessage.Body
		conv.LastMessageTime = c.LastMessage.Timestamp
	}
	return conv
}

// FetchHistory loads recent messages of a conversation and merges them into the store.
// When every strategy fails it still returns a usable result, either the cached
// sequence marked stale or a single system notice, together with the chain error.
func (f *Fetcher) FetchHistory(ctx context.Context, accountID string, session repo.AutomatedSession, conversationID string, limit int) (HistoryResult, error) {
	if limit <= 0 {
		limit = f.cfg.HistoryLimit
	}
	logger := log.With().Str("account", accountID).Str("conversation", conversationID).Logger()

	batch, source, err := firstSuccess(ctx, "fetchMessages",
		func(m []domain.Message) bool { return len(m) == 0 },
		strategy[[]domain.Message]{name: SourceAPI, run: func(ctx context.Context) ([]domain.Message, error) {
			remote, err := callWithTimeout(ctx, "fetchMessages", f.cfg.HistoryTimeout, func(ctx context.Context) ([]repo.RemoteMessage, error) {
				return session.FetchHistory(ctx, conversationID, limit)
			})
			if err != nil {
				return nil, err
			}
			return toMessages(remote), nil
		}},
		strategy[[]domain.Message]{name: SourceEvaluate, run: func(ctx context.Context) ([]domain.Message, error) {
			return f.historyViaEvaluate(ctx, session, conversationID, limit)
		}},
	)
	if err == nil {
		msgs := f.store.Messages(accountID, conversationID)
		if len(batch) > 0 {
			msgs = f.store.Merge(accountID, conversationID, batch)
		}
		logger.Debug().Str("strategy", source).Int("fetched", len(batch)).Int("total", len(msgs)).Msg("History fetched")
		return HistoryResult{Messages: msgs, Source: source}, nil
	}

	if cached := f.store.Messages(accountID, conversationID); len(cached) > 0 {
		logger.Warn().Err(err).Int("cached", len(cached)).Msg("History fetch failed, serving cache")
		return HistoryResult{Messages: cached, Stale: true, Source: SourceCache}, err
	}

	logger.Warn().Err(err).Msg("History fetch failed with no cache, returning system notice")
	notice := domain.NewSystemNotice(conversationID, noticeCause(err), f.now())
	return HistoryResult{Messages: []domain.Message{notice}, Source: SourceNotice}, err
}

type evalHistory struct {
	Found    bool                 `json:"found"`
	Error    string               `json:"error"`
	Messages []repo.RemoteMessage `json:"messages"`
}

func (f *Fetcher) historyViaEvaluate(ctx context.Context, session repo.AutomatedSession, conversationID string, limit int) ([]domain.Message, error) {
	raw, err := callWithTimeout(ctx, "evaluate fetchMessages", f.cfg.EvaluateTimeout, func(ctx context.Context) (json.RawMessage, error) {
		return session.Evaluate(ctx, fetchHistoryScript, conversationID, limit)
	})
	if err != nil {
		return nil, err
	}

	var res evalHistory
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if !res.Found {
		return nil, errors.New(orDefault(res.Error, "Chat not found"))
	}
	return toMessages(res.Messages), nil
}

// MarkRead marks a conversation as seen. The fallback runs only when the
// primary call fails.
func (f *Fetcher) MarkRead(ctx context.Context, session repo.AutomatedSession, conversationID string) error {
	_, _, err := firstSuccess(ctx, "markRead",
		func(bool) bool { return false },
		strategy[bool]{name: SourceAPI, run: func(ctx context.Context) (bool, error) {
			return callWithTimeout(ctx, "markRead", f.cfg.EvaluateTimeout, func(ctx context.Context) (bool, error) {
				return true, session.MarkRead(ctx, conversationID)
			})
		}},
		strategy[bool]{name: SourceEvaluate, run: func(ctx context.Context) (bool, error) {
			return evaluateBool(ctx, session, "evaluate markRead", f.cfg.EvaluateTimeout, markSeenScript, conversationID)
		}},
	)
	return err
}

// evaluateBool runs a script that reports success as a JSON boolean
func evaluateBool(ctx context.Context, session repo.AutomatedSession, op string, d time.Duration, script string, args ...any) (bool, error) {
	raw, err := callWithTimeout(ctx, op, d, func(ctx context.Context) (json.RawMessage, error) {
		return session.Evaluate(ctx, script, args...)
	})
	if err != nil {
		return false, err
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		return false, fmt.Errorf("decode %s result: %w", op, err)
	}
	if !ok {
		return false, fmt.Errorf("%s returned false", op)
	}
	return true, nil
}

func toMessages(remote []repo.RemoteMessage) []domain.Message {
	msgs := make([]domain.Message, 0, len(remote))
	for _, r := range remote {
		msgs = append(msgs, toMessage(r))
	}
	return msgs
}

func toMessage(r repo.RemoteMessage) domain.Message {
	return domain.Message{
		ID:        r.ID,
		From:      r.From,
		To:        r.To,
		Body:      r.Body,
		Timestamp: r.Timestamp,
		FromMe:    r.FromMe,
		Ack:       r.Ack,
	}
}

// noticeCause extracts the innermost captured error for display
func noticeCause(err error) string {
	var ff *domain.FetchFailure
	for errors.As(err, &ff) && ff.Err != nil {
		err = ff.Err
		ff = nil
	}
	return err.Error()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
