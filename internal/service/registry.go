package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dlchats/accounts-bridge/internal/biz/domain"
	"github.com/dlchats/accounts-bridge/internal/biz/repo"
	"github.com/dlchats/accounts-bridge/internal/biz/usecase"
)

// ErrInspectUnsupported is returned when a session cannot expose its page
var ErrInspectUnsupported = errors.New("session does not support inspection")

// RegistryConfig configures the session registry
type RegistryConfig struct {
	AuthDir        string
	InitTimeout    time.Duration
	DestroyTimeout time.Duration
	// SyncTimeout bounds a whole conversation-list sync
	SyncTimeout  time.Duration
	HistoryLimit int
}

// DefaultRegistryConfig returns default registry configuration
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		AuthDir:        "./.wwebjs_auth",
		InitTimeout:    60 * time.Second,
		DestroyTimeout: 10 * time.Second,
		SyncTimeout:    30 * time.Second,
		HistoryLimit:   50,
	}
}

// Registry owns one automated session per account and routes its events to observers
type Registry struct {
	cfg        RegistryConfig
	factory    repo.SessionFactory
	fetcher    *usecase.Fetcher
	sender     *usecase.SendPipeline
	store      *usecase.MessageStore
	correlator *usecase.Correlator
	emitter    Emitter
	notifier   repo.Notifier

	mu      sync.Mutex
	entries map[string]*entry

	syncs singleflight.Group
}

type entry struct {
	mu      sync.Mutex
	session *domain.Session
	handle  repo.AutomatedSession
	convs   domain.ConversationList
}

// NewRegistry creates a session registry. notifier may be nil.
func NewRegistry(
	cfg RegistryConfig,
	factory repo.SessionFactory,
	fetcher *usecase.Fetcher,
	sender *usecase.SendPipeline,
	store *usecase.MessageStore,
	correlator *usecase.Correlator,
	emitter Emitter,
	notifier repo.Notifier,
) *Registry {
	return &Registry{
		cfg:        cfg,
		factory:    factory,
		fetcher:    fetcher,
		sender:     sender,
		store:      store,
		correlator: correlator,
		emitter:    emitter,
		notifier:   notifier,
		entries:    make(map[string]*entry),
	}
}

// StartSession creates the session of an account, or rejoins an existing one.
// A ready session re-announces itself and its conversation list to requester.
func (r *Registry) StartSession(ctx context.Context, accountID string, requester Replier) error {
	r.mu.Lock()
	if e, ok := r.entries[accountID]; ok {
		r.mu.Unlock()
		if e.ready() {
			log.Info().Str("account", accountID).Msg("Session already ready, re-sending state")
			replyOrEmit(r.emitter, requester, accountID, EventReady, ReadyEvent{AccountID: accountID})
			r.goSafe("resync "+accountID, func() {
				r.deliverConversations(accountID, requester)
			})
		} else {
			log.Info().Str("account", accountID).Str("state", string(e.state())).Msg("Session exists, joining")
		}
		return nil
	}

	// Reserve the slot so concurrent starts see it
	e := &entry{session: domain.NewSession(accountID)}
	r.entries[accountID] = e
	r.mu.Unlock()

	log.Info().Str("account", accountID).Msg("Creating session")

	opts := repo.SessionOptions{
		AccountID: accountID,
		AuthDir:   filepath.Join(r.cfg.AuthDir, "session-"+accountID),
	}
	handle, err := r.factory(ctx, opts, r.handlersFor(accountID, e))
	if err != nil {
		return r.failInit(accountID, e, nil, err)
	}

	e.mu.Lock()
	if e.session.State == domain.StateDestroyed {
		// Deleted while the factory was running
		e.mu.Unlock()
		log.Info().Str("account", accountID).Msg("Session deleted during construction, tearing down")
		r.goSafe("destroy "+accountID, func() { r.destroy(accountID, handle) })
		return nil
	}
	e.handle = handle
	e.mu.Unlock()

	r.goSafe("initialize "+accountID, func() {
		if err := r.initialize(handle); err != nil {
			_ = r.failInit(accountID, e, handle, err)
		}
	})
	return nil
}

// initialize bounds Initialize by InitTimeout. A call that loses the race is abandoned.
func (r *Registry) initialize(handle repo.AutomatedSession) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.InitTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("initialize panicked: %v", rec)
			}
		}()
		done <- handle.Initialize(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &domain.FetchTimeout{Op: "initialize", After: r.cfg.InitTimeout}
	}
}

// failInit moves the entry to init_failed, unregisters it and tears down handle.
// A session that was deleted or became ready in the meantime is left alone.
func (r *Registry) failInit(accountID string, e *entry, handle repo.AutomatedSession, err error) error {
	initErr := &domain.SessionInitError{AccountID: accountID, Err: err}

	e.mu.Lock()
	failed := e.session.Fail(domain.StateInitFailed, err.Error())
	e.mu.Unlock()
	if !failed {
		log.Debug().Err(initErr).Str("account", accountID).Msg("Ignoring init failure after a state change")
		return initErr
	}

	log.Error().Err(initErr).Str("account", accountID).Msg("Failed to initialize session")
	r.remove(accountID, e)

	r.emitter.Emit(accountID, EventStatus, StatusEvent{AccountID: accountID, Status: domain.StatusInitFailure, Message: err.Error()})
	r.alert(accountID, fmt.Sprintf("Session init failure: %v", err))

	if handle != nil {
		r.goSafe("destroy "+accountID, func() { r.destroy(accountID, handle) })
	}
	return initErr
}

// DeleteSession tears down the session of an account. Unknown accounts are a no-op.
func (r *Registry) DeleteSession(ctx context.Context, accountID string) error {
	r.mu.Lock()
	e, ok := r.entries[accountID]
	if ok {
		delete(r.entries, accountID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	log.Info().Str("account", accountID).Msg("Deleting session")

	e.mu.Lock()
	e.session.Transition(domain.StateDestroyed)
	handle := e.handle
	e.mu.Unlock()

	if r.correlator != nil {
		r.correlator.Forget(accountID)
	}
	if handle != nil {
		r.destroy(accountID, handle)
	}
	return nil
}

// Shutdown destroys every session
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	accounts := make([]string, 0, len(r.entries))
	for id := range r.entries {
		accounts = append(accounts, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range accounts {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = r.DeleteSession(ctx, id)
		}(id)
	}
	wg.Wait()
}

// Sessions lists every registered session ordered by account
func (r *Registry) Sessions() []domain.SessionInfo {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	infos := make([]domain.SessionInfo, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		infos = append(infos, e.session.Info())
		e.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].AccountID < infos[j].AccountID })
	return infos
}

// Session returns the info of one session
func (r *Registry) Session(accountID string) (domain.SessionInfo, error) {
	e := r.lookup(accountID)
	if e == nil {
		return domain.SessionInfo{}, domain.ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Info(), nil
}

// Conversations runs a conversation-list sync and returns the result.
// When the sync fails, the last known list is returned marked stale.
func (r *Registry) Conversations(ctx context.Context, accountID string) (domain.ConversationList, error) {
	e, handle := r.readyHandle(accountID)
	if handle == nil {
		return domain.ConversationList{}, domain.ErrSessionNotFound
	}
	return r.syncConversations(ctx, accountID, e, handle), nil
}

// FetchMessages loads the history of a conversation and returns it to requester
func (r *Registry) FetchMessages(ctx context.Context, accountID, conversationID string, requester Replier) (usecase.HistoryResult, error) {
	_, handle := r.readyHandle(accountID)
	if handle == nil {
		log.Warn().Str("account", accountID).Msg("Session not found for fetch")
		replyOrEmit(r.emitter, requester, accountID, EventChatMessagesErr, CommandErrorEvent{
			AccountID:      accountID,
			ConversationID: conversationID,
			Error:          ErrTextSessionNotFound,
		})
		return usecase.HistoryResult{}, domain.ErrSessionNotFound
	}

	res, err := r.fetcher.FetchHistory(ctx, accountID, handle, conversationID, r.cfg.HistoryLimit)
	if err != nil && ctx.Err() != nil {
		return res, err
	}
	replyOrEmit(r.emitter, requester, accountID, EventChatMessages, ChatMessagesEvent{
		AccountID:      accountID,
		ConversationID: conversationID,
		Messages:       res.Messages,
		Stale:          res.Stale,
		Source:         res.Source,
	})
	// Degraded results are still results
	return res, nil
}

// SendMessage sends a text message and confirms it to requester
func (r *Registry) SendMessage(ctx context.Context, accountID string, req usecase.SendRequest, requester Replier) (usecase.SendResult, error) {
	e, handle := r.readyHandle(accountID)
	if handle == nil {
		log.Error().Str("account", accountID).Msg("Session not found during send")
		replyOrEmit(r.emitter, requester, accountID, EventSendMessageErr, CommandErrorEvent{
			AccountID:      accountID,
			ConversationID: req.ConversationID,
			ClientID:       req.ClientID,
			Error:          ErrTextSessionNotActive,
		})
		return usecase.SendResult{}, domain.ErrSessionNotFound
	}

	res, err := r.sender.Send(ctx, accountID, handle, req)
	if err != nil {
		cause := err.Error()
		var sf *domain.SendFailure
		if errors.As(err, &sf) {
			cause = sf.Cause()
		}
		replyOrEmit(r.emitter, requester, accountID, EventSendMessageErr, CommandErrorEvent{
			AccountID:      accountID,
			ConversationID: req.ConversationID,
			ClientID:       req.ClientID,
			Error:          cause,
		})
		return res, err
	}

	e.mu.Lock()
	if i := e.convs.Find(req.ConversationID); i >= 0 {
		e.convs.Conversations[i].ApplyInbound(domain.Message{Body: req.Body, Timestamp: res.Timestamp, FromMe: true})
	}
	e.mu.Unlock()

	replyOrEmit(r.emitter, requester, accountID, EventMessageAck, MessageAckEvent{
		AccountID:      accountID,
		ConversationID: req.ConversationID,
		ClientID:       res.ClientID,
		MessageID:      res.MessageID,
		Ack:            res.Ack,
		Timestamp:      res.Timestamp,
		Fallback:       res.Fallback,
	})
	return res, nil
}

// MarkRead marks a conversation as seen. Failures are logged only.
func (r *Registry) MarkRead(ctx context.Context, accountID, conversationID string) error {
	e, handle := r.readyHandle(accountID)
	if handle == nil {
		log.Warn().Str("account", accountID).Msg("mark-read: session not found")
		return domain.ErrSessionNotFound
	}

	if err := r.fetcher.MarkRead(ctx, handle, conversationID); err != nil {
		log.Error().Err(err).Str("account", accountID).Str("conversation", conversationID).Msg("mark-read failed")
	}

	e.mu.Lock()
	if i := e.convs.Find(conversationID); i >= 0 {
		e.convs.Conversations[i].MarkRead()
	}
	e.mu.Unlock()
	return nil
}

// Inspect returns the debug capability of a session
func (r *Registry) Inspect(accountID string) (repo.Inspector, error) {
	e := r.lookup(accountID)
	if e == nil {
		return nil, domain.ErrSessionNotFound
	}
	e.mu.Lock()
	handle := e.handle
	e.mu.Unlock()
	if handle == nil {
		return nil, domain.ErrSessionNotFound
	}
	insp, ok := handle.(repo.Inspector)
	if !ok {
		return nil, ErrInspectUnsupported
	}
	return insp, nil
}

func (r *Registry) handlersFor(accountID string, e *entry) repo.SessionHandlers {
	return repo.SessionHandlers{
		OnQRCode: func(code string) {
			if !r.transition(e, domain.StateAwaitingScan) {
				return
			}
			log.Info().Str("account", accountID).Msg("QR received")
			r.emitter.Emit(accountID, EventQR, QREvent{AccountID: accountID, Code: code})
		},
		OnAuthenticated: func() {
			if !r.transition(e, domain.StateAuthenticated) {
				return
			}
			log.Info().Str("account", accountID).Msg("Session authenticated")
			r.emitter.Emit(accountID, EventStatus, StatusEvent{AccountID: accountID, Status: domain.StatusAuthenticated})
		},
		OnReady: func() {
			if !r.transition(e, domain.StateReady) {
				return
			}
			log.Info().Str("account", accountID).Msg("Session is ready")
			r.emitter.Emit(accountID, EventReady, ReadyEvent{AccountID: accountID})
			r.goSafe("sync "+accountID, func() {
				r.deliverConversations(accountID, nil)
			})
		},
		OnAuthFailure: func(reason string) {
			e.mu.Lock()
			ok := e.session.Fail(domain.StateAuthFailed, reason)
			e.mu.Unlock()
			if !ok {
				return
			}
			log.Error().Err(&domain.AuthFailure{AccountID: accountID, Reason: reason}).Msg("Authentication failed")
			r.emitter.Emit(accountID, EventStatus, StatusEvent{AccountID: accountID, Status: domain.StatusAuthFailure, Message: reason})
			r.alert(accountID, "Auth failure: "+reason)
		},
		OnDisconnected: func(reason string) {
			if e.state() == domain.StateDestroyed {
				return
			}
			log.Warn().Str("account", accountID).Str("reason", reason).Msg("Session disconnected")
			r.emitter.Emit(accountID, EventStatus, StatusEvent{AccountID: accountID, Status: domain.StatusDisconnected, Message: reason})
			r.alert(accountID, "Disconnected: "+reason)
		},
		OnMessage: func(ev repo.InboundMessage) {
			r.handleInbound(accountID, e, ev)
		},
		OnMessageAck: func(ev repo.MessageAck) {
			r.handleAck(accountID, ev)
		},
	}
}

func (r *Registry) handleInbound(accountID string, e *entry, ev repo.InboundMessage) {
	if e.state() == domain.StateDestroyed {
		return
	}
	m := domain.Message{
		ID:        ev.Message.ID,
		From:      ev.Message.From,
		To:        ev.Message.To,
		Body:      ev.Message.Body,
		Timestamp: ev.Message.Timestamp,
		FromMe:    ev.Message.FromMe,
		Ack:       ev.Message.Ack,
	}
	if m.ID == "" {
		log.Warn().Str("account", accountID).Msg("Dropping inbound message without id")
		return
	}
	convID := ev.ChatID
	if convID == "" {
		convID = m.ConversationOf()
	}

	out := MessageEvent{AccountID: accountID, ConversationID: convID, Message: m}
	seen := r.store.Contains(accountID, convID, m.ID)
	if m.FromMe && !seen && r.correlator != nil {
		if p, ok := r.correlator.Claim(accountID, convID); ok {
			out.ClientID = p.ClientID
			out.Replaces = p.SyntheticID
		}
	}

	r.store.Merge(accountID, convID, []domain.Message{m})

	if !seen {
		e.mu.Lock()
		if i := e.convs.Find(convID); i >= 0 {
			e.convs.Conversations[i].ApplyInbound(m)
			domain.SortByRecency(e.convs.Conversations)
		}
		e.mu.Unlock()
	}

	log.Debug().Str("account", accountID).Str("conversation", convID).Str("message", m.ID).Bool("fromMe", m.FromMe).Msg("Inbound message")
	r.emitter.Emit(accountID, EventMessage, out)
}

func (r *Registry) handleAck(accountID string, ev repo.MessageAck) {
	convID := ev.ChatID
	if convID == "" {
		for _, id := range r.store.Conversations(accountID) {
			if r.store.Contains(accountID, id, ev.MessageID) {
				convID = id
				break
			}
		}
		if convID == "" {
			log.Debug().Str("account", accountID).Str("message", ev.MessageID).Msg("Dropping ack without conversation")
			return
		}
	}
	if !r.store.UpdateAck(accountID, convID, ev.MessageID, ev.Ack) {
		log.Debug().Str("account", accountID).Str("message", ev.MessageID).Msg("Ack for unknown message")
	}
	r.emitter.Emit(accountID, EventMessageAck, MessageAckEvent{
		AccountID:      accountID,
		ConversationID: convID,
		MessageID:      ev.MessageID,
		Ack:            ev.Ack,
		Timestamp:      ev.Timestamp,
	})
}

// deliverConversations syncs the list and sends it to requester, or the scope when nil
func (r *Registry) deliverConversations(accountID string, requester Replier) {
	e, handle := r.readyHandle(accountID)
	if handle == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SyncTimeout)
	defer cancel()

	list := r.syncConversations(ctx, accountID, e, handle)
	replyOrEmit(r.emitter, requester, accountID, EventConversationList, ConversationListEvent{
		AccountID:     accountID,
		Conversations: list.Conversations,
		Stale:         list.Stale,
	})
}

// syncConversations fetches the list once per account at a time and caches it.
// The shared fetch is bounded by SyncTimeout, not by any caller; a caller whose
// ctx ends first gets the last known list marked stale.
func (r *Registry) syncConversations(ctx context.Context, accountID string, e *entry, handle repo.AutomatedSession) domain.ConversationList {
	ch := r.syncs.DoChan(accountID, func() (any, error) {
		syncCtx, cancel := context.WithTimeout(context.Background(), r.cfg.SyncTimeout)
		defer cancel()
		convs, err := r.fetcher.ListConversations(syncCtx, handle)

		e.mu.Lock()
		defer e.mu.Unlock()
		if err != nil {
			log.Error().Err(err).Str("account", accountID).Msg("Error fetching conversations, using last known list")
			return e.cachedLocked(), nil
		}
		e.convs = domain.ConversationList{Conversations: convs}
		out := make([]domain.Conversation, len(convs))
		copy(out, convs)
		return domain.ConversationList{Conversations: out}, nil
	})

	select {
	case res := <-ch:
		return res.Val.(domain.ConversationList)
	case <-ctx.Done():
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.cachedLocked()
	}
}

func (r *Registry) destroy(accountID string, handle repo.AutomatedSession) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DestroyTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("destroy panicked: %v", rec)
			}
		}()
		done <- handle.Destroy(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Str("account", accountID).Msg("Error destroying session")
			return
		}
		log.Info().Str("account", accountID).Msg("Session destroyed")
	case <-ctx.Done():
		log.Error().Str("account", accountID).Dur("after", r.cfg.DestroyTimeout).Msg("Destroy timed out")
	}
}

func (r *Registry) transition(e *entry, next domain.SessionState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	from := e.session.State
	if !e.session.Transition(next) {
		log.Debug().Str("account", e.session.AccountID).Str("from", string(from)).Str("to", string(next)).Msg("Ignoring lifecycle event")
		return false
	}
	return true
}

func (r *Registry) lookup(accountID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[accountID]
}

// readyHandle returns the entry and handle of a ready session, or a nil handle
func (r *Registry) readyHandle(accountID string) (*entry, repo.AutomatedSession) {
	e := r.lookup(accountID)
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.session.IsReady() || e.handle == nil {
		return e, nil
	}
	return e, e.handle
}

// remove deletes the entry only if it is still the registered one
func (r *Registry) remove(accountID string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[accountID] == e {
		delete(r.entries, accountID)
	}
}

func (r *Registry) alert(accountID, text string) {
	if r.notifier == nil {
		return
	}
	r.goSafe("alert "+accountID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.notifier.Notify(ctx, accountID, text); err != nil {
			log.Warn().Err(err).Str("account", accountID).Msg("Failed to deliver alert")
		}
	})
}

func (r *Registry) goSafe(name string, fn func()) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Str("task", name).Interface("panic", rec).Msg("Recovered panic")
			}
		}()
		fn()
	}()
}

func (e *entry) ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.IsReady()
}

// cachedLocked copies the last known list marked stale. e.mu must be held.
func (e *entry) cachedLocked() domain.ConversationList {
	cached := make([]domain.Conversation, len(e.convs.Conversations))
	copy(cached, e.convs.Conversations)
	return domain.ConversationList{Conversations: cached, Stale: true}
}

func (e *entry) state() domain.SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.State
}
