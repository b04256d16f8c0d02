package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dlchats/accounts-bridge/internal/biz/domain"
	"github.com/dlchats/accounts-bridge/internal/biz/repo"
)

// Mock implementations

type fakeSession struct {
	listFn     func(ctx context.Context) ([]repo.RemoteChat, error)
	historyFn  func(ctx context.Context, convID string, limit int) ([]repo.RemoteMessage, error)
	sendFn     func(ctx context.Context, convID, body string) (*repo.RemoteMessage, error)
	markReadFn func(ctx context.Context, convID string) error
	// evalFn receives the script source; tests compare it to the package constants
	evalFn func(ctx context.Context, script string, args []any) (json.RawMessage, error)

	mu        sync.Mutex
	evalCalls []string
}

var errNotImplemented = errors.New("not implemented")

func (f *fakeSession) Initialize(ctx context.Context) error { return nil }

func (f *fakeSession) ListConversations(ctx context.Context) ([]repo.RemoteChat, error) {
	if f.listFn == nil {
		return nil, errNotImplemented
	}
	return f.listFn(ctx)
}

func (f *fakeSession) FetchHistory(ctx context.Context, convID string, limit int) ([]repo.RemoteMessage, error) {
	if f.historyFn == nil {
		return nil, errNotImplemented
	}
	return f.historyFn(ctx, convID, limit)
}

func (f *fakeSession) Send(ctx context.Context, convID, body string) (*repo.RemoteMessage, error) {
	if f.sendFn == nil {
		return nil, errNotImplemented
	}
	return f.sendFn(ctx, convID, body)
}

func (f *fakeSession) MarkRead(ctx context.Context, convID string) error {
	if f.markReadFn == nil {
		return errNotImplemented
	}
	return f.markReadFn(ctx, convID)
}

func (f *fakeSession) Evaluate(ctx context.Context, script string, args ...any) (json.RawMessage, error) {
	f.mu.Lock()
	f.evalCalls = append(f.evalCalls, script)
	f.mu.Unlock()
	if f.evalFn == nil {
		return nil, errNotImplemented
	}
	return f.evalFn(ctx, script, args)
}

func (f *fakeSession) Destroy(ctx context.Context) error { return nil }

func (f *fakeSession) evalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.evalCalls)
}

// manualScheduler fires timers only when told to
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	mu      sync.Mutex
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{f: f}
	s.timers = append(s.timers, t)
	return t
}

// Fire runs every pending timer and returns how many ran
func (s *manualScheduler) Fire() int {
	s.mu.Lock()
	timers := s.timers
	s.timers = nil
	s.mu.Unlock()

	n := 0
	for _, t := range timers {
		t.mu.Lock()
		run := !t.stopped && !t.fired
		t.fired = true
		t.mu.Unlock()
		if run {
			t.f()
			n++
		}
	}
	return n
}

func (s *manualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		t.mu.Lock()
		if !t.stopped && !t.fired {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

type fakeArchive struct {
	mu        sync.Mutex
	records   map[string]domain.AccountMessages
	saves     int
	saveErr   error
	loadErr   error
	corrupted []error
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{records: make(map[string]domain.AccountMessages)}
}

func (a *fakeArchive) Load(ctx context.Context) (map[string]domain.AccountMessages, []error, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loadErr != nil {
		return nil, nil, a.loadErr
	}
	return a.records, a.corrupted, nil
}

func (a *fakeArchive) Save(ctx context.Context, accountID string, msgs domain.AccountMessages) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.saveErr != nil {
		return a.saveErr
	}
	a.saves++
	a.records[accountID] = msgs
	return nil
}

func (a *fakeArchive) Close() error { return nil }

func (a *fakeArchive) saved(accountID string) (domain.AccountMessages, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.records[accountID], a.saves
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
