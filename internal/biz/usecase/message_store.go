package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dlchats/accounts-bridge/internal/biz/domain"
	"github.com/dlchats/accounts-bridge/internal/biz/repo"
)

// DefaultPersistDebounce is the quiet period before dirty accounts are written
const DefaultPersistDebounce = time.Second

// MessageStore is the mergeable per-account, per-conversation message cache.
// Memory is the source of truth for the running process; the archive is
// written asynchronously after a debounce.
type MessageStore struct {
	mu       sync.RWMutex
	accounts map[string]domain.AccountMessages
	dirty    map[string]struct{}
	timer    Timer

	archive  repo.MessageArchive
	sched    Scheduler
	debounce time.Duration

	// serializes archive writes so an older snapshot never lands after a newer one
	writeMu sync.Mutex
}

// NewMessageStore creates a message store. archive may be nil for a memory-only store.
func NewMessageStore(archive repo.MessageArchive, sched Scheduler, debounce time.Duration) *MessageStore {
	if sched == nil {
		sched = SystemScheduler
	}
	if debounce <= 0 {
		debounce = DefaultPersistDebounce
	}
	return &MessageStore{
		accounts: make(map[string]domain.AccountMessages),
		dirty:    make(map[string]struct{}),
		archive:  archive,
		sched:    sched,
		debounce: debounce,
	}
}

// Load replaces the in-memory state with the archive contents.
// An unreadable archive leaves the store empty; corrupt records are dropped.
func (s *MessageStore) Load(ctx context.Context) {
	if s.archive == nil {
		return
	}

	records, corrupted, err := s.archive.Load(ctx)
	for _, c := range corrupted {
		log.Error().Err(c).Str("component", "store").Msg("Message store record corrupted, resetting it")
	}
	if err != nil {
		log.Error().Err(&domain.StoreCorruption{Err: err}).Str("component", "store").Msg("Error loading message store, starting empty")
		records = nil
	}

	loaded := make(map[string]domain.AccountMessages, len(records))
	for accountID, convs := range records {
		clean := make(domain.AccountMessages, len(convs))
		for convID, msgs := range convs {
			// Re-merge so archives written by older versions satisfy the invariants
			clean[convID] = mergeSequence(nil, msgs)
		}
		loaded[accountID] = clean
	}

	s.mu.Lock()
	s.accounts = loaded
	s.mu.Unlock()

	log.Info().Str("component", "store").Int("accounts", len(loaded)).Msg("Loaded message store")
}

// Messages returns a copy of the ordered sequence of a conversation
func (s *MessageStore) Messages(accountID, conversationID string) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.accounts[accountID][conversationID]
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Has reports whether any message is cached for the conversation
func (s *MessageStore) Has(accountID, conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts[accountID][conversationID]) > 0
}

// Contains reports whether a message id is cached for the conversation
func (s *MessageStore) Contains(accountID, conversationID, messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.accounts[accountID][conversationID] {
		if m.ID == messageID {
			return true
		}
	}
	return false
}

// Conversations lists the conversation IDs cached for an account
func (s *MessageStore) Conversations(accountID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.accounts[accountID]))
	for id := range s.accounts[accountID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Merge overwrites-or-inserts batch by id, re-sorts by timestamp and
// schedules a persist. Merging the same batch twice is a no-op the second time.
// It returns a copy of the resulting sequence.
func (s *MessageStore) Merge(accountID, conversationID string, batch []domain.Message) []domain.Message {
	s.mu.Lock()
	acct, ok := s.accounts[accountID]
	if !ok {
		acct = make(domain.AccountMessages)
		s.accounts[accountID] = acct
	}
	merged := mergeSequence(acct[conversationID], batch)
	acct[conversationID] = merged
	s.markDirtyLocked(accountID)
	s.mu.Unlock()

	out := make([]domain.Message, len(merged))
	copy(out, merged)
	return out
}

// UpdateAck sets the acknowledgment level of a stored message.
// It reports whether the message was found.
func (s *MessageStore) UpdateAck(accountID, conversationID, messageID string, ack int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.accounts[accountID][conversationID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			if msgs[i].Ack != ack {
				msgs[i].Ack = ack
				s.markDirtyLocked(accountID)
			}
			return true
		}
	}
	return false
}

// Flush writes every dirty account now, cancelling the pending timer
func (s *MessageStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return s.persist(ctx)
}

// markDirtyLocked records the account and restarts the debounce timer. s.mu must be held.
func (s *MessageStore) markDirtyLocked(accountID string) {
	if s.archive == nil {
		return
	}
	s.dirty[accountID] = struct{}{}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.sched.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		if err := s.persist(context.Background()); err != nil {
			log.Error().Err(err).Str("component", "store").Msg("CRITICAL: Error persisting message store")
		}
	})
}

// persist snapshots the dirty accounts and writes one record per account.
// Failed accounts are marked dirty again for the next round.
func (s *MessageStore) persist(ctx context.Context) error {
	if s.archive == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	snapshot := make(map[string]domain.AccountMessages, len(s.dirty))
	for accountID := range s.dirty {
		snapshot[accountID] = cloneAccount(s.accounts[accountID])
	}
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	var errs []error
	for accountID, msgs := range snapshot {
		if err := s.archive.Save(ctx, accountID, msgs); err != nil {
			errs = append(errs, &domain.PersistenceFailure{AccountID: accountID, Err: err})
			s.mu.Lock()
			s.dirty[accountID] = struct{}{}
			s.mu.Unlock()
			continue
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if len(snapshot) > 0 {
		log.Debug().Str("component", "store").Int("accounts", len(snapshot)).Msg("Message store saved to disk")
	}
	return nil
}

// mergeSequence returns existing with batch applied by id, sorted by timestamp.
// Ties keep arrival order; an overwritten message keeps its slot among equals.
func mergeSequence(existing, batch []domain.Message) []domain.Message {
	merged := make([]domain.Message, len(existing), len(existing)+len(batch))
	copy(merged, existing)

	index := make(map[string]int, len(merged)+len(batch))
	for i, m := range merged {
		index[m.ID] = i
	}

	for _, m := range batch {
		if m.ID == "" {
			continue
		}
		if i, ok := index[m.ID]; ok {
			merged[i] = m
			continue
		}
		index[m.ID] = len(merged)
		merged = append(merged, m)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}

func cloneAccount(src domain.AccountMessages) domain.AccountMessages {
	dst := make(domain.AccountMessages, len(src))
	for convID, msgs := range src {
		cp := make([]domain.Message, len(msgs))
		copy(cp, msgs)
		dst[convID] = cp
	}
	return dst
}
