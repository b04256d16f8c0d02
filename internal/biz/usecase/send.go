package usecase

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dlchats/accounts-bridge/internal/biz/domain"
	"github.com/dlchats/accounts-bridge/internal/biz/repo"
)

// DefaultCorrelationTTL is how long a fallback send waits for its real-time echo
const DefaultCorrelationTTL = 2 * time.Minute

// SendConfig bounds the send strategies
type SendConfig struct {
	SendTimeout     time.Duration
	EvaluateTimeout time.Duration
	CorrelationTTL  time.Duration
}

// DefaultSendConfig returns default send configuration
func DefaultSendConfig() SendConfig {
	return SendConfig{
		SendTimeout:     15 * time.Second,
		EvaluateTimeout: 10 * time.Second,
		CorrelationTTL:  DefaultCorrelationTTL,
	}
}

// SendRequest is an outbound text message
type SendRequest struct {
	ConversationID string
	Body           string
	// ClientID correlates the send with later events. Generated when empty.
	ClientID string
}

// SendResult describes a committed send
type SendResult struct {
	ClientID  string `json:"clientId"`
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
	Ack       int    `json:"ack"`
	// Fallback is set when the message went out through the page script and
	// its id is synthesized until the platform echoes it back
	Fallback bool `json:"fallback"`
}

// SendPipeline sends a message with a primary call and a script fallback
type SendPipeline struct {
	cfg        SendConfig
	store      *MessageStore
	correlator *Correlator
	now        func() time.Time
}

// NewSendPipeline creates a send pipeline
func NewSendPipeline(cfg SendConfig, store *MessageStore, correlator *Correlator) *SendPipeline {
	return &SendPipeline{cfg: cfg, store: store, correlator: correlator, now: time.Now}
}

// Send delivers req.Body. Nothing is written to the store unless the primary
// call returned the authoritative message.
func (p *SendPipeline) Send(ctx context.Context, accountID string, session repo.AutomatedSession, req SendRequest) (SendResult, error) {
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	logger := log.With().Str("account", accountID).Str("conversation", req.ConversationID).Str("clientId", req.ClientID).Logger()

	sent, primaryErr := callWithTimeout(ctx, "sendMessage", p.cfg.SendTimeout, func(ctx context.Context) (*repo.RemoteMessage, error) {
		return session.Send(ctx, req.ConversationID, req.Body)
	})
	if primaryErr == nil && sent != nil && sent.ID != "" {
		msg := toMessage(*sent)
		msg.FromMe = true
		if msg.Ack < 1 {
			msg.Ack = 1
		}
		if msg.Body == "" {
			msg.Body = req.Body
		}
		if msg.To == "" {
			msg.To = req.ConversationID
		}
		if msg.Timestamp == 0 {
			msg.Timestamp = p.now().Unix()
		}
		p.store.Merge(accountID, req.ConversationID, []domain.Message{msg})

		logger.Info().Str("message", msg.ID).Msg("Message sent")
		return SendResult{ClientID: req.ClientID, MessageID: msg.ID, Timestamp: msg.Timestamp, Ack: msg.Ack}, nil
	}
	if primaryErr == nil {
		primaryErr = errEmpty
	}
	if ctx.Err() != nil {
		return SendResult{}, ctx.Err()
	}
	logger.Warn().Err(primaryErr).Str("strategy", SourceAPI).Msg("Primary send failed, trying fallback")

	// The echo can be delivered before Evaluate returns, so the pending
	// correlation has to exist first
	syntheticID := "fallback-" + uuid.NewString()
	if p.correlator != nil {
		p.correlator.Track(accountID, req.ConversationID, req.ClientID, syntheticID)
	}

	_, fallbackErr := evaluateBool(ctx, session, "evaluate sendMessage", p.cfg.EvaluateTimeout, sendScript, req.ConversationID, req.Body)
	if fallbackErr != nil {
		if p.correlator != nil {
			p.correlator.Release(accountID, req.ConversationID, syntheticID)
		}
		logger.Error().Err(fallbackErr).Str("strategy", SourceEvaluate).Msg("Fallback send failed")
		return SendResult{}, &domain.SendFailure{
			AccountID:      accountID,
			ConversationID: req.ConversationID,
			Primary:        primaryErr,
			Fallback:       fallbackErr,
		}
	}

	res := SendResult{
		ClientID:  req.ClientID,
		MessageID: syntheticID,
		Timestamp: p.now().Unix(),
		Ack:       1,
		Fallback:  true,
	}
	logger.Info().Str("message", res.MessageID).Msg("Message sent via fallback")
	return res, nil
}

// Pending is a fallback send waiting for its real-time echo
type Pending struct {
	ClientID    string
	SyntheticID string
	expires     time.Time
}

// Correlator pairs fallback sends with the own-message events that later
// confirm them, oldest first per conversation.
type Correlator struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[string][]Pending
	now     func() time.Time
}

// NewCorrelator creates a correlator whose entries expire after ttl
func NewCorrelator(ttl time.Duration) *Correlator {
	if ttl <= 0 {
		ttl = DefaultCorrelationTTL
	}
	return &Correlator{ttl: ttl, pending: make(map[string][]Pending), now: time.Now}
}

func correlationKey(accountID, conversationID string) string {
	return accountID + "\x00" + conversationID
}

// Track records a fallback send
func (c *Correlator) Track(accountID, conversationID, clientID, syntheticID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := correlationKey(accountID, conversationID)
	c.pending[key] = append(c.prune(c.pending[key]), Pending{
		ClientID:    clientID,
		SyntheticID: syntheticID,
		expires:     c.now().Add(c.ttl),
	})
}

// Claim removes and returns the oldest live pending send of a conversation
func (c *Correlator) Claim(accountID, conversationID string) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := correlationKey(accountID, conversationID)
	live := c.prune(c.pending[key])
	if len(live) == 0 {
		delete(c.pending, key)
		return Pending{}, false
	}
	head := live[0]
	if len(live) == 1 {
		delete(c.pending, key)
	} else {
		c.pending[key] = live[1:]
	}
	return head, true
}

// Release drops one pending send that never went out
func (c *Correlator) Release(accountID, conversationID, syntheticID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := correlationKey(accountID, conversationID)
	entries := c.pending[key]
	for i, p := range entries {
		if p.SyntheticID == syntheticID {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(c.pending, key)
		return
	}
	c.pending[key] = entries
}

// Forget drops every pending send of an account
func (c *Correlator) Forget(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := accountID + "\x00"
	for key := range c.pending {
		if strings.HasPrefix(key, prefix) {
			delete(c.pending, key)
		}
	}
}

// prune drops expired entries. c.mu must be held.
func (c *Correlator) prune(entries []Pending) []Pending {
	now := c.now()
	i := 0
	for i < len(entries) && !entries[i].expires.After(now) {
		i++
	}
	return entries[i:]
}
