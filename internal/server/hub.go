package server

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Frame is the wire envelope of every observer event
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EncodeFrame marshals an event and its payload into a frame
func EncodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// Subscriber is one observer connection as seen by the hub
type Subscriber interface {
	// Enqueue queues a frame without blocking. It returns false when the
	// subscriber cannot keep up.
	Enqueue(frame []byte) bool
	// Close drops the connection
	Close()
}

// Hub fans events out to the observers of an account scope
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[Subscriber]struct{}
	scopes map[Subscriber]string
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		rooms:  make(map[string]map[Subscriber]struct{}),
		scopes: make(map[Subscriber]string),
	}
}

// Join binds s to accountID, leaving any previous scope
func (h *Hub) Join(s Subscriber, accountID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.scopes[s]; ok {
		if prev == accountID {
			return
		}
		h.leaveLocked(s, prev)
	}
	room, ok := h.rooms[accountID]
	if !ok {
		room = make(map[Subscriber]struct{})
		h.rooms[accountID] = room
	}
	room[s] = struct{}{}
	h.scopes[s] = accountID
}

// Leave removes s from its scope
func (h *Hub) Leave(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.scopes[s]; ok {
		h.leaveLocked(s, prev)
	}
}

func (h *Hub) leaveLocked(s Subscriber, accountID string) {
	delete(h.scopes, s)
	if room, ok := h.rooms[accountID]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(h.rooms, accountID)
		}
	}
}

// Scope returns the account s is joined to
func (h *Hub) Scope(s Subscriber) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.scopes[s]
	return id, ok
}

// Observers counts the observers of an account
func (h *Hub) Observers(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[accountID])
}

// Emit delivers an event to every observer of accountID. Observers whose
// queue is full are dropped.
func (h *Hub) Emit(accountID, event string, payload any) {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		log.Error().Err(err).Str("account", accountID).Msg("Dropping event")
		return
	}

	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.rooms[accountID]))
	for s := range h.rooms[accountID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.Enqueue(frame) {
			log.Warn().Str("account", accountID).Str("event", event).Msg("Observer too slow, dropping it")
			h.Leave(s)
			s.Close()
		}
	}
}
