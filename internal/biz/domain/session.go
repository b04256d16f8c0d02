package domain

import "time"

// SessionState is the lifecycle state of an account session
type SessionState string

const (
	StateUninitialized SessionState = "uninitialized"
	StateAwaitingScan  SessionState = "awaiting_scan"
	StateAuthenticated SessionState = "authenticated"
	StateReady         SessionState = "ready"
	StateAuthFailed    SessionState = "auth_failed"
	StateInitFailed    SessionState = "init_failed"
	StateDestroyed     SessionState = "destroyed"
)

// Status strings carried by the status event
const (
	StatusAuthenticated = "Authenticated"
	StatusAuthFailure   = "Auth Failure"
	StatusInitFailure   = "Init Failure"
	StatusDisconnected  = "Disconnected"
)

// IsTerminal reports whether no further transition except destroy is possible
func (s SessionState) IsTerminal() bool {
	switch s {
	case StateAuthFailed, StateInitFailed, StateDestroyed:
		return true
	}
	return false
}

// IsPreReady reports whether the state precedes Ready
func (s SessionState) IsPreReady() bool {
	switch s {
	case StateUninitialized, StateAwaitingScan, StateAuthenticated:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
// Repeated QR codes keep the session in AwaitingScan.
func (s SessionState) CanTransition(next SessionState) bool {
	if next == StateDestroyed {
		return s != StateDestroyed
	}
	switch next {
	case StateAuthFailed, StateInitFailed:
		return s.IsPreReady()
	case StateAwaitingScan:
		return s == StateUninitialized || s == StateAwaitingScan
	case StateAuthenticated:
		return s == StateUninitialized || s == StateAwaitingScan
	case StateReady:
		return s == StateUninitialized || s == StateAwaitingScan || s == StateAuthenticated
	}
	return false
}

// Session represents one account's automation session
type Session struct {
	AccountID string
	State     SessionState
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
	ReadyAt   time.Time
}

// NewSession creates a session in the Uninitialized state
func NewSession(accountID string) *Session {
	now := time.Now()
	return &Session{
		AccountID: accountID,
		State:     StateUninitialized,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the session to next if allowed and reports whether it moved
func (s *Session) Transition(next SessionState) bool {
	if !s.State.CanTransition(next) {
		return false
	}
	s.State = next
	s.UpdatedAt = time.Now()
	if next == StateReady {
		s.ReadyAt = s.UpdatedAt
	}
	return true
}

// Fail moves the session to a failure state and records the cause
func (s *Session) Fail(next SessionState, cause string) bool {
	if !s.Transition(next) {
		return false
	}
	s.LastError = cause
	return true
}

// IsReady checks if the session completed authentication and sync setup
func (s *Session) IsReady() bool {
	return s.State == StateReady
}

// SessionInfo is the externally visible summary of a session
type SessionInfo struct {
	AccountID string       `json:"accountId"`
	State     SessionState `json:"state"`
	LastError string       `json:"lastError,omitempty"`
	CreatedAt int64        `json:"createdAt"`
	UpdatedAt int64        `json:"updatedAt"`
}

// Info returns the session summary
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		AccountID: s.AccountID,
		State:     s.State,
		LastError: s.LastError,
		CreatedAt: s.CreatedAt.Unix(),
		UpdatedAt: s.UpdatedAt.Unix(),
	}
}
