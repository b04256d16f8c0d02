package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSessionNotFound is returned when no session exists for an account
var ErrSessionNotFound = errors.New("session not found")

// ErrAlreadyExists is returned when a session is registered twice
var ErrAlreadyExists = errors.New("session already exists")

// SessionInitError means the automated session could not be constructed or initialized.
// Fatal for the account until it is deleted and recreated.
type SessionInitError struct {
	AccountID string
	Err       error
}

func (e *SessionInitError) Error() string {
	return fmt.Sprintf("init session %s: %v", e.AccountID, e.Err)
}

func (e *SessionInitError) Unwrap() error { return e.Err }

// AuthFailure means the platform rejected the account credentials
type AuthFailure struct {
	AccountID string
	Reason    string
}

func (e *AuthFailure) Error() string {
	return fmt.Sprintf("auth failure for %s: %s", e.AccountID, e.Reason)
}

// FetchTimeout means a single call into the automation surface did not finish in time
type FetchTimeout struct {
	Op    string
	After time.Duration
}

func (e *FetchTimeout) Error() string {
	return fmt.Sprintf("%s timeout after %s", e.Op, e.After)
}

// FetchFailure means one strategy (or a whole chain) could not produce a result
type FetchFailure struct {
	Op       string
	Strategy string
	Err      error
}

func (e *FetchFailure) Error() string {
	if e.Strategy == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s via %s failed: %v", e.Op, e.Strategy, e.Err)
}

func (e *FetchFailure) Unwrap() error { return e.Err }

// SendFailure means every send strategy was exhausted. No state was committed.
type SendFailure struct {
	AccountID      string
	ConversationID string
	Primary        error
	Fallback       error
}

func (e *SendFailure) Error() string {
	if e.Fallback == nil {
		return fmt.Sprintf("send to %s failed: %v", e.ConversationID, e.Primary)
	}
	return fmt.Sprintf("send to %s failed: %v (fallback: %v)", e.ConversationID, e.Primary, e.Fallback)
}

func (e *SendFailure) Unwrap() error { return e.Primary }

// Cause returns the human-readable reason shown to observers
func (e *SendFailure) Cause() string {
	if e.Primary != nil && strings.Contains(e.Primary.Error(), "markedUnread") {
		return "Sync error: please refresh the page. (Code: MU)"
	}
	if e.Primary != nil {
		return e.Primary.Error()
	}
	if e.Fallback != nil {
		return e.Fallback.Error()
	}
	return "send failed"
}

// PersistenceFailure means writing the message archive failed.
// Logged only; in-memory state is kept.
type PersistenceFailure struct {
	AccountID string
	Err       error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("persist messages for %s: %v", e.AccountID, e.Err)
}

func (e *PersistenceFailure) Unwrap() error { return e.Err }

// StoreCorruption means a persisted record could not be decoded on load
type StoreCorruption struct {
	AccountID string
	Err       error
}

func (e *StoreCorruption) Error() string {
	if e.AccountID == "" {
		return fmt.Sprintf("message store corrupted: %v", e.Err)
	}
	return fmt.Sprintf("message store record %s corrupted: %v", e.AccountID, e.Err)
}

func (e *StoreCorruption) Unwrap() error { return e.Err }

// TranslationError is returned by the translation collaborator
type TranslationError struct {
	TargetLang string
	Err        error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translate to %s: %v", e.TargetLang, e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }
