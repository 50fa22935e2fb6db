// Package credentials holds the author identity and secret used for
// container writes.
//
// The store lives in memory only. Secrets never cross the API boundary:
// Current reports who is authenticated without the secret, and only the
// session coordinator reaches for EngineCredentials when the native
// engine needs the real pair.
package credentials

import (
	"errors"
	"strings"
	"sync"
)

// Validation errors returned by Set.
var (
	ErrEmptyIdentity = errors.New("credentials: identity must not be empty")
	ErrEmptySecret   = errors.New("credentials: secret must not be empty")
)

// Identity is the external view of the store.
type Identity struct {
	Name          string `json:"username,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// Store holds one identity/secret pair. The zero value is an
// unauthenticated store ready for use.
type Store struct {
	mu       sync.RWMutex
	identity string
	secret   string
}

// NewStore creates an unauthenticated Store.
func NewStore() *Store {
	return &Store{}
}

// Set validates and stores the pair. Both values are trimmed of
// surrounding whitespace; if either is empty afterwards the call fails
// and the previous pair stays in place. On success the pair replaces the
// old one atomically.
func (s *Store) Set(identity, secret string) error {
	identity = strings.TrimSpace(identity)
	secret = strings.TrimSpace(secret)
	if identity == "" {
		return ErrEmptyIdentity
	}
	if secret == "" {
		return ErrEmptySecret
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
	s.secret = secret
	return nil
}

// Clear resets the store to unauthenticated. Clearing an already-empty
// store is a no-op.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = ""
	s.secret = ""
}

// Current reports the stored identity and whether the store is
// authenticated. The secret is never available through this path.
func (s *Store) Current() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Identity{
		Name:          s.identity,
		Authenticated: s.identity != "",
	}
}

// EngineCredentials returns the stored pair for native engine calls.
// ok is false when the store is unauthenticated. Callers must not log or
// serialize the secret.
func (s *Store) EngineCredentials() (identity, secret string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == "" {
		return "", "", false
	}
	return s.identity, s.secret, true
}
