// Package auth holds the bearer credential shared by every component that
// talks to the backend. It is the single place a forced logout happens:
// any 401/403 anywhere funnels into Logout, which clears the token and
// fans out to registered listeners so coordinators and realtime channels
// can tear down together.
package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Store owns the current bearer token for one authenticated app session.
type Store struct {
	mu        sync.Mutex
	token     string
	listeners []func()
}

// NewStore returns a Store with no credential.
func NewStore() *Store {
	return &Store{}
}

// SetToken replaces the current credential. An empty token is equivalent
// to Logout.
func (s *Store) SetToken(token string) {
	if token == "" {
		s.Logout()
		return
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Token returns the current bearer token, or "" when logged out.
func (s *Store) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// OnLogout registers fn to run whenever the credential is cleared. The
// returned func removes the registration.
func (s *Store) OnLogout(fn func()) func() {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	idx := len(s.listeners) - 1
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if idx < len(s.listeners) {
			s.listeners[idx] = nil
		}
		s.mu.Unlock()
	}
}

// Logout clears the credential and notifies listeners. Safe to call when
// already logged out; listeners fire once per call, outside the lock.
func (s *Store) Logout() {
	s.mu.Lock()
	wasAuthed := s.token != ""
	s.token = ""
	listeners := make([]func(), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	if !wasAuthed {
		return
	}
	for _, fn := range listeners {
		if fn != nil {
			fn()
		}
	}
}

// ExpiresWithin reports whether the current token's exp claim falls inside
// the window. The claim is read without signature verification; only the
// server can actually reject the token, this is a local early warning.
// Tokens without a parsable exp claim report false.
func (s *Store) ExpiresWithin(window time.Duration) bool {
	token := s.Token()
	if token == "" {
		return false
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) < window
}
