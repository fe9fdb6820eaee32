package storage

import (
	"strings"
	"sync"
)

// IdentityProvider answers whether a remote identity is available. It is
// consulted on every remote operation, never cached.
type IdentityProvider interface {
	IdentityPresent() bool
	CurrentIdentityID() (string, bool)
}

// DemoModeProvider reports whether the application is sandboxed in demo mode.
type DemoModeProvider interface {
	DemoModeActive() bool
}

// StaticIdentity is a fixed identity; the empty string means signed out.
type StaticIdentity string

func (s StaticIdentity) IdentityPresent() bool {
	_, ok := s.CurrentIdentityID()
	return ok
}

func (s StaticIdentity) CurrentIdentityID() (string, bool) {
	id := strings.TrimSpace(string(s))
	return id, id != ""
}

// SessionIdentity is an identity that can sign in and out at runtime.
type SessionIdentity struct {
	mu sync.RWMutex
	id string
}

func NewSessionIdentity(id string) *SessionIdentity {
	return &SessionIdentity{id: strings.TrimSpace(id)}
}

func (s *SessionIdentity) SignIn(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = strings.TrimSpace(id)
}

func (s *SessionIdentity) SignOut() {
	s.SignIn("")
}

func (s *SessionIdentity) IdentityPresent() bool {
	_, ok := s.CurrentIdentityID()
	return ok
}

func (s *SessionIdentity) CurrentIdentityID() (string, bool) {
	if s == nil {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id, s.id != ""
}

// DemoModeFunc adapts a function to DemoModeProvider. A nil func is never
// active.
type DemoModeFunc func() bool

func (f DemoModeFunc) DemoModeActive() bool {
	if f == nil {
		return false
	}
	return f()
}

// NoDemoMode is a provider that is never active.
var NoDemoMode DemoModeProvider = DemoModeFunc(nil)
