// Package auth implements WebAuthn registration and login plus the
// LAN pairing flow, on top of the file-backed store.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/katulong/katulong/internal/store"
)

const (
	// SessionCookie carries the opaque session token.
	SessionCookie = "katulong_session"
	// SessionDuration mirrors the store's session TTL for cookie max-age.
	SessionDuration = 30 * 24 * time.Hour

	challengeTTL = 2 * time.Minute
)

var (
	// ErrNotAuthorized means the caller may not register a credential:
	// not on localhost and no usable setup token.
	ErrNotAuthorized = errors.New("registration not authorized")
	// ErrChallengeMissing means no pending WebAuthn challenge exists for
	// this flow, or it expired.
	ErrChallengeMissing = errors.New("no pending challenge")
	// ErrLoginFailed covers all assertion verification failures.
	ErrLoginFailed = errors.New("login failed")
)

// LockedError reports an active lockout and how long it has left.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("locked out, retry in %s", e.RetryAfter.Round(time.Second))
}

// Service owns the in-flight WebAuthn challenges, the per-host relying
// party instances and the pairing codes.
type Service struct {
	store   *store.Store
	lockout *store.Lockout

	// envSetupToken is the SETUP_TOKEN environment value; a static
	// bootstrap secret that authorizes registration without being
	// consumed.
	envSetupToken string

	mu         sync.Mutex
	rps        map[string]*webauthn.WebAuthn
	challenges map[string]challengeEntry
	pairings   map[string]*pairingCode
	now        func() time.Time
}

type challengeEntry struct {
	sessionData *webauthn.SessionData
	expiresAt   time.Time
}

func NewService(st *store.Store, lockout *store.Lockout, envSetupToken string) *Service {
	return &Service{
		store:         st,
		lockout:       lockout,
		envSetupToken: envSetupToken,
		rps:           make(map[string]*webauthn.WebAuthn),
		challenges:    make(map[string]challengeEntry),
		pairings:      make(map[string]*pairingCode),
		now:           time.Now,
	}
}

// Store exposes the backing store for handlers that share the service.
func (s *Service) Store() *store.Store { return s.store }

// Lockout exposes the failure tracker for the SSH front-door.
func (s *Service) Lockout() *store.Lockout { return s.lockout }

// storeChallenge keeps one pending challenge per key. Starting a new
// flow for the same key replaces the old challenge.
func (s *Service) storeChallenge(key string, sd *webauthn.SessionData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[key] = challengeEntry{
		sessionData: sd,
		expiresAt:   s.now().Add(challengeTTL),
	}
}

// takeChallenge returns and removes the pending challenge. One shot:
// a failed finish requires a fresh options call.
func (s *Service) takeChallenge(key string) (*webauthn.SessionData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.challenges[key]
	if !ok {
		return nil, false
	}
	delete(s.challenges, key)
	if s.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.sessionData, true
}

// SweepExpired drops stale challenges and pairing codes. Run from the
// maintenance cron.
func (s *Service) SweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, entry := range s.challenges {
		if now.After(entry.expiresAt) {
			delete(s.challenges, key)
		}
	}
	for code, p := range s.pairings {
		if now.After(p.createdAt.Add(pairingRetention)) {
			delete(s.pairings, code)
		}
	}
}
