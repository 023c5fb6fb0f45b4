package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const sessionTTL = 30 * 24 * time.Hour

// lastActivityAt is refreshed at most once a minute so validation stays
// a read in the common case.
const activityWriteInterval = time.Minute

func (s *Store) sessionPath(token string) string {
	return filepath.Join(s.dir, sessionsDir, token+".json")
}

// validSessionToken matches what CreateSession mints: 32 bytes hex.
func validSessionToken(token string) bool {
	if len(token) != 64 {
		return false
	}
	for _, r := range token {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// CreateSession mints a session for a credential that just completed a
// WebAuthn login.
func (s *Store) CreateSession(credentialID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getCredentialLocked(credentialID); err != nil {
		return Session{}, err
	}
	now := s.now()
	sess := Session{
		Token:          randomHex(32),
		CSRFToken:      randomHex(32),
		CredentialID:   credentialID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(sessionTTL),
		LastActivityAt: now,
	}
	if err := writeEntity(s.sessionPath(sess.Token), sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// ValidateSession resolves a cookie token. It fails if the session is
// missing, expired, or its credential has been deleted; expired and
// orphaned files are removed on the way out.
func (s *Store) ValidateSession(token string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !validSessionToken(token) {
		return Session{}, ErrNotFound
	}
	var sess Session
	if err := readEntity(s.sessionPath(token), &sess); err != nil {
		return Session{}, err
	}
	now := s.now()
	if now.After(sess.ExpiresAt) {
		os.Remove(s.sessionPath(token))
		return Session{}, ErrNotFound
	}
	if _, err := s.getCredentialLocked(sess.CredentialID); err != nil {
		if errors.Is(err, ErrNotFound) {
			os.Remove(s.sessionPath(token))
		}
		return Session{}, ErrNotFound
	}
	if now.Sub(sess.LastActivityAt) >= activityWriteInterval {
		sess.LastActivityAt = now
		if err := writeEntity(s.sessionPath(token), sess); err != nil {
			return Session{}, err
		}
	}
	return sess, nil
}

// DeleteSession logs a session out. Missing sessions are fine; logout
// is idempotent.
func (s *Store) DeleteSession(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validSessionToken(token) {
		return nil
	}
	err := os.Remove(s.sessionPath(token))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

// ListSessions returns all sessions sorted by creation time.
func (s *Store) ListSessions() ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions, err := s.listSessionsLocked()
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return sessions, nil
}

func (s *Store) listSessionsLocked() ([]Session, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, sessionsDir))
	if err != nil {
		return nil, err
	}
	sessions := []Session{}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var sess Session
		if err := readEntity(filepath.Join(s.dir, sessionsDir, e.Name()), &sess); err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// PurgeExpiredSessions removes every expired session file. Run from the
// maintenance cron.
func (s *Store) PurgeExpiredSessions() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.listSessionsLocked()
	if err != nil {
		return 0, err
	}
	now := s.now()
	purged := 0
	for _, sess := range sessions {
		if now.After(sess.ExpiresAt) {
			if err := os.Remove(s.sessionPath(sess.Token)); err == nil {
				purged++
			}
		}
	}
	return purged, nil
}
