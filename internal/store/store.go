// Package store persists the relay's auth state: the user record,
// WebAuthn credentials, server-side sessions, setup tokens and instance
// config. Every entity is its own JSON file under the data directory;
// all mutations run under a single mutex and write temp-file-then-rename.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("already exists")
	ErrLastCredential = errors.New("cannot delete the last credential")
)

const (
	credentialsDir = "credentials"
	sessionsDir    = "sessions"
	setupTokensDir = "setup-tokens"
	userFile       = "user.json"
	configFile     = "config.json"
)

// User is the single account the instance serves. Created alongside the
// first credential.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Credential is a registered WebAuthn authenticator. ID is the
// base64url-encoded credential ID and doubles as the filename.
type Credential struct {
	ID         string    `json:"id"`
	PublicKey  []byte    `json:"publicKey"`
	Counter    uint32    `json:"counter"`
	DeviceID   string    `json:"deviceId,omitempty"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	UserAgent  string    `json:"userAgent,omitempty"`
	Transports []string  `json:"transports,omitempty"`
}

// Session is a server-side login session. Token and CSRFToken are each
// 32 random bytes, hex encoded.
type Session struct {
	Token          string    `json:"token"`
	CSRFToken      string    `json:"csrfToken"`
	CredentialID   string    `json:"credentialId"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiry"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// SetupToken authorizes exactly one credential registration.
type SetupToken struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// InstanceConfig is user-visible instance identity, shown by clients to
// tell machines apart.
type InstanceConfig struct {
	InstanceName string    `json:"instanceName"`
	InstanceIcon string    `json:"instanceIcon"`
	ToolbarColor string    `json:"toolbarColor"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store owns the auth state on disk. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	dir     string
	revoked chan string
	now     func() time.Time
}

// Open prepares the data directory and returns a ready store.
func Open(dir string) (*Store, error) {
	for _, d := range []string{dir, filepath.Join(dir, credentialsDir), filepath.Join(dir, sessionsDir), filepath.Join(dir, setupTokensDir)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	return &Store{
		dir:     dir,
		revoked: make(chan string, 16),
		now:     time.Now,
	}, nil
}

// Revocations emits the ID of every deleted credential. The relay
// subscribes and closes WebSockets authenticated by that credential.
func (s *Store) Revocations() <-chan string { return s.revoked }

func (s *Store) publishRevocation(credentialID string) {
	select {
	case s.revoked <- credentialID:
	default:
		// Per-message session re-validation still closes the sockets,
		// just lazily.
		log.Printf("[store] revocation queue full, dropping event for %s", credentialID)
	}
}

// safeID reports whether s can be used as a filename component.
// Credential IDs are base64url, setup token IDs are UUIDs; both fit.
func safeID(s string) bool {
	if s == "" || len(s) > 256 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(buf)
}

// writeEntity marshals v and renames it into place. The temp file lives
// in the same directory so the rename stays on one filesystem.
func writeEntity(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readEntity(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// User returns the account record, or ErrNotFound before first setup.
func (s *Store) User() (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var u User
	err := readEntity(filepath.Join(s.dir, userFile), &u)
	return u, err
}

// EnsureUser creates the account record if it does not exist yet. The
// WebAuthn layer needs a stable user handle before the first credential
// finishes registering.
func (s *Store) EnsureUser() (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureUserLocked()
}

// ensureUserLocked creates the user record on first registration.
// Caller holds s.mu.
func (s *Store) ensureUserLocked() (User, error) {
	var u User
	err := readEntity(filepath.Join(s.dir, userFile), &u)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}
	u = User{ID: uuid.NewString(), Name: "katulong"}
	if err := writeEntity(filepath.Join(s.dir, userFile), u); err != nil {
		return User{}, err
	}
	return u, nil
}

// GetInstanceConfig returns the stored config, or zero-valued defaults
// if none has been written yet.
func (s *Store) GetInstanceConfig() (InstanceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instanceConfigLocked()
}

func (s *Store) instanceConfigLocked() (InstanceConfig, error) {
	var cfg InstanceConfig
	err := readEntity(filepath.Join(s.dir, configFile), &cfg)
	if errors.Is(err, ErrNotFound) {
		return InstanceConfig{}, nil
	}
	return cfg, err
}

// UpdateInstanceConfig applies a mutation under the store lock and
// persists the result.
func (s *Store) UpdateInstanceConfig(apply func(*InstanceConfig)) (InstanceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.instanceConfigLocked()
	if err != nil {
		return InstanceConfig{}, err
	}
	apply(&cfg)
	now := s.now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	if err := writeEntity(filepath.Join(s.dir, configFile), cfg); err != nil {
		return InstanceConfig{}, err
	}
	return cfg, nil
}
