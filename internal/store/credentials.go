package store

import (
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// IsSetup reports whether at least one credential is registered.
func (s *Store) IsSetup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.countCredentialsLocked()
	return err == nil && n > 0
}

func (s *Store) countCredentialsLocked() (int, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, credentialsDir))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n, nil
}

func (s *Store) credentialPath(id string) string {
	return filepath.Join(s.dir, credentialsDir, id+".json")
}

// AddSetupToken mints a one-use registration token. The token value is
// returned exactly once; afterwards only its metadata is listable.
func (s *Store) AddSetupToken(name string) (SetupToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := SetupToken{
		ID:        uuid.NewString(),
		Token:     randomHex(32),
		Name:      name,
		CreatedAt: s.now(),
	}
	if err := writeEntity(s.setupTokenPath(tok.ID), tok); err != nil {
		return SetupToken{}, err
	}
	return tok, nil
}

func (s *Store) setupTokenPath(id string) string {
	return filepath.Join(s.dir, setupTokensDir, id+".json")
}

// HasSetupToken reports whether a token value is currently consumable,
// without consuming it.
func (s *Store) HasSetupToken(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		return false
	}
	tokens, err := s.listSetupTokensLocked()
	if err != nil {
		return false
	}
	for _, tok := range tokens {
		if subtle.ConstantTimeCompare([]byte(tok.Token), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

// ConsumeSetupToken finds the record matching the token value, deletes
// it and returns it. Check-and-delete happens under the store lock, so
// two concurrent consumers cannot both succeed.
func (s *Store) ConsumeSetupToken(token string) (SetupToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeSetupTokenLocked(token)
}

func (s *Store) consumeSetupTokenLocked(token string) (SetupToken, error) {
	if token == "" {
		return SetupToken{}, ErrNotFound
	}
	tokens, err := s.listSetupTokensLocked()
	if err != nil {
		return SetupToken{}, err
	}
	for _, tok := range tokens {
		if subtle.ConstantTimeCompare([]byte(tok.Token), []byte(token)) == 1 {
			if err := os.Remove(s.setupTokenPath(tok.ID)); err != nil {
				return SetupToken{}, fmt.Errorf("remove setup token: %w", err)
			}
			return tok, nil
		}
	}
	return SetupToken{}, ErrNotFound
}

// ListSetupTokens returns unused tokens with the secret value blanked.
func (s *Store) ListSetupTokens() ([]SetupToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, err := s.listSetupTokensLocked()
	if err != nil {
		return nil, err
	}
	for i := range tokens {
		tokens[i].Token = ""
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].CreatedAt.Before(tokens[j].CreatedAt) })
	return tokens, nil
}

func (s *Store) listSetupTokensLocked() ([]SetupToken, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, setupTokensDir))
	if err != nil {
		return nil, err
	}
	tokens := []SetupToken{}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var tok SetupToken
		if err := readEntity(filepath.Join(s.dir, setupTokensDir, e.Name()), &tok); err != nil {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

// RenameSetupToken updates a token's label.
func (s *Store) RenameSetupToken(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !safeID(id) {
		return ErrNotFound
	}
	var tok SetupToken
	if err := readEntity(s.setupTokenPath(id), &tok); err != nil {
		return err
	}
	tok.Name = name
	return writeEntity(s.setupTokenPath(id), tok)
}

// DeleteSetupToken revokes an unused token by ID.
func (s *Store) DeleteSetupToken(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !safeID(id) {
		return ErrNotFound
	}
	err := os.Remove(s.setupTokenPath(id))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// RegisterCredential stores a new credential. A non-empty setupToken is
// consumed in the same critical section; registration fails if it is
// missing so a token can never authorize two registrations.
func (s *Store) RegisterCredential(cred Credential, setupToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !safeID(cred.ID) {
		return fmt.Errorf("credential id: %w", ErrNotFound)
	}
	if setupToken != "" {
		if _, err := s.consumeSetupTokenLocked(setupToken); err != nil {
			return fmt.Errorf("setup token: %w", err)
		}
	}
	if _, err := s.ensureUserLocked(); err != nil {
		return err
	}
	path := s.credentialPath(cred.ID)
	if _, err := os.Stat(path); err == nil {
		return ErrConflict
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = s.now()
	}
	return writeEntity(path, cred)
}

// GetCredential looks up one credential by ID.
func (s *Store) GetCredential(id string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCredentialLocked(id)
}

func (s *Store) getCredentialLocked(id string) (Credential, error) {
	if !safeID(id) {
		return Credential{}, ErrNotFound
	}
	var cred Credential
	err := readEntity(s.credentialPath(id), &cred)
	return cred, err
}

// ListCredentials returns all credentials sorted by creation time.
func (s *Store) ListCredentials() ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCredentialsLocked()
}

func (s *Store) listCredentialsLocked() ([]Credential, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, credentialsDir))
	if err != nil {
		return nil, err
	}
	creds := []Credential{}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var cred Credential
		if err := readEntity(filepath.Join(s.dir, credentialsDir, e.Name()), &cred); err != nil {
			continue
		}
		creds = append(creds, cred)
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].CreatedAt.Before(creds[j].CreatedAt) })
	return creds, nil
}

// RenameCredential updates the user-facing label.
func (s *Store) RenameCredential(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, err := s.getCredentialLocked(id)
	if err != nil {
		return err
	}
	cred.Name = name
	return writeEntity(s.credentialPath(id), cred)
}

// UpdateCredentialCounter persists the authenticator's sign counter
// after a successful login and stamps last use.
func (s *Store) UpdateCredentialCounter(id string, counter uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, err := s.getCredentialLocked(id)
	if err != nil {
		return err
	}
	cred.Counter = counter
	cred.LastUsedAt = s.now()
	return writeEntity(s.credentialPath(id), cred)
}

// DeleteCredential removes a credential and every session it backs,
// then publishes a revocation event. Deleting the final credential is
// refused unless allowLast is set (the caller is on localhost), so a
// remote user cannot lock themselves out of their own machine.
func (s *Store) DeleteCredential(id string, allowLast bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getCredentialLocked(id); err != nil {
		return err
	}
	if !allowLast {
		n, err := s.countCredentialsLocked()
		if err != nil {
			return err
		}
		if n <= 1 {
			return ErrLastCredential
		}
	}
	if err := os.Remove(s.credentialPath(id)); err != nil {
		return fmt.Errorf("remove credential: %w", err)
	}

	sessions, err := s.listSessionsLocked()
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.CredentialID == id {
			os.Remove(s.sessionPath(sess.Token))
		}
	}
	s.publishRevocation(id)
	return nil
}
