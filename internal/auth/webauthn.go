package auth

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/katulong/katulong/internal/store"
)

// ErrRegistrationFailed covers attestation verification failures.
var ErrRegistrationFailed = errors.New("registration failed")

// rpFor returns the relying party instance for the host the browser is
// talking to. The machine is reachable under several names (localhost,
// LAN IP, mDNS name), and the WebAuthn RP ID must match the one in the
// address bar, so instances are built per origin and cached.
func (s *Service) rpFor(r *http.Request) (*webauthn.WebAuthn, error) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	origin := scheme + "://" + r.Host

	s.mu.Lock()
	defer s.mu.Unlock()
	if rp, ok := s.rps[origin]; ok {
		return rp, nil
	}
	rp, err := webauthn.New(&webauthn.Config{
		RPDisplayName: "Katulong",
		RPID:          hostWithoutPort(r.Host),
		RPOrigins:     []string{origin},
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn config for %s: %w", origin, err)
	}
	s.rps[origin] = rp
	return rp, nil
}

func hostWithoutPort(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

// clientKey scopes login challenges to the caller's address so two
// devices logging in at once do not clobber each other.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// webauthnUser adapts the store records to the webauthn.User interface.
type webauthnUser struct {
	user  store.User
	creds []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte                         { return []byte(u.user.ID) }
func (u *webauthnUser) WebAuthnName() string                       { return u.user.Name }
func (u *webauthnUser) WebAuthnDisplayName() string                { return u.user.Name }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

func (s *Service) loadWebauthnUser(u store.User) (*webauthnUser, error) {
	records, err := s.store.ListCredentials()
	if err != nil {
		return nil, err
	}
	creds := make([]webauthn.Credential, 0, len(records))
	for _, rec := range records {
		wc, err := toWebauthnCredential(rec)
		if err != nil {
			continue
		}
		creds = append(creds, wc)
	}
	return &webauthnUser{user: u, creds: creds}, nil
}

func toWebauthnCredential(rec store.Credential) (webauthn.Credential, error) {
	id, err := base64.RawURLEncoding.DecodeString(rec.ID)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("credential id: %w", err)
	}
	var transports []protocol.AuthenticatorTransport
	for _, t := range rec.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:        id,
		PublicKey: rec.PublicKey,
		Transport: transports,
		Authenticator: webauthn.Authenticator{
			SignCount: rec.Counter,
		},
	}, nil
}

// registrationAllowed gates new credentials: localhost callers always
// may; remote callers need a setup token (the static SETUP_TOKEN
// environment value or a stored one-use token).
func (s *Service) registrationAllowed(local bool, setupToken string) bool {
	if local {
		return true
	}
	if setupToken == "" {
		return false
	}
	if s.isEnvToken(setupToken) {
		return true
	}
	return s.store.HasSetupToken(setupToken)
}

func (s *Service) isEnvToken(setupToken string) bool {
	return s.envSetupToken != "" &&
		subtle.ConstantTimeCompare([]byte(setupToken), []byte(s.envSetupToken)) == 1
}

// BeginRegistration starts a WebAuthn credential creation ceremony.
func (s *Service) BeginRegistration(r *http.Request, local bool, deviceID, setupToken string) (*protocol.CredentialCreation, error) {
	if !s.registrationAllowed(local, setupToken) {
		return nil, ErrNotAuthorized
	}
	rp, err := s.rpFor(r)
	if err != nil {
		return nil, err
	}
	u, err := s.store.EnsureUser()
	if err != nil {
		return nil, err
	}
	wau, err := s.loadWebauthnUser(u)
	if err != nil {
		return nil, err
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(wau.creds))
	for _, c := range wau.creds {
		exclusions = append(exclusions, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.ID,
		})
	}

	options, sd, err := rp.BeginRegistration(wau,
		func(cco *protocol.PublicKeyCredentialCreationOptions) {
			cco.AuthenticatorSelection.ResidentKey = protocol.ResidentKeyRequirementPreferred
			cco.AuthenticatorSelection.UserVerification = protocol.VerificationPreferred
			cco.CredentialExcludeList = exclusions
		},
	)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}
	s.storeChallenge("register:"+deviceID, sd)
	return options, nil
}

// FinishRegistration verifies the attestation response and persists the
// credential, consuming the setup token in the same store transaction.
func (s *Service) FinishRegistration(r *http.Request, local bool, deviceID, deviceName, userAgent, setupToken string) (store.Credential, error) {
	if !s.registrationAllowed(local, setupToken) {
		return store.Credential{}, ErrNotAuthorized
	}
	sd, ok := s.takeChallenge("register:" + deviceID)
	if !ok {
		return store.Credential{}, ErrChallengeMissing
	}
	rp, err := s.rpFor(r)
	if err != nil {
		return store.Credential{}, err
	}
	u, err := s.store.User()
	if err != nil {
		return store.Credential{}, err
	}
	wau, err := s.loadWebauthnUser(u)
	if err != nil {
		return store.Credential{}, err
	}

	wc, err := rp.FinishRegistration(wau, *sd, r)
	if err != nil {
		return store.Credential{}, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	if deviceName == "" {
		deviceName = "Passkey " + s.now().Format("2006-01-02")
	}
	transports := make([]string, 0, len(wc.Transport))
	for _, t := range wc.Transport {
		transports = append(transports, string(t))
	}
	cred := store.Credential{
		ID:         base64.RawURLEncoding.EncodeToString(wc.ID),
		PublicKey:  wc.PublicKey,
		Counter:    wc.Authenticator.SignCount,
		DeviceID:   deviceID,
		Name:       deviceName,
		CreatedAt:  s.now(),
		UserAgent:  userAgent,
		Transports: transports,
	}

	// The static env token is a bootstrap secret, not a stored record;
	// nothing to consume in that case.
	consume := setupToken
	if s.isEnvToken(setupToken) {
		consume = ""
	}
	if err := s.store.RegisterCredential(cred, consume); err != nil {
		return store.Credential{}, err
	}
	return cred, nil
}

// BeginLogin starts a discoverable (usernameless) assertion ceremony.
func (s *Service) BeginLogin(r *http.Request) (*protocol.CredentialAssertion, error) {
	rp, err := s.rpFor(r)
	if err != nil {
		return nil, err
	}
	options, sd, err := rp.BeginDiscoverableLogin(
		func(opts *protocol.PublicKeyCredentialRequestOptions) {
			opts.UserVerification = protocol.VerificationPreferred
		},
	)
	if err != nil {
		return nil, fmt.Errorf("begin login: %w", err)
	}
	s.storeChallenge("login:"+clientKey(r), sd)
	return options, nil
}

// FinishLogin verifies the assertion and mints a session. Verification
// failures count toward the credential's lockout.
func (s *Service) FinishLogin(r *http.Request) (store.Session, error) {
	parsed, err := protocol.ParseCredentialRequestResponse(r)
	if err != nil {
		return store.Session{}, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	credID := base64.RawURLEncoding.EncodeToString(parsed.RawID)

	if locked, retry := s.lockout.IsLocked(credID); locked {
		return store.Session{}, &LockedError{RetryAfter: retry}
	}
	sd, ok := s.takeChallenge("login:" + clientKey(r))
	if !ok {
		return store.Session{}, ErrChallengeMissing
	}
	rp, err := s.rpFor(r)
	if err != nil {
		return store.Session{}, err
	}

	wc, err := rp.ValidateDiscoverableLogin(s.discoverableUser, *sd, parsed)
	if err != nil {
		if locked, retry := s.lockout.Fail(credID); locked {
			return store.Session{}, &LockedError{RetryAfter: retry}
		}
		return store.Session{}, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	s.lockout.Success(credID)

	if err := s.store.UpdateCredentialCounter(credID, wc.Authenticator.SignCount); err != nil {
		return store.Session{}, err
	}
	return s.store.CreateSession(credID)
}

// discoverableUser resolves the user handle sent by the authenticator.
func (s *Service) discoverableUser(rawID, userHandle []byte) (webauthn.User, error) {
	u, err := s.store.User()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(userHandle, []byte(u.ID)) {
		return nil, errors.New("unknown user handle")
	}
	return s.loadWebauthnUser(u)
}
