package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/katulong/katulong/internal/store"
)

const (
	pairingTTL = 30 * time.Second
	// Consumed and expired codes stay visible to the status poller for
	// a while before the sweep removes them.
	pairingRetention = 5 * time.Minute
)

var (
	// ErrPairingNotFound means the code is unknown or already swept.
	ErrPairingNotFound = errors.New("pairing code not found")
	// ErrPairingInvalid means the code expired, was already consumed,
	// or the PIN did not match.
	ErrPairingInvalid = errors.New("pairing failed")
)

type pairingCode struct {
	pin       string
	createdAt time.Time
	expiresAt time.Time
	consumed  bool
}

// PairingStart is the reply to the initiating (already trusted) device.
type PairingStart struct {
	Code      string    `json:"code"`
	PIN       string    `json:"pin"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// StartPairing mints a short-lived code + PIN pair. The trusted device
// displays the PIN; the new device proves physical proximity by typing
// it within 30 seconds.
func (s *Service) StartPairing() (PairingStart, error) {
	pin, err := randomPIN()
	if err != nil {
		return PairingStart{}, err
	}
	code := uuid.NewString()
	now := s.now()

	s.mu.Lock()
	s.pairings[code] = &pairingCode{
		pin:       pin,
		createdAt: now,
		expiresAt: now.Add(pairingTTL),
	}
	s.mu.Unlock()

	return PairingStart{Code: code, PIN: pin, ExpiresAt: now.Add(pairingTTL)}, nil
}

func randomPIN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100000000))
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}

// VerifyPairing checks the PIN and, on success, issues the one-shot
// setup token that authorizes this device's WebAuthn registration.
// Wrong PINs feed the lockout tracker keyed on the code.
func (s *Service) VerifyPairing(code, pin, deviceName string) (store.SetupToken, error) {
	key := "pair:" + code
	if locked, retry := s.lockout.IsLocked(key); locked {
		return store.SetupToken{}, &LockedError{RetryAfter: retry}
	}

	s.mu.Lock()
	p, ok := s.pairings[code]
	if !ok {
		s.mu.Unlock()
		return store.SetupToken{}, ErrPairingNotFound
	}
	now := s.now()
	if p.consumed || now.After(p.expiresAt) {
		s.mu.Unlock()
		return store.SetupToken{}, ErrPairingInvalid
	}
	if subtle.ConstantTimeCompare([]byte(p.pin), []byte(pin)) != 1 {
		s.mu.Unlock()
		if locked, retry := s.lockout.Fail(key); locked {
			return store.SetupToken{}, &LockedError{RetryAfter: retry}
		}
		return store.SetupToken{}, ErrPairingInvalid
	}
	p.consumed = true
	s.mu.Unlock()

	s.lockout.Success(key)
	if deviceName == "" {
		deviceName = "Paired device"
	}
	return s.store.AddSetupToken(deviceName)
}

// PairingConsumed reports whether the code has been used; the
// initiating device polls this.
func (s *Service) PairingConsumed(code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pairings[code]
	if !ok {
		return false, ErrPairingNotFound
	}
	return p.consumed, nil
}
