package auth

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/katulong/katulong/internal/store"
)

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(t *testing.T, envToken string) (*Service, *fakeClock) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	svc := NewService(st, store.NewLockout(), envToken)
	clock := newFakeClock()
	svc.now = clock.now
	return svc, clock
}

func TestChallengeOneShot(t *testing.T) {
	svc, _ := newTestService(t, "")
	sd := &webauthn.SessionData{Challenge: "abc"}

	svc.storeChallenge("register:dev1", sd)
	got, ok := svc.takeChallenge("register:dev1")
	if !ok || got.Challenge != "abc" {
		t.Fatalf("takeChallenge = %v, %v", got, ok)
	}
	if _, ok := svc.takeChallenge("register:dev1"); ok {
		t.Fatal("challenge usable twice")
	}
}

func TestChallengeExpires(t *testing.T) {
	svc, clock := newTestService(t, "")
	svc.storeChallenge("login:1.2.3.4", &webauthn.SessionData{Challenge: "abc"})

	clock.advance(challengeTTL + time.Second)
	if _, ok := svc.takeChallenge("login:1.2.3.4"); ok {
		t.Fatal("expired challenge still usable")
	}
}

func TestRegistrationAllowed(t *testing.T) {
	svc, _ := newTestService(t, "env-secret")
	stored, err := svc.store.AddSetupToken("phone")
	if err != nil {
		t.Fatalf("add token: %v", err)
	}

	tests := []struct {
		name  string
		local bool
		token string
		want  bool
	}{
		{"localhost without token", true, "", true},
		{"remote without token", false, "", false},
		{"remote with env token", false, "env-secret", true},
		{"remote with stored token", false, stored.Token, true},
		{"remote with bogus token", false, "not-a-token", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := svc.registrationAllowed(tt.local, tt.token); got != tt.want {
				t.Errorf("registrationAllowed(%v, %q) = %v, want %v", tt.local, tt.token, got, tt.want)
			}
		})
	}
}

func TestEnvTokenDisabledWhenUnset(t *testing.T) {
	svc, _ := newTestService(t, "")
	if svc.registrationAllowed(false, "") {
		t.Error("empty token authorized registration")
	}
	if svc.isEnvToken("") {
		t.Error("empty env token matched empty input")
	}
}

func TestBeginRegistrationRemoteDenied(t *testing.T) {
	svc, _ := newTestService(t, "")
	r := httptest.NewRequest("POST", "/auth/register/options", nil)
	r.Host = "devbox.local:3001"

	if _, err := svc.BeginRegistration(r, false, "dev1", ""); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}
}

func TestBeginRegistrationLocalhost(t *testing.T) {
	svc, _ := newTestService(t, "")
	r := httptest.NewRequest("POST", "/auth/register/options", nil)
	r.Host = "localhost:3000"

	options, err := svc.BeginRegistration(r, true, "dev1", "")
	if err != nil {
		t.Fatalf("BeginRegistration: %v", err)
	}
	if options.Response.RelyingParty.ID != "localhost" {
		t.Errorf("RP ID = %q, want localhost", options.Response.RelyingParty.ID)
	}
	if len(options.Response.Challenge) == 0 {
		t.Error("options carry no challenge")
	}
	// The challenge is pending for this device.
	if _, ok := svc.takeChallenge("register:dev1"); !ok {
		t.Error("no pending challenge stored")
	}
	// A user handle now exists so the credential can bind to it.
	if _, err := svc.store.User(); err != nil {
		t.Errorf("user record missing after options: %v", err)
	}
}

func TestFinishRegistrationWithoutChallenge(t *testing.T) {
	svc, _ := newTestService(t, "")
	r := httptest.NewRequest("POST", "/auth/register/verify", strings.NewReader("{}"))
	r.Host = "localhost:3000"

	_, err := svc.FinishRegistration(r, true, "dev1", "", "", "")
	if !errors.Is(err, ErrChallengeMissing) {
		t.Fatalf("err = %v, want ErrChallengeMissing", err)
	}
}

func TestRPInstancesCachedPerOrigin(t *testing.T) {
	svc, _ := newTestService(t, "")

	r1 := httptest.NewRequest("GET", "/", nil)
	r1.Host = "localhost:3000"
	r2 := httptest.NewRequest("GET", "/", nil)
	r2.Host = "localhost:3000"
	r3 := httptest.NewRequest("GET", "/", nil)
	r3.Host = "devbox.local:3001"

	rp1, err := svc.rpFor(r1)
	if err != nil {
		t.Fatalf("rpFor: %v", err)
	}
	rp2, err := svc.rpFor(r2)
	if err != nil {
		t.Fatalf("rpFor: %v", err)
	}
	if rp1 != rp2 {
		t.Error("same origin produced different RP instances")
	}
	rp3, err := svc.rpFor(r3)
	if err != nil {
		t.Fatalf("rpFor: %v", err)
	}
	if rp3 == rp1 {
		t.Error("different origins share an RP instance")
	}
}

func TestBeginLoginStoresChallengePerClient(t *testing.T) {
	svc, _ := newTestService(t, "")
	r := httptest.NewRequest("POST", "/auth/login/options", nil)
	r.Host = "localhost:3000"
	r.RemoteAddr = "127.0.0.1:50000"

	if _, err := svc.BeginLogin(r); err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}
	if _, ok := svc.takeChallenge("login:127.0.0.1"); !ok {
		t.Error("no pending login challenge for client")
	}
}

func TestFinishLoginGarbageBody(t *testing.T) {
	svc, _ := newTestService(t, "")
	r := httptest.NewRequest("POST", "/auth/login/verify", strings.NewReader("not json"))
	r.Host = "localhost:3000"

	if _, err := svc.FinishLogin(r); !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("err = %v, want ErrLoginFailed", err)
	}
}

func TestPairingHappyPath(t *testing.T) {
	svc, _ := newTestService(t, "")

	start, err := svc.StartPairing()
	if err != nil {
		t.Fatalf("StartPairing: %v", err)
	}
	if len(start.PIN) != 8 {
		t.Fatalf("pin length = %d, want 8", len(start.PIN))
	}

	consumed, err := svc.PairingConsumed(start.Code)
	if err != nil || consumed {
		t.Fatalf("PairingConsumed before verify = %v, %v", consumed, err)
	}

	tok, err := svc.VerifyPairing(start.Code, start.PIN, "new phone")
	if err != nil {
		t.Fatalf("VerifyPairing: %v", err)
	}
	if tok.Token == "" {
		t.Fatal("no setup token issued")
	}
	// The issued token authorizes a registration.
	if !svc.registrationAllowed(false, tok.Token) {
		t.Error("pairing token does not authorize registration")
	}

	consumed, err = svc.PairingConsumed(start.Code)
	if err != nil || !consumed {
		t.Errorf("PairingConsumed after verify = %v, %v", consumed, err)
	}

	// Single use: a second verify fails even with the right PIN.
	if _, err := svc.VerifyPairing(start.Code, start.PIN, "replay"); !errors.Is(err, ErrPairingInvalid) {
		t.Fatalf("replayed verify err = %v, want ErrPairingInvalid", err)
	}
}

func TestPairingWrongPIN(t *testing.T) {
	svc, _ := newTestService(t, "")
	start, _ := svc.StartPairing()

	wrong := "00000000"
	if wrong == start.PIN {
		wrong = "00000001"
	}
	if _, err := svc.VerifyPairing(start.Code, wrong, ""); !errors.Is(err, ErrPairingInvalid) {
		t.Fatalf("err = %v, want ErrPairingInvalid", err)
	}
	// The code survives a wrong guess until lockout.
	if _, err := svc.VerifyPairing(start.Code, start.PIN, ""); err != nil {
		t.Fatalf("correct PIN after one miss: %v", err)
	}
}

func TestPairingLockout(t *testing.T) {
	svc, _ := newTestService(t, "")
	start, _ := svc.StartPairing()

	wrong := "00000000"
	if wrong == start.PIN {
		wrong = "00000001"
	}
	var locked *LockedError
	for i := 0; i < 6; i++ {
		_, err := svc.VerifyPairing(start.Code, wrong, "")
		if errors.As(err, &locked) {
			break
		}
	}
	if locked == nil {
		t.Fatal("never locked out after repeated wrong PINs")
	}
	if locked.RetryAfter <= 0 {
		t.Errorf("retryAfter = %v, want > 0", locked.RetryAfter)
	}
	// Even the right PIN is refused while locked.
	if _, err := svc.VerifyPairing(start.Code, start.PIN, ""); !errors.As(err, &locked) {
		t.Fatalf("err while locked = %v, want LockedError", err)
	}
}

func TestPairingExpires(t *testing.T) {
	svc, clock := newTestService(t, "")
	start, _ := svc.StartPairing()

	clock.advance(pairingTTL + time.Second)
	if _, err := svc.VerifyPairing(start.Code, start.PIN, ""); !errors.Is(err, ErrPairingInvalid) {
		t.Fatalf("expired verify err = %v, want ErrPairingInvalid", err)
	}
}

func TestPairingUnknownCode(t *testing.T) {
	svc, _ := newTestService(t, "")
	if _, err := svc.VerifyPairing("no-such-code", "12345678", ""); !errors.Is(err, ErrPairingNotFound) {
		t.Fatalf("err = %v, want ErrPairingNotFound", err)
	}
	if _, err := svc.PairingConsumed("no-such-code"); !errors.Is(err, ErrPairingNotFound) {
		t.Fatalf("status err = %v, want ErrPairingNotFound", err)
	}
}

func TestSweepExpired(t *testing.T) {
	svc, clock := newTestService(t, "")
	svc.storeChallenge("register:x", &webauthn.SessionData{Challenge: "abc"})
	start, _ := svc.StartPairing()

	clock.advance(pairingRetention + time.Second)
	svc.SweepExpired()

	svc.mu.Lock()
	nChallenges, nPairings := len(svc.challenges), len(svc.pairings)
	svc.mu.Unlock()
	if nChallenges != 0 {
		t.Errorf("challenges after sweep = %d, want 0", nChallenges)
	}
	if nPairings != 0 {
		t.Errorf("pairings after sweep = %d, want 0", nPairings)
	}
	if _, err := svc.PairingConsumed(start.Code); !errors.Is(err, ErrPairingNotFound) {
		t.Errorf("swept code still visible: %v", err)
	}
}
