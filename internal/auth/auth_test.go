package auth

import (
	"encoding/base64"
	"testing"
	"time"

	"daybook-sync/internal/identity"
)

func TestChallengeSingleUse(t *testing.T) {
	s := NewChallengeStore()
	defer s.Close()

	challenge, err := s.Mint()
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if !s.Consume(challenge) {
		t.Fatalf("first consume should succeed")
	}
	if s.Consume(challenge) {
		t.Fatalf("second consume should fail")
	}
}

func TestChallengeExpiry(t *testing.T) {
	current := time.Unix(0, 0)
	now := func() time.Time { return current }
	s := NewChallengeStoreWithNow(30*time.Second, now)
	defer s.Close()

	challenge, _ := s.Mint()
	current = current.Add(31 * time.Second)
	if s.Consume(challenge) {
		t.Fatalf("expired challenge should be rejected")
	}
}

func TestConsumeUnknownChallenge(t *testing.T) {
	s := NewChallengeStore()
	defer s.Close()
	if s.Consume("bm90LWEtY2hhbGxlbmdl") {
		t.Fatalf("unknown challenge should be rejected")
	}
}

func TestVerifyChallengeSignature(t *testing.T) {
	id, err := identity.Generate("test")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	challenge := []byte("0123456789abcdef0123456789abcdef")
	challengeB64 := base64.StdEncoding.EncodeToString(challenge)
	sigB64 := id.SignB64(challenge)

	if err := VerifyChallengeSignature(id.SignPublicKeyB64(), challengeB64, sigB64); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	other, _ := identity.Generate("other")
	if err := VerifyChallengeSignature(other.SignPublicKeyB64(), challengeB64, sigB64); err == nil {
		t.Fatalf("expected failure for wrong key")
	}
	if err := VerifyChallengeSignature("not-base64", challengeB64, sigB64); err != ErrInvalidPublicKey {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}
	if err := VerifyChallengeSignature(id.SignPublicKeyB64(), challengeB64, "AAAA"); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestDeriveUserID(t *testing.T) {
	id, _ := identity.Generate("test")
	derived, err := DeriveUserID(id.SignPublicKeyB64())
	if err != nil {
		t.Fatalf("DeriveUserID: %v", err)
	}
	if derived != id.UserID() {
		t.Fatalf("user id mismatch: %q vs %q", derived, id.UserID())
	}
}

type fakeTrusted struct {
	devices map[string]bool
	keys    map[string]bool
}

func (f fakeTrusted) IsTrusted(deviceID string) bool { return f.devices[deviceID] }

func (f fakeTrusted) IsTrustedKey(signPublicKey string) bool { return f.keys[signPublicKey] }

func TestAuthorizer(t *testing.T) {
	a := NewAuthorizer("user-a", fakeTrusted{
		devices: map[string]bool{"dev-paired": true},
		keys:    map[string]bool{"key-paired": true},
	})

	if !a.IsAuthorized("user-a", "any-device") {
		t.Fatalf("same user should be authorized")
	}
	if !a.IsAuthorized("user-b", "dev-paired") {
		t.Fatalf("paired device should be authorized")
	}
	if a.IsAuthorized("user-b", "dev-stranger") {
		t.Fatalf("stranger should not be authorized")
	}
	if !a.IsAuthorizedKey("user-b", "key-paired") {
		t.Fatalf("paired key should be authorized")
	}
	if a.IsAuthorizedKey("user-b", "key-stranger") {
		t.Fatalf("stranger key should not be authorized")
	}
}
