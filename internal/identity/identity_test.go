package identity

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"path/filepath"
	"testing"
)

func TestGenerateAndUserID(t *testing.T) {
	id, err := Generate("laptop")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if id.DeviceID == "" {
		t.Fatalf("expected device id")
	}
	if len(id.UserID()) != 16 {
		t.Fatalf("expected 16 hex chars, got %q", id.UserID())
	}
	if id.UserID() != UserIDFromSignKey(id.SigningPublicKey()) {
		t.Fatalf("user id not a pure function of the signing key")
	}
}

func TestSignVerify(t *testing.T) {
	id, err := Generate("laptop")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	msg := []byte("challenge bytes")
	sig := id.Sign(msg)
	if !ed25519.Verify(id.SigningPublicKey(), msg, sig) {
		t.Fatalf("expected signature to verify")
	}
	if ed25519.Verify(id.SigningPublicKey(), []byte("other"), sig) {
		t.Fatalf("expected verification to fail for other message")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	id, err := Load(path, "phone")
	if err != nil {
		t.Fatalf("Load (generate): %v", err)
	}

	again, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load (existing): %v", err)
	}
	if again.DeviceID != id.DeviceID {
		t.Fatalf("device id changed across load: %q vs %q", again.DeviceID, id.DeviceID)
	}
	if again.DeviceName != "phone" {
		t.Fatalf("device name lost: %q", again.DeviceName)
	}
	if again.UserID() != id.UserID() {
		t.Fatalf("user id changed across load")
	}
	if !bytes.Equal(again.EncryptionPublicKey(), id.EncryptionPublicKey()) {
		t.Fatalf("encryption key changed across load")
	}
}

func TestDeriveSharedKeyAgreement(t *testing.T) {
	a, _ := Generate("a")
	b, _ := Generate("b")

	ka, err := a.DeriveSharedKey(b.EncryptPublicKeyB64())
	if err != nil {
		t.Fatalf("DeriveSharedKey: %v", err)
	}
	kb, err := b.DeriveSharedKey(a.EncryptPublicKeyB64())
	if err != nil {
		t.Fatalf("DeriveSharedKey: %v", err)
	}
	if !bytes.Equal(ka, kb) {
		t.Fatalf("shared keys disagree")
	}
	if len(ka) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(ka))
	}

	if _, err := a.DeriveSharedKey("not-base64"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	a, _ := Generate("a")
	b, _ := Generate("b")
	key, _ := a.DeriveSharedKey(b.EncryptPublicKeyB64())

	plaintext := []byte(`{"hashes":["abc","def"]}`)
	env, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	out, err := Decrypt(env, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Fatalf("round trip mismatch: %q", out)
	}
}

func TestDecryptWrongKeyVsMalformed(t *testing.T) {
	a, _ := Generate("a")
	b, _ := Generate("b")
	c, _ := Generate("c")
	key, _ := a.DeriveSharedKey(b.EncryptPublicKeyB64())
	wrongKey, _ := a.DeriveSharedKey(c.EncryptPublicKeyB64())

	env, err := Encrypt([]byte("secret"), key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := Decrypt(env, wrongKey); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}

	broken := env
	broken.Nonce = "%%%"
	if _, err := Decrypt(broken, key); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}

	truncated := env
	truncated.MAC = ""
	if _, err := Decrypt(truncated, key); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope for missing mac, got %v", err)
	}
}
