package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo pins the derived key to this protocol version. Changing it makes
// old and new devices mutually unintelligible, which is the intent.
const hkdfInfo = "daybook-sync/v1"

const macSize = 16

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrDecryptFailed     = errors.New("decryption failed")
)

// Envelope is the wire form of an encrypted body: ChaCha20-Poly1305 with the
// authentication tag carried as its own field. All three are base64.
type Envelope struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}

// DeriveSharedKey runs X25519 against the peer's encryption public key and
// expands the shared secret through HKDF-SHA256 into a 32-byte symmetric key.
// Both sides derive the identical key from their own private half.
func (id *Identity) DeriveSharedKey(peerEncryptKeyB64 string) ([]byte, error) {
	peerPub, err := base64.StdEncoding.DecodeString(peerEncryptKeyB64)
	if err != nil || len(peerPub) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: peer encryption key", ErrInvalidKey)
	}

	secret, err := curve25519.X25519(id.encryptPrivate, peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals plaintext under key with a fresh random nonce.
func Encrypt(plaintext, key []byte) (Envelope, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, err
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - macSize
	return Envelope{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:split]),
		MAC:        base64.StdEncoding.EncodeToString(sealed[split:]),
	}, nil
}

// Decrypt opens an envelope. A structurally broken envelope reports
// ErrMalformedEnvelope; a well-formed envelope that fails authentication
// (wrong key, tampered ciphertext) reports ErrDecryptFailed.
func Decrypt(env Envelope, key []byte) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != chacha20poly1305.NonceSize {
		return nil, ErrMalformedEnvelope
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrMalformedEnvelope
	}
	mac, err := base64.StdEncoding.DecodeString(env.MAC)
	if err != nil || len(mac) != macSize {
		return nil, ErrMalformedEnvelope
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	plaintext, err := aead.Open(nil, nonce, append(ciphertext, mac...), nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
