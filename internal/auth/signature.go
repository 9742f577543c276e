package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"

	"daybook-sync/internal/identity"
)

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// VerifyChallengeSignature checks an Ed25519 signature over the raw bytes of
// a base64-encoded challenge. All inputs arrive base64-encoded off the wire.
func VerifyChallengeSignature(publicKeyB64, challengeB64, signatureB64 string) error {
	publicKey, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return ErrInvalidPublicKey
	}

	challenge, err := base64.StdEncoding.DecodeString(challengeB64)
	if err != nil || len(challenge) == 0 {
		return ErrInvalidSignature
	}

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}

	if !ed25519.Verify(ed25519.PublicKey(publicKey), challenge, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyPayloadSignature checks an Ed25519 signature over arbitrary payload
// bytes (discovery packets sign their JSON payload directly).
func VerifyPayloadSignature(publicKeyB64 string, payload []byte, signatureB64 string) error {
	publicKey, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return ErrInvalidPublicKey
	}

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}

	if !ed25519.Verify(ed25519.PublicKey(publicKey), payload, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// DeriveUserID computes the user id for a base64 signing public key.
func DeriveUserID(signPublicKeyB64 string) (string, error) {
	publicKey, err := base64.StdEncoding.DecodeString(signPublicKeyB64)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return "", ErrInvalidPublicKey
	}
	return identity.UserIDFromSignKey(publicKey), nil
}
