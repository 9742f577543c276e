package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidKey = errors.New("invalid key")
)

// Identity holds this device's long-lived keypairs: Ed25519 for signing and
// X25519 for key agreement. Generated once and persisted for the lifetime of
// the device.
type Identity struct {
	DeviceID   string
	DeviceName string

	signPublic  ed25519.PublicKey
	signPrivate ed25519.PrivateKey

	encryptPublic  []byte
	encryptPrivate []byte
}

// Generate mints a fresh identity with a new device id and both keypairs.
func Generate(deviceName string) (*Identity, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	encPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(encPriv); err != nil {
		return nil, err
	}
	encPub, err := curve25519.X25519(encPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	return &Identity{
		DeviceID:       uuid.NewString(),
		DeviceName:     deviceName,
		signPublic:     signPub,
		signPrivate:    signPriv,
		encryptPublic:  encPub,
		encryptPrivate: encPriv,
	}, nil
}

// FromSigningSeed derives an identity from a user's 32-byte recovery seed.
// Devices provisioned from the same seed share the signing key and therefore
// the user id, which is what makes them sync without explicit pairing.
func FromSigningSeed(seed []byte, deviceName string) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes", ErrInvalidKey, ed25519.SeedSize)
	}

	signPriv := ed25519.NewKeyFromSeed(seed)

	encSeed := sha256.Sum256(append([]byte("daybook-sync/encrypt/"), seed...))
	encPriv := encSeed[:]
	encPub, err := curve25519.X25519(encPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	return &Identity{
		DeviceID:       uuid.NewString(),
		DeviceName:     deviceName,
		signPublic:     signPriv.Public().(ed25519.PublicKey),
		signPrivate:    signPriv,
		encryptPublic:  encPub,
		encryptPrivate: encPriv,
	}, nil
}

type persistedIdentity struct {
	Version           int    `json:"version"`
	DeviceID          string `json:"deviceId"`
	DeviceName        string `json:"deviceName"`
	SignPrivateKey    string `json:"signPrivateKey"`
	EncryptPrivateKey string `json:"encryptPrivateKey"`
}

// Load reads the identity file at path, generating and persisting a fresh
// identity if the file does not exist yet.
func Load(path, deviceName string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			id, err := Generate(deviceName)
			if err != nil {
				return nil, err
			}
			if err := id.Save(path); err != nil {
				return nil, err
			}
			return id, nil
		}
		return nil, err
	}

	var file persistedIdentity
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if file.Version != 1 {
		return nil, errors.New("unsupported identity file version")
	}

	signPriv, err := base64.StdEncoding.DecodeString(file.SignPrivateKey)
	if err != nil || len(signPriv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity file: %w: signing key", ErrInvalidKey)
	}
	encPriv, err := base64.StdEncoding.DecodeString(file.EncryptPrivateKey)
	if err != nil || len(encPriv) != curve25519.ScalarSize {
		return nil, fmt.Errorf("identity file: %w: encryption key", ErrInvalidKey)
	}
	encPub, err := curve25519.X25519(encPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	name := file.DeviceName
	if deviceName != "" {
		name = deviceName
	}

	return &Identity{
		DeviceID:       file.DeviceID,
		DeviceName:     name,
		signPublic:     ed25519.PrivateKey(signPriv).Public().(ed25519.PublicKey),
		signPrivate:    signPriv,
		encryptPublic:  encPub,
		encryptPrivate: encPriv,
	}, nil
}

// Save writes the identity to path via a temp file and rename.
func (id *Identity) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	file := persistedIdentity{
		Version:           1,
		DeviceID:          id.DeviceID,
		DeviceName:        id.DeviceName,
		SignPrivateKey:    base64.StdEncoding.EncodeToString(id.signPrivate),
		EncryptPrivateKey: base64.StdEncoding.EncodeToString(id.encryptPrivate),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// UserID derives the user id from the signing public key: the first 16 hex
// characters of its SHA-256 digest. Devices generated from the same exported
// signing key share a user id.
func (id *Identity) UserID() string {
	return UserIDFromSignKey(id.signPublic)
}

// UserIDFromSignKey computes the user id for an arbitrary signing public key.
func UserIDFromSignKey(signPublic []byte) string {
	sum := sha256.Sum256(signPublic)
	return hex.EncodeToString(sum[:])[:16]
}

func (id *Identity) SigningPublicKey() ed25519.PublicKey { return id.signPublic }

func (id *Identity) EncryptionPublicKey() []byte { return id.encryptPublic }

func (id *Identity) SignPublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(id.signPublic)
}

func (id *Identity) EncryptPublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(id.encryptPublic)
}

// Sign signs message with the device's Ed25519 key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.signPrivate, message)
}

// SignB64 signs message and returns the signature base64-encoded.
func (id *Identity) SignB64(message []byte) string {
	return base64.StdEncoding.EncodeToString(id.Sign(message))
}
