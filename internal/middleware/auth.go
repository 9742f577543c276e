package middleware

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"daybook-sync/internal/auth"
	"daybook-sync/internal/identity"
	"daybook-sync/internal/model"
)

const (
	// HeaderAuthResponse carries base64 JSON {challenge, signature, signPublicKey}.
	HeaderAuthResponse = "X-Auth-Response"
	// HeaderEncryptKey carries the caller's base64 X25519 public key.
	HeaderEncryptKey = "X-Encrypt-Key"

	sharedKeyContextKey    = "syncSharedKey"
	senderUserIDContextKey = "syncSenderUserID"
	senderKeyContextKey    = "syncSenderSignKey"
)

// AuthDeps are the collaborators the per-request handshake needs.
type AuthDeps struct {
	Identity   *identity.Identity
	Challenges *auth.ChallengeStore
	Authorizer *auth.Authorizer
}

// SharedKeyFromContext returns the per-request symmetric key derived during
// authentication.
func SharedKeyFromContext(c *gin.Context) ([]byte, bool) {
	v, ok := c.Get(sharedKeyContextKey)
	if !ok {
		return nil, false
	}
	key, ok := v.([]byte)
	return key, ok && len(key) > 0
}

// SenderFromContext returns the authenticated sender's derived user id and
// signing public key.
func SenderFromContext(c *gin.Context) (userID, signPublicKey string, ok bool) {
	u, uok := c.Get(senderUserIDContextKey)
	k, kok := c.Get(senderKeyContextKey)
	if !uok || !kok {
		return "", "", false
	}
	userID, uok = u.(string)
	signPublicKey, kok = k.(string)
	return userID, signPublicKey, uok && kok && userID != ""
}

// RequireAuth authenticates a request with the one-time challenge handshake
// and enforces the trust policy. On success the challenge is consumed and the
// per-request shared key is placed in the context.
func RequireAuth(deps AuthDeps) gin.HandlerFunc {
	return handshake(deps, true)
}

// RequirePairingAuth runs the same handshake but skips the trust policy:
// pairing is exactly the moment the caller is not yet trusted.
func RequirePairingAuth(deps AuthDeps) gin.HandlerFunc {
	return handshake(deps, false)
}

func handshake(deps AuthDeps, enforceTrust bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		reject := func() {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication failed"})
			c.Abort()
		}

		rawAuth := c.GetHeader(HeaderAuthResponse)
		encryptKey := c.GetHeader(HeaderEncryptKey)
		if rawAuth == "" || encryptKey == "" {
			reject()
			return
		}

		decoded, err := base64.StdEncoding.DecodeString(rawAuth)
		if err != nil {
			reject()
			return
		}
		var resp model.AuthResponse
		if err := json.Unmarshal(decoded, &resp); err != nil {
			reject()
			return
		}

		if err := auth.VerifyChallengeSignature(resp.SignPublicKey, resp.Challenge, resp.Signature); err != nil {
			reject()
			return
		}

		// One-time use: the challenge is burned here even if the trust
		// check below fails.
		if !deps.Challenges.Consume(resp.Challenge) {
			reject()
			return
		}

		senderUserID, err := auth.DeriveUserID(resp.SignPublicKey)
		if err != nil {
			reject()
			return
		}
		if enforceTrust && !deps.Authorizer.IsAuthorizedKey(senderUserID, resp.SignPublicKey) {
			reject()
			return
		}

		key, err := deps.Identity.DeriveSharedKey(encryptKey)
		if err != nil {
			reject()
			return
		}

		c.Set(sharedKeyContextKey, key)
		c.Set(senderUserIDContextKey, senderUserID)
		c.Set(senderKeyContextKey, resp.SignPublicKey)
		c.Next()
	}
}
