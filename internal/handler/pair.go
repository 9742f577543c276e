package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"daybook-sync/internal/auth"
	"daybook-sync/internal/discovery"
	"daybook-sync/internal/hub"
	"daybook-sync/internal/identity"
	"daybook-sync/internal/middleware"
	"daybook-sync/internal/model"
	"daybook-sync/internal/store"
)

// PairHandler confirms a pairing exchange. It runs behind the pairing
// variant of the auth middleware: the caller has proven possession of its
// signing key but is not yet trusted.
type PairHandler struct {
	Identity  *identity.Identity
	Trusted   *store.TrustedPeerStore
	Discovery *discovery.Discovery
	Hub       *hub.Hub
}

func (h *PairHandler) Pair(c *gin.Context) {
	if !h.Discovery.Pairing() {
		c.JSON(http.StatusConflict, gin.H{"error": "Not in pairing mode"})
		return
	}

	key, ok := middleware.SharedKeyFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication failed"})
		return
	}
	_, senderKey, ok := middleware.SenderFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication failed"})
		return
	}

	var env identity.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	plaintext, err := identity.Decrypt(env, key)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Decryption failed"})
		return
	}

	var req model.PairRequest
	if err := json.Unmarshal(plaintext, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	// the identity in the body must be the one that signed the handshake
	if req.DeviceID == "" || req.SignPublicKey != senderKey {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Identity mismatch"})
		return
	}

	if !h.Discovery.ValidateCode(req.Code) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid pairing code"})
		return
	}

	peerUserID, err := auth.DeriveUserID(req.SignPublicKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid public key"})
		return
	}

	now := time.Now().UnixMilli()
	peer := model.TrustedPeer{
		DeviceID:         req.DeviceID,
		UserID:           peerUserID,
		DeviceName:       req.DeviceName,
		SignPublicKey:    req.SignPublicKey,
		EncryptPublicKey: req.EncryptPublicKey,
		PairedAt:         now,
		LastSeen:         now,
	}
	if err := h.Trusted.Add(peer); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Persistence failed"})
		return
	}

	h.Discovery.StopPairing()
	h.Hub.Publish(hub.KindPairing, "paired with %s (%s)", peer.DeviceName, peer.DeviceID)

	resp := model.PairResponse{
		DeviceID:         h.Identity.DeviceID,
		DeviceName:       h.Identity.DeviceName,
		UserID:           h.Identity.UserID(),
		SignPublicKey:    h.Identity.SignPublicKeyB64(),
		EncryptPublicKey: h.Identity.EncryptPublicKeyB64(),
	}
	out, err := json.Marshal(resp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Encoding failed"})
		return
	}
	outEnv, err := identity.Encrypt(out, key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Encryption failed"})
		return
	}
	c.JSON(http.StatusOK, outEnv)
}
