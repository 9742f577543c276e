package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"daybook-sync/internal/auth"
	"daybook-sync/internal/eventset"
	"daybook-sync/internal/identity"
	"daybook-sync/internal/middleware"
	"daybook-sync/internal/model"
	"daybook-sync/internal/store"
)

// SyncHandler implements the four sync endpoints. Each authenticated request
// carries its own challenge proof; the middleware has already derived the
// per-request key by the time these run.
type SyncHandler struct {
	Identity   *identity.Identity
	Events     *eventset.Set
	EventStore *store.EventStore
	Challenges *auth.ChallengeStore
}

// Challenge mints a one-time nonce and advertises this device's encryption
// public key. The only unencrypted response in the protocol.
func (h *SyncHandler) Challenge(c *gin.Context) {
	challenge, err := h.Challenges.Mint()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Challenge creation failed"})
		return
	}
	c.JSON(http.StatusOK, model.ChallengeResponse{
		Challenge:        challenge,
		ServerEncryptKey: h.Identity.EncryptPublicKeyB64(),
	})
}

// Inventory returns all known event hashes, encrypted.
func (h *SyncHandler) Inventory(c *gin.Context) {
	h.respondEncrypted(c, model.InventoryBody{Hashes: h.Events.Hashes()})
}

// Pull returns full events for the requested hashes. Unknown hashes are
// silently dropped.
func (h *SyncHandler) Pull(c *gin.Context) {
	var hashes []string
	if raw := c.Query("hashes"); raw != "" {
		hashes = strings.Split(raw, ",")
	}
	h.respondEncrypted(c, model.EventsBody{Events: h.Events.EventsFor(hashes)})
}

// Push decrypts a batch of events, merges them and persists the result.
func (h *SyncHandler) Push(c *gin.Context) {
	key, ok := middleware.SharedKeyFromContext(c)
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

	var body model.EventsBody
	if err := json.Unmarshal(plaintext, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	// events whose hash does not match their content are discarded
	events := make([]model.Event, 0, len(body.Events))
	for _, e := range body.Events {
		if e.Hash == "" || eventset.HashEvent(e) != e.Hash {
			continue
		}
		events = append(events, e)
	}

	added, err := h.EventStore.MergeEvents(h.Events, events)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Persistence failed"})
		return
	}
	h.respondEncrypted(c, model.PushResult{Added: added})
}

func (h *SyncHandler) respondEncrypted(c *gin.Context, body any) {
	key, ok := middleware.SharedKeyFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication failed"})
		return
	}

	plaintext, err := json.Marshal(body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Encoding failed"})
		return
	}
	env, err := identity.Encrypt(plaintext, key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Encryption failed"})
		return
	}
	c.JSON(http.StatusOK, env)
}
