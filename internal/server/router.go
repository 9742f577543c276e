package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"daybook-sync/internal/auth"
	"daybook-sync/internal/discovery"
	"daybook-sync/internal/eventset"
	"daybook-sync/internal/handler"
	"daybook-sync/internal/hub"
	"daybook-sync/internal/identity"
	"daybook-sync/internal/middleware"
	"daybook-sync/internal/store"
)

// Deps are the constructed services the router wires together. Nothing here
// is a global; the orchestrator owns all lifecycles.
type Deps struct {
	Identity   *identity.Identity
	Events     *eventset.Set
	EventStore *store.EventStore
	Trusted    *store.TrustedPeerStore
	Challenges *auth.ChallengeStore
	Authorizer *auth.Authorizer
	Discovery  *discovery.Discovery
	Hub        *hub.Hub
	Status     func() string
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true, "deviceId": deps.Identity.DeviceID})
	})

	authDeps := middleware.AuthDeps{
		Identity:   deps.Identity,
		Challenges: deps.Challenges,
		Authorizer: deps.Authorizer,
	}

	syncHandler := &handler.SyncHandler{
		Identity:   deps.Identity,
		Events:     deps.Events,
		EventStore: deps.EventStore,
		Challenges: deps.Challenges,
	}

	challengeLimiter := middleware.NewRateLimiter(30, time.Minute)
	r.GET("/sync/challenge", middleware.RateLimit(challengeLimiter), syncHandler.Challenge)

	protected := r.Group("/sync")
	protected.Use(middleware.RequireAuth(authDeps))
	protected.GET("/inventory", syncHandler.Inventory)
	protected.GET("/pull", syncHandler.Pull)
	protected.POST("/push", syncHandler.Push)

	pairHandler := &handler.PairHandler{
		Identity:  deps.Identity,
		Trusted:   deps.Trusted,
		Discovery: deps.Discovery,
		Hub:       deps.Hub,
	}
	r.POST("/sync/pair", middleware.RequirePairingAuth(authDeps), pairHandler.Pair)

	statusHandler := &handler.StatusHandler{Hub: deps.Hub, Status: deps.Status}
	r.GET("/sync/status", statusHandler.Serve)

	return r
}
