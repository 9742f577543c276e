package manager

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"daybook-sync/internal/auth"
	"daybook-sync/internal/client"
	"daybook-sync/internal/config"
	"daybook-sync/internal/discovery"
	"daybook-sync/internal/eventset"
	"daybook-sync/internal/hub"
	"daybook-sync/internal/identity"
	"daybook-sync/internal/model"
	"daybook-sync/internal/server"
	"daybook-sync/internal/store"
)

// Status is the observable state of the sync subsystem.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusDiscovering Status = "discovering"
	StatusSyncing     Status = "syncing"
	StatusSuccess     Status = "success"
	StatusError       Status = "error"
)

// Manager owns the whole sync subsystem: identity, event set, trusted peers,
// discovery, the HTTP responder and the sync client. It runs the periodic
// sync pass and exposes the status/log stream.
type Manager struct {
	cfg config.Config

	id         *identity.Identity
	set        *eventset.Set
	events     *store.EventStore
	trusted    *store.TrustedPeerStore
	challenges *auth.ChallengeStore
	disc       *discovery.Discovery
	client     *client.Client
	hub        *hub.Hub
	srv        *http.Server

	mu       sync.Mutex
	status   Status
	running  bool
	stop     chan struct{}
	kick     chan struct{}
	debounce *time.Timer
	wg       sync.WaitGroup
}

// New constructs the subsystem in dependency order: identity, event set from
// the store, trusted peers, discovery, server, client.
func New(cfg config.Config) (*Manager, error) {
	id, err := identity.Load(cfg.IdentityPath(), cfg.DeviceName)
	if err != nil {
		return nil, err
	}

	events := store.NewEventStore(cfg.EventsPath())
	set, err := events.LoadEventSet()
	if err != nil {
		return nil, err
	}

	trusted, err := store.NewTrustedPeerStore(cfg.TrustedPeersPath())
	if err != nil {
		return nil, err
	}

	h := hub.New()
	authorizer := auth.NewAuthorizer(id.UserID(), trusted)
	disc := discovery.New(discovery.Config{
		UDPPort:           cfg.DiscoveryPort,
		HTTPPort:          cfg.HTTPPort,
		BroadcastInterval: cfg.BroadcastInterval,
		PeerTimeout:       cfg.PeerTimeout,
		PairingDuration:   cfg.PairingDuration,
		CodeValidity:      cfg.PairingCodeValidity,
		CodeGrace:         cfg.PairingCodeGrace,
	}, id, authorizer, h)

	m := &Manager{
		cfg:        cfg,
		id:         id,
		set:        set,
		events:     events,
		trusted:    trusted,
		challenges: auth.NewChallengeStore(),
		disc:       disc,
		client:     client.New(id),
		hub:        h,
		status:     StatusIdle,
		kick:       make(chan struct{}, 1),
	}

	router := server.NewRouter(server.Deps{
		Identity:   id,
		Events:     set,
		EventStore: events,
		Trusted:    trusted,
		Challenges: m.challenges,
		Authorizer: authorizer,
		Discovery:  disc,
		Hub:        h,
		Status:     func() string { return string(m.Status()) },
	})
	m.srv = server.NewHTTPServer(cfg.HTTPPort, router)

	return m, nil
}

// Start brings up discovery, the HTTP responder and the periodic sync loop.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stop = make(chan struct{})
	m.mu.Unlock()

	if err := m.disc.Start(); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("sync server: %v", err)
			m.hub.Publish(hub.KindLog, "sync server stopped: %v", err)
		}
	}()

	m.wg.Add(1)
	go m.syncLoop()

	m.setStatus(StatusDiscovering, "sync subsystem started")
	return nil
}

// Stop shuts everything down. In-flight per-peer syncs finish naturally; the
// timers and sockets are torn down.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
	m.mu.Unlock()

	m.disc.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.srv.Shutdown(ctx)

	m.wg.Wait()
	m.challenges.Close()
	m.setStatus(StatusIdle, "sync subsystem stopped")
}

func (m *Manager) syncLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.recoverStatus()
			m.runSyncPass(context.Background())
		case <-m.kick:
			m.recoverStatus()
			m.runSyncPass(context.Background())
		case <-m.stop:
			return
		}
	}
}

// runSyncPass drives the client against every currently known peer. One
// peer's failure never aborts the pass.
func (m *Manager) runSyncPass(ctx context.Context) {
	peers := m.disc.Peers()
	if len(peers) == 0 {
		m.setStatus(StatusDiscovering, "no peers known")
		return
	}

	m.setStatus(StatusSyncing, "syncing with %d peer(s)", len(peers))

	failures := 0
	var lastErr error
	for _, peer := range peers {
		result, err := m.client.SyncWithPeer(ctx, peer, m.set, m.events)
		if err != nil {
			failures++
			lastErr = err
			m.hub.Publish(hub.KindLog, "sync with %s failed: %v", peer.DeviceName, err)
			continue
		}
		if result.Pulled > 0 || result.Pushed > 0 {
			m.hub.Publish(hub.KindLog, "synced with %s: pulled %d, pushed %d",
				peer.DeviceName, result.Pulled, result.Pushed)
		}
	}

	if failures == len(peers) {
		m.setStatus(StatusError, "sync failed: %v", lastErr)
	} else {
		m.setStatus(StatusSuccess, "sync pass complete")
	}
}

// recoverStatus returns a settled outcome to idle before the next pass, so
// success and error stay observable between cycles.
func (m *Manager) recoverStatus() {
	m.mu.Lock()
	settled := m.status == StatusSuccess || m.status == StatusError
	m.mu.Unlock()
	if settled {
		m.setStatus(StatusIdle, "")
	}
}

// QueueEvent appends a locally created event, persists it and schedules a
// quick follow-up sync.
func (m *Manager) QueueEvent(kind model.EventKind, recordID, content string) (model.Event, error) {
	e := eventset.NewEvent(kind, recordID, content, time.Now().UnixMilli())
	if _, err := m.events.MergeEvents(m.set, []model.Event{e}); err != nil {
		return model.Event{}, err
	}
	m.hub.Publish(hub.KindLog, "queued %s event for %s", e.Kind, e.RecordID)

	m.mu.Lock()
	if m.running {
		if m.debounce != nil {
			m.debounce.Stop()
		}
		m.debounce = time.AfterFunc(m.cfg.SyncDebounce, m.SyncNow)
	}
	m.mu.Unlock()
	return e, nil
}

// SyncNow requests an immediate sync pass. The host's background scheduler
// calls this while the app is backgrounded.
func (m *Manager) SyncNow() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) setStatus(s Status, format string, args ...any) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
	if format != "" {
		m.hub.Publish(hub.KindLog, format, args...)
	}
	m.hub.Publish(hub.KindStatus, "%s", string(s))
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) Hub() *hub.Hub { return m.hub }

func (m *Manager) Identity() *identity.Identity { return m.id }

func (m *Manager) Peers() []model.Peer { return m.disc.Peers() }

func (m *Manager) TrustedPeers() []model.TrustedPeer { return m.trusted.List() }

// Records returns the materialized records whose latest mutation falls in
// [from, to), for the day-list UI.
func (m *Manager) Records(from, to int64) map[string]eventset.Record {
	return store.RecordsForRange(m.set, from, to)
}

// StartPairing switches discovery into pairing mode and returns the code to
// show the user.
func (m *Manager) StartPairing() (string, error) {
	return m.disc.StartPairing()
}

func (m *Manager) StopPairing() { m.disc.StopPairing() }

// PairingCandidates lists invitations seen from other devices while pairing.
func (m *Manager) PairingCandidates() []model.PairingInvitation {
	return m.disc.Candidates()
}

// PairWith submits a candidate's code to its device and persists the
// resulting trusted-peer record.
func (m *Manager) PairWith(ctx context.Context, peerURL, code string) (model.TrustedPeer, error) {
	peer, err := m.client.Pair(ctx, peerURL, code)
	if err != nil {
		return model.TrustedPeer{}, err
	}
	if err := m.trusted.Add(peer); err != nil {
		return model.TrustedPeer{}, err
	}
	m.hub.Publish(hub.KindPairing, "paired with %s (%s)", peer.DeviceName, peer.DeviceID)
	return peer, nil
}
