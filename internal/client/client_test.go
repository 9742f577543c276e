package client

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"daybook-sync/internal/auth"
	"daybook-sync/internal/discovery"
	"daybook-sync/internal/eventset"
	"daybook-sync/internal/hub"
	"daybook-sync/internal/identity"
	"daybook-sync/internal/model"
	"daybook-sync/internal/server"
	"daybook-sync/internal/store"
)

// device is one side of a sync exchange: an identity, its stores, and (for
// the responding side) a running HTTP server.
type device struct {
	id     *identity.Identity
	set    *eventset.Set
	events *store.EventStore
	disc   *discovery.Discovery
}

func newDevice(t *testing.T, id *identity.Identity) *device {
	t.Helper()
	dir := t.TempDir()
	events := store.NewEventStore(filepath.Join(dir, "events.json"))
	set, err := events.LoadEventSet()
	if err != nil {
		t.Fatalf("LoadEventSet: %v", err)
	}
	return &device{id: id, set: set, events: events}
}

// serve exposes the device's sync server on a test listener and returns its
// base URL as a peer record.
func (d *device) serve(t *testing.T) model.Peer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	trusted, err := store.NewTrustedPeerStore(filepath.Join(dir, "trusted_peers.json"))
	if err != nil {
		t.Fatalf("NewTrustedPeerStore: %v", err)
	}
	h := hub.New()
	challenges := auth.NewChallengeStore()
	t.Cleanup(challenges.Close)
	authorizer := auth.NewAuthorizer(d.id.UserID(), trusted)
	d.disc = discovery.New(discovery.Config{}, d.id, authorizer, h)

	router := server.NewRouter(server.Deps{
		Identity:   d.id,
		Events:     d.set,
		EventStore: d.events,
		Trusted:    trusted,
		Challenges: challenges,
		Authorizer: authorizer,
		Discovery:  d.disc,
		Hub:        h,
		Status:     func() string { return "idle" },
	})

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return model.Peer{
		DeviceID:         d.id.DeviceID,
		DeviceName:       d.id.DeviceName,
		URL:              ts.URL,
		SignPublicKey:    d.id.SignPublicKeyB64(),
		EncryptPublicKey: d.id.EncryptPublicKeyB64(),
	}
}

func sameUserIdentities(t *testing.T, names ...string) []*identity.Identity {
	t.Helper()
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("rand: %v", err)
	}
	ids := make([]*identity.Identity, 0, len(names))
	for _, name := range names {
		id, err := identity.FromSigningSeed(seed, name)
		if err != nil {
			t.Fatalf("FromSigningSeed: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestSyncPushesToEmptyPeer(t *testing.T) {
	ids := sameUserIdentities(t, "device-x", "device-y")
	x := newDevice(t, ids[0])
	y := newDevice(t, ids[1])

	e1 := eventset.NewEvent(model.EventCreate, "r1", "hello", 1000)
	if _, err := x.events.MergeEvents(x.set, []model.Event{e1}); err != nil {
		t.Fatalf("MergeEvents: %v", err)
	}

	peer := y.serve(t)
	result, err := New(x.id).SyncWithPeer(context.Background(), peer, x.set, x.events)
	if err != nil {
		t.Fatalf("SyncWithPeer: %v", err)
	}
	if result.Pushed != 1 || result.Pulled != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	if _, ok := y.set.HashSet()[e1.Hash]; !ok {
		t.Fatalf("peer inventory missing pushed event")
	}
	if rec := y.set.Materialize()["r1"]; rec.Content != "hello" {
		t.Fatalf("peer materialized %+v", rec)
	}
}

func TestSyncPullsFromPeer(t *testing.T) {
	ids := sameUserIdentities(t, "device-x", "device-y")
	x := newDevice(t, ids[0])
	y := newDevice(t, ids[1])

	// y holds everything, so the pass is pull-only and the pull leg must
	// authenticate on its own after the inventory call consumed a challenge
	e1 := eventset.NewEvent(model.EventCreate, "r1", "hello", 1000)
	e2 := eventset.NewEvent(model.EventUpdate, "r1", "edited", 2000)
	if _, err := y.events.MergeEvents(y.set, []model.Event{e1, e2}); err != nil {
		t.Fatalf("MergeEvents: %v", err)
	}

	peer := y.serve(t)
	result, err := New(x.id).SyncWithPeer(context.Background(), peer, x.set, x.events)
	if err != nil {
		t.Fatalf("SyncWithPeer: %v", err)
	}
	if result.Pulled != 2 || result.Pushed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if rec := x.set.Materialize()["r1"]; rec.Content != "edited" {
		t.Fatalf("materialized %+v, want edited", rec)
	}
}

func TestSyncConvergesConcurrentUpdates(t *testing.T) {
	ids := sameUserIdentities(t, "device-x", "device-y")
	x := newDevice(t, ids[0])
	y := newDevice(t, ids[1])

	base := eventset.NewEvent(model.EventCreate, "r1", "start", 1000)
	fromX := eventset.NewEvent(model.EventUpdate, "r1", "from-x", 2000)
	fromY := eventset.NewEvent(model.EventUpdate, "r1", "from-y", 2001)
	if _, err := x.events.MergeEvents(x.set, []model.Event{base, fromX}); err != nil {
		t.Fatalf("MergeEvents x: %v", err)
	}
	if _, err := y.events.MergeEvents(y.set, []model.Event{base, fromY}); err != nil {
		t.Fatalf("MergeEvents y: %v", err)
	}

	peer := y.serve(t)
	result, err := New(x.id).SyncWithPeer(context.Background(), peer, x.set, x.events)
	if err != nil {
		t.Fatalf("SyncWithPeer: %v", err)
	}
	if result.Pulled != 1 || result.Pushed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	if x.set.Len() != 3 || y.set.Len() != 3 {
		t.Fatalf("sets did not converge: x=%d y=%d", x.set.Len(), y.set.Len())
	}
	if rec := x.set.Materialize()["r1"]; rec.Content != "from-y" {
		t.Fatalf("x materialized %+v, want from-y", rec)
	}
	if rec := y.set.Materialize()["r1"]; rec.Content != "from-y" {
		t.Fatalf("y materialized %+v, want from-y", rec)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	ids := sameUserIdentities(t, "device-x", "device-y")
	x := newDevice(t, ids[0])
	y := newDevice(t, ids[1])

	e1 := eventset.NewEvent(model.EventCreate, "r1", "hello", 1000)
	if _, err := x.events.MergeEvents(x.set, []model.Event{e1}); err != nil {
		t.Fatalf("MergeEvents: %v", err)
	}

	peer := y.serve(t)
	c := New(x.id)
	if _, err := c.SyncWithPeer(context.Background(), peer, x.set, x.events); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	result, err := c.SyncWithPeer(context.Background(), peer, x.set, x.events)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if result.Pulled != 0 || result.Pushed != 0 {
		t.Fatalf("second sync moved events: %+v", result)
	}
}

func TestSyncRejectedForDifferentUser(t *testing.T) {
	xID, _ := identity.Generate("device-x")
	yID, _ := identity.Generate("device-y")
	x := newDevice(t, xID)
	y := newDevice(t, yID)

	if _, err := x.events.MergeEvents(x.set, []model.Event{
		eventset.NewEvent(model.EventCreate, "r1", "secret", 1000),
	}); err != nil {
		t.Fatalf("MergeEvents: %v", err)
	}

	peer := y.serve(t)
	_, err := New(x.id).SyncWithPeer(context.Background(), peer, x.set, x.events)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Reason != ReasonHTTP {
		t.Fatalf("expected http failure for untrusted user, got %v", err)
	}
	if y.set.Len() != 0 {
		t.Fatalf("unauthorized sync leaked events")
	}
}

func TestSyncTransportFailure(t *testing.T) {
	ids := sameUserIdentities(t, "device-x")
	x := newDevice(t, ids[0])

	peer := model.Peer{URL: "http://127.0.0.1:1", DeviceName: "gone"}
	_, err := New(x.id).SyncWithPeer(context.Background(), peer, x.set, x.events)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Reason != ReasonTransport {
		t.Fatalf("expected transport failure, got %v", err)
	}
}

func TestSyncBodyReadFailure(t *testing.T) {
	ids := sameUserIdentities(t, "device-x")
	x := newDevice(t, ids[0])
	srvID, _ := identity.Generate("truncating")

	// valid challenge, then a body shorter than its declared length so the
	// read aborts mid-response
	truncating := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sync/challenge" {
			nonce := make([]byte, 32)
			_, _ = rand.Read(nonce)
			_ = json.NewEncoder(w).Encode(model.ChallengeResponse{
				Challenge:        base64.StdEncoding.EncodeToString(nonce),
				ServerEncryptKey: srvID.EncryptPublicKeyB64(),
			})
			return
		}
		w.Header().Set("Content-Length", "512")
		_, _ = w.Write([]byte("short"))
	}))
	defer truncating.Close()

	peer := model.Peer{URL: truncating.URL, DeviceName: "truncating"}
	_, err := New(x.id).SyncWithPeer(context.Background(), peer, x.set, x.events)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Reason != ReasonTransport {
		t.Fatalf("expected transport failure, got %v", err)
	}
}

func TestSyncHTTPStatusFailure(t *testing.T) {
	ids := sameUserIdentities(t, "device-x")
	x := newDevice(t, ids[0])

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	peer := model.Peer{URL: broken.URL, DeviceName: "broken"}
	_, err := New(x.id).SyncWithPeer(context.Background(), peer, x.set, x.events)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Reason != ReasonHTTP {
		t.Fatalf("expected http failure, got %v", err)
	}
}
