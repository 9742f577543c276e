package discovery

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"daybook-sync/internal/auth"
	"daybook-sync/internal/hub"
	"daybook-sync/internal/identity"
	"daybook-sync/internal/model"
)

const maxDatagramSize = 4096

// Config tunes the discovery protocol. Zero values fall back to defaults.
type Config struct {
	UDPPort           int
	HTTPPort          int
	BroadcastInterval time.Duration
	PeerTimeout       time.Duration
	PairingDuration   time.Duration
	CodeValidity      time.Duration
	CodeGrace         time.Duration
}

func (c *Config) applyDefaults() {
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = 5 * time.Second
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = 15 * time.Second
	}
	if c.PairingDuration <= 0 {
		c.PairingDuration = 2 * time.Minute
	}
	if c.CodeValidity <= 0 {
		c.CodeValidity = 30 * time.Second
	}
	if c.CodeGrace <= 0 {
		c.CodeGrace = 5 * time.Second
	}
}

// Discovery broadcasts signed presence packets on the LAN and maintains the
// table of currently reachable peers. While pairing, broadcasts carry a
// rotating invitation code instead.
type Discovery struct {
	cfg   Config
	id    *identity.Identity
	authz *auth.Authorizer
	hub   *hub.Hub
	now   func() time.Time

	mu      sync.Mutex
	conn    *net.UDPConn
	peers   map[string]model.Peer
	running bool

	pairing     bool
	code        string
	codeExpires time.Time
	prevCode    string
	prevExpires time.Time
	pairingEnds time.Time
	candidates  map[string]model.PairingInvitation

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, id *identity.Identity, authz *auth.Authorizer, h *hub.Hub) *Discovery {
	cfg.applyDefaults()
	return &Discovery{
		cfg:        cfg,
		id:         id,
		authz:      authz,
		hub:        h,
		now:        time.Now,
		peers:      make(map[string]model.Peer),
		candidates: make(map[string]model.PairingInvitation),
	}
}

// Start opens the UDP socket and launches the broadcast, receive and sweep
// loops.
func (d *Discovery) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: d.cfg.UDPPort})
	if err != nil {
		return fmt.Errorf("discovery: listen udp: %w", err)
	}
	d.conn = conn
	d.running = true
	d.stop = make(chan struct{})

	d.wg.Add(3)
	go d.broadcastLoop()
	go d.receiveLoop()
	go d.sweepLoop()
	return nil
}

// Stop closes the socket and waits for the loops to drain.
func (d *Discovery) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.pairing = false
	close(d.stop)
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()

	_ = conn.Close()
	d.wg.Wait()
}

func (d *Discovery) stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.running
}

// Peers returns a snapshot of currently known peers, ordered by device id.
func (d *Discovery) Peers() []model.Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (d *Discovery) broadcastLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.BroadcastInterval)
	defer ticker.Stop()

	d.broadcastOnce()
	for {
		select {
		case <-ticker.C:
			d.broadcastOnce()
		case <-d.stop:
			return
		}
	}
}

func (d *Discovery) broadcastOnce() {
	payload := d.buildPayload()
	if payload == nil {
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	packet := model.DiscoveryPacket{
		Payload:   *payload,
		Signature: d.id.SignB64(raw),
	}
	data, err := json.Marshal(packet)
	if err != nil {
		return
	}

	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return
	}

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: d.cfg.UDPPort}
	if _, err := conn.WriteToUDP(data, dst); err != nil {
		log.Printf("discovery: broadcast: %v", err)
	}
}

// buildPayload assembles the next broadcast, rotating the pairing code and
// ending pairing mode when their windows lapse.
func (d *Discovery) buildPayload() *model.DiscoveryPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}

	now := d.now()
	payload := &model.DiscoveryPayload{
		Type:             model.PacketTypeDiscovery,
		DeviceID:         d.id.DeviceID,
		DeviceName:       d.id.DeviceName,
		HTTPPort:         d.cfg.HTTPPort,
		Timestamp:        now.UnixMilli(),
		SignPublicKey:    d.id.SignPublicKeyB64(),
		EncryptPublicKey: d.id.EncryptPublicKeyB64(),
	}

	if !d.pairing {
		return payload
	}
	if now.After(d.pairingEnds) {
		d.endPairingLocked("pairing mode timed out")
		return payload
	}
	if now.After(d.codeExpires) {
		d.rotateCodeLocked(now)
	}

	payload.Type = model.PacketTypePairingInvitation
	payload.PairingCode = d.code
	payload.ValidUntil = d.codeExpires.UnixMilli()
	return payload
}

func (d *Discovery) receiveLoop() {
	defer d.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		d.mu.Lock()
		conn := d.conn
		d.mu.Unlock()
		if conn == nil {
			return
		}

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if d.stopped() {
				return
			}
			// transient socket error: back off and re-arm
			select {
			case <-time.After(time.Second):
				continue
			case <-d.stop:
				return
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		d.handleDatagram(data, addr.IP.String())
	}
}

// handleDatagram validates and applies one received packet. Split out from
// the socket loop so the protocol logic is testable without a network.
func (d *Discovery) handleDatagram(data []byte, senderAddr string) {
	var packet model.DiscoveryPacket
	if err := json.Unmarshal(data, &packet); err != nil {
		return
	}
	payload := packet.Payload
	if payload.DeviceID == "" || payload.DeviceID == d.id.DeviceID {
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := auth.VerifyPayloadSignature(payload.SignPublicKey, raw, packet.Signature); err != nil {
		return
	}

	senderUserID, err := auth.DeriveUserID(payload.SignPublicKey)
	if err != nil {
		return
	}

	switch payload.Type {
	case model.PacketTypeDiscovery:
		if !d.authz.IsAuthorized(senderUserID, payload.DeviceID) {
			return
		}
		d.upsertPeer(payload, senderAddr)
	case model.PacketTypePairingInvitation:
		d.addCandidate(payload, senderAddr)
	}
}

func (d *Discovery) upsertPeer(payload model.DiscoveryPayload, senderAddr string) {
	peer := model.Peer{
		DeviceID:         payload.DeviceID,
		DeviceName:       payload.DeviceName,
		Address:          senderAddr,
		Port:             payload.HTTPPort,
		URL:              fmt.Sprintf("http://%s:%d", senderAddr, payload.HTTPPort),
		SignPublicKey:    payload.SignPublicKey,
		EncryptPublicKey: payload.EncryptPublicKey,
		LastSeen:         d.now().UnixMilli(),
	}

	d.mu.Lock()
	_, known := d.peers[peer.DeviceID]
	d.peers[peer.DeviceID] = peer
	d.mu.Unlock()

	if !known {
		d.hub.Publish(hub.KindPeerFound, "peer discovered: %s (%s)", peer.DeviceName, peer.DeviceID)
	}
}

// addCandidate surfaces a pairing invitation from another device, but only
// while this device is in pairing mode itself and the code is unexpired.
func (d *Discovery) addCandidate(payload model.DiscoveryPayload, senderAddr string) {
	now := d.now()

	d.mu.Lock()
	pairing := d.pairing
	if pairing && payload.ValidUntil >= now.UnixMilli() {
		d.candidates[payload.DeviceID] = model.PairingInvitation{
			DeviceID:         payload.DeviceID,
			DeviceName:       payload.DeviceName,
			Address:          senderAddr,
			Port:             payload.HTTPPort,
			URL:              fmt.Sprintf("http://%s:%d", senderAddr, payload.HTTPPort),
			SignPublicKey:    payload.SignPublicKey,
			EncryptPublicKey: payload.EncryptPublicKey,
			Code:             payload.PairingCode,
			ValidUntil:       payload.ValidUntil,
		}
	} else {
		pairing = false
	}
	d.mu.Unlock()

	if pairing {
		d.hub.Publish(hub.KindPairing, "pairing candidate: %s (%s)", payload.DeviceName, payload.DeviceID)
	}
}

func (d *Discovery) sweepLoop() {
	defer d.wg.Done()

	interval := d.cfg.PeerTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.SweepStale()
		case <-d.stop:
			return
		}
	}
}

// SweepStale evicts peers whose lastSeen fell behind the peer timeout.
func (d *Discovery) SweepStale() {
	cutoff := d.now().Add(-d.cfg.PeerTimeout).UnixMilli()

	var lost []model.Peer
	d.mu.Lock()
	for id, p := range d.peers {
		if p.LastSeen < cutoff {
			delete(d.peers, id)
			lost = append(lost, p)
		}
	}
	d.mu.Unlock()

	for _, p := range lost {
		d.hub.Publish(hub.KindPeerLost, "peer lost: %s (%s)", p.DeviceName, p.DeviceID)
	}
}
