package discovery

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"time"

	"daybook-sync/internal/hub"
	"daybook-sync/internal/model"
)

// StartPairing enters pairing mode and returns the first invitation code.
// Broadcasts switch to pairing invitations until pairing succeeds or the
// pairing window lapses.
func (d *Discovery) StartPairing() (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return "", fmt.Errorf("discovery: not running")
	}
	now := d.now()
	d.pairing = true
	d.code = code
	d.codeExpires = now.Add(d.cfg.CodeValidity)
	d.prevCode = ""
	d.pairingEnds = now.Add(d.cfg.PairingDuration)
	d.candidates = make(map[string]model.PairingInvitation)
	d.mu.Unlock()

	d.hub.Publish(hub.KindPairing, "pairing mode started, code %s", code)
	return code, nil
}

// StopPairing leaves pairing mode.
func (d *Discovery) StopPairing() {
	d.mu.Lock()
	if !d.pairing {
		d.mu.Unlock()
		return
	}
	d.endPairingLocked("pairing mode ended")
	d.mu.Unlock()
}

func (d *Discovery) endPairingLocked(reason string) {
	d.pairing = false
	d.code = ""
	d.prevCode = ""
	d.candidates = make(map[string]model.PairingInvitation)
	d.hub.Publish(hub.KindPairing, "%s", reason)
}

// Pairing reports whether the device is currently accepting pairing.
func (d *Discovery) Pairing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pairing
}

// CurrentCode returns the active invitation code, for display to the user.
func (d *Discovery) CurrentCode() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.pairing {
		return "", false
	}
	return d.code, true
}

// Candidates returns invitations received from other devices while pairing.
func (d *Discovery) Candidates() []model.PairingInvitation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.PairingInvitation, 0, len(d.candidates))
	for _, inv := range d.candidates {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// ValidateCode accepts the active code while it is unexpired, and the
// previous code for a short grace window after rotation.
func (d *Discovery) ValidateCode(code string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.pairing || code == "" {
		return false
	}

	now := d.now()
	if now.After(d.codeExpires) {
		d.rotateCodeLocked(now)
	}

	if code == d.code && !now.After(d.codeExpires) {
		return true
	}
	return code == d.prevCode && !now.After(d.prevExpires)
}

// rotateCodeLocked replaces the active code. The superseded code stays valid
// for a grace window measured from its scheduled expiry, so a user mid-entry
// is not cut off at the boundary.
func (d *Discovery) rotateCodeLocked(now time.Time) {
	code, err := generateCode()
	if err != nil {
		return
	}
	d.prevCode = d.code
	d.prevExpires = d.codeExpires.Add(d.cfg.CodeGrace)
	d.code = code
	d.codeExpires = now.Add(d.cfg.CodeValidity)
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
