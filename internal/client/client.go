package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"daybook-sync/internal/eventset"
	"daybook-sync/internal/identity"
	"daybook-sync/internal/middleware"
	"daybook-sync/internal/model"
	"daybook-sync/internal/store"
)

// Reason classifies a sync failure so the orchestrator can report it without
// string matching.
type Reason string

const (
	ReasonTransport Reason = "transport"
	ReasonHTTP      Reason = "http_status"
	ReasonCrypto    Reason = "crypto"
	ReasonProtocol  Reason = "protocol"
)

// SyncError is the structured failure a sync attempt reports.
type SyncError struct {
	Reason Reason
	Err    error
}

func (e *SyncError) Error() string { return fmt.Sprintf("sync %s: %v", e.Reason, e.Err) }
func (e *SyncError) Unwrap() error { return e.Err }

func failure(reason Reason, err error) *SyncError {
	return &SyncError{Reason: reason, Err: err}
}

// SyncResult counts what one attempt moved in each direction.
type SyncResult struct {
	Pulled int
	Pushed int
}

// Client drives the authenticated reconciliation protocol against one peer's
// sync server. Every HTTP call is independently authenticated with a fresh
// one-time challenge.
type Client struct {
	id   *identity.Identity
	http *http.Client
}

func New(id *identity.Identity) *Client {
	return &Client{
		id:   id,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// session is the product of one challenge handshake: headers proving it and
// the symmetric key derived for this request.
type session struct {
	authHeader string
	key        []byte
}

func (c *Client) handshake(ctx context.Context, baseURL string) (*session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/sync/challenge", nil)
	if err != nil {
		return nil, failure(ReasonProtocol, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, failure(ReasonTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, failure(ReasonHTTP, fmt.Errorf("challenge: status %d", resp.StatusCode))
	}

	var challenge model.ChallengeResponse
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		return nil, failure(ReasonProtocol, err)
	}

	raw, err := base64.StdEncoding.DecodeString(challenge.Challenge)
	if err != nil || len(raw) == 0 {
		return nil, failure(ReasonProtocol, fmt.Errorf("malformed challenge"))
	}

	auth := model.AuthResponse{
		Challenge:     challenge.Challenge,
		Signature:     c.id.SignB64(raw),
		SignPublicKey: c.id.SignPublicKeyB64(),
	}
	encoded, err := json.Marshal(auth)
	if err != nil {
		return nil, failure(ReasonProtocol, err)
	}

	key, err := c.id.DeriveSharedKey(challenge.ServerEncryptKey)
	if err != nil {
		return nil, failure(ReasonCrypto, err)
	}

	return &session{
		authHeader: base64.StdEncoding.EncodeToString(encoded),
		key:        key,
	}, nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, sess *session, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, failure(ReasonProtocol, err)
	}
	req.Header.Set(middleware.HeaderAuthResponse, sess.authHeader)
	req.Header.Set(middleware.HeaderEncryptKey, c.id.EncryptPublicKeyB64())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, failure(ReasonTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, failure(ReasonHTTP, fmt.Errorf("%s: status %d", rawURL, resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failure(ReasonTransport, err)
	}
	return data, nil
}

// doEncrypted performs an authenticated request and decrypts the enveloped
// response into out.
func (c *Client) doEncrypted(ctx context.Context, method, rawURL string, sess *session, body []byte, out any) error {
	data, err := c.do(ctx, method, rawURL, sess, body)
	if err != nil {
		return err
	}

	var env identity.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return failure(ReasonProtocol, err)
	}
	plaintext, err := identity.Decrypt(env, sess.key)
	if err != nil {
		return failure(ReasonCrypto, err)
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return failure(ReasonProtocol, err)
	}
	return nil
}

// getEncrypted runs a full handshake and an authenticated GET. The server
// burns each challenge on first use, so every call needs its own.
func (c *Client) getEncrypted(ctx context.Context, baseURL, path string, out any) error {
	sess, err := c.handshake(ctx, baseURL)
	if err != nil {
		return err
	}
	return c.doEncrypted(ctx, http.MethodGet, baseURL+path, sess, nil, out)
}

// postEncrypted runs a full handshake, encrypts payload under the session key
// and performs an authenticated POST.
func (c *Client) postEncrypted(ctx context.Context, baseURL, path string, payload, out any) error {
	sess, err := c.handshake(ctx, baseURL)
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return failure(ReasonProtocol, err)
	}
	env, err := identity.Encrypt(plaintext, sess.key)
	if err != nil {
		return failure(ReasonCrypto, err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return failure(ReasonProtocol, err)
	}
	return c.doEncrypted(ctx, http.MethodPost, baseURL+path, sess, body, out)
}

// SyncWithPeer reconciles the local event set against one peer: fetch their
// inventory, pull what we lack, push what they lack.
func (c *Client) SyncWithPeer(ctx context.Context, peer model.Peer, set *eventset.Set, st *store.EventStore) (SyncResult, error) {
	var result SyncResult

	var inventory model.InventoryBody
	if err := c.getEncrypted(ctx, peer.URL, "/sync/inventory", &inventory); err != nil {
		return result, err
	}

	mine := set.HashSet()
	theirs := make(map[string]struct{}, len(inventory.Hashes))
	var weNeed []string
	for _, h := range inventory.Hashes {
		theirs[h] = struct{}{}
		if _, ok := mine[h]; !ok {
			weNeed = append(weNeed, h)
		}
	}
	var theyNeed []string
	for h := range mine {
		if _, ok := theirs[h]; !ok {
			theyNeed = append(theyNeed, h)
		}
	}

	if len(weNeed) > 0 {
		pullPath := "/sync/pull?hashes=" + url.QueryEscape(strings.Join(weNeed, ","))
		var pulled model.EventsBody
		if err := c.getEncrypted(ctx, peer.URL, pullPath, &pulled); err != nil {
			return result, err
		}

		events := make([]model.Event, 0, len(pulled.Events))
		for _, e := range pulled.Events {
			if e.Hash == "" || eventset.HashEvent(e) != e.Hash {
				continue
			}
			events = append(events, e)
		}
		added, err := st.MergeEvents(set, events)
		if err != nil {
			return result, failure(ReasonProtocol, err)
		}
		result.Pulled = added
	}

	if len(theyNeed) > 0 {
		push := model.EventsBody{Events: set.EventsFor(theyNeed)}
		var pushed model.PushResult
		if err := c.postEncrypted(ctx, peer.URL, "/sync/push", push, &pushed); err != nil {
			return result, err
		}
		result.Pushed = pushed.Added
	}

	return result, nil
}

// Pair submits an invitation code to a peer in pairing mode and returns the
// peer's identity as a TrustedPeer record for persistence.
func (c *Client) Pair(ctx context.Context, peerURL, code string) (model.TrustedPeer, error) {
	req := model.PairRequest{
		Code:             code,
		DeviceID:         c.id.DeviceID,
		DeviceName:       c.id.DeviceName,
		SignPublicKey:    c.id.SignPublicKeyB64(),
		EncryptPublicKey: c.id.EncryptPublicKeyB64(),
	}

	var resp model.PairResponse
	if err := c.postEncrypted(ctx, peerURL, "/sync/pair", req, &resp); err != nil {
		return model.TrustedPeer{}, err
	}

	now := time.Now().UnixMilli()
	return model.TrustedPeer{
		DeviceID:         resp.DeviceID,
		UserID:           resp.UserID,
		DeviceName:       resp.DeviceName,
		SignPublicKey:    resp.SignPublicKey,
		EncryptPublicKey: resp.EncryptPublicKey,
		PairedAt:         now,
		LastSeen:         now,
	}, nil
}
