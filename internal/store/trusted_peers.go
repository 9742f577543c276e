package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"daybook-sync/internal/model"
)

// TrustedPeerStore is the durable registry of devices paired outside the
// same-user trust rule. Records survive restarts.
type TrustedPeerStore struct {
	mu    sync.RWMutex
	path  string
	peers map[string]model.TrustedPeer
}

type persistedPeersFile struct {
	Version int                 `json:"version"`
	Peers   []model.TrustedPeer `json:"peers"`
	SavedAt int64               `json:"savedAt"`
}

// NewTrustedPeerStore opens (or initializes) the registry at path.
func NewTrustedPeerStore(path string) (*TrustedPeerStore, error) {
	s := &TrustedPeerStore{path: path, peers: make(map[string]model.TrustedPeer)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return s, nil
	}

	var file persistedPeersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if file.Version != 1 {
		return nil, errors.New("unsupported trusted peers file version")
	}
	for _, p := range file.Peers {
		if p.DeviceID == "" {
			continue
		}
		s.peers[p.DeviceID] = p
	}
	return s, nil
}

func (s *TrustedPeerStore) Add(p model.TrustedPeer) error {
	s.mu.Lock()
	s.peers[p.DeviceID] = p
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	return s.persist(snapshot)
}

func (s *TrustedPeerStore) Remove(deviceID string) error {
	s.mu.Lock()
	delete(s.peers, deviceID)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	return s.persist(snapshot)
}

func (s *TrustedPeerStore) Get(deviceID string) (model.TrustedPeer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[deviceID]
	return p, ok
}

func (s *TrustedPeerStore) List() []model.TrustedPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// IsTrusted reports whether the device id belongs to a paired device.
func (s *TrustedPeerStore) IsTrusted(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[deviceID]
	return ok
}

// IsTrustedKey reports whether the signing key belongs to a paired device.
// HTTP auth headers carry the key, not the device id.
func (s *TrustedPeerStore) IsTrustedKey(signPublicKey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.peers {
		if p.SignPublicKey == signPublicKey {
			return true
		}
	}
	return false
}

// TouchLastSeen updates the last-seen timestamp without persisting; the
// value is advisory and rewritten on the next Add/Remove.
func (s *TrustedPeerStore) TouchLastSeen(deviceID string, ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[deviceID]; ok {
		p.LastSeen = ts
		s.peers[deviceID] = p
	}
}

func (s *TrustedPeerStore) snapshotLocked() []model.TrustedPeer {
	out := make([]model.TrustedPeer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (s *TrustedPeerStore) persist(peers []model.TrustedPeer) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	file := persistedPeersFile{Version: 1, Peers: peers, SavedAt: time.Now().UnixMilli()}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}
