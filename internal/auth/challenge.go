package auth

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

const (
	challengeSize = 32
	// DefaultChallengeTTL bounds how long a minted challenge stays usable.
	DefaultChallengeTTL = 30 * time.Second
)

// ChallengeStore mints one-time authentication nonces. A challenge is
// consumed on first valid use and can never be replayed; stale unconsumed
// challenges are purged by a background sweep.
type ChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]time.Time
	ttl        time.Duration
	now        func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

func NewChallengeStore() *ChallengeStore {
	return NewChallengeStoreWithNow(DefaultChallengeTTL, time.Now)
}

func NewChallengeStoreWithNow(ttl time.Duration, now func() time.Time) *ChallengeStore {
	s := &ChallengeStore{
		challenges: make(map[string]time.Time),
		ttl:        ttl,
		now:        now,
		stop:       make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *ChallengeStore) sweep() {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for c, issued := range s.challenges {
				if now.Sub(issued) > s.ttl {
					delete(s.challenges, c)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

// Close stops the sweep goroutine.
func (s *ChallengeStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Mint issues a fresh 32-byte challenge, base64-encoded.
func (s *ChallengeStore) Mint() (string, error) {
	raw := make([]byte, challengeSize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	challenge := base64.StdEncoding.EncodeToString(raw)

	s.mu.Lock()
	s.challenges[challenge] = s.now()
	s.mu.Unlock()
	return challenge, nil
}

// Consume deletes the challenge and reports whether it was known and
// unexpired. A second call for the same challenge always returns false.
func (s *ChallengeStore) Consume(challenge string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	issued, ok := s.challenges[challenge]
	if !ok {
		return false
	}
	delete(s.challenges, challenge)
	return s.now().Sub(issued) <= s.ttl
}
