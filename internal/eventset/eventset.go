package eventset

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"daybook-sync/internal/model"
)

// NewEvent mints an event with a fresh id and its content hash.
func NewEvent(kind model.EventKind, recordID, content string, timestamp int64) model.Event {
	e := model.Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		RecordID:  recordID,
		Content:   content,
		Timestamp: timestamp,
	}
	e.Hash = HashEvent(e)
	return e
}

// HashEvent computes the identity hash of an event: the first 16 hex
// characters of SHA-256 over its immutable fields.
func HashEvent(e model.Event) string {
	h := sha256.New()
	h.Write([]byte(e.ID))
	h.Write([]byte{'|'})
	h.Write([]byte(e.Kind))
	h.Write([]byte{'|'})
	h.Write([]byte(e.RecordID))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(e.Timestamp, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(e.Content))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Record is the materialized current value of a logical record.
type Record struct {
	Content   string
	UpdatedAt int64
}

// Set is a grow-only set of events keyed by hash. Merging is commutative,
// associative and idempotent; elements are never removed.
type Set struct {
	mu     sync.RWMutex
	events map[string]model.Event
}

func New() *Set {
	return &Set{events: make(map[string]model.Event)}
}

// Add inserts one event. Returns true iff the event was not already present.
// Events without a hash are rejected.
func (s *Set) Add(e model.Event) bool {
	if e.Hash == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.Hash]; ok {
		return false
	}
	s.events[e.Hash] = e
	return true
}

// Merge inserts a batch of events and returns how many were new.
func (s *Set) Merge(events []model.Event) int {
	added := 0
	for _, e := range events {
		if s.Add(e) {
			added++
		}
	}
	return added
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Hashes returns the hashes of all known events, sorted for determinism.
func (s *Set) Hashes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hashes := make([]string, 0, len(s.events))
	for h := range s.events {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	return hashes
}

// HashSet returns the hashes as a membership set.
func (s *Set) HashSet() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{}, len(s.events))
	for h := range s.events {
		set[h] = struct{}{}
	}
	return set
}

// EventsFor returns the events for the requested hashes. Unknown hashes are
// silently dropped.
func (s *Set) EventsFor(hashes []string) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]model.Event, 0, len(hashes))
	for _, h := range hashes {
		if e, ok := s.events[h]; ok {
			events = append(events, e)
		}
	}
	return events
}

// Events returns all events ordered by timestamp, hash.
func (s *Set) Events() []model.Event {
	s.mu.RLock()
	events := make([]model.Event, 0, len(s.events))
	for _, e := range s.events {
		events = append(events, e)
	}
	s.mu.RUnlock()
	sortEvents(events)
	return events
}

// Materialize derives the current state of every logical record by replaying
// events in timestamp order. CREATE and UPDATE set the content, DELETE
// removes the record. Ties resolve last-write-wins with the higher hash
// winning, so every replica derives the same state.
func (s *Set) Materialize() map[string]Record {
	events := s.Events()
	records := make(map[string]Record)
	for _, e := range events {
		switch e.Kind {
		case model.EventCreate, model.EventUpdate:
			records[e.RecordID] = Record{Content: e.Content, UpdatedAt: e.Timestamp}
		case model.EventDelete:
			delete(records, e.RecordID)
		}
	}
	return records
}

func sortEvents(events []model.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].Hash < events[j].Hash
	})
}
