package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"daybook-sync/internal/eventset"
	"daybook-sync/internal/model"
)

// EventStore persists the full event log as a versioned JSON file. Volumes
// are small enough that a whole-file snapshot per merge is fine.
type EventStore struct {
	path      string
	persistMu sync.Mutex
}

func NewEventStore(path string) *EventStore {
	return &EventStore{path: path}
}

type persistedEventsFile struct {
	Version int           `json:"version"`
	Events  []model.Event `json:"events"`
	SavedAt int64         `json:"savedAt"`
}

// LoadEventSet reads the event log from disk. A missing file yields an empty
// set; events with a broken hash are dropped rather than poisoning the set.
func (s *EventStore) LoadEventSet() (*eventset.Set, error) {
	set := eventset.New()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return set, nil
	}

	var file persistedEventsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if file.Version != 1 {
		return nil, errors.New("unsupported events file version")
	}

	for _, e := range file.Events {
		if e.Hash == "" || eventset.HashEvent(e) != e.Hash {
			continue
		}
		set.Add(e)
	}
	return set, nil
}

// MergeEvents merges a batch into the set and, if anything was new, persists
// a snapshot. Returns the count of newly added events.
func (s *EventStore) MergeEvents(set *eventset.Set, events []model.Event) (int, error) {
	added := set.Merge(events)
	if added == 0 {
		return 0, nil
	}
	return added, s.Save(set)
}

// Save writes a snapshot of the set via a temp file and rename.
func (s *EventStore) Save(set *eventset.Set) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	file := persistedEventsFile{Version: 1, Events: set.Events(), SavedAt: time.Now().UnixMilli()}
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

// RecordsForRange returns the materialized records whose latest mutation
// falls inside [from, to). The day-list UI drives this.
func RecordsForRange(set *eventset.Set, from, to int64) map[string]eventset.Record {
	out := make(map[string]eventset.Record)
	for id, rec := range set.Materialize() {
		if rec.UpdatedAt >= from && rec.UpdatedAt < to {
			out[id] = rec
		}
	}
	return out
}
