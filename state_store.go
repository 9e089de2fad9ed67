package plughost

import (
	"bytes"
	"sort"
	"sync"
	"time"
)

// StateEntry is one saved plugin state.
type StateEntry struct {
	URI     string
	Blob    []byte
	SavedAt time.Time
}

// StateStore keeps plugin state blobs in memory, keyed by plugin URI. A Host
// restores from it on Open and saves to it on Close. The store is owned by
// the caller and may be shared by hosts opened one after another.
type StateStore struct {
	mu      sync.RWMutex
	entries map[string]StateEntry
	now     func() time.Time
}

// NewStateStore creates an empty store.
func NewStateStore() *StateStore {
	return &StateStore{
		entries: make(map[string]StateEntry),
		now:     time.Now,
	}
}

// Save stores a copy of blob for uri, replacing any earlier state.
func (s *StateStore) Save(uri string, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[uri] = StateEntry{URI: uri, Blob: bytes.Clone(blob), SavedAt: s.now()}
}

// Load returns a copy of the state saved for uri.
func (s *StateStore) Load(uri string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[uri]
	if !ok {
		return nil, false
	}
	return bytes.Clone(e.Blob), true
}

// Entry returns the metadata and blob saved for uri.
func (s *StateStore) Entry(uri string) (StateEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[uri]
	if ok {
		e.Blob = bytes.Clone(e.Blob)
	}
	return e, ok
}

// Delete forgets the state saved for uri.
func (s *StateStore) Delete(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, uri)
}

// URIs lists the plugins with saved state, sorted.
func (s *StateStore) URIs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for uri := range s.entries {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of saved states.
func (s *StateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
