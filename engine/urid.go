package engine

import "sync"

// URIDMap assigns stable small integer ids to URIs for one plugin instance.
// Ids start at 1. It is safe for concurrent use but takes a lock, so plugins
// map the URIs they need before Run.
type URIDMap struct {
	mu   sync.RWMutex
	ids  map[string]uint32
	uris []string
}

// NewURIDMap creates a map with the given URIs pre-mapped in order.
func NewURIDMap(preset ...string) *URIDMap {
	m := &URIDMap{ids: make(map[string]uint32)}
	for _, uri := range preset {
		m.Map(uri)
	}
	return m
}

// Map returns the id for uri, assigning a new one on first use.
func (m *URIDMap) Map(uri string) uint32 {
	m.mu.RLock()
	id, ok := m.ids[uri]
	m.mu.RUnlock()
	if ok {
		return id
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.ids[uri]; ok {
		return id
	}
	m.uris = append(m.uris, uri)
	id = uint32(len(m.uris))
	m.ids[uri] = id
	return id
}

// Unmap returns the URI for id, or "" when id was never assigned.
func (m *URIDMap) Unmap(id uint32) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id == 0 || int(id) > len(m.uris) {
		return ""
	}
	return m.uris[id-1]
}

// Len returns the number of mapped URIs.
func (m *URIDMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.uris)
}
