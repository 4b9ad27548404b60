package correlator

import (
	"encoding/json"
	"strconv"
	"sync"
)

// IDMapper allocates bridge correlation ids and remembers the caller's
// original JSON-RPC id for each of them.
type IDMapper struct {
	mu     sync.Mutex
	prefix string
	next   uint64
	store  map[string]json.RawMessage
}

// NewIDMapper constructs a new IDMapper. Allocated ids carry prefix.
func NewIDMapper(prefix string) *IDMapper {
	return &IDMapper{prefix: prefix, store: make(map[string]json.RawMessage)}
}

// Alloc assigns a new correlation id for the given JSON-RPC id.
// It stores the original id for later lookup.
func (m *IDMapper) Alloc(jsonID json.RawMessage) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := m.prefix + strconv.FormatUint(m.next, 10)
	m.store[id] = append(json.RawMessage(nil), jsonID...)
	return id
}

// Resolve returns the original JSON-RPC id for the correlation id.
// If found, the mapping is removed.
func (m *IDMapper) Resolve(corrID string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jsonID, ok := m.store[corrID]
	if ok {
		delete(m.store, corrID)
	}
	return jsonID, ok
}

// Len reports the number of live mappings.
func (m *IDMapper) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.store)
}
