package replay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory is the single-replica store. Two expirable LRUs bound memory
// even when an IdP never answers outstanding requests.
type Memory struct {
	mu         sync.Mutex
	requests   *expirable.LRU[string, struct{}]
	assertions *expirable.LRU[string, struct{}]
	maxEntries int
	evictions  atomic.Int64
}

// NewMemory builds an in-process store. requestTTL bounds how long a
// login may stay outstanding; assertionTTL how long consumed assertion
// IDs are remembered.
func NewMemory(maxEntries int, requestTTL, assertionTTL time.Duration) *Memory {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if requestTTL <= 0 {
		requestTTL = 10 * time.Minute
	}
	if assertionTTL <= 0 {
		assertionTTL = 24 * time.Hour
	}
	return &Memory{
		requests:   expirable.NewLRU[string, struct{}](maxEntries, nil, requestTTL),
		assertions: expirable.NewLRU[string, struct{}](maxEntries, nil, assertionTTL),
		maxEntries: maxEntries,
	}
}

func (m *Memory) SaveRequest(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.requests.Len() >= m.maxEntries {
		m.evictions.Add(1)
	}
	m.requests.Add(id, struct{}{})
	return nil
}

func (m *Memory) TakeRequest(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests.Get(id); !ok {
		return false, nil
	}
	m.requests.Remove(id)
	return true, nil
}

func (m *Memory) MarkAssertion(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.assertions.Get(id); seen {
		return false, nil
	}
	if m.assertions.Len() >= m.maxEntries {
		m.evictions.Add(1)
	}
	m.assertions.Add(id, struct{}{})
	return true, nil
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		PendingRequests: m.requests.Len(),
		SeenAssertions:  m.assertions.Len(),
		MaxEntries:      m.maxEntries,
		Evictions:       m.evictions.Load(),
	}
}
