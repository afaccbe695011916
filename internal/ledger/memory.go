package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]*Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]*Record)}
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidPayload)
	}
	if err := ValidateChainID(rec.ChainID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.chains[rec.ChainID]
	for _, existing := range chain {
		if existing.Sequence == rec.Sequence || existing.PreviousHash == rec.PreviousHash {
			return ErrConflict
		}
	}

	chain = append(chain, cloneRecord(rec))
	sort.Slice(chain, func(i, j int) bool { return chain[i].Sequence < chain[j].Sequence })
	m.chains[rec.ChainID] = chain
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, chainID string, after uint64, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.chains[chainID]
	start := sort.Search(len(chain), func(i int) bool { return chain[i].Sequence > after })

	out := make([]*Record, 0, min(limit, len(chain)-start))
	for _, rec := range chain[start:] {
		if len(out) == limit {
			break
		}
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

// Head implements HeadFinder.
func (m *MemoryStore) Head(_ context.Context, chainID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.chains[chainID]
	if len(chain) == 0 {
		return nil, ErrNotFound
	}
	return cloneRecord(chain[len(chain)-1]), nil
}

// Chains implements Store.
func (m *MemoryStore) Chains(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.chains))
	for id, chain := range m.chains {
		if len(chain) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func cloneRecord(rec *Record) *Record {
	c := *rec
	c.Data = json.RawMessage(append([]byte(nil), rec.Data...))
	return &c
}
