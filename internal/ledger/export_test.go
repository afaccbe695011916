package ledger

// Tamper rewrites a committed record in place. Committed records are
// otherwise immutable; tests use this to simulate storage-level edits.
func (m *MemoryStore) Tamper(chainID string, seq uint64, fn func(*Record)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.chains[chainID] {
		if rec.Sequence == seq {
			fn(rec)
			return true
		}
	}
	return false
}

// Delete removes a committed record, simulating a storage-level deletion.
func (m *MemoryStore) Delete(chainID string, seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[chainID]
	for i, rec := range chain {
		if rec.Sequence == seq {
			m.chains[chainID] = append(chain[:i:i], chain[i+1:]...)
			return true
		}
	}
	return false
}
