package knowledge

import (
	"context"
	"sort"
	"sync"
)

// MemIndex is an in-memory Index with exhaustive cosine search.
type MemIndex struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemIndex creates an empty MemIndex.
func NewMemIndex() *MemIndex {
	return &MemIndex{entries: make(map[string]*Entry)}
}

// Upsert stores a copy of e, replacing any entry with the same id.
func (m *MemIndex) Upsert(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneEntry(&e)
	m.entries[e.ID] = cp
	return nil
}

// Nearest returns up to k entries by descending cosine similarity to vec.
func (m *MemIndex) Nearest(_ context.Context, vec []float64, k int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Match, 0, len(m.entries))
	for _, e := range m.entries {
		if len(e.Embedding) == 0 {
			continue
		}
		out = append(out, Match{Entry: *cloneEntry(e), Score: Cosine(vec, e.Embedding)})
	}
	return TopK(out, k), nil
}

// All returns copies of every entry.
func (m *MemIndex) All(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *cloneEntry(e))
	}
	return out, nil
}

// IncrementUsage bumps the usage counter of id. Unknown ids are ignored.
func (m *MemIndex) IncrementUsage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.UsageCount++
	}
	return nil
}

// Count returns the number of indexed entries.
func (m *MemIndex) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// TopK sorts matches by descending score (ties by id) and keeps the first k.
func TopK(matches []Match, k int) []Match {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].Entry.ID < matches[j].Entry.ID
		}
		return matches[i].Score > matches[j].Score
	})
	if k >= 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

func cloneEntry(e *Entry) *Entry {
	cp := *e
	cp.Tags = append([]string(nil), e.Tags...)
	cp.Environments = append([]string(nil), e.Environments...)
	cp.Technologies = append([]string(nil), e.Technologies...)
	cp.Embedding = append([]float64(nil), e.Embedding...)
	return &cp
}
