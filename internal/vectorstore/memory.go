package vectorstore

import (
	"context"
	"sort"
	"sync"
)

type memoryEntry struct {
	seq    int
	record Record
}

// MemoryStore is a non-durable Store with the same contract as SQLiteStore.
type MemoryStore struct {
	mu        sync.RWMutex
	dimension int
	seq       int
	entries   map[string]memoryEntry
}

func NewMemoryStore(dimension int) *MemoryStore {
	return &MemoryStore{
		dimension: dimension,
		entries:   make(map[string]memoryEntry),
	}
}

func (m *MemoryStore) Upsert(_ context.Context, records ...Record) error {
	if err := validateRecords(m.dimension, records); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		emb := make([]float32, len(r.Embedding))
		copy(emb, r.Embedding)
		r.Embedding = emb

		entry, ok := m.entries[r.ID]
		if !ok {
			m.seq++
			entry.seq = m.seq
		}
		entry.record = r
		m.entries[r.ID] = entry
	}
	return nil
}

func (m *MemoryStore) Query(_ context.Context, embedding []float32, topK int) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}
	if err := checkQueryDimension(m.dimension, embedding); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		seq int
		res Result
	}
	all := make([]scored, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, scored{
			seq: e.seq,
			res: Result{
				ID:       e.record.ID,
				Text:     e.record.Text,
				Source:   e.record.Source,
				Distance: CosineDistance(embedding, e.record.Embedding),
			},
		})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].res.Distance != all[j].res.Distance {
			return all[i].res.Distance < all[j].res.Distance
		}
		return all[i].seq < all[j].seq
	})
	if len(all) > topK {
		all = all[:topK]
	}

	results := make([]Result, len(all))
	for i := range all {
		results[i] = all[i].res
	}
	return results, nil
}

func (m *MemoryStore) ListBySource(_ context.Context, source string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []memoryEntry
	for _, e := range m.entries {
		if e.record.Source == source {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	var ids []string
	for _, e := range matched {
		ids = append(ids, e.record.ID)
	}
	return ids, nil
}

func (m *MemoryStore) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		delete(m.entries, id)
	}
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, source string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries {
		if e.record.Source == source {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Sources(_ context.Context) ([]SourceStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, e := range m.entries {
		counts[e.record.Source]++
	}
	stats := make([]SourceStat, 0, len(counts))
	for src, n := range counts {
		stats = append(stats, SourceStat{Source: src, ChunkCount: n})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Source < stats[j].Source })
	return stats, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *MemoryStore) Compact(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
