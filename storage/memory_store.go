package storage

import (
	"context"
	"sync"

	"videoAnalyzer/core"
)

// MemoryVectorStore 进程内向量库，进程退出即丢失
type MemoryVectorStore struct {
	mu       sync.RWMutex
	entries  map[string]entry
	distance Distance
	dim      dimensionGuard
}

func NewMemoryVectorStore(distance Distance, dimension int) *MemoryVectorStore {
	if distance == "" {
		distance = DistanceCosine
	}
	return &MemoryVectorStore{
		entries:  make(map[string]entry),
		distance: distance,
		dim:      dimensionGuard{dim: dimension},
	}
}

func (s *MemoryVectorStore) Upsert(ctx context.Context, rec core.EmbeddingRecord) error {
	if err := s.dim.check(len(rec.Vector)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[rec.ID] = entry{
		Document: rec.Document,
		Metadata: copyMetadata(rec.Metadata),
		Vector:   append([]float32(nil), rec.Vector...),
	}
	return nil
}

func (s *MemoryVectorStore) Query(ctx context.Context, vector []float32, k int) (core.QueryResult, error) {
	if err := s.dim.matches(len(vector)); err != nil {
		return core.QueryResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return core.NewQueryResult(rankEntries(s.entries, vector, k, s.distance)), nil
}

func (s *MemoryVectorStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func (s *MemoryVectorStore) Close() error { return nil }
