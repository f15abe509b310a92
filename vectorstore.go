package driftkit

import (
	"context"
	"math"
	"sort"
	"sync"
)

// VectorStore persists embedded chunks and answers similarity queries.
// The store/sqlite and store/postgres packages provide durable
// implementations; InMemoryVectorStore backs tests and prototypes.
type VectorStore interface {
	// Upsert stores chunks, replacing any with matching ids.
	Upsert(ctx context.Context, chunks []Chunk) error
	// Search returns the topK chunks most similar to the query vector,
	// sorted by score descending. filter, when non-nil, keeps only chunks
	// whose metadata contains every given key-value pair.
	Search(ctx context.Context, query []float32, topK int, filter map[string]string) ([]ScoredChunk, error)
	// DeleteByDocument removes all chunks of a document.
	DeleteByDocument(ctx context.Context, documentID string) error
}

// InMemoryVectorStore is a VectorStore backed by a map, using cosine
// similarity. Safe for concurrent use.
type InMemoryVectorStore struct {
	mu     sync.RWMutex
	chunks map[string]Chunk
}

var _ VectorStore = (*InMemoryVectorStore)(nil)

// NewInMemoryVectorStore creates an empty store.
func NewInMemoryVectorStore() *InMemoryVectorStore {
	return &InMemoryVectorStore{chunks: make(map[string]Chunk)}
}

// Upsert implements VectorStore.
func (s *InMemoryVectorStore) Upsert(_ context.Context, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.chunks[c.ID] = c
	}
	return nil
}

// Search implements VectorStore.
func (s *InMemoryVectorStore) Search(_ context.Context, query []float32, topK int, filter map[string]string) ([]ScoredChunk, error) {
	if topK <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	scored := make([]ScoredChunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		if !matchesMetadata(c.Metadata, filter) {
			continue
		}
		scored = append(scored, ScoredChunk{Chunk: c, Score: CosineSimilarity(query, c.Embedding)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// DeleteByDocument implements VectorStore.
func (s *InMemoryVectorStore) DeleteByDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.DocumentID == documentID {
			delete(s.chunks, id)
		}
	}
	return nil
}

// Len returns the number of stored chunks.
func (s *InMemoryVectorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

func matchesMetadata(md, filter map[string]string) bool {
	for k, v := range filter {
		if md[k] != v {
			return false
		}
	}
	return true
}

// CosineSimilarity returns the cosine similarity of two vectors, mapped from
// [-1, 1] to [0, 1]. Mismatched or zero-length vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return float32((cos + 1) / 2)
}
