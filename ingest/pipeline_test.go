package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	driftkit "github.com/driftkit-ai/driftkit"
)

// unitEmbedder returns the same unit vector for every text.
type unitEmbedder struct {
	fails atomic.Int32 // fail this many leading calls
	calls atomic.Int32
}

func (e *unitEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	n := e.calls.Add(1)
	if n <= e.fails.Load() {
		return nil, errors.New("embedding provider unavailable")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (e *unitEmbedder) Dimensions() int { return 3 }

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"docs/a.txt":      {Data: []byte("Alpha document body with enough words to make a chunk.")},
		"docs/b.md":       {Data: []byte("# Beta\n\nBody of the **beta** document.")},
		"docs/skip.bin":   {Data: []byte{0x00, 0x01}},
		"docs/sub/c.txt":  {Data: []byte("Gamma nested document body.")},
		"docs/ignore.txt": {Data: []byte("should be excluded")},
	}
}

func TestPipelineIngestsDocuments(t *testing.T) {
	store := driftkit.NewInMemoryVectorStore()
	p := NewPipeline(&unitEmbedder{}, store)
	loader := NewFSLoader(testFS(), "docs", WithExcludePatterns("ignore.txt"))

	results, err := p.Ingest(context.Background(), loader)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3 (bin and excluded skipped)", len(results))
	}
	total := 0
	for _, r := range results {
		if len(r.Errors) != 0 {
			t.Errorf("document %s failed: %v", r.Source, r.Errors)
		}
		if r.DocumentID == "" {
			t.Errorf("document %s has no id", r.Source)
		}
		total += r.ChunksStored
	}
	if total == 0 || store.Len() != total {
		t.Errorf("stored %d chunks, results claim %d", store.Len(), total)
	}
}

func TestPipelineStableReingestion(t *testing.T) {
	store := driftkit.NewInMemoryVectorStore()
	p := NewPipeline(&unitEmbedder{}, store)
	loader := NewFSLoader(testFS(), "docs", WithExtensions("txt"))

	first, err := p.Ingest(context.Background(), loader)
	if err != nil {
		t.Fatal(err)
	}
	countAfterFirst := store.Len()

	second, err := p.Ingest(context.Background(), loader)
	if err != nil {
		t.Fatal(err)
	}
	if store.Len() != countAfterFirst {
		t.Errorf("re-ingestion grew the store: %d -> %d", countAfterFirst, store.Len())
	}
	for i := range first {
		if first[i].DocumentID != second[i].DocumentID {
			t.Errorf("document id changed: %s -> %s", first[i].DocumentID, second[i].DocumentID)
		}
		if first[i].ChunksStored != second[i].ChunksStored {
			t.Errorf("chunk count changed for %s", first[i].Source)
		}
	}
}

func TestPipelineRetriesThenSucceeds(t *testing.T) {
	embedder := &unitEmbedder{}
	embedder.fails.Store(1)
	store := driftkit.NewInMemoryVectorStore()
	p := NewPipeline(embedder, store,
		WithConcurrency(1),
		WithRetry(2, time.Millisecond))
	fsys := fstest.MapFS{"d.txt": {Data: []byte("retry target document")}}

	results, err := p.Ingest(context.Background(), NewFSLoader(fsys, "."))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(results) != 1 || len(results[0].Errors) != 0 {
		t.Fatalf("result = %+v, want recovered success", results)
	}
	if results[0].ChunksStored == 0 {
		t.Error("no chunks stored after recovery")
	}
}

func TestPipelineExhaustedRetriesSurfaceErrors(t *testing.T) {
	embedder := &unitEmbedder{}
	embedder.fails.Store(100)
	store := driftkit.NewInMemoryVectorStore()
	p := NewPipeline(embedder, store,
		WithConcurrency(1),
		WithRetry(1, time.Millisecond))
	fsys := fstest.MapFS{
		"bad.txt": {Data: []byte("this one fails")},
	}

	results, err := p.Ingest(context.Background(), NewFSLoader(fsys, "."))
	if err != nil {
		t.Fatalf("batch must not fail: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
	// One error per attempt: the first try plus one retry.
	if len(results[0].Errors) != 2 {
		t.Errorf("errors = %v, want 2 entries", results[0].Errors)
	}
	if results[0].ChunksStored != 0 || store.Len() != 0 {
		t.Error("failed document stored chunks")
	}
}

type countingListener struct {
	mu        sync.Mutex
	loaded    int
	processed int
	stored    int
}

func (l *countingListener) OnDocumentLoaded(LoadedDocument) {
	l.mu.Lock()
	l.loaded++
	l.mu.Unlock()
}

func (l *countingListener) OnDocumentProcessed(DocumentResult) {
	l.mu.Lock()
	l.processed++
	l.mu.Unlock()
}

func (l *countingListener) OnChunkStored(driftkit.Chunk) {
	l.mu.Lock()
	l.stored++
	l.mu.Unlock()
}

func TestPipelineProgressListener(t *testing.T) {
	listener := &countingListener{}
	store := driftkit.NewInMemoryVectorStore()
	p := NewPipeline(&unitEmbedder{}, store, WithProgressListener(listener))
	loader := NewFSLoader(testFS(), "docs", WithExtensions("txt"), WithExcludePatterns("ignore.txt"))

	if _, err := p.Ingest(context.Background(), loader); err != nil {
		t.Fatal(err)
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.loaded != 2 || listener.processed != 2 {
		t.Errorf("loaded=%d processed=%d, want 2/2", listener.loaded, listener.processed)
	}
	if listener.stored != store.Len() {
		t.Errorf("stored callbacks = %d, store has %d", listener.stored, store.Len())
	}
}

func TestPipelineChunkMetadata(t *testing.T) {
	store := driftkit.NewInMemoryVectorStore()
	p := NewPipeline(&unitEmbedder{}, store)
	fsys := fstest.MapFS{"m.txt": {Data: []byte("metadata check document")}}

	if _, err := p.Ingest(context.Background(), NewFSLoader(fsys, ".")); err != nil {
		t.Fatal(err)
	}
	found, err := store.Search(context.Background(), []float32{1, 0, 0}, 1, map[string]string{"source": "m.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 {
		t.Fatalf("metadata filter found %d chunks", len(found))
	}
	if found[0].Chunk.Metadata["chunkIndex"] != "0" {
		t.Errorf("metadata = %v", found[0].Chunk.Metadata)
	}
}
