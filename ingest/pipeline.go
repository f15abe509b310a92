package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	driftkit "github.com/driftkit-ai/driftkit"
)

// DocumentResult reports the outcome of ingesting one document. Errors is
// non-empty when every attempt failed; siblings are unaffected.
type DocumentResult struct {
	DocumentID   string   `json:"documentId"`
	Source       string   `json:"source"`
	ChunksStored int      `json:"chunksStored"`
	Errors       []string `json:"errors,omitempty"`
}

// ProgressListener observes pipeline progress. Callbacks run on worker
// goroutines; implementations must be safe for concurrent use.
type ProgressListener interface {
	OnDocumentLoaded(doc LoadedDocument)
	OnDocumentProcessed(result DocumentResult)
	OnChunkStored(chunk driftkit.Chunk)
}

type nopListener struct{}

func (nopListener) OnDocumentLoaded(LoadedDocument)    {}
func (nopListener) OnDocumentProcessed(DocumentResult) {}
func (nopListener) OnChunkStored(driftkit.Chunk)       {}

// Pipeline runs load, extract, split, embed, store for a batch of documents
// with bounded concurrency and per-document retry. Chunk ids derive from the
// source and content, so re-ingesting an unchanged document rewrites the
// same chunk set instead of duplicating it.
type Pipeline struct {
	embedder   driftkit.Embedder
	store      driftkit.VectorStore
	splitter   TextSplitter
	extractors map[ContentType]Extractor

	concurrency int64
	batchSize   int
	maxRetries  int
	retryDelay  time.Duration
	listener    ProgressListener
	logger      *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithSplitter replaces the default recursive splitter.
func WithSplitter(s TextSplitter) PipelineOption {
	return func(p *Pipeline) { p.splitter = s }
}

// WithExtractor registers or overrides the extractor for a content type.
func WithExtractor(ct ContentType, e Extractor) PipelineOption {
	return func(p *Pipeline) { p.extractors[ct] = e }
}

// WithConcurrency bounds the number of documents processed at once.
// Default 4.
func WithConcurrency(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = int64(n)
		}
	}
}

// WithEmbedBatchSize sets the embedding batch size. Default 64.
func WithEmbedBatchSize(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithRetry sets per-document retry: maxRetries additional attempts with a
// fixed delay between them. Default: 2 retries, 500ms.
func WithRetry(maxRetries int, delay time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.maxRetries = maxRetries
		p.retryDelay = delay
	}
}

// WithProgressListener registers a progress observer.
func WithProgressListener(l ProgressListener) PipelineOption {
	return func(p *Pipeline) { p.listener = l }
}

// WithPipelineLogger sets the structured logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a pipeline over the given embedder and vector store.
func NewPipeline(embedder driftkit.Embedder, store driftkit.VectorStore, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		embedder:    embedder,
		store:       store,
		extractors:  defaultExtractors(),
		concurrency: 4,
		batchSize:   64,
		maxRetries:  2,
		retryDelay:  500 * time.Millisecond,
		listener:    nopListener{},
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.splitter == nil {
		// Defaults can't fail validation.
		p.splitter, _ = NewRecursiveSplitter(2048, 200)
	}
	return p
}

// Ingest loads documents from the loader and processes them concurrently.
// One result per document, in load order. A document that exhausts its
// retries gets an error result; the batch itself only fails when the loader
// fails or the context is cancelled.
func (p *Pipeline) Ingest(ctx context.Context, loader DocumentLoader) ([]DocumentResult, error) {
	docs, err := loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	for _, doc := range docs {
		p.listener.OnDocumentLoaded(doc)
	}

	results := make([]DocumentResult, len(docs))
	sem := semaphore.NewWeighted(p.concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i, doc := range docs {
		if err := sem.Acquire(gctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			results[i] = p.processWithRetry(gctx, doc)
			p.listener.OnDocumentProcessed(results[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// processWithRetry runs process up to 1+maxRetries times with a fixed delay.
func (p *Pipeline) processWithRetry(ctx context.Context, doc LoadedDocument) DocumentResult {
	result := DocumentResult{DocumentID: documentID(doc.Source), Source: doc.Source}
	attempts := p.maxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		stored, err := p.process(ctx, doc)
		if err == nil {
			result.ChunksStored = stored
			result.Errors = nil
			return result
		}
		result.Errors = append(result.Errors, err.Error())
		p.logger.WarnContext(ctx, "document ingest attempt failed",
			slog.String("source", doc.Source),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors, ctx.Err().Error())
			return result
		case <-time.After(p.retryDelay):
		}
	}
	return result
}

// process runs extract, split, embed, store for one document and returns
// the number of chunks stored.
func (p *Pipeline) process(ctx context.Context, doc LoadedDocument) (int, error) {
	extractor, ok := p.extractors[doc.ContentType]
	if !ok {
		extractor = PlainTextExtractor{}
	}
	text, err := extractor.Extract(doc.Content)
	if err != nil {
		return 0, fmt.Errorf("extract %s: %w", doc.Source, err)
	}

	texts, err := p.splitter.Split(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("split %s: %w", doc.Source, err)
	}
	if len(texts) == 0 {
		return 0, nil
	}

	docID := documentID(doc.Source)
	chunks := make([]driftkit.Chunk, len(texts))
	for i, t := range texts {
		md := make(map[string]string, len(doc.Metadata)+1)
		for k, v := range doc.Metadata {
			md[k] = v
		}
		md["chunkIndex"] = strconv.Itoa(i)
		chunks[i] = driftkit.Chunk{
			ID:         chunkID(doc.Source, t, i),
			DocumentID: docID,
			Content:    t,
			Index:      i,
			Metadata:   md,
		}
	}

	for start := 0; start < len(chunks); start += p.batchSize {
		end := min(start+p.batchSize, len(chunks))
		batch := chunks[start:end]
		batchTexts := make([]string, len(batch))
		for j, c := range batch {
			batchTexts[j] = c.Content
		}
		embeddings, err := p.embedder.Embed(ctx, batchTexts)
		if err != nil {
			return 0, fmt.Errorf("embed %s chunks %d-%d: %w", doc.Source, start, end, err)
		}
		for j := range batch {
			if j < len(embeddings) {
				chunks[start+j].Embedding = embeddings[j]
			}
		}
	}

	// Drop the previous chunk set first so a shrunk document leaves no
	// stale chunks behind.
	if err := p.store.DeleteByDocument(ctx, docID); err != nil {
		return 0, fmt.Errorf("clear %s: %w", doc.Source, err)
	}
	if err := p.store.Upsert(ctx, chunks); err != nil {
		return 0, fmt.Errorf("store %s: %w", doc.Source, err)
	}
	for _, c := range chunks {
		p.listener.OnChunkStored(c)
	}
	return len(chunks), nil
}

// documentID is a stable id derived from the source path or URL.
func documentID(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:16])
}

// chunkID is stable across re-ingestions of identical content.
func chunkID(source, content string, index int) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(index)))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil)[:16])
}
