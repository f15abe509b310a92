package driftkit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// RetrievalResult is a scored piece of content returned to callers. Score is
// in [0, 1]; when a reranker ran, Score is the rerank score and OriginalScore
// preserves the vector similarity.
type RetrievalResult struct {
	Content       string            `json:"content"`
	Score         float32           `json:"score"`
	OriginalScore float32           `json:"originalScore,omitempty"`
	ChunkID       string            `json:"chunkId"`
	DocumentID    string            `json:"documentId"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Retriever searches a knowledge base and returns ranked results.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]RetrievalResult, error)
}

// Reranker re-scores retrieval results for improved precision. The returned
// slice must be sorted by Score descending and trimmed to topK.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []RetrievalResult, topK int) ([]RetrievalResult, error)
}

// --- Vector retriever ---

// RetrieverOption configures a VectorRetriever.
type RetrieverOption func(*VectorRetriever)

// WithReranker sets an optional re-ranking stage.
func WithReranker(r Reranker) RetrieverOption {
	return func(v *VectorRetriever) { v.reranker = r }
}

// WithMinScore drops results scoring below the threshold before any
// re-ranking. Default 0 (no filtering).
func WithMinScore(score float32) RetrieverOption {
	return func(v *VectorRetriever) { v.minScore = score }
}

// WithMetadataFilter restricts search to chunks carrying the given metadata.
func WithMetadataFilter(filter map[string]string) RetrieverOption {
	return func(v *VectorRetriever) { v.filter = filter }
}

// WithOverfetch sets the candidate multiplier used before re-ranking
// (default 3). Retrieve fetches topK*multiplier, reranks, trims to topK.
func WithOverfetch(n int) RetrieverOption {
	return func(v *VectorRetriever) { v.overfetch = n }
}

// WithRetrieverTracer sets the span tracer.
func WithRetrieverTracer(t Tracer) RetrieverOption {
	return func(v *VectorRetriever) { v.tracer = t }
}

// WithRetrieverLogger sets the structured logger.
func WithRetrieverLogger(l *slog.Logger) RetrieverOption {
	return func(v *VectorRetriever) { v.logger = l }
}

// VectorRetriever embeds the query and searches a VectorStore, optionally
// filtering by score and metadata and re-ranking the candidates.
type VectorRetriever struct {
	embedder  Embedder
	store     VectorStore
	reranker  Reranker
	minScore  float32
	filter    map[string]string
	overfetch int
	tracer    Tracer
	logger    *slog.Logger
}

var _ Retriever = (*VectorRetriever)(nil)

// NewVectorRetriever creates a retriever over the given embedder and store.
func NewVectorRetriever(embedder Embedder, store VectorStore, opts ...RetrieverOption) *VectorRetriever {
	v := &VectorRetriever{
		embedder:  embedder,
		store:     store,
		overfetch: 3,
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Retrieve implements Retriever. topK <= 0 returns an empty result without
// touching the embedder or store.
func (v *VectorRetriever) Retrieve(ctx context.Context, query string, topK int) ([]RetrievalResult, error) {
	if topK <= 0 {
		return nil, nil
	}

	var span Span
	if v.tracer != nil {
		ctx, span = v.tracer.Start(ctx, "retriever.retrieve",
			Attr("query", query), Attr("topK", topK))
		defer span.End()
	}

	vecs, err := v.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, WrapError(KindInfrastructure, err, "embedding query failed")
	}

	fetch := topK
	if v.reranker != nil {
		fetch = topK * v.overfetch
	}
	scored, err := v.store.Search(ctx, vecs[0], fetch, v.filter)
	if err != nil {
		return nil, WrapError(KindInfrastructure, err, "vector search failed")
	}

	results := make([]RetrievalResult, 0, len(scored))
	for _, sc := range scored {
		if sc.Score < v.minScore {
			continue
		}
		results = append(results, RetrievalResult{
			Content:    sc.Chunk.Content,
			Score:      sc.Score,
			ChunkID:    sc.Chunk.ID,
			DocumentID: sc.Chunk.DocumentID,
			Metadata:   sc.Chunk.Metadata,
		})
	}

	if v.reranker != nil && len(results) > 0 {
		reranked, rerr := v.reranker.Rerank(ctx, query, results, topK)
		if rerr != nil {
			// Degrade to the vector ranking rather than failing retrieval.
			v.logger.Warn("reranker failed, using vector ranking", "error", rerr)
		} else {
			results = reranked
		}
	}
	if len(results) > topK {
		results = results[:topK]
	}
	if span != nil {
		span.SetAttr(Attr("results", len(results)))
	}
	return results, nil
}

// --- Score reranker ---

// ScoreReranker drops results below a minimum score and re-sorts descending.
// Makes no external calls.
type ScoreReranker struct {
	minScore float32
}

var _ Reranker = (*ScoreReranker)(nil)

// NewScoreReranker creates a ScoreReranker with the given floor.
func NewScoreReranker(minScore float32) *ScoreReranker {
	return &ScoreReranker{minScore: minScore}
}

// Rerank implements Reranker.
func (r *ScoreReranker) Rerank(_ context.Context, _ string, results []RetrievalResult, topK int) ([]RetrievalResult, error) {
	var kept []RetrievalResult
	for _, res := range results {
		if res.Score >= r.minScore {
			kept = append(kept, res)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	if len(kept) > topK {
		kept = kept[:topK]
	}
	return kept, nil
}

// --- Model reranker ---

// rerankScores is the structured output the scoring model must produce.
type rerankScores struct {
	Scores []rerankScore `json:"scores" schema:"required" desc:"One entry per candidate passage"`
}

type rerankScore struct {
	Index int     `json:"index" schema:"required" desc:"Zero-based candidate index"`
	Score float64 `json:"score" schema:"required" desc:"Relevance in [0,1]"`
}

// ModelReranker scores candidates with an LLM via structured output. Each
// result keeps its vector score in OriginalScore and takes the model's score.
type ModelReranker struct {
	agent *Agent
}

var _ Reranker = (*ModelReranker)(nil)

// NewModelReranker creates a reranker over a scoring agent. The agent needs a
// schema registry for structured output.
func NewModelReranker(client ModelClient, opts ...AgentOption) *ModelReranker {
	base := []AgentOption{
		WithSchemas(NewSchemaRegistry()),
		WithSystemPrompt("Score each candidate passage for relevance to the query. " +
			"Return a score in [0,1] for every candidate index."),
	}
	return &ModelReranker{agent: NewAgent("reranker", client, append(base, opts...)...)}
}

// Rerank implements Reranker. Candidates the model did not score keep their
// original score.
func (r *ModelReranker) Rerank(ctx context.Context, query string, results []RetrievalResult, topK int) ([]RetrievalResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nCandidates:\n", query)
	for i, res := range results {
		fmt.Fprintf(&b, "[%d] %s\n", i, res.Content)
	}

	scored, err := ExecuteStructured[rerankScores](ctx, r.agent, b.String(), nil)
	if err != nil {
		return nil, err
	}

	out := make([]RetrievalResult, len(results))
	copy(out, results)
	for i := range out {
		out[i].OriginalScore = out[i].Score
	}
	for _, s := range scored.Scores {
		if s.Index < 0 || s.Index >= len(out) {
			continue
		}
		out[s.Index].Score = float32(s.Score)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// FormatResults renders retrieval results as a context block for prompts.
func FormatResults(results []RetrievalResult) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	for i, res := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[source %d] %s", i+1, res.Content)
	}
	return b.String()
}
