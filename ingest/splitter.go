package ingest

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	driftkit "github.com/driftkit-ai/driftkit"
)

// TextSplitter divides extracted text into chunks sized for embedding.
type TextSplitter interface {
	Split(ctx context.Context, text string) ([]string, error)
}

// --- Recursive character splitter ---

// RecursiveSplitter splits on paragraph boundaries first, then sentences,
// then words, merging segments into chunks of at most chunkSize characters
// with chunkOverlap characters carried between neighbors.
type RecursiveSplitter struct {
	chunkSize    int
	chunkOverlap int
}

var _ TextSplitter = (*RecursiveSplitter)(nil)

// NewRecursiveSplitter creates a splitter. chunkOverlap must be smaller than
// chunkSize.
func NewRecursiveSplitter(chunkSize, chunkOverlap int) (*RecursiveSplitter, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunkSize must be positive, got %d", chunkSize)
	}
	if chunkOverlap < 0 {
		return nil, fmt.Errorf("chunkOverlap must not be negative, got %d", chunkOverlap)
	}
	if chunkOverlap >= chunkSize {
		return nil, fmt.Errorf("chunkOverlap %d must be smaller than chunkSize %d", chunkOverlap, chunkSize)
	}
	return &RecursiveSplitter{chunkSize: chunkSize, chunkOverlap: chunkOverlap}, nil
}

// Split implements TextSplitter.
func (s *RecursiveSplitter) Split(_ context.Context, text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if len(text) <= s.chunkSize {
		return []string{text}, nil
	}
	segments := s.segment(text)
	return mergeWithOverlap(segments, s.chunkSize, s.chunkOverlap), nil
}

// segment recursively breaks text into pieces no longer than chunkSize.
func (s *RecursiveSplitter) segment(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= s.chunkSize {
		return []string{text}
	}

	if paragraphs := strings.Split(text, "\n\n"); len(paragraphs) > 1 {
		var out []string
		for _, p := range paragraphs {
			out = append(out, s.segment(p)...)
		}
		return out
	}

	if sentences := splitSentences(text); len(sentences) > 1 {
		var out []string
		for _, sent := range sentences {
			if len(sent) <= s.chunkSize {
				out = append(out, sent)
			} else {
				out = append(out, splitWords(sent, s.chunkSize)...)
			}
		}
		return out
	}

	return splitWords(text, s.chunkSize)
}

// splitSentences breaks text at sentence-ending punctuation followed by
// whitespace. CJK terminators split unconditionally.
func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		end := false
		switch r {
		case '。', '！', '？':
			end = true
		case '.', '!', '?':
			end = i+1 >= len(runes) || unicode.IsSpace(runes[i+1])
		}
		if !end {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func splitWords(text string, limit int) []string {
	words := strings.Fields(text)
	var out []string
	var cur strings.Builder
	for _, w := range words {
		if len(w) > limit {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			for i := 0; i < len(w); i += limit {
				end := min(i+limit, len(w))
				out = append(out, w[i:end])
			}
			continue
		}
		needed := len(w)
		if cur.Len() > 0 {
			needed += cur.Len() + 1
		}
		if needed > limit {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// mergeWithOverlap packs segments into chunks up to limit characters,
// seeding each new chunk with the tail of the previous one.
func mergeWithOverlap(segments []string, limit, overlap int) []string {
	var chunks []string
	var cur strings.Builder
	for _, seg := range segments {
		needed := len(seg)
		if cur.Len() > 0 {
			needed += cur.Len() + 1
		}
		if needed > limit && cur.Len() > 0 {
			chunk := cur.String()
			chunks = append(chunks, chunk)
			cur.Reset()
			if tail := overlapTail(chunk, overlap); tail != "" && len(tail)+1+len(seg) <= limit {
				cur.WriteString(tail)
			}
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(seg)
	}
	if strings.TrimSpace(cur.String()) != "" {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// overlapTail returns the last n characters of text, trimmed to a word
// boundary.
func overlapTail(text string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(text) <= n {
		return text
	}
	tail := text[len(text)-n:]
	if idx := strings.IndexByte(tail, ' '); idx >= 0 {
		tail = tail[idx+1:]
	}
	return strings.TrimSpace(tail)
}

// --- Semantic splitter ---

// SemanticSplitter groups sentences by embedding similarity: a drop below
// the threshold between consecutive sentences starts a new chunk. Chunks
// below minChunkSize merge forward; chunks above maxChunkSize re-split
// through the recursive fallback, which is also used when embedding fails.
type SemanticSplitter struct {
	embedder            driftkit.Embedder
	similarityThreshold float32
	targetChunkSize     int
	maxChunkSize        int
	minChunkSize        int
	fallback            *RecursiveSplitter
}

var _ TextSplitter = (*SemanticSplitter)(nil)

// SemanticSplitterOption configures a SemanticSplitter.
type SemanticSplitterOption func(*SemanticSplitter)

// WithSimilarityThreshold sets the boundary threshold in [0, 1]. Default 0.6.
func WithSimilarityThreshold(t float32) SemanticSplitterOption {
	return func(s *SemanticSplitter) { s.similarityThreshold = t }
}

// WithChunkSizes sets target, max, and min chunk sizes in characters.
func WithChunkSizes(target, maxSize, minSize int) SemanticSplitterOption {
	return func(s *SemanticSplitter) {
		s.targetChunkSize = target
		s.maxChunkSize = maxSize
		s.minChunkSize = minSize
	}
}

// NewSemanticSplitter creates a splitter over the given embedder.
func NewSemanticSplitter(embedder driftkit.Embedder, opts ...SemanticSplitterOption) (*SemanticSplitter, error) {
	s := &SemanticSplitter{
		embedder:            embedder,
		similarityThreshold: 0.6,
		targetChunkSize:     1024,
		maxChunkSize:        2048,
		minChunkSize:        128,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxChunkSize < s.targetChunkSize || s.minChunkSize > s.targetChunkSize {
		return nil, fmt.Errorf("chunk sizes must satisfy min <= target <= max, got %d/%d/%d",
			s.minChunkSize, s.targetChunkSize, s.maxChunkSize)
	}
	fallback, err := NewRecursiveSplitter(s.targetChunkSize, s.targetChunkSize/10)
	if err != nil {
		return nil, err
	}
	s.fallback = fallback
	return s, nil
}

// Split implements TextSplitter.
func (s *SemanticSplitter) Split(ctx context.Context, text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if len(text) <= s.targetChunkSize {
		return []string{text}, nil
	}
	sentences := splitSentences(text)
	if len(sentences) <= 1 {
		return s.fallback.Split(ctx, text)
	}

	embeddings, err := s.embedder.Embed(ctx, sentences)
	if err != nil || len(embeddings) != len(sentences) {
		// Degrade to character splitting rather than failing the document.
		return s.fallback.Split(ctx, text)
	}

	var groups []string
	var cur strings.Builder
	for i, sent := range sentences {
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(sent)

		boundary := i < len(sentences)-1 &&
			driftkit.CosineSimilarity(embeddings[i], embeddings[i+1]) < s.similarityThreshold
		if (boundary && cur.Len() >= s.minChunkSize) || cur.Len() >= s.targetChunkSize {
			groups = append(groups, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		groups = append(groups, cur.String())
	}

	var chunks []string
	for _, g := range groups {
		if len(g) > s.maxChunkSize {
			resplit, err := s.fallback.Split(ctx, g)
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, resplit...)
			continue
		}
		// Merge undersized trailing groups forward.
		if len(chunks) > 0 && len(g) < s.minChunkSize &&
			len(chunks[len(chunks)-1])+1+len(g) <= s.maxChunkSize {
			chunks[len(chunks)-1] += " " + g
			continue
		}
		chunks = append(chunks, g)
	}
	return chunks, nil
}
