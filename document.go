package driftkit

// Document is a unit of ingested content.
type Document struct {
	ID        string            `json:"id"`
	Title     string            `json:"title,omitempty"`
	Source    string            `json:"source,omitempty"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"createdTime"`
}

// Chunk is a splitter-produced fragment of a document, embedded for search.
type Chunk struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"documentId"`
	Content    string            `json:"content"`
	Index      int               `json:"chunkIndex"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Embedding  []float32         `json:"-"`
}

// ScoredChunk pairs a chunk with its similarity score in [0, 1].
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float32 `json:"score"`
}
