// Package config loads driftkit configuration: defaults, then an optional
// TOML file, then environment overrides (env wins).
package config

import (
	"os"
	"runtime"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server      ServerConfig      `toml:"server"`
	Engine      EngineConfig      `toml:"engine"`
	Retry       RetryConfig       `toml:"retry"`
	Model       ModelConfig       `toml:"model"`
	Embedding   EmbeddingConfig   `toml:"embedding"`
	RAG         RAGConfig         `toml:"rag"`
	PromptStore PromptStoreConfig `toml:"prompt"`
	VectorStore VectorStoreConfig `toml:"vectorStore"`
	Database    DatabaseConfig    `toml:"database"`
	Tracing     TracingConfig     `toml:"tracing"`
	Observer    ObserverConfig    `toml:"observer"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type EngineConfig struct {
	Enabled       bool `toml:"enabled"`
	CoreThreads   int  `toml:"coreThreads"`
	MaxThreads    int  `toml:"maxThreads"`
	QueueCapacity int  `toml:"queueCapacity"`
}

type RetryConfig struct {
	DefaultDelayMs     int     `toml:"defaultDelayMs"`
	DefaultMaxAttempts int     `toml:"defaultMaxAttempts"`
	DefaultMultiplier  float64 `toml:"defaultMultiplier"`
}

type ModelConfig struct {
	Provider string `toml:"provider"`
	Name     string `toml:"name"`
	APIKey   string `toml:"api_key"`
}

type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
}

type RAGConfig struct {
	Splitter  SplitterConfig  `toml:"splitter"`
	Reranker  RerankerConfig  `toml:"reranker"`
	Retriever RetrieverConfig `toml:"retriever"`
	Ingestion IngestionConfig `toml:"ingestion"`
}

type SplitterConfig struct {
	Type                string  `toml:"type"` // recursive | semantic
	ChunkSize           int     `toml:"chunkSize"`
	ChunkOverlap        int     `toml:"chunkOverlap"`
	SimilarityThreshold float64 `toml:"similarityThreshold"`
	MaxChunkSize        int     `toml:"maxChunkSize"`
	MinChunkSize        int     `toml:"minChunkSize"`
}

type RerankerConfig struct {
	Enabled     bool    `toml:"enabled"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
	PromptID    string  `toml:"promptId"`
}

type RetrieverConfig struct {
	DefaultTopK     int     `toml:"defaultTopK"`
	DefaultMinScore float64 `toml:"defaultMinScore"`
	QueryPrefix     string  `toml:"queryPrefix"`
}

type IngestionConfig struct {
	MaxRetries        int      `toml:"maxRetries"`
	RetryDelayMs      int      `toml:"retryDelayMs"`
	Concurrency       int      `toml:"concurrency"`
	DefaultExtensions []string `toml:"defaultExtensions"`
	MaxFileSizeBytes  int64    `toml:"maxFileSizeBytes"`
}

type PromptStoreConfig struct {
	Source  string            `toml:"source"` // memory | sqlite | postgres
	Options map[string]string `toml:"options"`
}

type VectorStoreConfig struct {
	Name    string            `toml:"name"` // memory | sqlite | postgres
	Options map[string]string `toml:"options"`
}

type DatabaseConfig struct {
	Path        string `toml:"path"`         // sqlite file
	PostgresURL string `toml:"postgres_url"` // when set, postgres backs the stores
}

type TracingConfig struct {
	Enabled         bool   `toml:"enabled"`
	ApplicationName string `toml:"applicationName"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	cpu := runtime.NumCPU()
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Engine: EngineConfig{
			Enabled:       true,
			CoreThreads:   max(cpu/2, 1),
			MaxThreads:    cpu,
			QueueCapacity: 256,
		},
		Retry: RetryConfig{
			DefaultDelayMs:     1000,
			DefaultMaxAttempts: 3,
			DefaultMultiplier:  2.0,
		},
		Model:     ModelConfig{Provider: "openai", Name: "gpt-4o-mini"},
		Embedding: EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small", Dimensions: 1536},
		RAG: RAGConfig{
			Splitter: SplitterConfig{
				Type:                "recursive",
				ChunkSize:           2048,
				ChunkOverlap:        200,
				SimilarityThreshold: 0.6,
				MaxChunkSize:        4096,
				MinChunkSize:        128,
			},
			Retriever: RetrieverConfig{DefaultTopK: 10},
			Ingestion: IngestionConfig{
				MaxRetries:        2,
				RetryDelayMs:      500,
				Concurrency:       4,
				DefaultExtensions: []string{"txt", "md", "html", "pdf", "csv", "json"},
				MaxFileSizeBytes:  10 << 20,
			},
		},
		PromptStore: PromptStoreConfig{Source: "memory"},
		VectorStore: VectorStoreConfig{Name: "memory"},
		Database:    DatabaseConfig{Path: "driftkit.db"},
		Tracing:     TracingConfig{Enabled: true, ApplicationName: "driftkit"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "driftkit.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("DRIFTKIT_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DRIFTKIT_MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("DRIFTKIT_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("DRIFTKIT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("DRIFTKIT_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("DRIFTKIT_VECTOR_STORE"); v != "" {
		cfg.VectorStore.Name = v
	}
	if v := os.Getenv("DRIFTKIT_PROMPT_SOURCE"); v != "" {
		cfg.PromptStore.Source = v
	}
	if v := os.Getenv("DRIFTKIT_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.QueueCapacity = n
		}
	}
	if v := os.Getenv("DRIFTKIT_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DRIFTKIT_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.Model.APIKey
	}

	return cfg
}
