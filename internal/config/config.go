// Package config defines the immutable configuration for the sagequery
// engine. The configuration is built once (YAML file plus environment
// overrides), validated, and never mutated mid-pipeline. Per-request
// variation happens only through tagged pipeline profiles.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Version   int             `yaml:"version"`
	DataDir   string          `yaml:"data_dir"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Fusion    FusionConfig    `yaml:"fusion"`
	Rerank    RerankConfig    `yaml:"rerank"`
	Abstain   AbstainConfig   `yaml:"abstain"`
	Context   ContextConfig   `yaml:"context"`
	Generator GeneratorConfig `yaml:"generator"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ChunkingConfig configures the ingest chunker.
type ChunkingConfig struct {
	// ChunkSize is the target chunk length in characters.
	ChunkSize int `yaml:"chunk_size"`
	// ChunkOverlap is the overlap carried between adjacent chunks.
	ChunkOverlap int `yaml:"chunk_overlap"`
	// MaxChunksPerSource caps chunks per source; overflow truncates.
	MaxChunksPerSource int `yaml:"max_chunks_per_source"`
	// MicroChunks enables definition micro-chunk extraction.
	MicroChunks bool `yaml:"micro_chunks"`
}

// EmbeddingConfig configures the embedding service client.
type EmbeddingConfig struct {
	// Host is the embedding service base URL.
	Host string `yaml:"host"`
	// Model is the canonical embedding model. There is no fallback model:
	// mixing models in one index breaks cosine comparability.
	Model string `yaml:"model"`
	// Dimensions is the fixed vector dimension D.
	Dimensions int `yaml:"dimensions"`
	// Concurrency is the fan-out width W for batch misses.
	Concurrency int `yaml:"concurrency"`
	// BatchSize is the outbound batch size B.
	BatchSize int `yaml:"batch_size"`
	// Retries is the per-call retry budget R.
	Retries int `yaml:"retries"`
	// Timeout bounds a single embedding call.
	Timeout time.Duration `yaml:"timeout"`
	// CacheSize is the in-process LRU size for query embeddings.
	CacheSize int `yaml:"cache_size"`
}

// RetrievalConfig configures dense retrieval and BM25.
type RetrievalConfig struct {
	// SimilarityThreshold drops dense candidates below this cosine score.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	// BM25K1 is the term frequency saturation parameter.
	BM25K1 float64 `yaml:"bm25_k1"`
	// BM25B is the length normalization parameter.
	BM25B float64 `yaml:"bm25_b"`
	// StatsTTL is how long a corpus statistics snapshot stays fresh.
	StatsTTL time.Duration `yaml:"stats_ttl"`
	// StatsInvalidateDelta rebuilds stats when ready-chunk count drifts
	// by at least this fraction since the snapshot.
	StatsInvalidateDelta float64 `yaml:"stats_invalidate_delta"`
}

// FusionConfig configures rank fusion.
type FusionConfig struct {
	// RRFK is the reciprocal rank fusion smoothing constant.
	RRFK int `yaml:"rrf_k"`
	// WeightedFallback opts in to weighted-sum fusion when only one
	// ranking is usable (and for callers depending on legacy behavior).
	WeightedFallback bool `yaml:"weighted_fallback"`
	// DenseWeight and LexicalWeight drive the weighted-sum fallback.
	DenseWeight   float64 `yaml:"dense_weight"`
	LexicalWeight float64 `yaml:"lexical_weight"`
	// PerSourceCap limits surviving chunks per source after fusion.
	PerSourceCap int `yaml:"per_source_cap"`
	// OverlapThreshold drops chunks whose content Jaccard overlap with an
	// already-kept chunk exceeds it.
	OverlapThreshold float64 `yaml:"overlap_threshold"`
}

// RerankConfig configures the cross-encoder reranker and composite scoring.
type RerankConfig struct {
	// Endpoint is the cross-encoder service URL. Empty disables the
	// cross-encoder; the rule-based path is used instead.
	Endpoint string `yaml:"endpoint"`
	// Model is the cross-encoder model name.
	Model string `yaml:"model"`
	// Timeout bounds a rerank call.
	Timeout time.Duration `yaml:"timeout"`
	// MaxChunkChars truncates chunk text sent to the cross-encoder.
	MaxChunkChars int `yaml:"max_chunk_chars"`
	// Composite weights; must sum to 1.
	FusedWeight     float64 `yaml:"fused_weight"`
	RerankWeight    float64 `yaml:"rerank_weight"`
	FreshnessWeight float64 `yaml:"freshness_weight"`
	QualityWeight   float64 `yaml:"quality_weight"`
	FeedbackWeight  float64 `yaml:"feedback_weight"`
	// MMRLambda trades relevance against novelty in diversity selection.
	MMRLambda float64 `yaml:"mmr_lambda"`
}

// AbstainConfig configures the abstain gate.
type AbstainConfig struct {
	// MinSimilarity is the composite score threshold.
	MinSimilarity float64 `yaml:"min_similarity"`
	// MinSimilarityComprehensive overrides it for the comprehensive profile.
	MinSimilarityComprehensive float64 `yaml:"min_similarity_comprehensive"`
	// MinResults is the minimum result count.
	MinResults int `yaml:"min_results"`
	// MinHybrid is the mean fused score threshold.
	MinHybrid float64 `yaml:"min_hybrid"`
}

// ContextConfig configures context assembly.
type ContextConfig struct {
	// MaxChars is the standard context budget in characters.
	MaxChars int `yaml:"max_chars"`
	// MaxCharsComprehensive is the comprehensive-profile budget.
	MaxCharsComprehensive int `yaml:"max_chars_comprehensive"`
	// MinKeepRatio is the minimum fraction of a chunk kept on truncation.
	MinKeepRatio float64 `yaml:"min_keep_ratio"`
}

// GeneratorConfig configures the chat-model client.
type GeneratorConfig struct {
	// Host is the generator service base URL.
	Host string `yaml:"host"`
	// Model is the chat model id.
	Model string `yaml:"model"`
	// Timeout bounds a standard generation call.
	Timeout time.Duration `yaml:"timeout"`
	// TimeoutComprehensive bounds a comprehensive-profile call.
	TimeoutComprehensive time.Duration `yaml:"timeout_comprehensive"`
}

// CacheConfig configures the TTL cache backend.
type CacheConfig struct {
	// RedisAddr is the Redis address. Empty selects the in-memory cache.
	RedisAddr string `yaml:"redis_addr"`
	// RedisDB is the Redis database index.
	RedisDB int `yaml:"redis_db"`
	// TTLs per scope.
	EmbeddingTTL     time.Duration `yaml:"embedding_ttl"`
	SearchTTL        time.Duration `yaml:"search_ttl"`
	ResponseTTL      time.Duration `yaml:"response_ttl"`
	ComprehensiveTTL time.Duration `yaml:"comprehensive_ttl"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file_path"`
}

// Default returns the canonical default configuration.
func Default() Config {
	return Config{
		Version: 1,
		DataDir: defaultDataDir(),
		Chunking: ChunkingConfig{
			ChunkSize:          600,
			ChunkOverlap:       120,
			MaxChunksPerSource: 2000,
			MicroChunks:        true,
		},
		Embedding: EmbeddingConfig{
			Host:        "http://localhost:11434",
			Model:       "bge-m3",
			Dimensions:  1024,
			Concurrency: 10,
			BatchSize:   50,
			Retries:     3,
			Timeout:     60 * time.Second,
			CacheSize:   1000,
		},
		Retrieval: RetrievalConfig{
			SimilarityThreshold:  0.0,
			BM25K1:               1.5,
			BM25B:                0.75,
			StatsTTL:             time.Hour,
			StatsInvalidateDelta: 0.1,
		},
		Fusion: FusionConfig{
			RRFK:             60,
			WeightedFallback: false,
			DenseWeight:      0.7,
			LexicalWeight:    0.3,
			PerSourceCap:     3,
			OverlapThreshold: 0.85,
		},
		Rerank: RerankConfig{
			Timeout:         30 * time.Second,
			MaxChunkChars:   512,
			FusedWeight:     0.4,
			RerankWeight:    0.3,
			FreshnessWeight: 0.1,
			QualityWeight:   0.1,
			FeedbackWeight:  0.1,
			MMRLambda:       0.6,
		},
		Abstain: AbstainConfig{
			MinSimilarity:              0.3,
			MinSimilarityComprehensive: 0.2,
			MinResults:                 1,
			MinHybrid:                  0.2,
		},
		Context: ContextConfig{
			MaxChars:              4000,
			MaxCharsComprehensive: 12000,
			MinKeepRatio:          0.6,
		},
		Generator: GeneratorConfig{
			Host:                 "http://localhost:11434",
			Model:                "llama3.1:8b",
			Timeout:              120 * time.Second,
			TimeoutComprehensive: 300 * time.Second,
		},
		Cache: CacheConfig{
			EmbeddingTTL:     24 * time.Hour,
			SearchTTL:        time.Hour,
			ResponseTTL:      30 * time.Minute,
			ComprehensiveTTL: 2 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "sagequery")
	}
	return filepath.Join(home, ".sagequery")
}

// Load reads configuration from path, starting from defaults. A missing
// file is not an error; environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides applies SAGEQUERY_* environment variables. Env vars
// have the highest priority, above file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SAGEQUERY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SAGEQUERY_EMBEDDING_HOST"); v != "" {
		cfg.Embedding.Host = v
	}
	if v := os.Getenv("SAGEQUERY_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("SAGEQUERY_GENERATOR_HOST"); v != "" {
		cfg.Generator.Host = v
	}
	if v := os.Getenv("SAGEQUERY_GENERATOR_MODEL"); v != "" {
		cfg.Generator.Model = v
	}
	if v := os.Getenv("SAGEQUERY_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("SAGEQUERY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SAGEQUERY_EMBEDDING_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Embedding.Dimensions = n
		}
	}
}

// Validate checks invariants that would otherwise fail deep in the pipeline.
func (c Config) Validate() error {
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Embedding.Model == "" {
		return fmt.Errorf("embedding.model is required")
	}
	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("chunking.chunk_size must be positive")
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("chunking.chunk_overlap must be in [0, chunk_size)")
	}
	if c.Fusion.RRFK <= 0 {
		return fmt.Errorf("fusion.rrf_k must be positive")
	}
	sum := c.Rerank.FusedWeight + c.Rerank.RerankWeight + c.Rerank.FreshnessWeight +
		c.Rerank.QualityWeight + c.Rerank.FeedbackWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("rerank composite weights must sum to 1, got %.3f", sum)
	}
	if c.Rerank.MMRLambda < 0 || c.Rerank.MMRLambda > 1 {
		return fmt.Errorf("rerank.mmr_lambda must be in [0,1]")
	}
	if c.Context.MinKeepRatio <= 0 || c.Context.MinKeepRatio > 1 {
		return fmt.Errorf("context.min_keep_ratio must be in (0,1]")
	}
	return nil
}
