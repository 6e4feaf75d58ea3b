package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Auth        AuthConfig
	Embedding   EmbeddingConfig
	VectorStore VectorStoreConfig
	Storage     StorageConfig
	Processing  ProcessingConfig
	Agents      AgentsConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
}

type DatabaseConfig struct {
	URL            string
	MaxConns       int
	MinConns       int
	MigrationsPath string // empty means the migrations embedded in the binary
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret    string
	APIKeyHeader string
}

type EmbeddingConfig struct {
	Provider   string // "openai" or "ollama"
	OpenAIKey  string
	OpenAIURL  string
	OllamaURL  string
	Model      string
	Dimensions int
	BatchSize  int
	RPS        float64
	MaxRetries int
}

type VectorStoreConfig struct {
	Backend          string // "pgvector", "qdrant" or "memory"
	QdrantAddr       string
	QdrantAPIKey     string
	QdrantCollection string
}

type StorageConfig struct {
	Backend        string // "supabase", "minio" or "memory"
	Bucket         string
	SupabaseURL    string
	SupabaseKey    string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
}

type ProcessingConfig struct {
	MaxFileSize     int64
	ChunkSize       int
	ChunkOverlap    int
	ChunkStrategy   string // "paragraph" or "sentence"
	Concurrency     int
	Timeout         time.Duration
	UseQueue        bool // dispatch to asynq workers instead of the in-process pool
	ReapInterval    string
	SearchOverfetch int
}

type AgentsConfig struct {
	DirectoryURL string
	CacheTTL     time.Duration
	Unchecked    bool // accept any agent id when there is no directory
}

// PgvectorDimensions is the width of data_chunks.embedding in the schema
// migrations.
const PgvectorDimensions = 1536

func Load() (*Config, error) {
	port, err := getEnvInt("SERVER_PORT", 8001)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	maxConns, err := getEnvInt("DB_MAX_CONNS", 20)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
	}

	minConns, err := getEnvInt("DB_MIN_CONNS", 5)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MIN_CONNS: %w", err)
	}

	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	dims, err := getEnvInt("EMBEDDING_DIMENSIONS", 1536)
	if err != nil {
		return nil, fmt.Errorf("invalid EMBEDDING_DIMENSIONS: %w", err)
	}

	batchSize, err := getEnvInt("EMBEDDING_BATCH_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("invalid EMBEDDING_BATCH_SIZE: %w", err)
	}

	rps, err := getEnvFloat("EMBEDDING_RPS", 5)
	if err != nil {
		return nil, fmt.Errorf("invalid EMBEDDING_RPS: %w", err)
	}

	maxRetries, err := getEnvInt("EMBEDDING_MAX_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("invalid EMBEDDING_MAX_RETRIES: %w", err)
	}

	maxFileSize, err := getEnvInt("MAX_FILE_SIZE", 100*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_FILE_SIZE: %w", err)
	}

	chunkSize, err := getEnvInt("CHUNK_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("invalid CHUNK_SIZE: %w", err)
	}

	chunkOverlap, err := getEnvInt("CHUNK_OVERLAP", 200)
	if err != nil {
		return nil, fmt.Errorf("invalid CHUNK_OVERLAP: %w", err)
	}

	concurrency, err := getEnvInt("WORKER_CONCURRENCY", 5)
	if err != nil {
		return nil, fmt.Errorf("invalid WORKER_CONCURRENCY: %w", err)
	}

	timeout, err := getEnvDuration("PROCESSING_TIMEOUT", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid PROCESSING_TIMEOUT: %w", err)
	}

	overfetch, err := getEnvInt("SEARCH_OVERFETCH", 3)
	if err != nil {
		return nil, fmt.Errorf("invalid SEARCH_OVERFETCH: %w", err)
	}

	limitRPS, err := getEnvFloat("RATE_LIMIT_RPS", 100)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_RPS: %w", err)
	}

	limitBurst, err := getEnvInt("RATE_LIMIT_BURST", 200)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_BURST: %w", err)
	}

	agentTTL, err := getEnvDuration("AGENT_DIRECTORY_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid AGENT_DIRECTORY_CACHE_TTL: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           port,
			AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:8000")),
			RateLimitRPS:   limitRPS,
			RateLimitBurst: limitBurst,
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MaxConns:       maxConns,
			MinConns:       minConns,
			MigrationsPath: getEnv("MIGRATIONS_PATH", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Auth: AuthConfig{
			JWTSecret:    getEnv("JWT_SECRET", ""),
			APIKeyHeader: getEnv("API_KEY_HEADER", "X-API-Key"),
		},
		Embedding: EmbeddingConfig{
			Provider:   getEnv("EMBEDDING_PROVIDER", "openai"),
			OpenAIKey:  getEnv("OPENAI_API_KEY", ""),
			OpenAIURL:  getEnv("OPENAI_BASE_URL", ""),
			OllamaURL:  getEnv("OLLAMA_URL", "http://localhost:11434"),
			Model:      getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			Dimensions: dims,
			BatchSize:  batchSize,
			RPS:        rps,
			MaxRetries: maxRetries,
		},
		VectorStore: VectorStoreConfig{
			Backend:          getEnv("VECTOR_BACKEND", "pgvector"),
			QdrantAddr:       getEnv("QDRANT_ADDR", "localhost:6334"),
			QdrantAPIKey:     getEnv("QDRANT_API_KEY", ""),
			QdrantCollection: getEnv("VECTOR_COLLECTION_NAME", "business_knowledge"),
		},
		Storage: StorageConfig{
			Backend:        getEnv("STORAGE_BACKEND", "minio"),
			Bucket:         getEnv("STORAGE_BUCKET", "data-sources"),
			SupabaseURL:    getEnv("SUPABASE_URL", ""),
			SupabaseKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
			MinioEndpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
			MinioUseSSL:    getEnv("MINIO_USE_SSL", "false") == "true",
		},
		Processing: ProcessingConfig{
			MaxFileSize:     int64(maxFileSize),
			ChunkSize:       chunkSize,
			ChunkOverlap:    chunkOverlap,
			ChunkStrategy:   getEnv("CHUNK_STRATEGY", "paragraph"),
			Concurrency:     concurrency,
			Timeout:         timeout,
			UseQueue:        getEnv("PROCESSING_USE_QUEUE", "false") == "true",
			ReapInterval:    getEnv("PROCESSING_REAP_CRON", "@every 5m"),
			SearchOverfetch: overfetch,
		},
		Agents: AgentsConfig{
			DirectoryURL: getEnv("AGENT_DIRECTORY_URL", ""),
			Unchecked:    getEnv("AGENT_DIRECTORY_UNCHECKED", "false") == "true",
			CacheTTL:     agentTTL,
		},
	}

	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.Embedding.Provider == "openai" && c.Embedding.OpenAIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if c.Storage.Backend == "supabase" && (c.Storage.SupabaseURL == "" || c.Storage.SupabaseKey == "") {
		missing = append(missing, "SUPABASE_URL", "SUPABASE_SERVICE_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}
	if c.Processing.ChunkOverlap >= c.Processing.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.Processing.ChunkOverlap, c.Processing.ChunkSize)
	}
	if s := c.Processing.ChunkStrategy; s != "paragraph" && s != "sentence" {
		return fmt.Errorf("CHUNK_STRATEGY must be paragraph or sentence, got %q", s)
	}
	if c.VectorStore.Backend == "pgvector" && c.Embedding.Dimensions != PgvectorDimensions {
		return fmt.Errorf("VECTOR_BACKEND=pgvector stores %d-dimensional embeddings, EMBEDDING_DIMENSIONS is %d",
			PgvectorDimensions, c.Embedding.Dimensions)
	}
	return nil
}

// ValidateServer is Validate plus the settings only the API server reads.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Agents.DirectoryURL == "" && !c.Agents.Unchecked {
		return fmt.Errorf("AGENT_DIRECTORY_URL is required unless AGENT_DIRECTORY_UNCHECKED=true")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
