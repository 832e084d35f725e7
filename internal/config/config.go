package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LLM providers.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// Store and broker backends.
const (
	BackendMemory   = "memory"
	BackendSurreal  = "surrealdb"
	BackendRedis    = "redis"
	RoleAPI         = "api"
	RoleWorker      = "worker"
	RoleAll         = "all"
	UnitChars       = "chars"
	UnitTokens      = "tokens"
	charsPerToken   = 4
	defaultLogLevel = "INFO"

	// mergePromptReserve covers the merge template and separators.
	mergePromptReserve = 1024
)

// Config holds all configuration values. It is built once at startup by
// Load and treated as read-only afterwards.
type Config struct {
	Role     string `yaml:"role"`
	HTTPAddr string `yaml:"http_addr"`
	// AllowedOrigins lists CORS origins for the API. Empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Job store
	StoreBackend       string `yaml:"store_backend"`
	SurrealDBURL       string `yaml:"surrealdb_url"`
	SurrealDBNamespace string `yaml:"surrealdb_namespace"`
	SurrealDBDatabase  string `yaml:"surrealdb_database"`
	SurrealDBUser      string `yaml:"surrealdb_user"`
	SurrealDBPass      string `yaml:"surrealdb_pass"`
	SurrealDBAuthLevel string `yaml:"surrealdb_auth_level"`

	// Broker
	BrokerBackend  string `yaml:"broker_backend"`
	RedisURL       string `yaml:"redis_url"`
	RedisStream    string `yaml:"redis_stream"`
	RedisGroup     string `yaml:"redis_group"`
	RedisDLQStream string `yaml:"redis_dlq_stream"`
	QueueCapacity  int    `yaml:"queue_capacity"`

	// Generation
	LLMProvider           string        `yaml:"llm_provider"`
	LLMModel              string        `yaml:"llm_model"`
	OllamaHost            string        `yaml:"ollama_host"`
	OpenAIAPIKey          string        `yaml:"-"`
	AnthropicAPIKey       string        `yaml:"-"`
	Temperature           float64       `yaml:"temperature"`
	MaxTokens             int           `yaml:"max_tokens"`
	GenerationTimeout     time.Duration `yaml:"generation_timeout"`
	MaxGenerationAttempts int           `yaml:"max_generation_attempts"`
	BackoffInitial        time.Duration `yaml:"backoff_initial"`
	BackoffMax            time.Duration `yaml:"backoff_max"`

	// Embeddings and retrieval
	EmbedProvider  string `yaml:"embed_provider"`
	EmbedModel     string `yaml:"embed_model"`
	EmbedDimension int    `yaml:"embed_dimension"`
	RetrievalK     int    `yaml:"retrieval_k"`
	IndexSummaries bool   `yaml:"index_summaries"`

	// Chunking and reduction. Sizes are expressed in ChunkUnit.
	ChunkUnit         string `yaml:"chunk_unit"`
	ChunkSize         int    `yaml:"chunk_size"`
	ChunkOverlap      int    `yaml:"chunk_overlap"`
	BoundaryWindow    int    `yaml:"boundary_window"`
	FanIn             int    `yaml:"fan_in"`
	MergeBudget       int    `yaml:"merge_budget"`
	MaxDocumentLength int    `yaml:"max_document_length"`

	// Scheduling and recovery
	Workers            int           `yaml:"workers"`
	MapConcurrency     int           `yaml:"map_concurrency"`
	MaxJobAttempts     int           `yaml:"max_job_attempts"`
	StoreRetryAttempts int           `yaml:"store_retry_attempts"`
	StallTimeout       time.Duration `yaml:"stall_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	JobTTL             time.Duration `yaml:"job_ttl"`

	// Logging
	LogFile      string     `yaml:"log_file"`
	LogLevelName string     `yaml:"log_level"`
	LogLevel     slog.Level `yaml:"-"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		Role:     RoleAll,
		HTTPAddr: ":8484",

		StoreBackend:       BackendMemory,
		SurrealDBURL:       "ws://localhost:8000/rpc",
		SurrealDBNamespace: "recap",
		SurrealDBDatabase:  "jobs",
		SurrealDBUser:      "root",
		SurrealDBPass:      "root",
		SurrealDBAuthLevel: "root",

		BrokerBackend:  BackendMemory,
		RedisURL:       "redis://localhost:6379/0",
		RedisStream:    "recap_jobs",
		RedisGroup:     "recap_workers",
		RedisDLQStream: "recap_jobs_dlq",
		QueueCapacity:  256,

		LLMProvider:           ProviderOllama,
		LLMModel:              "llama3",
		OllamaHost:            "http://localhost:11434",
		Temperature:           0.1,
		MaxTokens:             2048,
		GenerationTimeout:     2 * time.Minute,
		MaxGenerationAttempts: 3,
		BackoffInitial:        time.Second,
		BackoffMax:            30 * time.Second,

		EmbedProvider:  ProviderOllama,
		EmbedModel:     "all-minilm:l6-v2",
		EmbedDimension: 384,
		RetrievalK:     0,
		IndexSummaries: false,

		ChunkUnit:         UnitChars,
		ChunkSize:         4000,
		ChunkOverlap:      200,
		BoundaryWindow:    0,
		FanIn:             4,
		MergeBudget:       36000,
		MaxDocumentLength: 1_000_000,

		Workers:            4,
		MapConcurrency:     4,
		MaxJobAttempts:     3,
		StoreRetryAttempts: 5,
		StallTimeout:       10 * time.Minute,
		SweepInterval:      time.Minute,
		JobTTL:             7 * 24 * time.Hour,

		LogFile:      "/tmp/recap.log",
		LogLevelName: defaultLogLevel,
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// RECAP_CONFIG, an optional .env file and environment variables, in that
// order of increasing precedence. The result is validated.
func Load() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg := Defaults()
	if path := os.Getenv("RECAP_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Role = getEnv("RECAP_ROLE", c.Role)
	c.HTTPAddr = getEnv("RECAP_HTTP_ADDR", c.HTTPAddr)
	if origins := os.Getenv("RECAP_ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = splitList(origins)
	}

	c.StoreBackend = getEnv("RECAP_STORE", c.StoreBackend)
	c.SurrealDBURL = getEnv("SURREALDB_URL", c.SurrealDBURL)
	c.SurrealDBNamespace = getEnv("SURREALDB_NAMESPACE", c.SurrealDBNamespace)
	c.SurrealDBDatabase = getEnv("SURREALDB_DATABASE", c.SurrealDBDatabase)
	c.SurrealDBUser = getEnv("SURREALDB_USER", c.SurrealDBUser)
	c.SurrealDBPass = getEnv("SURREALDB_PASS", c.SurrealDBPass)
	c.SurrealDBAuthLevel = getEnv("SURREALDB_AUTH_LEVEL", c.SurrealDBAuthLevel)

	c.BrokerBackend = getEnv("RECAP_BROKER", c.BrokerBackend)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.RedisStream = getEnv("RECAP_REDIS_STREAM", c.RedisStream)
	c.RedisGroup = getEnv("RECAP_REDIS_GROUP", c.RedisGroup)
	c.RedisDLQStream = getEnv("RECAP_REDIS_DLQ_STREAM", c.RedisDLQStream)

	c.LLMProvider = getEnv("RECAP_LLM_PROVIDER", c.LLMProvider)
	c.LLMModel = getEnv("RECAP_LLM_MODEL", c.LLMModel)
	c.OllamaHost = getEnv("OLLAMA_HOST", c.OllamaHost)
	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", c.AnthropicAPIKey)

	c.EmbedProvider = getEnv("RECAP_EMBED_PROVIDER", c.EmbedProvider)
	c.EmbedModel = getEnv("RECAP_EMBED_MODEL", c.EmbedModel)

	c.ChunkUnit = getEnv("RECAP_CHUNK_UNIT", c.ChunkUnit)
	c.LogFile = getEnv("RECAP_LOG_FILE", c.LogFile)
	c.LogLevelName = getEnv("RECAP_LOG_LEVEL", c.LogLevelName)

	var errs []error
	ints := []struct {
		key string
		dst *int
	}{
		{"RECAP_QUEUE_CAPACITY", &c.QueueCapacity},
		{"RECAP_MAX_TOKENS", &c.MaxTokens},
		{"RECAP_MAX_GENERATION_ATTEMPTS", &c.MaxGenerationAttempts},
		{"RECAP_EMBED_DIMENSION", &c.EmbedDimension},
		{"RECAP_RETRIEVAL_K", &c.RetrievalK},
		{"RECAP_CHUNK_SIZE", &c.ChunkSize},
		{"RECAP_CHUNK_OVERLAP", &c.ChunkOverlap},
		{"RECAP_BOUNDARY_WINDOW", &c.BoundaryWindow},
		{"RECAP_FAN_IN", &c.FanIn},
		{"RECAP_MERGE_BUDGET", &c.MergeBudget},
		{"RECAP_MAX_DOCUMENT_LENGTH", &c.MaxDocumentLength},
		{"RECAP_WORKERS", &c.Workers},
		{"RECAP_MAP_CONCURRENCY", &c.MapConcurrency},
		{"RECAP_MAX_JOB_ATTEMPTS", &c.MaxJobAttempts},
		{"RECAP_STORE_RETRY_ATTEMPTS", &c.StoreRetryAttempts},
	}
	for _, e := range ints {
		v, err := getEnvInt(e.key, *e.dst)
		errs = append(errs, err)
		*e.dst = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"RECAP_GENERATION_TIMEOUT", &c.GenerationTimeout},
		{"RECAP_BACKOFF_INITIAL", &c.BackoffInitial},
		{"RECAP_BACKOFF_MAX", &c.BackoffMax},
		{"RECAP_STALL_TIMEOUT", &c.StallTimeout},
		{"RECAP_SWEEP_INTERVAL", &c.SweepInterval},
		{"RECAP_JOB_TTL", &c.JobTTL},
	}
	for _, e := range durations {
		v, err := getEnvDuration(e.key, *e.dst)
		errs = append(errs, err)
		*e.dst = v
	}

	temp, err := getEnvFloat("RECAP_TEMPERATURE", c.Temperature)
	errs = append(errs, err)
	c.Temperature = temp

	c.IndexSummaries = getEnv("RECAP_INDEX_SUMMARIES", strconv.FormatBool(c.IndexSummaries)) == "true"

	return errors.Join(errs...)
}

// Validate rejects unknown enumerations and inconsistent sizes.
func (c Config) Validate() error {
	var errs []error
	oneOf := func(field, val string, allowed ...string) {
		for _, a := range allowed {
			if val == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: unsupported value %q (want one of %s)", field, val, strings.Join(allowed, ", ")))
	}
	positive := func(field string, val int) {
		if val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", field, val))
		}
	}

	oneOf("role", c.Role, RoleAPI, RoleWorker, RoleAll)
	oneOf("store_backend", c.StoreBackend, BackendMemory, BackendSurreal)
	oneOf("broker_backend", c.BrokerBackend, BackendMemory, BackendRedis)
	oneOf("llm_provider", c.LLMProvider, ProviderOllama, ProviderOpenAI, ProviderAnthropic, ProviderBedrock)
	oneOf("embed_provider", c.EmbedProvider, ProviderOllama, ProviderOpenAI)
	oneOf("chunk_unit", c.ChunkUnit, UnitChars, UnitTokens)

	positive("chunk_size", c.ChunkSize)
	positive("merge_budget", c.MergeBudget)
	positive("max_document_length", c.MaxDocumentLength)
	positive("workers", c.Workers)
	positive("map_concurrency", c.MapConcurrency)
	positive("max_job_attempts", c.MaxJobAttempts)
	positive("max_generation_attempts", c.MaxGenerationAttempts)
	positive("store_retry_attempts", c.StoreRetryAttempts)
	positive("queue_capacity", c.QueueCapacity)

	if c.FanIn < 2 {
		errs = append(errs, fmt.Errorf("fan_in must be at least 2, got %d", c.FanIn))
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		errs = append(errs, fmt.Errorf("chunk_overlap must be in [0, chunk_size), got %d", c.ChunkOverlap))
	}
	if c.BoundaryWindow < 0 || c.BoundaryWindow > c.ChunkSize {
		errs = append(errs, fmt.Errorf("boundary_window must be in [0, chunk_size], got %d", c.BoundaryWindow))
	}
	if c.RetrievalK < 0 {
		errs = append(errs, fmt.Errorf("retrieval_k must not be negative, got %d", c.RetrievalK))
	}
	if c.GenerationTimeout <= 0 || c.StallTimeout <= 0 || c.SweepInterval <= 0 {
		errs = append(errs, errors.New("generation_timeout, stall_timeout and sweep_interval must be positive"))
	}
	// Workers refresh running jobs every stall_timeout/3; the window must
	// still cover a single generation call.
	if c.StallTimeout <= c.GenerationTimeout {
		errs = append(errs, fmt.Errorf("stall_timeout (%s) must exceed generation_timeout (%s)", c.StallTimeout, c.GenerationTimeout))
	}
	if need := c.MinMergeBudget(); c.MaxTokens > 0 && c.ToRunes(c.MergeBudget) < need {
		errs = append(errs, fmt.Errorf("merge_budget (%d runes) cannot hold %d summaries of max_tokens %d, need at least %d runes",
			c.ToRunes(c.MergeBudget), c.FanIn, c.MaxTokens, need))
	}
	if c.LLMProvider == ProviderOpenAI && c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY required for openai provider"))
	}
	if c.LLMProvider == ProviderAnthropic && c.AnthropicAPIKey == "" {
		errs = append(errs, errors.New("ANTHROPIC_API_KEY required for anthropic provider"))
	}

	return errors.Join(errs...)
}

// MinMergeBudget is the merge prompt size, in runes, that fits FanIn
// summaries of MaxTokens each without clipping.
func (c Config) MinMergeBudget() int {
	return c.FanIn*c.MaxTokens*charsPerToken + mergePromptReserve
}

// ToRunes converts a size expressed in ChunkUnit into runes.
func (c Config) ToRunes(n int) int {
	if c.ChunkUnit == UnitTokens {
		return n * charsPerToken
	}
	return n
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, defaultVal int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
