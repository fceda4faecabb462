package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the memoflow server.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Queue         QueueConfig
	Workers       WorkersConfig
	Blob          BlobConfig
	Transcription TranscriptionConfig
	Generation    GenerationConfig
	Usage         UsageConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ApplicationName string
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

// QueueConfig configures the job store and its retry policy.
type QueueConfig struct {
	// Driver is "postgres" or "memory".
	Driver            string
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	ReapInterval      time.Duration
	ReconcileInterval time.Duration
	// ReconcileGrace is how long a memo may sit in a processing status
	// without an active job before the reconciler repairs it.
	ReconcileGrace time.Duration
}

type WorkersConfig struct {
	Transcribe      StageConfig
	Generate        StageConfig
	IdleMin         time.Duration
	IdleMax         time.Duration
	ShutdownTimeout time.Duration
}

// StageConfig sizes one worker pool. LeaseDuration must exceed Timeout so a
// healthy worker always finishes before its lease can be reaped.
type StageConfig struct {
	Concurrency   int
	Timeout       time.Duration
	LeaseDuration time.Duration
}

type BlobConfig struct {
	Dir            string
	MaxUploadBytes int64
}

type TranscriptionConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
}

type GenerationConfig struct {
	Provider  string
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
}

type UsageConfig struct {
	DefaultMonthlyMinutes float64
}

var validTranscriptionProviders = map[string]bool{
	"openai": true,
	"vllm":   true,
	"mock":   true,
}

var validGenerationProviders = map[string]bool{
	"openai":     true,
	"vllm":       true,
	"ollama":     true,
	"openrouter": true,
	"anthropic":  true,
	"mock":       true,
}

var defaultBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"vllm":       "http://localhost:8000/v1",
	"ollama":     "http://localhost:11434/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"anthropic":  "https://api.anthropic.com",
}

var defaultGenerationModels = map[string]string{
	"openai":    "gpt-4o-mini",
	"ollama":    "llama3",
	"anthropic": "claude-sonnet-4-5-20250929",
}

// apiKeyEnv names the provider-specific variable consulted when the
// stage-specific *_API_KEY is unset.
var apiKeyEnv = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
}

// Load reads configuration from environment variables and returns a validated Config.
// Variables from a .env file in the working directory are applied first
// without overriding the real environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	transcribeTimeout := envDuration("TRANSCRIBE_TIMEOUT", 15*time.Minute)
	generateTimeout := envDuration("GENERATE_TIMEOUT", 2*time.Minute)

	transcriptionProvider := envString("TRANSCRIPTION_PROVIDER", "openai")
	generationProvider := envString("GENERATION_PROVIDER", "openai")

	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("MEMOFLOW_PORT", 8080),
			Env:                envString("MEMOFLOW_ENV", "development"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 120),
		},
		Database: loadDatabase(),
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			Driver:            envString("QUEUE_DRIVER", "postgres"),
			MaxAttempts:       envInt("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase:       envDuration("QUEUE_BACKOFF_BASE", 2*time.Second),
			BackoffMax:        envDuration("QUEUE_BACKOFF_MAX", time.Minute),
			ReapInterval:      envDuration("QUEUE_REAP_INTERVAL", 30*time.Second),
			ReconcileInterval: envDuration("QUEUE_RECONCILE_INTERVAL", time.Minute),
			ReconcileGrace:    envDuration("QUEUE_RECONCILE_GRACE", 5*time.Minute),
		},
		Workers: WorkersConfig{
			Transcribe: StageConfig{
				Concurrency:   envInt("TRANSCRIBE_CONCURRENCY", 2),
				Timeout:       transcribeTimeout,
				LeaseDuration: envDuration("TRANSCRIBE_LEASE", transcribeTimeout+2*time.Minute),
			},
			Generate: StageConfig{
				Concurrency:   envInt("GENERATE_CONCURRENCY", 3),
				Timeout:       generateTimeout,
				LeaseDuration: envDuration("GENERATE_LEASE", generateTimeout+time.Minute),
			},
			IdleMin:         envDuration("WORKER_IDLE_MIN", 200*time.Millisecond),
			IdleMax:         envDuration("WORKER_IDLE_MAX", 5*time.Second),
			ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Blob: BlobConfig{
			Dir:            envString("BLOB_DIR", "./data/audio"),
			MaxUploadBytes: int64(envInt("MAX_UPLOAD_BYTES", 25<<20)),
		},
		Transcription: TranscriptionConfig{
			Provider: transcriptionProvider,
			BaseURL:  envString("TRANSCRIPTION_BASE_URL", defaultBaseURLs[transcriptionProvider]),
			APIKey:   envString("TRANSCRIPTION_API_KEY", os.Getenv(apiKeyEnv[transcriptionProvider])),
			Model:    envString("TRANSCRIPTION_MODEL", "whisper-1"),
		},
		Generation: GenerationConfig{
			Provider:  generationProvider,
			BaseURL:   envString("GENERATION_BASE_URL", defaultBaseURLs[generationProvider]),
			APIKey:    envString("GENERATION_API_KEY", os.Getenv(apiKeyEnv[generationProvider])),
			Model:     envString("GENERATION_MODEL", defaultGenerationModels[generationProvider]),
			MaxTokens: envInt("GENERATION_MAX_TOKENS", 2048),
		},
		Usage: UsageConfig{
			DefaultMonthlyMinutes: envFloat("USAGE_DEFAULT_MONTHLY_MINUTES", 600),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDatabase reads only the database settings. Used by tools that do not
// run the full server.
func LoadDatabase() (DatabaseConfig, error) {
	_ = godotenv.Load()
	db := loadDatabase()
	if db.URL == "" {
		return db, fmt.Errorf("DATABASE_URL is required")
	}
	return db, nil
}

func loadDatabase() DatabaseConfig {
	return DatabaseConfig{
		URL:             os.Getenv("DATABASE_URL"),
		MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		ApplicationName: envString("DATABASE_APPLICATION_NAME", "memoflow"),
		MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
	}
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Queue.Driver != "postgres" && c.Queue.Driver != "memory" {
		return fmt.Errorf("QUEUE_DRIVER must be postgres or memory; got %q", c.Queue.Driver)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.BackoffBase <= 0 {
		return fmt.Errorf("QUEUE_BACKOFF_BASE must be positive")
	}

	stages := []struct {
		name string
		cfg  StageConfig
	}{
		{"TRANSCRIBE", c.Workers.Transcribe},
		{"GENERATE", c.Workers.Generate},
	}
	for _, st := range stages {
		if st.cfg.Concurrency < 1 {
			return fmt.Errorf("%s_CONCURRENCY must be at least 1, got %d", st.name, st.cfg.Concurrency)
		}
		if st.cfg.LeaseDuration <= st.cfg.Timeout {
			return fmt.Errorf("%s_LEASE (%s) must exceed %s_TIMEOUT (%s)", st.name, st.cfg.LeaseDuration, st.name, st.cfg.Timeout)
		}
	}

	if !validTranscriptionProviders[c.Transcription.Provider] {
		return fmt.Errorf("TRANSCRIPTION_PROVIDER must be one of openai, vllm, mock; got %q", c.Transcription.Provider)
	}
	if !validGenerationProviders[c.Generation.Provider] {
		return fmt.Errorf("GENERATION_PROVIDER must be one of openai, vllm, ollama, openrouter, anthropic, mock; got %q", c.Generation.Provider)
	}

	if c.Transcription.Provider != "mock" {
		if err := checkBaseURL("TRANSCRIPTION_BASE_URL", c.Transcription.BaseURL); err != nil {
			return err
		}
	}
	if c.Generation.Provider != "mock" {
		if err := checkBaseURL("GENERATION_BASE_URL", c.Generation.BaseURL); err != nil {
			return err
		}
	}

	if c.Transcription.Provider == "openai" && c.Transcription.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY or TRANSCRIPTION_API_KEY is required when TRANSCRIPTION_PROVIDER is openai")
	}
	if env, ok := apiKeyEnv[c.Generation.Provider]; ok && c.Generation.APIKey == "" {
		return fmt.Errorf("%s or GENERATION_API_KEY is required when GENERATION_PROVIDER is %s", env, c.Generation.Provider)
	}

	return nil
}

func checkBaseURL(name, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", name)
	}
	if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
		return fmt.Errorf("%s must start with http:// or https://, got %q", name, v)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
