package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port      string          `yaml:"port"`
	Env       string          `yaml:"env"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	LLM       LLMConfig       `yaml:"llm"`
	GitHub    GitHubConfig    `yaml:"github"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// StoreConfig selects the remote tier of the summary cache.
type StoreConfig struct {
	Backend     string   `yaml:"backend"` // memory, redis, postgres, s3
	RedisURL    string   `yaml:"redis_url"`
	DatabaseURL string   `yaml:"database_url"`
	Table       string   `yaml:"table"`
	MaxEntries  int      `yaml:"max_entries"`
	S3          S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type CacheConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	LocalTTL        time.Duration `yaml:"local_ttl"`
	LocalMaxEntries int           `yaml:"local_max_entries"`
	Concurrency     int           `yaml:"concurrency"`
}

type LLMConfig struct {
	Provider        string            `yaml:"provider"`
	Models          map[string]string `yaml:"models"`
	BaseURLs        map[string]string `yaml:"base_urls"`
	MaxContentBytes int               `yaml:"max_content_bytes"`
	RPS             float64           `yaml:"rps"`
	Burst           int               `yaml:"burst"`
	RetryAttempts   int               `yaml:"retry_attempts"`
	RetryBaseDelay  time.Duration     `yaml:"retry_base_delay"`

	// Keys are read from the environment only.
	GroqAPIKey   string `yaml:"-"`
	OpenAIAPIKey string `yaml:"-"`
	GeminiAPIKey string `yaml:"-"`
}

type GitHubConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"-"`
}

type ReconcileConfig struct {
	Throttle time.Duration `yaml:"throttle"`
	// Adaptive stretches the throttle when the provider reports an
	// exhausted rate-limit budget.
	Adaptive  bool   `yaml:"adaptive"`
	StatePath string `yaml:"state_path"`
}

func Default() Config {
	return Config{
		Port: ":8080",
		Env:  "local",
		Log:  LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{
			Backend:    "memory",
			Table:      "summary_cache",
			MaxEntries: 100_000,
			S3:         S3Config{Region: "us-east-1", Bucket: "repoviz-cache"},
		},
		Cache: CacheConfig{
			TTL:             30 * 24 * time.Hour,
			LocalTTL:        10 * time.Minute,
			LocalMaxEntries: 4096,
			Concurrency:     16,
		},
		LLM: LLMConfig{
			Provider:        "groq",
			MaxContentBytes: 48 * 1024,
			RetryBaseDelay:  time.Second,
		},
		GitHub: GitHubConfig{BaseURL: "https://api.github.com"},
		Reconcile: ReconcileConfig{
			Throttle:  500 * time.Millisecond,
			StatePath: ".repoviz/state.db",
		},
	}
}

// Load reads .env, then the optional YAML file at path (or REPOVIZ_CONFIG),
// then environment overrides, on top of Default.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	path = firstNonEmpty(strings.TrimSpace(path), strings.TrimSpace(os.Getenv("REPOVIZ_CONFIG")))
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if envPort := strings.TrimSpace(os.Getenv("PORT")); envPort != "" {
		if strings.HasPrefix(envPort, ":") {
			cfg.Port = envPort
		} else {
			cfg.Port = ":" + envPort
		}
	}
	cfg.Env = envOr("APP_ENV", cfg.Env)
	cfg.Log.Level = envOr("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOr("LOG_FORMAT", cfg.Log.Format)

	cfg.Store.Backend = envOr("REPOVIZ_STORE", cfg.Store.Backend)
	cfg.Store.RedisURL = firstNonEmpty(envOr("REDIS_URL", ""), envOr("UPSTASH_REDIS_URL", ""), cfg.Store.RedisURL)
	cfg.Store.DatabaseURL = envOr("DATABASE_URL", cfg.Store.DatabaseURL)
	cfg.Store.S3.Endpoint = envOr("S3_ENDPOINT", cfg.Store.S3.Endpoint)
	cfg.Store.S3.Region = envOr("S3_REGION", cfg.Store.S3.Region)
	cfg.Store.S3.AccessKey = firstNonEmpty(envOr("S3_ACCESS_KEY", ""), envOr("MINIO_ROOT_USER", ""), cfg.Store.S3.AccessKey)
	cfg.Store.S3.SecretKey = firstNonEmpty(envOr("S3_SECRET_KEY", ""), envOr("MINIO_ROOT_PASSWORD", ""), cfg.Store.S3.SecretKey)
	cfg.Store.S3.Bucket = envOr("S3_BUCKET", cfg.Store.S3.Bucket)
	cfg.Store.S3.UseSSL = envBool("S3_USE_SSL", cfg.Store.S3.UseSSL)

	cfg.Cache.TTL = envDuration("REPOVIZ_CACHE_TTL", cfg.Cache.TTL)
	cfg.Cache.LocalMaxEntries = envInt("REPOVIZ_LOCAL_CACHE_SIZE", cfg.Cache.LocalMaxEntries)

	cfg.LLM.Provider = envOr("REPOVIZ_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.GroqAPIKey = envOr("GROQ_API_KEY", cfg.LLM.GroqAPIKey)
	cfg.LLM.OpenAIAPIKey = envOr("OPENAI_API_KEY", cfg.LLM.OpenAIAPIKey)
	cfg.LLM.GeminiAPIKey = firstNonEmpty(envOr("GEMINI_API_KEY", ""), envOr("GOOGLE_API_KEY", ""), cfg.LLM.GeminiAPIKey)

	cfg.GitHub.Token = firstNonEmpty(envOr("GITHUB_TOKEN", ""), envOr("GH_TOKEN", ""), cfg.GitHub.Token)
	cfg.GitHub.BaseURL = envOr("GITHUB_API_URL", cfg.GitHub.BaseURL)

	cfg.Reconcile.Throttle = envDuration("REPOVIZ_THROTTLE", cfg.Reconcile.Throttle)
	cfg.Reconcile.Adaptive = envBool("REPOVIZ_ADAPTIVE_THROTTLE", cfg.Reconcile.Adaptive)
	cfg.Reconcile.StatePath = envOr("REPOVIZ_STATE", cfg.Reconcile.StatePath)
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store backend redis needs REDIS_URL"))
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store backend postgres needs DATABASE_URL"))
		}
	case "s3":
		if c.Store.S3.Endpoint == "" {
			errs = append(errs, errors.New("store backend s3 needs S3_ENDPOINT"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache ttl must be positive"))
	}
	if c.Reconcile.Throttle < 0 {
		errs = append(errs, errors.New("reconcile throttle must not be negative"))
	}
	return errors.Join(errs...)
}

// APIKey returns the configured key of a provider, or "".
func (c *Config) APIKey(provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "groq":
		return c.LLM.GroqAPIKey
	case "openai":
		return c.LLM.OpenAIAPIKey
	case "gemini":
		return c.LLM.GeminiAPIKey
	}
	return ""
}

func envOr(key, fallback string) string {
	return firstNonEmpty(strings.TrimSpace(os.Getenv(key)), fallback)
}

func envBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
