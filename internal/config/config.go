package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Cron       CronConfig       `mapstructure:"cron"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Clustering ClusteringConfig `mapstructure:"clustering"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle"`
	Ideas      IdeasConfig      `mapstructure:"ideas"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	APIToken        string        `mapstructure:"api_token"` // guards /api and /swagger when set
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	// Driver is "postgres" or "memory". The memory driver keeps everything in-process.
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type RedisConfig struct {
	// URL is optional; when empty the dedup cache and cost counter stay in memory.
	URL string `mapstructure:"url"`
}

type CronConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Ingest    string `mapstructure:"ingest"`
	Cluster   string `mapstructure:"cluster"`
	Sweep     string `mapstructure:"sweep"`
	Ideas     string `mapstructure:"ideas"`
	CostReset string `mapstructure:"cost_reset"`
}

type LLMConfig struct {
	// Provider is one of "openai", "anthropic", "gemini".
	Provider        string                 `mapstructure:"provider"`
	APIKey          string                 `mapstructure:"api_key"`
	BaseURL         string                 `mapstructure:"base_url"`
	Timeout         time.Duration          `mapstructure:"timeout"`
	ClusteringModel string                 `mapstructure:"clustering_model"`
	IdeasModel      string                 `mapstructure:"ideas_model"`
	EmbeddingModel  string                 `mapstructure:"embedding_model"`
	MaxAttempts     int                    `mapstructure:"max_attempts"`
	BackoffBase     float64                `mapstructure:"backoff_base"`
	DailyBudgetUSD  float64                `mapstructure:"daily_budget_usd"`
	CostKey         string                 `mapstructure:"cost_key"`
	Pricing         map[string]PriceConfig `mapstructure:"pricing"`
}

// PriceConfig is USD per one million tokens.
type PriceConfig struct {
	InputPer1M  float64 `mapstructure:"input_per_1m"`
	OutputPer1M float64 `mapstructure:"output_per_1m"`
}

type DedupConfig struct {
	SeenCacheTTL time.Duration `mapstructure:"seen_cache_ttl"`
}

type IngestConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	Timeout        time.Duration `mapstructure:"timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	Feeds          []FeedConfig  `mapstructure:"feeds"`
}

type FeedConfig struct {
	Name         string        `mapstructure:"name"`
	URL          string        `mapstructure:"url"`
	Category     string        `mapstructure:"category"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type ClusteringConfig struct {
	BatchSize      int     `mapstructure:"batch_size"`
	MaxPending     int     `mapstructure:"max_pending"`
	MaxConcurrency int     `mapstructure:"max_concurrency"`
	Temperature    float64 `mapstructure:"temperature"`
}

type LifecycleConfig struct {
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	ArchiveAfter   time.Duration `mapstructure:"archive_after"`
	ClaimTimeout   time.Duration `mapstructure:"claim_timeout"`
}

type IdeasConfig struct {
	TopN            int           `mapstructure:"top_n"`
	MinArticles     int           `mapstructure:"min_articles"`
	ConfidenceFloor float64       `mapstructure:"confidence_floor"`
	Expiry          time.Duration `mapstructure:"expiry"`
	ContextArticles int           `mapstructure:"context_articles"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("redis.url", "")

	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.ingest", "@every 5m")
	v.SetDefault("cron.cluster", "@every 10m")
	v.SetDefault("cron.sweep", "@every 15m")
	v.SetDefault("cron.ideas", "@every 10m")
	v.SetDefault("cron.cost_reset", "0 0 0 * * *")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.clustering_model", "gpt-4o-mini")
	v.SetDefault("llm.ideas_model", "gpt-4-turbo")
	v.SetDefault("llm.embedding_model", "text-embedding-3-small")
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.backoff_base", 2)
	v.SetDefault("llm.daily_budget_usd", 5.0)
	v.SetDefault("llm.cost_key", "eventdesk:llm:daily_cost_nano")
	v.SetDefault("llm.pricing", map[string]any{
		"gpt-4o-mini":            map[string]any{"input_per_1m": 0.15, "output_per_1m": 0.60},
		"gpt-4-turbo":            map[string]any{"input_per_1m": 10.0, "output_per_1m": 30.0},
		"gpt-4":                  map[string]any{"input_per_1m": 30.0, "output_per_1m": 60.0},
		"text-embedding-3-small": map[string]any{"input_per_1m": 0.02, "output_per_1m": 0.0},
	})

	v.SetDefault("dedup.seen_cache_ttl", "48h")

	v.SetDefault("ingest.max_concurrency", 5)
	v.SetDefault("ingest.timeout", "10s")
	v.SetDefault("ingest.user_agent", "eventdesk/1.0 (+news event pipeline)")

	v.SetDefault("clustering.batch_size", 40)
	v.SetDefault("clustering.max_pending", 100)
	v.SetDefault("clustering.max_concurrency", 3)
	v.SetDefault("clustering.temperature", 0.3)

	v.SetDefault("lifecycle.stale_threshold", "6h")
	v.SetDefault("lifecycle.archive_after", "0s")
	v.SetDefault("lifecycle.claim_timeout", "30m")

	v.SetDefault("ideas.top_n", 10)
	v.SetDefault("ideas.min_articles", 2)
	v.SetDefault("ideas.confidence_floor", 6.0)
	v.SetDefault("ideas.expiry", "72h")
	v.SetDefault("ideas.context_articles", 10)
	v.SetDefault("ideas.max_output_tokens", 2000)
	v.SetDefault("ideas.temperature", 0.7)
	v.SetDefault("ideas.max_concurrency", 3)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
