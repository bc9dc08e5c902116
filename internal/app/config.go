package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Lanes recognized for per-lane search provider configuration.
var configLanes = []string{"web", "vector", "graph", "news", "markets", "academic"}

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	// Security & hardening.
	AdminToken     string   // required for /admin/v1 access when set
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	ProviderTimeoutSecs int

	// Response cache.
	CacheBackend    string // "memory" or "redis"
	CacheMaxEntries int    // memory backend capacity
	RedisAddr       string

	// Pipeline tuning.
	FusionTopK            int
	FusionPerDomainCap    int
	HealthCooldownMs      int
	SynthFirstTokenMs     int
	SynthSoftCancelMs     int
	BudgetTotalMsOverride map[string]int // mode -> total budget override
	CacheTTLSecs          map[string]int // mode -> response cache TTL

	// Telemetry persistence.
	TelemetryBuffer         int // async sink queue size
	TelemetryRetentionHours int // records older than this are pruned

	// Temporal workflow engine for durable telemetry writes.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string

	// Retrieval lanes: per-lane keyed search backends, plus the keyless
	// last-resort frontend for the web lane.
	LaneEndpoints map[string][]string // lane -> endpoint replicas
	LaneKeys      map[string]string   // lane -> bearer token
	KeylessURL    string

	// Synthesis model providers.
	OpenAIKey     string
	OpenAIBaseURL string
	AnthropicKey  string
	AnthropicBase string
	RefinerModel  string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("FATHOM_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("FATHOM_LOG_LEVEL", "info"),
		DBDSN:      getEnv("FATHOM_DB_DSN", "file:fathom.sqlite"),

		AdminToken:     getEnv("FATHOM_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("FATHOM_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("FATHOM_RATE_LIMIT_RPS", 10),
		RateLimitBurst: getEnvInt("FATHOM_RATE_LIMIT_BURST", 20),

		ProviderTimeoutSecs: getEnvInt("FATHOM_PROVIDER_TIMEOUT_SECS", 15),

		CacheBackend:    getEnv("FATHOM_CACHE_BACKEND", "memory"),
		CacheMaxEntries: getEnvInt("FATHOM_CACHE_MAX_ENTRIES", 4096),
		RedisAddr:       getEnv("FATHOM_REDIS_ADDR", "localhost:6379"),

		FusionTopK:         getEnvInt("FATHOM_FUSION_TOP_K", 8),
		FusionPerDomainCap: getEnvInt("FATHOM_FUSION_PER_DOMAIN_CAP", 2),
		HealthCooldownMs:   getEnvInt("FATHOM_REGISTRY_HEALTH_COOLDOWN_MS", 30000),
		SynthFirstTokenMs:  getEnvInt("FATHOM_SYNTH_FIRST_TOKEN_TARGET_MS", 1500),
		SynthSoftCancelMs:  getEnvInt("FATHOM_SYNTH_SOFT_CANCEL_GRACE_MS", 250),

		TelemetryBuffer:         getEnvInt("FATHOM_TELEMETRY_BUFFER", 256),
		TelemetryRetentionHours: getEnvInt("FATHOM_TELEMETRY_RETENTION_HOURS", 720),

		TemporalEnabled:   getEnvBool("FATHOM_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("FATHOM_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("FATHOM_TEMPORAL_NAMESPACE", "fathom"),
		TemporalTaskQueue: getEnv("FATHOM_TEMPORAL_TASK_QUEUE", "fathom-telemetry"),

		KeylessURL: getEnv("FATHOM_KEYLESS_SEARCH_URL", ""),

		OpenAIKey:     getEnv("FATHOM_OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("FATHOM_OPENAI_BASE_URL", "https://api.openai.com"),
		AnthropicKey:  getEnv("FATHOM_ANTHROPIC_API_KEY", ""),
		AnthropicBase: getEnv("FATHOM_ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		RefinerModel:  getEnv("FATHOM_REFINER_MODEL", ""),
	}

	cfg.LaneEndpoints = make(map[string][]string)
	cfg.LaneKeys = make(map[string]string)
	for _, lane := range configLanes {
		prefix := "FATHOM_" + strings.ToUpper(lane)
		if eps := getEnvStringSlice(prefix+"_SEARCH_ENDPOINTS", nil); len(eps) > 0 {
			cfg.LaneEndpoints[lane] = eps
			cfg.LaneKeys[lane] = getEnv(prefix+"_SEARCH_KEY", "")
		}
	}

	cfg.BudgetTotalMsOverride = make(map[string]int)
	cfg.CacheTTLSecs = make(map[string]int)
	for _, mode := range []string{"simple", "technical", "research", "multimedia"} {
		upper := strings.ToUpper(mode)
		if v := getEnvInt("FATHOM_BUDGET_"+upper+"_TOTAL_MS", 0); v > 0 {
			cfg.BudgetTotalMsOverride[mode] = v
		}
		if v := getEnvInt("FATHOM_CACHE_TTL_"+upper, 0); v > 0 {
			cfg.CacheTTLSecs[mode] = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("FATHOM_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("FATHOM_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("FATHOM_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.CacheBackend != "memory" && c.CacheBackend != "redis" {
		return fmt.Errorf("FATHOM_CACHE_BACKEND must be memory or redis, got %q", c.CacheBackend)
	}
	if c.TelemetryRetentionHours <= 0 {
		return fmt.Errorf("FATHOM_TELEMETRY_RETENTION_HOURS must be > 0, got %d", c.TelemetryRetentionHours)
	}
	if c.FusionTopK <= 0 || c.FusionPerDomainCap <= 0 {
		return fmt.Errorf("fusion top-k and per-domain cap must be > 0, got %d/%d", c.FusionTopK, c.FusionPerDomainCap)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
