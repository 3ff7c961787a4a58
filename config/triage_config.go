package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"triage_server/pkg/apperr"
)

func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "triage"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

// AI providers
const (
	AIProviderOpenAI    = "openai"
	AIProviderAnthropic = "anthropic"
	AIProviderNone      = "none"
)

type Config struct {
	Environment string
	LogLevel    string
	WorkerID    string

	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string
	CachePrefix    string

	CatalogPath string

	AIProvider         string
	OpenAIAPIKey       string
	OpenAIModel        string
	AnthropicAPIKey    string
	AnthropicModel     string
	AIRequestsPerMin   int
	AITokensPerMin     int
	AIMaxWait          time.Duration
	AIMaxAttempts      int
	AIBackoffInitial   time.Duration
	AIBackoffMax       time.Duration
	AIBreakerThreshold int
	AIBreakerTimeout   time.Duration
	AICallTimeout      time.Duration

	ConfidenceThreshold float64
	AutoActionThreshold float64
	MergePolicy         string
	VIPOverride         bool
	LearningEnabled     bool

	LearningRate          float64
	LearningRebuildWindow int
	LearningModelTTL      time.Duration

	SLACritical       time.Duration
	SLAHigh           time.Duration
	SLAMedium         time.Duration
	SLALow            time.Duration
	SLATier1Factor    float64
	SLAAtRiskFraction float64

	EscalateAfterActions int
	QueueLabel           string
	SweepPageSize        int

	GmailClientID     string
	GmailClientSecret string
	GmailRefreshToken string
	GmailQuery        string
	BatchSize         int

	SlackToken   string
	SlackChannel string

	SchedulerEnabled bool
	TriageSchedule   string
	SweepSchedule    string
}

func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		WorkerID:    getEnv("WORKER_ID", generateWorkerID()),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "postgres"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		RedisURL:       getEnv("REDIS_URL", ""),
		CachePrefix:    getEnv("CACHE_PREFIX", "triage:"),

		CatalogPath: getEnv("CATALOG_PATH", ""),

		AIProvider:         strings.ToLower(getEnv("AI_PROVIDER", AIProviderOpenAI)),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		AnthropicAPIKey:    getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:     getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		AIRequestsPerMin:   getEnvInt("AI_REQUESTS_PER_MIN", 60),
		AITokensPerMin:     getEnvInt("AI_TOKENS_PER_MIN", 90000),
		AIMaxWait:          getEnvDuration("AI_MAX_WAIT", 10*time.Second),
		AIMaxAttempts:      getEnvInt("AI_MAX_ATTEMPTS", 4),
		AIBackoffInitial:   getEnvDuration("AI_BACKOFF_INITIAL", time.Second),
		AIBackoffMax:       getEnvDuration("AI_BACKOFF_MAX", 30*time.Second),
		AIBreakerThreshold: getEnvInt("AI_BREAKER_THRESHOLD", 5),
		AIBreakerTimeout:   getEnvDuration("AI_BREAKER_TIMEOUT", 30*time.Second),
		AICallTimeout:      getEnvDuration("AI_CALL_TIMEOUT", 60*time.Second),

		ConfidenceThreshold: getEnvFloat("CONFIDENCE_THRESHOLD", 0.7),
		AutoActionThreshold: getEnvFloat("AUTO_ACTION_THRESHOLD", 0.9),
		MergePolicy:         getEnv("MERGE_POLICY", "upgrade-only"),
		VIPOverride:         getEnvBool("VIP_OVERRIDE", true),
		LearningEnabled:     getEnvBool("LEARNING_ENABLED", true),

		LearningRate:          getEnvFloat("LEARNING_RATE", 0.1),
		LearningRebuildWindow: getEnvInt("LEARNING_REBUILD_WINDOW", 500),
		LearningModelTTL:      getEnvDuration("LEARNING_MODEL_TTL", time.Hour),

		SLACritical:       getEnvDuration("SLA_CRITICAL", 2*time.Hour),
		SLAHigh:           getEnvDuration("SLA_HIGH", 8*time.Hour),
		SLAMedium:         getEnvDuration("SLA_MEDIUM", 24*time.Hour),
		SLALow:            getEnvDuration("SLA_LOW", 72*time.Hour),
		SLATier1Factor:    getEnvFloat("SLA_TIER1_FACTOR", 0.5),
		SLAAtRiskFraction: getEnvFloat("SLA_AT_RISK_FRACTION", 0.2),

		EscalateAfterActions: getEnvInt("ESCALATE_AFTER_ACTIONS", 5),
		QueueLabel:           getEnv("QUEUE_LABEL", "follow-up"),
		SweepPageSize:        getEnvInt("SWEEP_PAGE_SIZE", 200),

		GmailClientID:     getEnv("GMAIL_CLIENT_ID", ""),
		GmailClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
		GmailRefreshToken: getEnv("GMAIL_REFRESH_TOKEN", ""),
		GmailQuery:        getEnv("GMAIL_QUERY", "in:inbox newer_than:1d"),
		BatchSize:         getEnvInt("BATCH_SIZE", 50),

		SlackToken:   getEnv("SLACK_BOT_TOKEN", ""),
		SlackChannel: getEnv("SLACK_CHANNEL", ""),

		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),
		TriageSchedule:   getEnv("TRIAGE_SCHEDULE", "*/15 * * * *"),
		SweepSchedule:    getEnv("SWEEP_SCHEDULE", "*/5 * * * *"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first unusable setting as a CONFIGURATION error.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return apperr.Configuration("DATABASE_URL is required")
	}
	switch c.DatabaseDriver {
	case "postgres", "postgresql", "sqlite", "sqlite3":
	default:
		return apperr.Configuration(fmt.Sprintf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver))
	}

	switch c.AIProvider {
	case AIProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return apperr.Configuration("OPENAI_API_KEY is required when AI_PROVIDER=openai")
		}
	case AIProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			return apperr.Configuration("ANTHROPIC_API_KEY is required when AI_PROVIDER=anthropic")
		}
	case AIProviderNone:
	default:
		return apperr.Configuration(fmt.Sprintf("unknown AI_PROVIDER %q", c.AIProvider))
	}

	for name, v := range map[string]float64{
		"CONFIDENCE_THRESHOLD":  c.ConfidenceThreshold,
		"AUTO_ACTION_THRESHOLD": c.AutoActionThreshold,
		"SLA_AT_RISK_FRACTION":  c.SLAAtRiskFraction,
	} {
		if v < 0 || v > 1 {
			return apperr.Configuration(name + " must be within [0,1]").WithDetail("value", v)
		}
	}
	if c.LearningRate <= 0 || c.LearningRate > 1 {
		return apperr.Configuration("LEARNING_RATE must be within (0,1]").WithDetail("value", c.LearningRate)
	}
	if c.SLATier1Factor <= 0 || c.SLATier1Factor > 1 {
		return apperr.Configuration("SLA_TIER1_FACTOR must be within (0,1]").WithDetail("value", c.SLATier1Factor)
	}
	for name, d := range map[string]time.Duration{
		"SLA_CRITICAL": c.SLACritical,
		"SLA_HIGH":     c.SLAHigh,
		"SLA_MEDIUM":   c.SLAMedium,
		"SLA_LOW":      c.SLALow,
	} {
		if d <= 0 {
			return apperr.Configuration(name + " must be positive")
		}
	}
	switch c.MergePolicy {
	case "upgrade-only", "prefer-ai":
	default:
		return apperr.Configuration(fmt.Sprintf("unknown MERGE_POLICY %q", c.MergePolicy))
	}
	if c.EscalateAfterActions <= 0 || c.BatchSize <= 0 || c.AIMaxAttempts <= 0 {
		return apperr.Configuration("ESCALATE_AFTER_ACTIONS, BATCH_SIZE and AI_MAX_ATTEMPTS must be positive")
	}

	if c.SchedulerEnabled {
		for name, spec := range map[string]string{
			"TRIAGE_SCHEDULE": c.TriageSchedule,
			"SWEEP_SCHEDULE":  c.SweepSchedule,
		} {
			if _, err := cron.ParseStandard(spec); err != nil {
				return apperr.Configuration(fmt.Sprintf("%s %q", name, spec)).WithError(err)
			}
		}
	}
	return nil
}

// HasGmail reports whether mailbox credentials are present.
func (c *Config) HasGmail() bool {
	return c.GmailClientID != "" && c.GmailClientSecret != "" && c.GmailRefreshToken != ""
}

// HasSlack reports whether Slack notifications are configured.
func (c *Config) HasSlack() bool {
	return c.SlackToken != "" && c.SlackChannel != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
