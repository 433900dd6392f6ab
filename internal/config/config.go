package config

import (
	"os"
	"strconv"

	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

// Config holds all configuration for the AgentLoom orchestrator.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Bus       BusConfig
	Approval  ApprovalConfig
	Budget    BudgetConfig
	Memory    MemoryConfig
	Retention RetentionConfig
	Summarize SummarizeConfig
}

type DatabaseConfig struct {
	// URL selects the Postgres store when set; empty means the
	// snapshot-backed in-memory store.
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type BusConfig struct {
	DefaultTTLSeconds int
	MaxHops           int
	SweepSeconds      int
}

type ApprovalConfig struct {
	DefaultTimeoutSeconds  int
	ReminderIntervalSecs   int
	MaxReminders           int
	TokenValiditySeconds   int
	WatcherIntervalSeconds int
}

type BudgetConfig struct {
	DefaultDailyUSD   float64
	DefaultMonthlyUSD float64
	AlertThreshold    float64
}

type MemoryConfig struct {
	ShortTermTTLSeconds int
	SummaryThreshold    int
	MaxEpisodes         int
	EpisodeRetainDays   int
}

type RetentionConfig struct {
	UsageRetainDays int
	IntervalSeconds int
}

type SummarizeConfig struct {
	OpenAIKey string
	Model     string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("LOOM_PORT", 8080),
		Version: envStr("LOOM_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "agentloom-orchestrator"),
		},
		Bus: BusConfig{
			DefaultTTLSeconds: envInt("LOOM_BUS_TTL_SECONDS", models.DefaultMessageTTLSeconds),
			MaxHops:           envInt("LOOM_BUS_MAX_HOPS", models.DefaultMaxHops),
			SweepSeconds:      envInt("LOOM_BUS_SWEEP_SECONDS", 60),
		},
		Approval: ApprovalConfig{
			DefaultTimeoutSeconds:  envInt("LOOM_APPROVAL_TIMEOUT_SECONDS", 3600),
			ReminderIntervalSecs:   envInt("LOOM_APPROVAL_REMINDER_SECONDS", 1800),
			MaxReminders:           envInt("LOOM_APPROVAL_MAX_REMINDERS", 3),
			TokenValiditySeconds:   envInt("LOOM_APPROVAL_TOKEN_SECONDS", 3600),
			WatcherIntervalSeconds: envInt("LOOM_APPROVAL_WATCHER_SECONDS", 5),
		},
		Budget: BudgetConfig{
			DefaultDailyUSD:   envFloat("LOOM_BUDGET_DAILY_USD", models.DefaultDailyLimitUSD),
			DefaultMonthlyUSD: envFloat("LOOM_BUDGET_MONTHLY_USD", models.DefaultMonthlyLimitUSD),
			AlertThreshold:    envFloat("LOOM_BUDGET_ALERT_THRESHOLD", models.DefaultAlertThreshold),
		},
		Memory: MemoryConfig{
			ShortTermTTLSeconds: envInt("LOOM_MEMORY_SHORT_TTL_SECONDS", 86400),
			SummaryThreshold:    envInt("LOOM_MEMORY_SUMMARY_THRESHOLD", 20),
			MaxEpisodes:         envInt("LOOM_MEMORY_MAX_EPISODES", 100),
			EpisodeRetainDays:   envInt("LOOM_MEMORY_EPISODE_RETAIN_DAYS", 365),
		},
		Retention: RetentionConfig{
			UsageRetainDays: envInt("LOOM_USAGE_RETAIN_DAYS", models.DefaultUsageRetainDays),
			IntervalSeconds: envInt("LOOM_RETENTION_INTERVAL_SECONDS", 3600),
		},
		Summarize: SummarizeConfig{
			OpenAIKey: envStr("OPENAI_API_KEY", ""),
			Model:     envStr("LOOM_SUMMARY_MODEL", "gpt-4o-mini"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
