package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigFile = "agentexchange.yaml"

// Load resolves configuration as defaults < YAML < environment. The YAML file
// is optional and may be relocated with AGX_CONFIG.
func Load() (Config, error) {
	path := DefaultConfigFile
	if override := strings.TrimSpace(os.Getenv("AGX_CONFIG")); override != "" {
		path = override
	}
	return LoadFrom(path)
}

func LoadFrom(yamlPath string) (Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return Config{}, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config validate: %w", err)
	}
	return cfg, nil
}

func loadYAML(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func loadEnv(cfg *Config) {
	setString(&cfg.Server.GRPCAddr, "GRPC_ADDR")
	setString(&cfg.Server.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.Server.AdminToken, "AGX_ADMIN_TOKEN")
	setBool(&cfg.Server.EnableReflection, "ENABLE_REFLECTION")
	setString(&cfg.Server.ClientIPHeader, "AGX_CLIENT_IP_HEADER")

	setString(&cfg.Store.Driver, "STORE_DRIVER")
	setString(&cfg.Store.DataFile, "DATA_FILE")
	setString(&cfg.Store.DatabaseURL, "DATABASE_URL")
	setInt(&cfg.Store.MaxOpenConns, "AGX_DB_MAX_OPEN_CONNS")
	setInt(&cfg.Store.MaxIdleConns, "AGX_DB_MAX_IDLE_CONNS")
	setDuration(&cfg.Store.ConnMaxLifetime, "AGX_DB_CONN_MAX_LIFETIME")
	setBool(&cfg.Store.RunMigrations, "AGX_RUN_MIGRATIONS")

	setInt64(&cfg.Quota.FreeCallsTotal, "AGX_FREE_CALLS_TOTAL")
	setInt64(&cfg.Quota.HourlyRateLimit, "AGX_HOURLY_RATE_LIMIT")

	setInt64(&cfg.Abuse.MaxSignupsPerIPPerDay, "AGX_MAX_SIGNUPS_PER_IP")
	setFloat64(&cfg.Abuse.DailySpendCapUSD, "AGX_DAILY_SPEND_CAP_USD")
	setList(&cfg.Abuse.DisposableDomains, "AGX_DISPOSABLE_DOMAINS")

	setInt(&cfg.Reputation.MinExecutions, "AGX_REPUTATION_MIN_EXECUTIONS")
	setString(&cfg.Reputation.LatencyMetric, "AGX_REPUTATION_LATENCY_METRIC")
	setDuration(&cfg.Reputation.RecalcInterval, "AGX_REPUTATION_RECALC_INTERVAL")
	setInt(&cfg.Reputation.Workers, "AGX_REPUTATION_WORKERS")
	setBool(&cfg.Reputation.EventDrivenRecalc, "AGX_REPUTATION_EVENT_DRIVEN")

	setInt(&cfg.Discovery.PageSize, "AGX_DISCOVERY_PAGE_SIZE")
	setDuration(&cfg.Discovery.CacheTTL, "AGX_DISCOVERY_CACHE_TTL")

	setFloat64(&cfg.Settlement.CommissionRate, "AGX_COMMISSION_RATE")

	setString(&cfg.Challenge.Backend, "AGX_CHALLENGE_BACKEND")
	setDuration(&cfg.Challenge.TTL, "AGX_CHALLENGE_TTL")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")

	setString(&cfg.NATS.URL, "NATS_URL")

	setFloat64(&cfg.Rate.RequestsPerSecond, "AGX_RATE_RPS")
	setInt(&cfg.Rate.Burst, "AGX_RATE_BURST")
	setFloat64(&cfg.Rate.AuthenticatedRequestsPerSecond, "AGX_RATE_AUTH_RPS")
	setInt(&cfg.Rate.AuthenticatedBurst, "AGX_RATE_AUTH_BURST")

	setString(&cfg.Logging.Level, "AGX_LOG_LEVEL")
	setBool(&cfg.Logging.Redact, "AGX_LOG_REDACT")

	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func validate(cfg Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "file", "postgres":
	default:
		return fmt.Errorf("store.driver %q must be file or postgres", cfg.Store.Driver)
	}
	if cfg.Store.Driver == "postgres" && strings.TrimSpace(cfg.Store.DatabaseURL) == "" {
		return errors.New("DATABASE_URL is required when store.driver=postgres")
	}
	if cfg.Quota.FreeCallsTotal < 0 || cfg.Quota.HourlyRateLimit < 1 {
		return errors.New("quota.free_calls_total must be >= 0 and quota.hourly_rate_limit >= 1")
	}
	if cfg.Quota.Window <= 0 {
		return errors.New("quota.window must be positive")
	}
	if cfg.Abuse.MaxSignupsPerIPPerDay < 1 || cfg.Abuse.DailySpendCapUSD < 0 {
		return errors.New("abuse limits must be positive")
	}
	if cfg.Reputation.MinExecutions < 1 || cfg.Reputation.TargetLatencyMS < 1 {
		return errors.New("reputation.min_executions and reputation.target_latency_ms must be positive")
	}
	switch cfg.Reputation.LatencyMetric {
	case "median", "mean":
	default:
		return fmt.Errorf("reputation.latency_metric %q must be median or mean", cfg.Reputation.LatencyMetric)
	}
	if cfg.Discovery.PageSize < 1 {
		return errors.New("discovery.page_size must be positive")
	}
	for name, rate := range map[string]float64{
		"settlement.commission_rate":          cfg.Settlement.CommissionRate,
		"settlement.referrer_commission_rate": cfg.Settlement.ReferrerCommissionRate,
		"settlement.referee_discount_rate":    cfg.Settlement.RefereeDiscountRate,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s must be within [0,1]", name)
		}
	}
	if cfg.Settlement.RefereeDiscountRate > cfg.Settlement.CommissionRate {
		return errors.New("settlement.referee_discount_rate cannot exceed the commission rate")
	}
	switch cfg.Challenge.Backend {
	case "local":
	case "redis":
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			return errors.New("redis.addr is required when challenge.backend=redis")
		}
	default:
		return fmt.Errorf("challenge.backend %q must be local or redis", cfg.Challenge.Backend)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	items := []string{}
	for _, item := range strings.Split(v, ",") {
		if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}
