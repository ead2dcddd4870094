package config

import "time"

type Config struct {
	Server     Server     `yaml:"server"`
	Store      Store      `yaml:"store"`
	Quota      Quota      `yaml:"quota"`
	Abuse      Abuse      `yaml:"abuse"`
	Reputation Reputation `yaml:"reputation"`
	Discovery  Discovery  `yaml:"discovery"`
	Settlement Settlement `yaml:"settlement"`
	Challenge  Challenge  `yaml:"challenge"`
	Redis      Redis      `yaml:"redis"`
	NATS       NATS       `yaml:"nats"`
	Rate       Rate       `yaml:"rate"`
	Logging    Logging    `yaml:"logging"`
	Telemetry  Telemetry  `yaml:"telemetry"`
}

type Server struct {
	GRPCAddr         string `yaml:"grpc_addr"`
	HTTPAddr         string `yaml:"http_addr"`
	AdminToken       string `yaml:"admin_token"`
	EnableReflection bool   `yaml:"enable_reflection"`
	// ClientIPHeader is trusted for the signup IP only when set, e.g. X-Forwarded-For.
	ClientIPHeader string `yaml:"client_ip_header"`
}

type Store struct {
	Driver          string        `yaml:"driver"`
	DataFile        string        `yaml:"data_file"`
	DatabaseURL     string        `yaml:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	RunMigrations   bool          `yaml:"run_migrations"`
}

type Quota struct {
	FreeCallsTotal  int64         `yaml:"free_calls_total"`
	HourlyRateLimit int64         `yaml:"hourly_rate_limit"`
	Window          time.Duration `yaml:"window"`
}

type Abuse struct {
	MaxSignupsPerIPPerDay int64    `yaml:"max_signups_per_ip_per_day"`
	DailySpendCapUSD      float64  `yaml:"daily_spend_cap_usd"`
	AverageCallCostUSD    float64  `yaml:"average_call_cost_usd"`
	DisposableDomains     []string `yaml:"disposable_domains"`
}

type Reputation struct {
	MinExecutions     int           `yaml:"min_executions"`
	TargetLatencyMS   int64         `yaml:"target_latency_ms"`
	RecentWindow      time.Duration `yaml:"recent_window"`
	TrendBand         float64       `yaml:"trend_band"`
	LatencyMetric     string        `yaml:"latency_metric"`
	RecalcInterval    time.Duration `yaml:"recalc_interval"`
	Workers           int           `yaml:"workers"`
	MinNewExecutions  int           `yaml:"min_new_executions"`
	EventDrivenRecalc bool          `yaml:"event_driven_recalc"`
}

type Discovery struct {
	PageSize             int           `yaml:"page_size"`
	DefaultMinReputation float64       `yaml:"default_min_reputation"`
	CacheTTL             time.Duration `yaml:"cache_ttl"`
	CacheMaxCostBytes    int64         `yaml:"cache_max_cost_bytes"`
}

type Settlement struct {
	CommissionRate         float64 `yaml:"commission_rate"`
	ReferrerCommissionRate float64 `yaml:"referrer_commission_rate"`
	RefereeDiscountRate    float64 `yaml:"referee_discount_rate"`
}

type Challenge struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NATS struct {
	URL string `yaml:"url"`
}

type Rate struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// Agent-keyed callers get their own, usually larger, bucket.
	AuthenticatedRequestsPerSecond float64       `yaml:"authenticated_requests_per_second"`
	AuthenticatedBurst             int           `yaml:"authenticated_burst"`
	MaxIdleTime                    time.Duration `yaml:"max_idle_time"`
}

type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Redact  bool   `yaml:"redact"`
}

type Telemetry struct {
	OTLPEndpoint string        `yaml:"otlp_endpoint"`
	Interval     time.Duration `yaml:"interval"`
}

func Defaults() Config {
	return Config{
		Server: Server{
			GRPCAddr: "127.0.0.1:50051",
			HTTPAddr: "127.0.0.1:8080",
		},
		Store: Store{
			Driver:          "file",
			DataFile:        "./data/agentexchange.db.json",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
			RunMigrations:   true,
		},
		Quota: Quota{
			FreeCallsTotal:  50,
			HourlyRateLimit: 5,
			Window:          time.Hour,
		},
		Abuse: Abuse{
			MaxSignupsPerIPPerDay: 5,
			DailySpendCapUSD:      50,
			AverageCallCostUSD:    0.005,
			DisposableDomains: []string{
				"10minutemail.com",
				"guerrillamail.com",
				"mailinator.com",
				"tempmail.com",
				"throwaway.email",
				"yopmail.com",
				"trashmail.com",
				"sharklasers.com",
			},
		},
		Reputation: Reputation{
			MinExecutions:     10,
			TargetLatencyMS:   5000,
			RecentWindow:      30 * 24 * time.Hour,
			TrendBand:         0.05,
			LatencyMetric:     "median",
			RecalcInterval:    15 * time.Minute,
			Workers:           4,
			MinNewExecutions:  1,
			EventDrivenRecalc: true,
		},
		Discovery: Discovery{
			PageSize:             10,
			DefaultMinReputation: 0.5,
			CacheTTL:             15 * time.Second,
			CacheMaxCostBytes:    16 << 20,
		},
		Settlement: Settlement{
			CommissionRate:         0.06,
			ReferrerCommissionRate: 0.02,
			RefereeDiscountRate:    0.01,
		},
		Challenge: Challenge{
			Backend: "local",
			TTL:     60 * time.Second,
		},
		Rate: Rate{
			RequestsPerSecond:              20,
			Burst:                          40,
			AuthenticatedRequestsPerSecond: 50,
			AuthenticatedBurst:             100,
			MaxIdleTime:                    3 * time.Minute,
		},
		Logging: Logging{
			Level:   "info",
			Service: "agentexchange",
			Redact:  true,
		},
		Telemetry: Telemetry{
			Interval: 30 * time.Second,
		},
	}
}
