package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the complete Sentinel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are wired by default
	Tier Tier `json:"tier"`

	// Scoring engine settings
	Scoring ScoringConfig `json:"scoring"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Alerting   AlertingConfig   `json:"alerting"`
	Worker     WorkerConfig     `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ScoringConfig is fixed for the lifetime of a scorer.
type ScoringConfig struct {
	HighThreshold     float64 `json:"highThreshold"`
	CriticalThreshold float64 `json:"criticalThreshold"`

	VelocityWindowSeconds int             `json:"velocityWindowSeconds"`
	VelocityMaxCount      int             `json:"velocityMaxCount"`
	VelocityMaxTotal      decimal.Decimal `json:"velocityMaxTotal"`

	AnomalyZScoreThreshold float64 `json:"anomalyZScoreThreshold"`

	MLEnabled   bool   `json:"mlEnabled"`
	MLModelPath string `json:"mlModelPath"`

	// Signal weights for the rule-based blend
	RuleWeight     float64 `json:"ruleWeight"`
	VelocityWeight float64 `json:"velocityWeight"`
	AnomalyWeight  float64 `json:"anomalyWeight"`

	// AlertOnHigh also raises alerts for HIGH severity
	AlertOnHigh bool `json:"alertOnHigh"`

	// Velocity memory bounds
	MaxTrackedSenders    int `json:"maxTrackedSenders"`
	SenderIdleTTLSeconds int `json:"senderIdleTtlSeconds"`

	// BaselineLookbackDays is how much stored history warms the amount
	// baselines on startup. Zero warms the velocity window only.
	BaselineLookbackDays int `json:"baselineLookbackDays"`

	// MaxWorkers bounds parallel rule evaluation
	MaxWorkers int `json:"maxWorkers"`
}

// DefaultScoringConfig returns the stock thresholds and weights.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		HighThreshold:          0.7,
		CriticalThreshold:      0.9,
		VelocityWindowSeconds:  300,
		VelocityMaxCount:       10,
		VelocityMaxTotal:       decimal.NewFromInt(50000),
		AnomalyZScoreThreshold: 3.0,
		MLEnabled:              true,
		MLModelPath:            "ml/models/anomaly_model.json",
		RuleWeight:             0.35,
		VelocityWeight:         0.33,
		AnomalyWeight:          0.32,
		AlertOnHigh:            false,
		MaxTrackedSenders:      100000,
		SenderIdleTTLSeconds:   3600,
		BaselineLookbackDays:   30,
		MaxWorkers:             8,
	}
}

// BaselineLookback returns how far back the startup warm reads, never less
// than the velocity window.
func (c ScoringConfig) BaselineLookback() time.Duration {
	lookback := time.Duration(c.BaselineLookbackDays) * 24 * time.Hour
	if lookback < c.Window() {
		return c.Window()
	}
	return lookback
}

// Window returns the velocity window as a duration.
func (c ScoringConfig) Window() time.Duration {
	return time.Duration(c.VelocityWindowSeconds) * time.Second
}

// Weights returns the configured blend weights keyed by signal.
func (c ScoringConfig) Weights() map[SignalKind]float64 {
	return map[SignalKind]float64{
		SignalRules:    c.RuleWeight,
		SignalVelocity: c.VelocityWeight,
		SignalAnomaly:  c.AnomalyWeight,
	}
}

// Validate rejects configurations the scorer cannot run with.
func (c ScoringConfig) Validate() error {
	if c.HighThreshold <= 0 || c.HighThreshold > 1 {
		return fmt.Errorf("%w: high threshold must be in (0,1], got %v", ErrInvalidConfig, c.HighThreshold)
	}
	if c.CriticalThreshold <= 0 || c.CriticalThreshold > 1 {
		return fmt.Errorf("%w: critical threshold must be in (0,1], got %v", ErrInvalidConfig, c.CriticalThreshold)
	}
	if c.HighThreshold >= c.CriticalThreshold {
		return fmt.Errorf("%w: high threshold %v must be below critical threshold %v",
			ErrInvalidConfig, c.HighThreshold, c.CriticalThreshold)
	}
	if c.RuleWeight < 0 || c.VelocityWeight < 0 || c.AnomalyWeight < 0 {
		return fmt.Errorf("%w: signal weights must not be negative", ErrInvalidConfig)
	}
	if c.RuleWeight+c.VelocityWeight+c.AnomalyWeight <= 0 {
		return fmt.Errorf("%w: signal weights must have a positive sum", ErrInvalidConfig)
	}
	if c.VelocityWindowSeconds <= 0 {
		return fmt.Errorf("%w: velocity window must be positive", ErrInvalidConfig)
	}
	if c.VelocityMaxCount <= 0 {
		return fmt.Errorf("%w: velocity max count must be positive", ErrInvalidConfig)
	}
	if !c.VelocityMaxTotal.IsPositive() {
		return fmt.Errorf("%w: velocity max total must be positive", ErrInvalidConfig)
	}
	if c.AnomalyZScoreThreshold <= 0 {
		return fmt.Errorf("%w: anomaly z-score threshold must be positive", ErrInvalidConfig)
	}
	if c.MaxTrackedSenders < 0 || c.SenderIdleTTLSeconds < 0 || c.BaselineLookbackDays < 0 {
		return fmt.Errorf("%w: velocity memory bounds must not be negative", ErrInvalidConfig)
	}
	return nil
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// AlertingConfig holds alert delivery settings.
type AlertingConfig struct {
	// Webhook URLs keyed by severity; empty disables delivery for that band
	WebhookHigh     string `json:"webhookHigh"`
	WebhookCritical string `json:"webhookCritical"`
	TimeoutSeconds  int    `json:"timeoutSeconds"`

	// WebhookSecret signs webhook bodies with HMAC-SHA256 when set
	WebhookSecret string `json:"-"`
}

// WorkerConfig holds async ingestion settings.
type WorkerConfig struct {
	Enabled bool `json:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Validate checks the whole tree.
func (c *Config) Validate() error {
	if err := c.Scoring.Validate(); err != nil {
		return err
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	switch c.Repository.Driver {
	case "sqlite", "postgres", "none":
	default:
		return fmt.Errorf("%w: unsupported repository driver %q", ErrInvalidConfig, c.Repository.Driver)
	}
	switch c.Cache.Type {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("%w: unsupported cache type %q", ErrInvalidConfig, c.Cache.Type)
	}
	switch c.EventBus.Type {
	case "channel", "nats", "none":
	default:
		return fmt.Errorf("%w: unsupported event bus type %q", ErrInvalidConfig, c.EventBus.Type)
	}
	return nil
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process LRU
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier:    TierCommunity,
		Scoring: DefaultScoringConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./sentinel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			DedupTTL:     24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Alerting: AlertingConfig{
			TimeoutSeconds: 5,
		},
		Worker: WorkerConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "sentinel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "sentinel",
		PostgresSSLMode: "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		DedupTTL:       24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
