// Package config loads Sentinel configuration from defaults, an optional
// config file, and SENTINEL_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override,
// e.g. SENTINEL_SCORING_HIGH_THRESHOLD.
const EnvPrefix = "SENTINEL"

// Load builds the configuration. The tier picks the defaults (community or
// pro); the file and environment override individual keys. The result is
// validated.
func Load(path string) (*domain.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	defaults := domain.DefaultConfig()
	if strings.EqualFold(v.GetString("tier"), string(domain.TierPro)) {
		defaults = domain.ProConfig()
	}
	setDefaults(v, defaults)

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *domain.Config) {
	v.SetDefault("tier", string(d.Tier))

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	s := d.Scoring
	v.SetDefault("scoring.high_threshold", s.HighThreshold)
	v.SetDefault("scoring.critical_threshold", s.CriticalThreshold)
	v.SetDefault("scoring.velocity_window_seconds", s.VelocityWindowSeconds)
	v.SetDefault("scoring.velocity_max_count", s.VelocityMaxCount)
	v.SetDefault("scoring.velocity_max_total", s.VelocityMaxTotal.String())
	v.SetDefault("scoring.anomaly_zscore_threshold", s.AnomalyZScoreThreshold)
	v.SetDefault("scoring.ml_enabled", s.MLEnabled)
	v.SetDefault("scoring.ml_model_path", s.MLModelPath)
	v.SetDefault("scoring.rule_weight", s.RuleWeight)
	v.SetDefault("scoring.velocity_weight", s.VelocityWeight)
	v.SetDefault("scoring.anomaly_weight", s.AnomalyWeight)
	v.SetDefault("scoring.alert_on_high", s.AlertOnHigh)
	v.SetDefault("scoring.max_tracked_senders", s.MaxTrackedSenders)
	v.SetDefault("scoring.sender_idle_ttl_seconds", s.SenderIdleTTLSeconds)
	v.SetDefault("scoring.baseline_lookback_days", s.BaselineLookbackDays)
	v.SetDefault("scoring.max_workers", s.MaxWorkers)

	v.SetDefault("repository.driver", d.Repository.Driver)
	v.SetDefault("repository.sqlite_path", d.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", d.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", d.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", d.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", d.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", d.Repository.PostgresDB)
	v.SetDefault("repository.postgres_sslmode", d.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", d.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", d.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", d.Repository.ConnMaxLifetime.String())

	v.SetDefault("cache.type", d.Cache.Type)
	v.SetDefault("cache.local_max_size", d.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", d.Cache.LocalTTL.String())
	v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", d.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", d.Cache.RedisDB)
	v.SetDefault("cache.two_phase", d.Cache.EnableTwoPhase)
	v.SetDefault("cache.dedup_ttl", d.Cache.DedupTTL.String())

	v.SetDefault("eventbus.type", d.EventBus.Type)
	v.SetDefault("eventbus.channel_buffer_size", d.EventBus.ChannelBufferSize)
	v.SetDefault("eventbus.nats_url", d.EventBus.NATSUrl)
	v.SetDefault("eventbus.nats_token", d.EventBus.NATSToken)
	v.SetDefault("eventbus.nats_max_reconnects", d.EventBus.NATSMaxReconnects)
	v.SetDefault("eventbus.nats_reconnect_wait", d.EventBus.NATSReconnectWait)

	v.SetDefault("alerting.webhook_high", d.Alerting.WebhookHigh)
	v.SetDefault("alerting.webhook_critical", d.Alerting.WebhookCritical)
	v.SetDefault("alerting.timeout_seconds", d.Alerting.TimeoutSeconds)
	v.SetDefault("alerting.webhook_secret", d.Alerting.WebhookSecret)

	v.SetDefault("worker.enabled", d.Worker.Enabled)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

func decode(v *viper.Viper) (*domain.Config, error) {
	maxTotal, err := decimal.NewFromString(v.GetString("scoring.velocity_max_total"))
	if err != nil {
		return nil, fmt.Errorf("%w: scoring.velocity_max_total: %v", domain.ErrInvalidConfig, err)
	}

	durations := map[string]time.Duration{}
	for _, key := range []string{"repository.conn_max_lifetime", "cache.local_ttl", "cache.dedup_ttl"} {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidConfig, key, err)
		}
		durations[key] = d
	}

	return &domain.Config{
		Tier: domain.Tier(strings.ToLower(v.GetString("tier"))),
		Server: domain.ServerConfig{
			Host:         v.GetString("server.host"),
			Port:         v.GetInt("server.port"),
			ReadTimeout:  v.GetInt("server.read_timeout"),
			WriteTimeout: v.GetInt("server.write_timeout"),
		},
		Scoring: domain.ScoringConfig{
			HighThreshold:          v.GetFloat64("scoring.high_threshold"),
			CriticalThreshold:      v.GetFloat64("scoring.critical_threshold"),
			VelocityWindowSeconds:  v.GetInt("scoring.velocity_window_seconds"),
			VelocityMaxCount:       v.GetInt("scoring.velocity_max_count"),
			VelocityMaxTotal:       maxTotal,
			AnomalyZScoreThreshold: v.GetFloat64("scoring.anomaly_zscore_threshold"),
			MLEnabled:              v.GetBool("scoring.ml_enabled"),
			MLModelPath:            v.GetString("scoring.ml_model_path"),
			RuleWeight:             v.GetFloat64("scoring.rule_weight"),
			VelocityWeight:         v.GetFloat64("scoring.velocity_weight"),
			AnomalyWeight:          v.GetFloat64("scoring.anomaly_weight"),
			AlertOnHigh:            v.GetBool("scoring.alert_on_high"),
			MaxTrackedSenders:      v.GetInt("scoring.max_tracked_senders"),
			SenderIdleTTLSeconds:   v.GetInt("scoring.sender_idle_ttl_seconds"),
			BaselineLookbackDays:   v.GetInt("scoring.baseline_lookback_days"),
			MaxWorkers:             v.GetInt("scoring.max_workers"),
		},
		Repository: domain.RepositoryConfig{
			Driver:           v.GetString("repository.driver"),
			SQLitePath:       v.GetString("repository.sqlite_path"),
			PostgresHost:     v.GetString("repository.postgres_host"),
			PostgresPort:     v.GetInt("repository.postgres_port"),
			PostgresUser:     v.GetString("repository.postgres_user"),
			PostgresPassword: v.GetString("repository.postgres_password"),
			PostgresDB:       v.GetString("repository.postgres_db"),
			PostgresSSLMode:  v.GetString("repository.postgres_sslmode"),
			MaxOpenConns:     v.GetInt("repository.max_open_conns"),
			MaxIdleConns:     v.GetInt("repository.max_idle_conns"),
			ConnMaxLifetime:  durations["repository.conn_max_lifetime"],
		},
		Cache: domain.CacheConfig{
			Type:           v.GetString("cache.type"),
			LocalMaxSize:   v.GetInt("cache.local_max_size"),
			LocalTTL:       durations["cache.local_ttl"],
			RedisAddr:      v.GetString("cache.redis_addr"),
			RedisPassword:  v.GetString("cache.redis_password"),
			RedisDB:        v.GetInt("cache.redis_db"),
			EnableTwoPhase: v.GetBool("cache.two_phase"),
			DedupTTL:       durations["cache.dedup_ttl"],
		},
		EventBus: domain.EventBusConfig{
			Type:              v.GetString("eventbus.type"),
			ChannelBufferSize: v.GetInt("eventbus.channel_buffer_size"),
			NATSUrl:           v.GetString("eventbus.nats_url"),
			NATSToken:         v.GetString("eventbus.nats_token"),
			NATSMaxReconnects: v.GetInt("eventbus.nats_max_reconnects"),
			NATSReconnectWait: v.GetInt("eventbus.nats_reconnect_wait"),
		},
		Alerting: domain.AlertingConfig{
			WebhookHigh:     v.GetString("alerting.webhook_high"),
			WebhookCritical: v.GetString("alerting.webhook_critical"),
			TimeoutSeconds:  v.GetInt("alerting.timeout_seconds"),
			WebhookSecret:   v.GetString("alerting.webhook_secret"),
		},
		Worker: domain.WorkerConfig{
			Enabled: v.GetBool("worker.enabled"),
		},
		Logging: domain.LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		Tracing: domain.TracingConfig{
			Enabled:     v.GetBool("tracing.enabled"),
			ServiceName: v.GetString("tracing.service_name"),
		},
	}, nil
}
