package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/leasekeeper/leasekeeper/pkg/deploy"
	"github.com/leasekeeper/leasekeeper/pkg/events"
	"github.com/leasekeeper/leasekeeper/pkg/monitor"
	"github.com/leasekeeper/leasekeeper/pkg/policy"
	"github.com/leasekeeper/leasekeeper/pkg/retry"
	"github.com/leasekeeper/leasekeeper/pkg/stores"
	"github.com/leasekeeper/leasekeeper/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LEASEKEEPER"

const (
	SinkLog   = "log"
	SinkRedis = "redis"
)

// Config is the complete runtime configuration.
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Telemetry  telemetry.Config `mapstructure:"telemetry"`
	AWS        AWSConfig        `mapstructure:"aws"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Deployment DeploymentConfig `mapstructure:"deployment"`
	Events     EventsConfig     `mapstructure:"events"`
	Policy     policy.Config    `mapstructure:"policy"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path            string        `mapstructure:"path" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"min=0"`
}

// SQLite converts the settings into a store configuration.
func (s StoreConfig) SQLite(clock quartz.Clock) stores.Config {
	return stores.Config{
		Path:            s.Path,
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: s.ConnMaxLifetime,
		Clock:           clock,
	}
}

// AWSConfig configures the provisioning and cost adapters.
type AWSConfig struct {
	// Region is used for CloudFormation. Cost Explorer always uses us-east-1
	// unless CostRegion is set.
	Region     string `mapstructure:"region"`
	CostRegion string `mapstructure:"cost_region"`

	// CallAs is sent with every StackSets request.
	CallAs string `mapstructure:"call_as" validate:"omitempty,oneof=SELF DELEGATED_ADMIN"`

	// CostMetric is the Cost Explorer metric summed for spend.
	CostMetric string `mapstructure:"cost_metric" validate:"omitempty,oneof=UnblendedCost BlendedCost AmortizedCost NetUnblendedCost NetAmortizedCost"`
}

// MonitoringConfig configures the monitoring cycle.
type MonitoringConfig struct {
	monitor.Config `mapstructure:",squash"`

	// Interval is the pause between cycles for `monitor run --every`.
	Interval time.Duration `mapstructure:"interval" validate:"min=0"`
}

// DeploymentConfig configures the orchestrator and the retry schedule
// shared by every provisioning and cost call.
type DeploymentConfig struct {
	deploy.Config `mapstructure:",squash"`

	Backoff retry.Config `mapstructure:"backoff"`
}

// EventsConfig selects where lifecycle events are delivered.
type EventsConfig struct {
	Sink string `mapstructure:"sink" validate:"oneof=log redis"`

	// Redis is only checked when Sink is redis.
	Redis events.RedisConfig `mapstructure:"redis" validate:"-"`

	Async      bool `mapstructure:"async"`
	BufferSize int  `mapstructure:"buffer_size" validate:"min=0"`
}

// Publisher converts the settings into a publisher configuration.
func (e EventsConfig) Publisher(source string) events.Config {
	return events.Config{Source: source, Async: e.Async, BufferSize: e.BufferSize}
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "leasekeeper.db",
		},
		Telemetry: *telemetry.DefaultConfig(),
		AWS: AWSConfig{
			CallAs:     "SELF",
			CostMetric: "UnblendedCost",
		},
		Monitoring: MonitoringConfig{
			Config:   monitor.Config{PageSize: 100},
			Interval: time.Hour,
		},
		Deployment: DeploymentConfig{
			Config: deploy.Config{
				DefaultTimeoutMinutes: deploy.DefaultTimeoutMinutes,
				HistoryRetention:      deploy.DefaultHistoryRetention,
			},
			Backoff: retry.DefaultConfig(),
		},
		Events: EventsConfig{
			Sink: SinkLog,
			Redis: events.RedisConfig{
				Addr:   "localhost:6379",
				Stream: "leasekeeper:events",
			},
			BufferSize: 256,
		},
		Policy: policy.Config{
			AllowedRegions: []string{},
			Paths:          []string{},
		},
	}
}

// Load reads configuration from path, or from leasekeeper.yaml in the usual
// places when path is empty, applies environment overrides and validates the
// result. A missing default file is not an error; a missing explicit one is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("leasekeeper")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.leasekeeper")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Events.Sink == SinkRedis {
		if err := v.Struct(c.Events.Redis); err != nil {
			return fmt.Errorf("invalid events.redis config: %w", err)
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// setDefaults registers every key viper should resolve from the environment.
// AutomaticEnv only consults keys it already knows about.
func setDefaults(v *viper.Viper, d *Config) {
	for key, value := range map[string]any{
		"store.path":              d.Store.Path,
		"store.max_open_conns":    d.Store.MaxOpenConns,
		"store.max_idle_conns":    d.Store.MaxIdleConns,
		"store.conn_max_lifetime": d.Store.ConnMaxLifetime,

		"telemetry.service_name":           d.Telemetry.ServiceName,
		"telemetry.service_version":        d.Telemetry.ServiceVersion,
		"telemetry.environment":            d.Telemetry.Environment,
		"telemetry.logging.level":          d.Telemetry.Logging.Level,
		"telemetry.logging.format":         d.Telemetry.Logging.Format,
		"telemetry.logging.output":         d.Telemetry.Logging.Output,
		"telemetry.logging.enable_caller":  d.Telemetry.Logging.EnableCaller,
		"telemetry.logging.no_color":       d.Telemetry.Logging.NoColor,
		"telemetry.tracing.enabled":        d.Telemetry.Tracing.Enabled,
		"telemetry.tracing.exporter":       d.Telemetry.Tracing.Exporter,
		"telemetry.tracing.endpoint":       d.Telemetry.Tracing.Endpoint,
		"telemetry.tracing.sampling_rate":  d.Telemetry.Tracing.SamplingRate,
		"telemetry.tracing.insecure":       d.Telemetry.Tracing.Insecure,
		"telemetry.metrics.enabled":        d.Telemetry.Metrics.Enabled,
		"telemetry.metrics.listen_address": d.Telemetry.Metrics.ListenAddress,
		"telemetry.metrics.path":           d.Telemetry.Metrics.Path,
		"telemetry.metrics.namespace":      d.Telemetry.Metrics.Namespace,

		"aws.region":      d.AWS.Region,
		"aws.cost_region": d.AWS.CostRegion,
		"aws.call_as":     d.AWS.CallAs,
		"aws.cost_metric": d.AWS.CostMetric,

		"monitoring.page_size": d.Monitoring.PageSize,
		"monitoring.interval":  d.Monitoring.Interval,

		"deployment.default_timeout_minutes": d.Deployment.DefaultTimeoutMinutes,
		"deployment.history_retention":       d.Deployment.HistoryRetention,
		"deployment.backoff.max_attempts":    d.Deployment.Backoff.MaxAttempts,
		"deployment.backoff.base_delay":      d.Deployment.Backoff.BaseDelay,
		"deployment.backoff.max_delay":       d.Deployment.Backoff.MaxDelay,

		"events.sink":           d.Events.Sink,
		"events.redis.addr":     d.Events.Redis.Addr,
		"events.redis.password": d.Events.Redis.Password,
		"events.redis.db":       d.Events.Redis.DB,
		"events.redis.stream":   d.Events.Redis.Stream,
		"events.redis.max_len":  d.Events.Redis.MaxLen,
		"events.async":          d.Events.Async,
		"events.buffer_size":    d.Events.BufferSize,

		"policy.allowed_regions": d.Policy.AllowedRegions,
		"policy.paths":           d.Policy.Paths,
	} {
		v.SetDefault(key, value)
	}
}
