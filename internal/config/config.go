// Package config loads simulation settings from defaults, an optional config
// file and MARKETSIM_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/talgya/npc-market/internal/engine"
	"github.com/talgya/npc-market/internal/fault"
	"github.com/talgya/npc-market/internal/sla"
)

// EnvPrefix is prepended to every environment override, e.g.
// MARKETSIM_API_PORT for api.port.
const EnvPrefix = "MARKETSIM"

// Config is the full set of runtime settings.
type Config struct {
	DB        DBConfig         `mapstructure:"db"`
	API       APIConfig        `mapstructure:"api"`
	Clock     ClockConfig      `mapstructure:"clock"`
	Intervals engine.Intervals `mapstructure:"intervals"`
	Sim       SimConfig        `mapstructure:"sim"`
	Health    HealthConfig     `mapstructure:"health"`
	Blacklist BlacklistConfig  `mapstructure:"blacklist"`
	Kafka     KafkaConfig      `mapstructure:"kafka"`
	Log       LogConfig        `mapstructure:"log"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type APIConfig struct {
	Port int `mapstructure:"port"`
	// AdminKey guards mutating endpoints; empty disables them.
	AdminKey string `mapstructure:"admin_key"`
	// RelayKey guards the event stream; empty disables streaming.
	RelayKey string `mapstructure:"relay_key"`
	// TrustProxy rate-limits by the first X-Forwarded-For hop. Leave it off
	// unless a proxy in front of the API rewrites that header.
	TrustProxy bool `mapstructure:"trust_proxy"`
}

type ClockConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Autostart bool          `mapstructure:"autostart"`
}

type SimConfig struct {
	Seed               uint64 `mapstructure:"seed"`
	RandomOrgKey       string `mapstructure:"random_org_key"`
	BootstrapNPCs      int    `mapstructure:"bootstrap_npcs"`
	BootstrapProviders int    `mapstructure:"bootstrap_providers"`
}

type HealthConfig struct {
	UptimeMargin    float64 `mapstructure:"uptime_margin"`
	LatencyMultiple float64 `mapstructure:"latency_multiple"`
	MinSamples      int     `mapstructure:"min_samples"`
}

// Policy converts the settings for the SLA package.
func (h HealthConfig) Policy() sla.HealthPolicy {
	return sla.HealthPolicy{UptimeMargin: h.UptimeMargin, LatencyMultiple: h.LatencyMultiple, MinSamples: h.MinSamples}
}

type BlacklistConfig struct {
	Probation time.Duration `mapstructure:"probation"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// SlogLevel parses Level, falling back to info.
func (l LogConfig) SlogLevel() slog.Level {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lv
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.path", "data/market.db")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.admin_key", "")
	v.SetDefault("api.relay_key", "")
	v.SetDefault("api.trust_proxy", false)
	v.SetDefault("clock.interval", engine.MinInterval)
	v.SetDefault("clock.autostart", true)
	v.SetDefault("intervals.demand_generation", engine.DefaultIntervals.DemandGeneration)
	v.SetDefault("intervals.contract_evaluation", engine.DefaultIntervals.ContractEvaluation)
	v.SetDefault("intervals.contract_renewal", engine.DefaultIntervals.ContractRenewal)
	v.SetDefault("intervals.revenue_processing", engine.DefaultIntervals.RevenueProcessing)
	v.SetDefault("sim.seed", 42)
	v.SetDefault("sim.random_org_key", "")
	v.SetDefault("sim.bootstrap_npcs", 40)
	v.SetDefault("sim.bootstrap_providers", 6)
	v.SetDefault("health.uptime_margin", sla.DefaultHealthPolicy.UptimeMargin)
	v.SetDefault("health.latency_multiple", sla.DefaultHealthPolicy.LatencyMultiple)
	v.SetDefault("health.min_samples", sla.DefaultHealthPolicy.MinSamples)
	v.SetDefault("blacklist.probation", 30*24*time.Hour)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "marketsim.events")
	v.SetDefault("log.level", "info")
}

// Load reads settings. path may be empty, in which case only defaults and
// the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// A comma-separated MARKETSIM_KAFKA_BROKERS arrives as one element.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.Clock.Interval < engine.MinInterval {
		return fault.Validation("clock.interval %s is below %s", c.Clock.Interval, engine.MinInterval)
	}
	if err := c.Intervals.Validate(); err != nil {
		return err
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fault.Validation("api.port %d out of range", c.API.Port)
	}
	if c.Sim.BootstrapNPCs < 0 || c.Sim.BootstrapProviders < 0 {
		return fault.Validation("bootstrap counts must not be negative")
	}
	return nil
}
