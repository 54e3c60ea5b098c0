// Package config is the operator-facing configuration layer: typed
// per-subsystem policies with defaults and validation, loaded from YAML.
// Fleet registries and other runtime artifacts stay JSON under .superloop/;
// this file only seeds defaults and environment wiring.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opsmgr/control-plane/engine/models"
)

// ReconcilePolicy tunes per-loop reconciliation.
type ReconcilePolicy struct {
	ThresholdProfile string `yaml:"threshold_profile"`
	MaxEvents        int    `yaml:"max_events"`

	// Explicit threshold overrides; zero fields defer to the profile.
	IngestStaleLagSeconds          int64 `yaml:"ingest_stale_lag_seconds"`
	HeartbeatStaleLagSeconds       int64 `yaml:"heartbeat_stale_lag_seconds"`
	DegradedTransportFailureStreak int   `yaml:"degraded_transport_failure_streak"`
	CriticalTransportFailureStreak int   `yaml:"critical_transport_failure_streak"`
}

// FleetPolicy tunes the fleet fan-out.
type FleetPolicy struct {
	MaxParallel        int  `yaml:"max_parallel"`
	DeterministicOrder bool `yaml:"deterministic_order"`
}

// AlertPolicy locates the alert sinks declaration.
type AlertPolicy struct {
	SinksFile string `yaml:"sinks_file"`
}

// HorizonPolicy tunes the packet bus.
type HorizonPolicy struct {
	AckTimeoutSeconds   int    `yaml:"ack_timeout_seconds"`
	RetryBackoffSeconds int    `yaml:"retry_backoff_seconds"`
	MaxRetries          int    `yaml:"max_retries"`
	DirectoryMode       string `yaml:"directory_mode"`
	Directory           []struct {
		Type string `yaml:"type"`
		ID   string `yaml:"id"`
	} `yaml:"directory"`
}

// PromotionPolicy tunes the promotion gates.
type PromotionPolicy struct {
	LookbackExecutions      int     `yaml:"lookback_executions"`
	MinSampleSize           int     `yaml:"min_sample_size"`
	MaxAmbiguityRate        float64 `yaml:"max_ambiguity_rate"`
	MaxFailureRate          float64 `yaml:"max_failure_rate"`
	MaxDrillAgeHours        int     `yaml:"max_drill_age_hours"`
	RequireAuthorityContext bool    `yaml:"require_authority_context"`
}

// TelemetryPolicy selects observability backends.
type TelemetryPolicy struct {
	MetricsBackend string `yaml:"metrics_backend"` // prometheus | otel | noop
	LogLevel       string `yaml:"log_level"`
}

// ServicePolicy configures the sprite HTTP service binary.
type ServicePolicy struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the whole operator config document.
type Config struct {
	Reconcile ReconcilePolicy `yaml:"reconcile"`
	Fleet     FleetPolicy     `yaml:"fleet"`
	Alerts    AlertPolicy     `yaml:"alerts"`
	Horizon   HorizonPolicy   `yaml:"horizon"`
	Promotion PromotionPolicy `yaml:"promotion"`
	Telemetry TelemetryPolicy `yaml:"telemetry"`
	Service   ServicePolicy   `yaml:"service"`
}

// Default returns a Config with every policy at its defaults.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// Load reads a YAML config from path, applying defaults over missing fields.
// An empty path yields the defaults.
func Load(path string) (Config, error) {
	var c Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyDefaults fills zero fields on every policy.
func (c *Config) ApplyDefaults() {
	if c.Reconcile.ThresholdProfile == "" {
		c.Reconcile.ThresholdProfile = string(models.ProfileBalanced)
	}
	if c.Reconcile.MaxEvents <= 0 {
		c.Reconcile.MaxEvents = 500
	}
	if c.Fleet.MaxParallel <= 0 {
		c.Fleet.MaxParallel = 4
	}
	if c.Horizon.AckTimeoutSeconds <= 0 {
		c.Horizon.AckTimeoutSeconds = 600
	}
	if c.Horizon.RetryBackoffSeconds <= 0 {
		c.Horizon.RetryBackoffSeconds = 120
	}
	if c.Horizon.MaxRetries <= 0 {
		c.Horizon.MaxRetries = 3
	}
	if c.Horizon.DirectoryMode == "" {
		c.Horizon.DirectoryMode = "off"
	}
	if c.Telemetry.MetricsBackend == "" {
		c.Telemetry.MetricsBackend = "prometheus"
	}
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = "info"
	}
	if c.Service.ListenAddr == "" {
		c.Service.ListenAddr = ":8787"
	}
}

// Validate rejects configurations no subsystem could run with.
func (c *Config) Validate() error {
	switch models.ThresholdProfile(c.Reconcile.ThresholdProfile) {
	case models.ProfileStrict, models.ProfileBalanced, models.ProfileRelaxed:
	default:
		return fmt.Errorf("reconcile.threshold_profile %q: must be strict, balanced or relaxed", c.Reconcile.ThresholdProfile)
	}
	switch c.Horizon.DirectoryMode {
	case "off", "required":
	default:
		return fmt.Errorf("horizon.directory_mode %q: must be off or required", c.Horizon.DirectoryMode)
	}
	switch c.Telemetry.MetricsBackend {
	case "prometheus", "otel", "noop":
	default:
		return fmt.Errorf("telemetry.metrics_backend %q: must be prometheus, otel or noop", c.Telemetry.MetricsBackend)
	}
	return nil
}

// Thresholds resolves the reconcile policy to the concrete health threshold
// set.
func (c Config) Thresholds() models.Thresholds {
	return models.Thresholds{
		Profile:                        models.ThresholdProfile(c.Reconcile.ThresholdProfile),
		IngestStaleLagSeconds:          c.Reconcile.IngestStaleLagSeconds,
		HeartbeatStaleLagSeconds:       c.Reconcile.HeartbeatStaleLagSeconds,
		DegradedTransportFailureStreak: c.Reconcile.DegradedTransportFailureStreak,
		CriticalTransportFailureStreak: c.Reconcile.CriticalTransportFailureStreak,
	}
}

// HorizonAckTimeout returns the horizon ack timeout as a duration.
func (c Config) HorizonAckTimeout() time.Duration {
	return time.Duration(c.Horizon.AckTimeoutSeconds) * time.Second
}

// HorizonBackoff returns the horizon retry backoff as a duration.
func (c Config) HorizonBackoff() time.Duration {
	return time.Duration(c.Horizon.RetryBackoffSeconds) * time.Second
}
