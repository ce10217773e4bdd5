package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/openfroyo/specflow/pkg/engine"
	"github.com/openfroyo/specflow/pkg/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. SPECFLOW_MAXCONCURRENCY.
const EnvPrefix = "SPECFLOW"

// Config represents the complete specflow configuration.
type Config struct {
	// MaxConcurrency bounds the sessions in flight for a parallel batch.
	MaxConcurrency int `mapstructure:"maxConcurrency" validate:"min=1"`

	// RetryAttempts is the number of retries after the first attempt for
	// transient executor failures.
	RetryAttempts int `mapstructure:"retryAttempts" validate:"min=0"`

	// SessionTimeoutMs bounds each executor call. Zero disables the bound.
	SessionTimeoutMs int `mapstructure:"sessionTimeoutMs" validate:"min=0"`

	// CheckpointsEnabled controls where a run stops for human review.
	CheckpointsEnabled CheckpointConfig `mapstructure:"checkpointsEnabled"`

	// StatePath is the SQLite state file, or ":memory:".
	StatePath string `mapstructure:"statePath" validate:"required"`

	// RoadmapPath is the roadmap loaded by plan.
	RoadmapPath string `mapstructure:"roadmapPath"`

	// WorkingDir is handed to every session as its working context.
	WorkingDir string `mapstructure:"workingDir"`

	// HaltScope is "subgraph" (halt only items reachable from unresolved
	// halting drift) or "global" (halt the whole run).
	HaltScope engine.HaltScope `mapstructure:"haltScope" validate:"oneof=subgraph global"`

	// LeaseTTL is the lifetime of run and item leases. Live holders renew
	// them every third of it, so it bounds how long a crashed run on another
	// host keeps the state store locked.
	LeaseTTL time.Duration `mapstructure:"leaseTTL" validate:"gt=0"`

	// Backoff controls the delay between executor retries.
	Backoff BackoffConfig `mapstructure:"backoff"`

	// Agent is the session executor command.
	Agent AgentConfig `mapstructure:"agent"`

	// Gates overrides per-phase dependency thresholds and batch modes.
	Gates engine.Gates `mapstructure:"gates"`

	// PolicyPaths lists files or directories of drift classification
	// overrides.
	PolicyPaths []string `mapstructure:"policyPaths"`

	// WatchPolicies reloads PolicyPaths when they change.
	WatchPolicies bool `mapstructure:"watchPolicies"`

	Logging telemetry.LoggingConfig `mapstructure:"logging"`
	Metrics telemetry.MetricsConfig `mapstructure:"metrics"`
	Tracing telemetry.TracingConfig `mapstructure:"tracing"`
	Events  telemetry.EventsConfig  `mapstructure:"events"`
}

// CheckpointConfig controls the human review points of a run.
type CheckpointConfig struct {
	// AfterSpecAlignment stops after the alignment of written specs.
	AfterSpecAlignment bool `mapstructure:"afterSpecAlignment"`

	// AfterTaskAlignment stops after the alignment of created tasks.
	AfterTaskAlignment bool `mapstructure:"afterTaskAlignment"`

	// OnHighSeverityDrift halts as soon as drift of high or critical
	// severity is raised, including drift reported by the executor.
	OnHighSeverityDrift bool `mapstructure:"onHighSeverityDrift"`
}

// BackoffConfig controls retry delays.
type BackoffConfig struct {
	Base time.Duration `mapstructure:"base" validate:"gt=0"`
	Max  time.Duration `mapstructure:"max" validate:"gtefield=Base"`
}

// AgentConfig describes the agent process started per session.
type AgentConfig struct {
	Command             string            `mapstructure:"command"`
	Args                []string          `mapstructure:"args"`
	Env                 map[string]string `mapstructure:"env"`
	Model               string            `mapstructure:"model"`
	AllowedCapabilities []string          `mapstructure:"allowedCapabilities"`

	// ExitGrace is how long an agent may take to exit after its stdin is
	// closed, or after a session timeout, before it is killed. Agents of a
	// cancelled run are waited for.
	ExitGrace time.Duration `mapstructure:"exitGrace"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	backoff := engine.DefaultBackoff()
	return &Config{
		MaxConcurrency:   4,
		RetryAttempts:    3,
		SessionTimeoutMs: int((30 * time.Minute).Milliseconds()),
		CheckpointsEnabled: CheckpointConfig{
			AfterSpecAlignment:  true,
			AfterTaskAlignment:  true,
			OnHighSeverityDrift: true,
		},
		StatePath:   ".specflow/state.db",
		RoadmapPath: "roadmap.yaml",
		WorkingDir:  ".",
		HaltScope:   engine.HaltSubgraph,
		LeaseTTL:    engine.DefaultLeaseTTL,
		Backoff: BackoffConfig{
			Base: backoff.Base,
			Max:  backoff.Max,
		},
		Agent: AgentConfig{
			AllowedCapabilities: []string{"read", "write"},
			ExitGrace:           5 * time.Second,
		},
		Logging: tel.Logging,
		Metrics: tel.Metrics,
		Tracing: tel.Tracing,
		Events:  tel.Events,
	}
}

// SessionTimeout returns the session timeout as a time.Duration (0 means
// disabled).
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMs) * time.Millisecond
}

// EngineBackoff converts the backoff settings.
func (c *Config) EngineBackoff() engine.Backoff {
	return engine.Backoff{Base: c.Backoff.Base, Max: c.Backoff.Max}
}

// Telemetry returns the telemetry configuration.
func (c *Config) Telemetry() *telemetry.Config {
	tel := telemetry.DefaultConfig()
	tel.Logging = c.Logging
	tel.Metrics = c.Metrics
	tel.Tracing = c.Tracing
	tel.Events = c.Events
	return tel
}

// SetDefaults registers default values with v. Every key is registered so
// that environment variables can override nested settings.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("maxConcurrency", d.MaxConcurrency)
	v.SetDefault("retryAttempts", d.RetryAttempts)
	v.SetDefault("sessionTimeoutMs", d.SessionTimeoutMs)

	v.SetDefault("checkpointsEnabled.afterSpecAlignment", d.CheckpointsEnabled.AfterSpecAlignment)
	v.SetDefault("checkpointsEnabled.afterTaskAlignment", d.CheckpointsEnabled.AfterTaskAlignment)
	v.SetDefault("checkpointsEnabled.onHighSeverityDrift", d.CheckpointsEnabled.OnHighSeverityDrift)

	v.SetDefault("statePath", d.StatePath)
	v.SetDefault("roadmapPath", d.RoadmapPath)
	v.SetDefault("workingDir", d.WorkingDir)
	v.SetDefault("haltScope", d.HaltScope)
	v.SetDefault("leaseTTL", d.LeaseTTL)
	v.SetDefault("backoff.base", d.Backoff.Base)
	v.SetDefault("backoff.max", d.Backoff.Max)

	v.SetDefault("agent.command", d.Agent.Command)
	v.SetDefault("agent.args", d.Agent.Args)
	v.SetDefault("agent.model", d.Agent.Model)
	v.SetDefault("agent.allowedCapabilities", d.Agent.AllowedCapabilities)
	v.SetDefault("agent.exitGrace", d.Agent.ExitGrace)

	v.SetDefault("policyPaths", d.PolicyPaths)
	v.SetDefault("watchPolicies", d.WatchPolicies)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.enableCaller", d.Logging.EnableCaller)
	v.SetDefault("logging.timeFormat", d.Logging.TimeFormat)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listenAddress", d.Metrics.ListenAddress)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.samplingRate", d.Tracing.SamplingRate)
	v.SetDefault("tracing.exportTimeout", d.Tracing.ExportTimeout)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)

	v.SetDefault("events.bufferSize", d.Events.BufferSize)
	v.SetDefault("events.enableAsync", d.Events.EnableAsync)
}

// New returns a viper instance with defaults and SPECFLOW_ environment
// overrides registered.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration file at path, if any, applies environment
// overrides and validates the result. An empty path searches the working
// directory and the user config directory for specflow.yaml; finding none
// is not an error.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("specflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return Decode(v)
}

// Decode unmarshals v into a Config and validates it.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints, the gate table and the telemetry
// settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Gates.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry().Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ConfigDir returns the path to the user's config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "specflow")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".specflow"
	}
	return filepath.Join(home, ".config", "specflow")
}
