// Package config loads the controller's runtime configuration.
//
// Values come from an optional YAML file and are then overridden by SASD_*
// environment variables. Defaults are applied last, followed by Validate.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/cbrs-sas-controller/internal/cbsd"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/events"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/logging"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/sas"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/schedule"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/store"
	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

// Environment variables that override file values.
const (
	EnvConfigPath     = "SASD_CONFIG"
	EnvListenAddr     = "SASD_LISTEN_ADDR"
	EnvGRPCAddr       = "SASD_GRPC_ADDR"
	EnvMetricsAddr    = "SASD_METRICS_ADDR"
	EnvLogLevel       = "SASD_LOG_LEVEL"
	EnvLogFormat      = "SASD_LOG_FORMAT"
	EnvStoreBackend   = "SASD_STORE_BACKEND"
	EnvStoreDSN       = "SASD_STORE_DSN"
	EnvRedisAddr      = "SASD_REDIS_ADDR"
	EnvRedisPassword  = "SASD_REDIS_PASSWORD"
	EnvRedisDB        = "SASD_REDIS_DB"
	EnvEventsEnabled  = "SASD_EVENTS_ENABLED"
	EnvNATSURL        = "SASD_NATS_URL"
	EnvCallTimeout    = "SASD_CALL_TIMEOUT"
	EnvSuspendAfter   = "SASD_SUSPEND_AFTER_FAILURES"
	EnvAllowOverlap   = "SASD_ALLOW_OVERLAPPING_GRANTS"
	EnvShutdownPeriod = "SASD_SHUTDOWN_TIMEOUT"
)

// Config is the daemon configuration.
type Config struct {
	Listen    ListenConfig     `yaml:"listen"`
	Log       LogConfig        `yaml:"log"`
	Store     store.Config     `yaml:"store"`
	Events    EventsConfig     `yaml:"events"`
	SAS       []ProviderConfig `yaml:"sas_providers"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`

	// StoreTimeout bounds each persistence call made on a device loop.
	StoreTimeout time.Duration `yaml:"store_timeout"`
	// ShutdownTimeout bounds graceful shutdown of servers and devices.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ListenConfig holds the server addresses. An empty GRPC or Metrics address
// disables that server.
type ListenConfig struct {
	API     string `yaml:"api"`
	GRPC    string `yaml:"grpc"`
	Metrics string `yaml:"metrics"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// EventsConfig controls transition event publication.
type EventsConfig struct {
	Enabled bool              `yaml:"enabled"`
	NATS    events.NATSConfig `yaml:"nats"`
}

// ProviderConfig configures one SAS provider client.
type ProviderConfig struct {
	Provider   model.SASProvider `yaml:"provider"`
	Endpoint   string            `yaml:"endpoint"`
	APIKey     string            `yaml:"api_key"`
	UserID     string            `yaml:"user_id"`
	CustomerID string            `yaml:"customer_id"`
	Timeout    time.Duration     `yaml:"timeout"`

	InterferenceMonitoring bool `yaml:"interference_monitoring"`
	Analytics              bool `yaml:"analytics"`
	AutoOptimization       bool `yaml:"auto_optimization"`

	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// SchedulerConfig tunes heartbeat placement and device behaviour.
type SchedulerConfig struct {
	HeartbeatFraction float64       `yaml:"heartbeat_fraction"`
	SafetyMargin      time.Duration `yaml:"safety_margin"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffJitter     float64       `yaml:"backoff_jitter"`

	SuspendAfterFailures   int           `yaml:"suspend_after_failures"`
	AllowOverlappingGrants bool          `yaml:"allow_overlapping_grants"`
	CallTimeout            time.Duration `yaml:"call_timeout"`
	// DefaultHeartbeatInterval (seconds) and DefaultGrantTTL apply when a
	// grant response omits them.
	DefaultHeartbeatInterval int           `yaml:"default_heartbeat_interval"`
	DefaultGrantTTL          time.Duration `yaml:"default_grant_ttl"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// Load reads path (when non-empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML, rejecting unknown keys.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SASD_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	env := envReader{lookup: lookup}
	env.setString(EnvListenAddr, &c.Listen.API)
	env.setString(EnvGRPCAddr, &c.Listen.GRPC)
	env.setString(EnvMetricsAddr, &c.Listen.Metrics)
	env.setString(EnvLogLevel, &c.Log.Level)
	env.setString(EnvLogFormat, &c.Log.Format)
	env.setString(EnvStoreBackend, &c.Store.Backend)
	env.setString(EnvStoreDSN, &c.Store.DSN)
	env.setString(EnvRedisAddr, &c.Store.RedisAddr)
	env.setString(EnvRedisPassword, &c.Store.RedisPassword)
	env.setInt(EnvRedisDB, &c.Store.RedisDB)
	env.setBool(EnvEventsEnabled, &c.Events.Enabled)
	env.setString(EnvNATSURL, &c.Events.NATS.URL)
	env.setDuration(EnvCallTimeout, &c.Scheduler.CallTimeout)
	env.setInt(EnvSuspendAfter, &c.Scheduler.SuspendAfterFailures)
	env.setBool(EnvAllowOverlap, &c.Scheduler.AllowOverlappingGrants)
	env.setDuration(EnvShutdownPeriod, &c.ShutdownTimeout)

	// Provider credentials stay out of the file: SASD_SAS_<PROVIDER>_API_KEY
	// and SASD_SAS_<PROVIDER>_ENDPOINT.
	for i := range c.SAS {
		p := &c.SAS[i]
		key := providerEnvKey(p.Provider)
		env.setString(key+"_API_KEY", &p.APIKey)
		env.setString(key+"_ENDPOINT", &p.Endpoint)
	}
	return env.err
}

func providerEnvKey(p model.SASProvider) string {
	return "SASD_SAS_" + strings.ToUpper(strings.ReplaceAll(string(p), "-", "_"))
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.Listen.API == "" {
		c.Listen.API = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = store.BackendMemory
	}
	c.Events.NATS.ApplyDefaults()
	if c.Events.NATS.URL == "" {
		c.Events.NATS.URL = "nats://127.0.0.1:4222"
	}

	d := schedule.DefaultPolicy()
	s := &c.Scheduler
	if s.HeartbeatFraction == 0 {
		s.HeartbeatFraction = d.HeartbeatFraction
	}
	if s.SafetyMargin == 0 {
		s.SafetyMargin = d.SafetyMargin
	}
	if s.BackoffInitial == 0 {
		s.BackoffInitial = d.Backoff.Initial
	}
	if s.BackoffMax == 0 {
		s.BackoffMax = d.Backoff.Max
	}
	if s.BackoffMultiplier == 0 {
		s.BackoffMultiplier = d.Backoff.Multiplier
	}
	if s.BackoffJitter == 0 {
		s.BackoffJitter = d.Backoff.Jitter
	}
	if s.SuspendAfterFailures == 0 {
		s.SuspendAfterFailures = 3
	}
	if s.CallTimeout == 0 {
		s.CallTimeout = 15 * time.Second
	}
	if s.DefaultHeartbeatInterval == 0 {
		s.DefaultHeartbeatInterval = model.DefaultHeartbeatIntervalSeconds
	}
	if s.DefaultGrantTTL == 0 {
		s.DefaultGrantTTL = model.DefaultGrantTTL
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = 2 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Validate checks that the configuration is coherent.
func (c Config) Validate() error {
	if c.Listen.API == "" {
		return errors.New("invalid listen.api: must not be empty")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log.format %q: must be json or text", c.Log.Format)
	}

	switch c.Store.Backend {
	case store.BackendMemory:
	case store.BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("invalid store.dsn: required for backend %q", c.Store.Backend)
		}
	case store.BackendRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("invalid store.redis_addr: required for backend %q", c.Store.Backend)
		}
	default:
		return fmt.Errorf("invalid store.backend %q: must be memory, postgres or redis", c.Store.Backend)
	}

	if c.Events.Enabled && c.Events.NATS.URL == "" {
		return errors.New("invalid events.nats.url: required when events are enabled")
	}

	if len(c.SAS) == 0 {
		return errors.New("invalid sas_providers: at least one provider is required")
	}
	seen := make(map[model.SASProvider]bool, len(c.SAS))
	for i, p := range c.SAS {
		if !p.Provider.Valid() {
			return fmt.Errorf("invalid sas_providers[%d].provider %q", i, p.Provider)
		}
		if seen[p.Provider] {
			return fmt.Errorf("invalid sas_providers[%d]: provider %q configured twice", i, p.Provider)
		}
		seen[p.Provider] = true
		if p.Provider == model.ProviderOther && p.Endpoint == "" {
			return fmt.Errorf("invalid sas_providers[%d].endpoint: required for provider %q", i, p.Provider)
		}
		if p.Endpoint != "" {
			u, err := url.Parse(p.Endpoint)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("invalid sas_providers[%d].endpoint %q: must be an http(s) URL", i, p.Endpoint)
			}
		}
		if p.Provider == model.ProviderFederatedWireless && p.CustomerID == "" {
			return fmt.Errorf("invalid sas_providers[%d].customer_id: required for provider %q", i, p.Provider)
		}
		if (p.CertFile == "") != (p.KeyFile == "") {
			return fmt.Errorf("invalid sas_providers[%d]: cert_file and key_file must be set together", i)
		}
	}

	s := c.Scheduler
	if s.HeartbeatFraction <= 0 || s.HeartbeatFraction > 1 {
		return fmt.Errorf("invalid scheduler.heartbeat_fraction %v: must be in (0, 1]", s.HeartbeatFraction)
	}
	if s.SafetyMargin < 0 {
		return errors.New("invalid scheduler.safety_margin: must be >= 0")
	}
	if s.BackoffInitial <= 0 || s.BackoffMax < s.BackoffInitial {
		return errors.New("invalid scheduler backoff: need 0 < backoff_initial <= backoff_max")
	}
	if s.BackoffMultiplier < 1 {
		return errors.New("invalid scheduler.backoff_multiplier: must be >= 1")
	}
	if s.BackoffJitter < 0 || s.BackoffJitter >= 1 {
		return errors.New("invalid scheduler.backoff_jitter: must be in [0, 1)")
	}
	if s.SuspendAfterFailures < 1 {
		return errors.New("invalid scheduler.suspend_after_failures: must be >= 1")
	}
	if s.CallTimeout <= 0 {
		return errors.New("invalid scheduler.call_timeout: must be > 0")
	}
	if s.DefaultHeartbeatInterval <= 0 || s.DefaultGrantTTL <= 0 {
		return errors.New("invalid scheduler grant defaults: must be > 0")
	}
	if c.StoreTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return errors.New("invalid store_timeout/shutdown_timeout: must be > 0")
	}
	return nil
}

// Logging returns the logger configuration.
func (c Config) Logging() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format, AddSource: c.Log.AddSource}
}

// Providers returns the SAS client configurations.
func (c Config) Providers() []sas.ProviderConfig {
	out := make([]sas.ProviderConfig, 0, len(c.SAS))
	for _, p := range c.SAS {
		out = append(out, sas.ProviderConfig{
			Provider:   p.Provider,
			Endpoint:   p.Endpoint,
			APIKey:     p.APIKey,
			UserID:     p.UserID,
			CustomerID: p.CustomerID,
			Timeout:    p.Timeout,
			Enhancements: sas.Enhancements{
				InterferenceMonitoring: p.InterferenceMonitoring,
				Analytics:              p.Analytics,
				AutoOptimization:       p.AutoOptimization,
			},
			TLS: sas.TLSConfig{CertFile: p.CertFile, KeyFile: p.KeyFile, CAFile: p.CAFile},
		})
	}
	return out
}

// Device returns the per-device actor configuration.
func (c Config) Device() cbsd.Config {
	s := c.Scheduler
	return cbsd.Config{
		Policy: schedule.Policy{
			HeartbeatFraction: s.HeartbeatFraction,
			SafetyMargin:      s.SafetyMargin,
			Backoff: schedule.BackoffPolicy{
				Initial:    s.BackoffInitial,
				Max:        s.BackoffMax,
				Multiplier: s.BackoffMultiplier,
				Jitter:     s.BackoffJitter,
			},
		},
		SuspendAfterFailures:     s.SuspendAfterFailures,
		AllowOverlappingGrants:   s.AllowOverlappingGrants,
		CallTimeout:              s.CallTimeout,
		DefaultHeartbeatInterval: s.DefaultHeartbeatInterval,
		DefaultGrantTTL:          s.DefaultGrantTTL,
	}
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
}

func (e *envReader) setString(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) setInt(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setBool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}
