// Package config loads netpulse configuration from a TOML file and
// NETPULSE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	apperrors "github.com/internet-programming-projects-group-14/source-code-sub000/internal/errors"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. NETPULSE_STORE_DSN.
const EnvPrefix = "NETPULSE"

// Config aggregates configuration for the agent.
type Config struct {
	Store        StoreConfig        `mapstructure:"store"`
	Transport    TransportConfig    `mapstructure:"transport"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	StatusServer StatusServerConfig `mapstructure:"status_server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// StoreConfig selects the persistent key-value backend.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// TransportConfig configures the collector client.
type TransportConfig struct {
	Endpoint                    string        `mapstructure:"endpoint"`
	UserID                      string        `mapstructure:"user_id"`
	Token                       string        `mapstructure:"token"`
	RequestTimeout              time.Duration `mapstructure:"request_timeout"`
	ChunkTimeout                time.Duration `mapstructure:"chunk_timeout"`
	TreatClientErrorsAsTerminal bool          `mapstructure:"treat_client_errors_as_terminal"`
}

// SyncConfig tunes the sync engine and scheduler.
type SyncConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	ChunkSize        int           `mapstructure:"chunk_size"`
	MaxConcurrency   int           `mapstructure:"max_concurrency"`
	PeriodicInterval time.Duration `mapstructure:"periodic_interval"`
	MaxQueueSize     int           `mapstructure:"max_queue_size"`
}

// ConnectivityConfig configures the health prober. An empty ProbeURL means
// the collector's /api/health.
type ConnectivityConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

// TelemetryConfig controls opt-in signal collection.
type TelemetryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
}

// StatusServerConfig controls the local status API.
type StatusServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			DSN: "file://./data/netpulse.json",
		},
		Transport: TransportConfig{
			Endpoint:       "http://localhost:8080",
			RequestTimeout: 25 * time.Second,
			ChunkTimeout:   15 * time.Second,
		},
		Sync: SyncConfig{
			MaxRetries:       3,
			ChunkSize:        10,
			MaxConcurrency:   4,
			PeriodicInterval: 15 * time.Minute,
			MaxQueueSize:     5000,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
			CacheTTL:      10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			SampleInterval: 30 * time.Second,
			FlushInterval:  5 * time.Minute,
		},
		StatusServer: StatusServerConfig{
			Enabled: false,
			Address: "127.0.0.1:8090",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration. With an empty path it looks for netpulse.toml in
// the working directory and silently falls back to defaults; an explicit path
// must exist. Environment variables override file values: "sync.max_retries"
// becomes NETPULSE_SYNC_MAX_RETRIES.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("netpulse")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "read config", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string(nil), parts...), tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Store.DSN) == "" {
		add("store.dsn is required")
	}
	if u, err := url.Parse(c.Transport.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		add("transport.endpoint must be an absolute URL, got %q", c.Transport.Endpoint)
	}
	if c.Connectivity.ProbeURL != "" {
		if u, err := url.Parse(c.Connectivity.ProbeURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("connectivity.probe_url must be an absolute URL, got %q", c.Connectivity.ProbeURL)
		}
	}

	positiveDurations := map[string]time.Duration{
		"transport.request_timeout":   c.Transport.RequestTimeout,
		"transport.chunk_timeout":     c.Transport.ChunkTimeout,
		"connectivity.probe_interval": c.Connectivity.ProbeInterval,
		"connectivity.probe_timeout":  c.Connectivity.ProbeTimeout,
		"connectivity.cache_ttl":      c.Connectivity.CacheTTL,
		"telemetry.sample_interval":   c.Telemetry.SampleInterval,
		"telemetry.flush_interval":    c.Telemetry.FlushInterval,
	}
	for _, key := range sortedKeys(positiveDurations) {
		if positiveDurations[key] <= 0 {
			add("%s must be positive", key)
		}
	}
	if c.Sync.PeriodicInterval < 0 {
		add("sync.periodic_interval must not be negative")
	}

	positiveInts := map[string]int{
		"sync.max_retries":     c.Sync.MaxRetries,
		"sync.chunk_size":      c.Sync.ChunkSize,
		"sync.max_concurrency": c.Sync.MaxConcurrency,
		"sync.max_queue_size":  c.Sync.MaxQueueSize,
	}
	for _, key := range sortedKeys(positiveInts) {
		if positiveInts[key] <= 0 {
			add("%s must be positive", key)
		}
	}

	if c.StatusServer.Enabled && strings.TrimSpace(c.StatusServer.Address) == "" {
		add("status_server.address is required when the status server is enabled")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid configuration", err)
	}
	return nil
}

// ProbeURL returns the health URL the prober should poll.
func (c *Config) ProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return strings.TrimRight(c.Transport.Endpoint, "/") + "/api/health"
}

// WriteTOML renders cfg as a config file. Durations are written in Go
// duration syntax ("25s") so the file round-trips through Load.
func WriteTOML(w io.Writer, cfg *Config) error {
	doc := map[string]interface{}{
		"store": map[string]interface{}{
			"dsn": cfg.Store.DSN,
		},
		"transport": map[string]interface{}{
			"endpoint":                        cfg.Transport.Endpoint,
			"user_id":                         cfg.Transport.UserID,
			"token":                           cfg.Transport.Token,
			"request_timeout":                 cfg.Transport.RequestTimeout.String(),
			"chunk_timeout":                   cfg.Transport.ChunkTimeout.String(),
			"treat_client_errors_as_terminal": cfg.Transport.TreatClientErrorsAsTerminal,
		},
		"sync": map[string]interface{}{
			"max_retries":       cfg.Sync.MaxRetries,
			"chunk_size":        cfg.Sync.ChunkSize,
			"max_concurrency":   cfg.Sync.MaxConcurrency,
			"periodic_interval": cfg.Sync.PeriodicInterval.String(),
			"max_queue_size":    cfg.Sync.MaxQueueSize,
		},
		"connectivity": map[string]interface{}{
			"probe_url":      cfg.Connectivity.ProbeURL,
			"probe_interval": cfg.Connectivity.ProbeInterval.String(),
			"probe_timeout":  cfg.Connectivity.ProbeTimeout.String(),
			"cache_ttl":      cfg.Connectivity.CacheTTL.String(),
		},
		"telemetry": map[string]interface{}{
			"enabled":         cfg.Telemetry.Enabled,
			"sample_interval": cfg.Telemetry.SampleInterval.String(),
			"flush_interval":  cfg.Telemetry.FlushInterval.String(),
		},
		"status_server": map[string]interface{}{
			"enabled": cfg.StatusServer.Enabled,
			"address": cfg.StatusServer.Address,
		},
		"logging": map[string]interface{}{
			"level": cfg.Logging.Level,
			"file":  cfg.Logging.File,
		},
	}
	if err := toml.NewEncoder(w).Encode(doc); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode config", err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
