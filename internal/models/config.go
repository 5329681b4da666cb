// Package models holds the records persisted by the service and the
// configuration tree loaded at startup.
package models

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Storage type constants
const (
	StorageTypeMemory   = "memory"
	StorageTypePostgres = "postgres"
	StorageTypeSQLite   = "sqlite"
)

// Authenticator names accepted in SecurityConfig.Authenticators.
const (
	AuthAPIKey  = "api_key"
	AuthBasic   = "basic"
	AuthSession = "session"
)

// Throttle algorithm and backend names.
const (
	ThrottleSlidingWindow = "sliding_window"
	ThrottleTokenBucket   = "token_bucket"
	ThrottleBackendMemory = "memory"
	ThrottleBackendRedis  = "redis"
)

// Default permission policies applied to resources that declare none.
const (
	PolicyAllowAny                = "allow_any"
	PolicyAuthenticated           = "authenticated"
	PolicyAuthenticatedOrReadOnly = "authenticated_or_read_only"
)

// Config is the root configuration structure containing all service settings.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Security      SecurityConfig      `yaml:"security" json:"security"`
	Throttle      ThrottleConfig      `yaml:"throttle" json:"throttle"`
	Negotiation   NegotiationConfig   `yaml:"negotiation" json:"negotiation"`
	Policy        PolicyConfig        `yaml:"policy" json:"policy"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	// HandlerTimeout bounds a single handler invocation; zero disables it.
	HandlerTimeout time.Duration `yaml:"handler_timeout" json:"handler_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	TLSEnabled     bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile    string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile     string        `yaml:"tls_key_file" json:"tls_key_file"`
	CORS           CORSConfig    `yaml:"cors" json:"cors"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
	MaxAge         int      `yaml:"max_age" json:"max_age"`
}

type StorageConfig struct {
	Type     string         `yaml:"type" json:"type"`
	Database DatabaseConfig `yaml:"database" json:"database"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

type SecurityConfig struct {
	// Authenticators run in this order; the first that recognises the
	// request's credentials decides the identity.
	Authenticators    []string      `yaml:"authenticators" json:"authenticators"`
	DefaultPermission string        `yaml:"default_permission" json:"default_permission"`
	BootstrapKey      string        `yaml:"bootstrap_key" json:"bootstrap_key"`
	KeyCacheSize      int           `yaml:"key_cache_size" json:"key_cache_size"`
	KeyCacheTTL       time.Duration `yaml:"key_cache_ttl" json:"key_cache_ttl"`
	SessionSecret     string        `yaml:"session_secret" json:"session_secret"`
	SessionCookie     string        `yaml:"session_cookie" json:"session_cookie"`
	SessionTTL        time.Duration `yaml:"session_ttl" json:"session_ttl"`
	Realm             string        `yaml:"realm" json:"realm"`
}

type ThrottleConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Algorithm string `yaml:"algorithm" json:"algorithm"`
	Backend   string `yaml:"backend" json:"backend"`
	// Rates use the "<requests>/<period>" form, e.g. "100/hour". An empty
	// rate disables throttling for that class of caller.
	AnonRate        string        `yaml:"anon_rate" json:"anon_rate"`
	UserRate        string        `yaml:"user_rate" json:"user_rate"`
	DenyStatus      int           `yaml:"deny_status" json:"deny_status"`
	TrustForwarded  bool          `yaml:"trust_forwarded" json:"trust_forwarded"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	Redis           RedisConfig   `yaml:"redis" json:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	PoolSize  int    `yaml:"pool_size" json:"pool_size"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

type NegotiationConfig struct {
	// Strict rejects requests whose Accept header matches no renderer with
	// 406 instead of falling back to DefaultFormat.
	Strict        bool   `yaml:"strict" json:"strict"`
	DefaultFormat string `yaml:"default_format" json:"default_format"`
}

type PolicyConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Query   string `yaml:"query" json:"query"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewDefaultConfig creates a configuration that runs out of the box: memory
// storage, API key authentication, in-memory sliding window throttling and
// lenient content negotiation.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			Host:           "0.0.0.0",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    60 * time.Second,
			HandlerTimeout: 10 * time.Second,
			MaxBodyBytes:   1 << 20,
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "Accept"},
				MaxAge:         86400,
			},
		},
		Storage: StorageConfig{
			Type: StorageTypeMemory,
			Database: DatabaseConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
				ConnMaxIdleTime: 5 * time.Minute,
			},
		},
		Security: SecurityConfig{
			Authenticators:    []string{AuthAPIKey},
			DefaultPermission: PolicyAuthenticatedOrReadOnly,
			KeyCacheSize:      1024,
			KeyCacheTTL:       time.Minute,
			SessionCookie:     "restpipe_session",
			SessionTTL:        12 * time.Hour,
			Realm:             "api",
		},
		Throttle: ThrottleConfig{
			Enabled:         true,
			Algorithm:       ThrottleSlidingWindow,
			Backend:         ThrottleBackendMemory,
			AnonRate:        "100/hour",
			UserRate:        "1000/hour",
			DenyStatus:      429,
			CleanupInterval: 5 * time.Minute,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				PoolSize:  10,
				KeyPrefix: "restpipe:throttle:",
			},
		},
		Negotiation: NegotiationConfig{
			Strict:        false,
			DefaultFormat: "json",
		},
		Policy: PolicyConfig{
			Query: "data.restpipe.authz.allow",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "restpipe",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}
	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("invalid security config: %w", err)
	}
	if err := c.Throttle.Validate(); err != nil {
		return fmt.Errorf("invalid throttle config: %w", err)
	}
	if err := c.Negotiation.Validate(); err != nil {
		return fmt.Errorf("invalid negotiation config: %w", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}
	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}
	if sc.ReadTimeout < 0 || sc.WriteTimeout < 0 || sc.IdleTimeout < 0 || sc.HandlerTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}
	if sc.MaxBodyBytes < 0 {
		return errors.New("max body bytes cannot be negative")
	}
	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}
	return nil
}

func (stc *StorageConfig) Validate() error {
	switch stc.Type {
	case StorageTypeMemory:
		return nil
	case StorageTypePostgres, StorageTypeSQLite:
		if stc.Database.DSN == "" {
			return errors.New("database DSN is required for database storage")
		}
		return nil
	default:
		return fmt.Errorf("invalid storage type: %s", stc.Type)
	}
}

func (sec *SecurityConfig) Validate() error {
	for _, a := range sec.Authenticators {
		switch a {
		case AuthAPIKey, AuthBasic:
		case AuthSession:
			if len(sec.SessionSecret) < 32 {
				return errors.New("session secret must be at least 32 bytes when session authentication is enabled")
			}
		default:
			return fmt.Errorf("unknown authenticator: %s", a)
		}
	}
	switch sec.DefaultPermission {
	case PolicyAllowAny, PolicyAuthenticated, PolicyAuthenticatedOrReadOnly:
	default:
		return fmt.Errorf("invalid default permission: %s", sec.DefaultPermission)
	}
	if sec.BootstrapKey != "" && !strings.HasPrefix(sec.BootstrapKey, APIKeyPrefix) {
		return fmt.Errorf("bootstrap key must start with %q", APIKeyPrefix)
	}
	if sec.KeyCacheSize < 0 || sec.KeyCacheTTL < 0 {
		return errors.New("key cache size and TTL cannot be negative")
	}
	return nil
}

func (tc *ThrottleConfig) Validate() error {
	if !tc.Enabled {
		return nil
	}
	if !slices.Contains([]string{ThrottleSlidingWindow, ThrottleTokenBucket}, tc.Algorithm) {
		return fmt.Errorf("invalid throttle algorithm: %s", tc.Algorithm)
	}
	if !slices.Contains([]string{ThrottleBackendMemory, ThrottleBackendRedis}, tc.Backend) {
		return fmt.Errorf("invalid throttle backend: %s", tc.Backend)
	}
	if tc.Backend == ThrottleBackendRedis {
		if tc.Algorithm != ThrottleSlidingWindow {
			return errors.New("redis throttle backend only supports the sliding_window algorithm")
		}
		if tc.Redis.Addr == "" {
			return errors.New("redis address is required when throttle backend is redis")
		}
	}
	for _, r := range []string{tc.AnonRate, tc.UserRate} {
		if r == "" {
			continue
		}
		if _, _, err := ParseRate(r); err != nil {
			return err
		}
	}
	if tc.DenyStatus != 429 && tc.DenyStatus != 403 {
		return fmt.Errorf("deny status must be 429 or 403, got %d", tc.DenyStatus)
	}
	return nil
}

func (nc *NegotiationConfig) Validate() error {
	if nc.DefaultFormat == "" {
		return errors.New("default format cannot be empty")
	}
	return nil
}

func (pc *PolicyConfig) Validate() error {
	if !pc.Enabled {
		return nil
	}
	if pc.Path == "" {
		return errors.New("policy path is required when policy is enabled")
	}
	if pc.Query == "" {
		return errors.New("policy query cannot be empty")
	}
	return nil
}

func (lc *LoggingConfig) Validate() error {
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, lc.Level) {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}
	if !slices.Contains([]string{"json", "text", "console"}, lc.Format) {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}
	if !slices.Contains([]string{"stdout", "stderr", "file"}, lc.Output) {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}
	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}
	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}
	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}
	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}
	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if oc.ServiceName == "" {
		return errors.New("service name cannot be empty")
	}
	if !oc.Tracing.Enabled {
		return nil
	}
	switch oc.Tracing.Exporter {
	case "stdout":
	case "otlp":
		if oc.Tracing.OTLPEndpoint == "" {
			return errors.New("otlp endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("invalid trace exporter: %s", oc.Tracing.Exporter)
	}
	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("sample rate must be between 0 and 1")
	}
	return nil
}

var ratePeriods = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "second": time.Second,
	"m": time.Minute, "min": time.Minute, "minute": time.Minute,
	"h": time.Hour, "hour": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour,
}

// ParseRate parses a "<requests>/<period>" rate such as "100/hour" or
// "5/min" into a request count and window length.
func ParseRate(rate string) (int, time.Duration, error) {
	n, period, ok := strings.Cut(strings.TrimSpace(rate), "/")
	if !ok {
		return 0, 0, fmt.Errorf("invalid rate %q: expected <requests>/<period>", rate)
	}
	count, err := strconv.Atoi(n)
	if err != nil || count <= 0 {
		return 0, 0, fmt.Errorf("invalid rate %q: request count must be a positive integer", rate)
	}
	window, ok := ratePeriods[strings.ToLower(period)]
	if !ok {
		return 0, 0, fmt.Errorf("invalid rate %q: unknown period %q", rate, period)
	}
	return count, window, nil
}
