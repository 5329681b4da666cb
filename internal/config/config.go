// Package config loads the service configuration: defaults, then an optional
// YAML file, then RESTPIPE_* environment overrides, then validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"restpipe/internal/models"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RESTPIPE_"

// Load loads configuration from file and environment variables.
func Load(configPath string) (*models.Config, error) {
	config := models.NewDefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadFromEnvironment(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

var knownSections = map[string]bool{
	"server":        true,
	"storage":       true,
	"security":      true,
	"throttle":      true,
	"negotiation":   true,
	"policy":        true,
	"logging":       true,
	"metrics":       true,
	"observability": true,
}

// warnUnknownKeys logs top-level keys the decoder ignores, which are usually
// typos.
func warnUnknownKeys(data []byte) {
	var top map[string]yaml.Node
	if err := yaml.Unmarshal(data, &top); err != nil {
		return
	}
	for key := range top {
		if !knownSections[key] {
			slog.Warn("Unknown config section is ignored", "config_key", key)
		}
	}
}

func loadFromFile(config *models.Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", filePath)
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	warnUnknownKeys(data)
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// env reads environment overrides and collects the first parse error.
type env struct {
	err error
}

func (e *env) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *env) fail(name, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s%s=%q: %w", EnvPrefix, name, value, err)
	}
}

func (e *env) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *env) list(name string, dst *[]string) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func (e *env) integer(name string, dst *int) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *env) int64(name string, dst *int64) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *env) float(name string, dst *float64) {
	if v, ok := e.lookup(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = f
	}
}

func (e *env) boolean(name string, dst *bool) {
	if v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (e *env) duration(name string, dst *time.Duration) {
	if v, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = d
	}
}

// loadFromEnvironment applies RESTPIPE_* overrides. A value that does not
// parse is an error rather than silently ignored.
func loadFromEnvironment(config *models.Config) error {
	e := &env{}

	srv := &config.Server
	e.integer("PORT", &srv.Port)
	e.str("HOST", &srv.Host)
	e.duration("READ_TIMEOUT", &srv.ReadTimeout)
	e.duration("WRITE_TIMEOUT", &srv.WriteTimeout)
	e.duration("IDLE_TIMEOUT", &srv.IdleTimeout)
	e.duration("HANDLER_TIMEOUT", &srv.HandlerTimeout)
	e.int64("MAX_BODY_BYTES", &srv.MaxBodyBytes)
	e.boolean("TLS_ENABLED", &srv.TLSEnabled)
	e.str("TLS_CERT_FILE", &srv.TLSCertFile)
	e.str("TLS_KEY_FILE", &srv.TLSKeyFile)
	e.boolean("CORS_ENABLED", &srv.CORS.Enabled)
	e.list("CORS_ALLOWED_ORIGINS", &srv.CORS.AllowedOrigins)

	st := &config.Storage
	e.str("STORAGE_TYPE", &st.Type)
	e.str("DATABASE_DSN", &st.Database.DSN)
	e.integer("DATABASE_MAX_OPEN_CONNS", &st.Database.MaxOpenConns)
	e.integer("DATABASE_MAX_IDLE_CONNS", &st.Database.MaxIdleConns)
	e.duration("DATABASE_CONN_MAX_LIFETIME", &st.Database.ConnMaxLifetime)

	sec := &config.Security
	e.list("AUTHENTICATORS", &sec.Authenticators)
	e.str("DEFAULT_PERMISSION", &sec.DefaultPermission)
	e.str("BOOTSTRAP_KEY", &sec.BootstrapKey)
	e.str("SESSION_SECRET", &sec.SessionSecret)
	e.duration("SESSION_TTL", &sec.SessionTTL)
	e.integer("KEY_CACHE_SIZE", &sec.KeyCacheSize)
	e.duration("KEY_CACHE_TTL", &sec.KeyCacheTTL)

	th := &config.Throttle
	e.boolean("THROTTLE_ENABLED", &th.Enabled)
	e.str("THROTTLE_ALGORITHM", &th.Algorithm)
	e.str("THROTTLE_BACKEND", &th.Backend)
	e.str("THROTTLE_ANON_RATE", &th.AnonRate)
	e.str("THROTTLE_USER_RATE", &th.UserRate)
	e.integer("THROTTLE_DENY_STATUS", &th.DenyStatus)
	e.boolean("THROTTLE_TRUST_FORWARDED", &th.TrustForwarded)
	e.str("REDIS_ADDR", &th.Redis.Addr)
	e.str("REDIS_PASSWORD", &th.Redis.Password)
	e.integer("REDIS_DB", &th.Redis.DB)
	e.integer("REDIS_POOL_SIZE", &th.Redis.PoolSize)

	e.boolean("NEGOTIATION_STRICT", &config.Negotiation.Strict)
	e.str("NEGOTIATION_DEFAULT_FORMAT", &config.Negotiation.DefaultFormat)

	e.boolean("POLICY_ENABLED", &config.Policy.Enabled)
	e.str("POLICY_PATH", &config.Policy.Path)
	e.str("POLICY_QUERY", &config.Policy.Query)

	e.str("LOG_LEVEL", &config.Logging.Level)
	e.str("LOG_FORMAT", &config.Logging.Format)
	e.str("LOG_OUTPUT", &config.Logging.Output)
	e.str("LOG_FILE_PATH", &config.Logging.FilePath)

	e.boolean("METRICS_ENABLED", &config.Metrics.Enabled)
	e.str("METRICS_PATH", &config.Metrics.Path)
	e.integer("METRICS_PORT", &config.Metrics.Port)

	obs := &config.Observability
	e.str("SERVICE_NAME", &obs.ServiceName)
	e.boolean("TRACING_ENABLED", &obs.Tracing.Enabled)
	e.str("TRACING_EXPORTER", &obs.Tracing.Exporter)
	e.str("OTLP_ENDPOINT", &obs.Tracing.OTLPEndpoint)
	e.float("TRACING_SAMPLE_RATE", &obs.Tracing.SampleRate)

	return e.err
}

// SaveExample writes an example configuration with every section filled in.
func SaveExample(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()
	config.Security.Authenticators = []string{models.AuthAPIKey, models.AuthSession}
	config.Security.BootstrapKey = models.APIKeyPrefix + "your-bootstrap-key-here"
	config.Security.SessionSecret = "replace-with-a-random-secret-of-at-least-32-bytes"
	config.Server.TLSCertFile = "/path/to/cert.pem"
	config.Server.TLSKeyFile = "/path/to/key.pem"
	config.Storage.Type = models.StorageTypeSQLite
	config.Storage.Database.DSN = "./data/restpipe.db"

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
