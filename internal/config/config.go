package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/venturecrane/crane-relay/internal/store"
)

// Config holds all configuration for the relay.
type Config struct {
	Port         int
	Version      string
	MaxBodyBytes int64
	CORSOrigins  []string
	VenturesFile string
	Database     DatabaseConfig
	Telemetry    TelemetryConfig
	Auth         AuthConfig
	Sessions     SessionConfig
	Context      ContextConfig
	Idempotency  IdempotencyConfig
	Log          LogConfig
}

type DatabaseConfig struct {
	Driver   store.Dialect
	URL      string
	MaxConns int
	// Timeout bounds each database operation of a request.
	Timeout time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	// SampleRatio is the fraction of root traces kept, in [0, 1].
	SampleRatio float64
}

type AuthConfig struct {
	RelayKey string
	// AdminKey empty disables the admin endpoints.
	AdminKey string
}

type SessionConfig struct {
	StaleAfter        time.Duration
	HeartbeatInterval time.Duration
	HeartbeatJitter   time.Duration
}

type ContextConfig struct {
	Budget   int
	Floor    int
	MaxNotes int
	Tags     []string
}

type IdempotencyConfig struct {
	TTL time.Duration
	// Lease bounds how long an unresolved reservation blocks retries.
	Lease time.Duration
	// GCInterval zero disables the background janitor.
	GCInterval time.Duration
}

type LogConfig struct {
	Level string
	JSON  bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:         envInt("CRANE_PORT", 8080),
		Version:      envStr("CRANE_VERSION", "0.1.0"),
		MaxBodyBytes: int64(envInt("CRANE_MAX_BODY_BYTES", 1<<20)),
		CORSOrigins:  envList("CRANE_CORS_ORIGINS", []string{"*"}),
		VenturesFile: envStr("CRANE_VENTURES_FILE", ""),
		Database: DatabaseConfig{
			Driver:   store.Dialect(envStr("CRANE_DB_DRIVER", string(store.DialectSQLite))),
			URL:      envStr("CRANE_DATABASE_URL", "crane-relay.db"),
			MaxConns: envInt("CRANE_DB_MAX_CONNS", 10),
			Timeout:  envDuration("CRANE_DB_TIMEOUT", 5*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "crane-relay"),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		},
		Auth: AuthConfig{
			RelayKey: envStr("CRANE_RELAY_KEY", ""),
			AdminKey: envStr("CRANE_ADMIN_KEY", ""),
		},
		Sessions: SessionConfig{
			StaleAfter:        envDuration("CRANE_STALE_AFTER", 45*time.Minute),
			HeartbeatInterval: envDuration("CRANE_HEARTBEAT_INTERVAL", 10*time.Minute),
			HeartbeatJitter:   envDuration("CRANE_HEARTBEAT_JITTER", 2*time.Minute),
		},
		Context: ContextConfig{
			Budget:   envInt("CRANE_CONTEXT_BUDGET", 12000),
			Floor:    envInt("CRANE_CONTEXT_FLOOR", 500),
			MaxNotes: envInt("CRANE_CONTEXT_MAX_NOTES", 20),
			Tags:     envList("CRANE_CONTEXT_TAGS", []string{"executive-summary"}),
		},
		Idempotency: IdempotencyConfig{
			TTL:        envDuration("CRANE_IDEMPOTENCY_TTL", time.Hour),
			Lease:      envDuration("CRANE_IDEMPOTENCY_LEASE", 30*time.Second),
			GCInterval: envDuration("CRANE_GC_INTERVAL", 15*time.Minute),
		},
		Log: LogConfig{
			Level: envStr("CRANE_LOG_LEVEL", "info"),
			JSON:  envBool("CRANE_LOG_JSON", false),
		},
	}
}

// ValidateServe checks the settings the HTTP server cannot run without.
func (c *Config) ValidateServe() error {
	var problems []error
	if c.Auth.RelayKey == "" {
		problems = append(problems, errors.New("CRANE_RELAY_KEY is required"))
	}
	if c.Database.Driver != store.DialectSQLite && c.Database.Driver != store.DialectPostgres {
		problems = append(problems, errors.New("CRANE_DB_DRIVER must be sqlite or postgres"))
	}
	if c.Sessions.StaleAfter <= 0 || c.Sessions.HeartbeatInterval <= 0 {
		problems = append(problems, errors.New("session durations must be positive"))
	}
	if c.Sessions.HeartbeatJitter < 0 || c.Sessions.HeartbeatJitter >= c.Sessions.HeartbeatInterval {
		problems = append(problems, errors.New("CRANE_HEARTBEAT_JITTER must be smaller than the heartbeat interval"))
	}
	if c.Idempotency.Lease < c.Database.Timeout {
		problems = append(problems, errors.New("CRANE_IDEMPOTENCY_LEASE must not be shorter than CRANE_DB_TIMEOUT"))
	}
	if c.MaxBodyBytes <= 0 {
		problems = append(problems, errors.New("CRANE_MAX_BODY_BYTES must be positive"))
	}
	return errors.Join(problems...)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
