// Package config handles application configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Token     TokenConfig     `mapstructure:"token"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Guardrail GuardrailConfig `mapstructure:"guardrail"`
	OTEL      OTELConfig      `mapstructure:"otel"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string   `mapstructure:"port"`
	Host            string   `mapstructure:"host"`
	ReadTimeout     int      `mapstructure:"read_timeout"`
	WriteTimeout    int      `mapstructure:"write_timeout"`
	ShutdownTimeout int      `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string `mapstructure:"cors_origins"`
	RateLimitPerMin int      `mapstructure:"rate_limit_per_min"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int    `mapstructure:"max_conns"`
}

// TokenConfig names where the token engine's signing material lives. Only
// keygen/mint/attenuate CLI operations ever read PrivateKeyPath — the
// pipeline verifies tokens against the public key embedded in their own
// base block (spec.md §4.1) and never needs a key file at request time.
type TokenConfig struct {
	PrivateKeyPath string `mapstructure:"private_key_path"`
	PublicKeyPath  string `mapstructure:"public_key_path"`
}

// AuditConfig selects where finished request events go. "log" (the
// default) uses internal/audit.LogSink; the audit log's own formatter and
// long-term storage are out of core scope (spec.md §1) and are expected to
// tail structured log output rather than be driven by this config.
type AuditConfig struct {
	Sink string `mapstructure:"sink"`
}

// GuardrailConfig points the advisory OPA sweep (internal/guardrail) at a
// policy bundle. Renamed from the teacher's gating OPAConfig: Cori's
// guardrail layer never decides Allow/Deny, so there is no decision_path
// to configure, only where the bundle lives.
type GuardrailConfig struct {
	BundlePath    string `mapstructure:"bundle_path"`
	BundleURL     string `mapstructure:"bundle_url"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Endpoint       string  `mapstructure:"endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

// Load reads configuration from file and environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from config file if provided
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Look for config in standard locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/cori")
		v.AddConfigPath("$HOME/.cori")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
			// Config file not found - continue with defaults and env vars
		}
	}

	// Bind environment variables
	v.SetEnvPrefix("CORI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Override with explicit environment variables
	bindEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 15)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit_per_min", 600)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "cori")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 25)

	// Token defaults
	v.SetDefault("token.private_key_path", "./keys/cori_ed25519.key")
	v.SetDefault("token.public_key_path", "./keys/cori_ed25519.pub")

	// Audit defaults
	v.SetDefault("audit.sink", "log")

	// Guardrail defaults
	v.SetDefault("guardrail.bundle_path", "./policies/guardrail-bundle.tar.gz")
	v.SetDefault("guardrail.enable_metrics", true)

	// OTEL defaults
	v.SetDefault("otel.enabled", true)
	v.SetDefault("otel.service_name", "cori")
	v.SetDefault("otel.sampling_rate", 1.0)
}

func bindEnvVars(v *viper.Viper) {
	// Database credentials from env
	if val := os.Getenv("DATABASE_URL"); val != "" {
		v.Set("database.url", val)
	}
	if val := os.Getenv("POSTGRES_USER"); val != "" {
		v.Set("database.user", val)
	}
	if val := os.Getenv("POSTGRES_PASSWORD"); val != "" {
		v.Set("database.password", val)
	}

	// Token key paths from env, so a deployment can override the config
	// file without checking key locations into it.
	if val := os.Getenv("CORI_PRIVATE_KEY_PATH"); val != "" {
		v.Set("token.private_key_path", val)
	}
	if val := os.Getenv("CORI_PUBLIC_KEY_PATH"); val != "" {
		v.Set("token.public_key_path", val)
	}
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
