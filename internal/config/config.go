package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Blob     BlobConfig     `yaml:"blob"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SessionConfig struct {
	ScratchRoot       string        `yaml:"scratch_root"`
	Interpreter       string        `yaml:"interpreter"` // python3 binary, PATH lookup by default
	MaxSessions       int           `yaml:"max_sessions"`
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	MaxTimeout        time.Duration `yaml:"max_timeout"`
	InstallTimeout    time.Duration `yaml:"install_timeout"`
	MaxInstallTimeout time.Duration `yaml:"max_install_timeout"`
	Retention         time.Duration `yaml:"retention"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	MaxCaptureBytes   int           `yaml:"max_capture_bytes"`
}

type BlobConfig struct {
	Bucket     string        `yaml:"bucket"` // empty keeps everything in memory
	Region     string        `yaml:"region"`
	Prefix     string        `yaml:"prefix"`
	Endpoint   string        `yaml:"endpoint"` // custom endpoint for MinIO/localstack
	URLExpiry  time.Duration `yaml:"url_expiry"`
	PutTimeout time.Duration `yaml:"put_timeout"`
}

type DatabaseConfig struct {
	DSN         string `yaml:"dsn"`
	AuditBuffer int    `yaml:"audit_buffer"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader      string   `yaml:"api_key_header"`
	AllowedKeys       []string `yaml:"allowed_keys"`
	RateLimitRPS      float64  `yaml:"rate_limit_rps"`
	RateLimitBurst    int      `yaml:"rate_limit_burst"`
	EnforceDetections bool     `yaml:"enforce_detections"` // reject flagged code instead of only logging
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    6 * time.Minute, // > max install timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  8 << 20, // base64 uploads are bulky
		},
		Session: SessionConfig{
			ScratchRoot:       filepath.Join(os.TempDir(), "sandbox-sessions"),
			Interpreter:       "python3",
			MaxSessions:       50,
			DefaultTimeout:    10 * time.Second,
			MaxTimeout:        30 * time.Second,
			InstallTimeout:    2 * time.Minute,
			MaxInstallTimeout: 5 * time.Minute,
			Retention:         30 * time.Minute,
			SweepInterval:     time.Minute,
			MaxCaptureBytes:   32 << 20,
		},
		Blob: BlobConfig{
			Prefix:     "session-outputs",
			URLExpiry:  24 * time.Hour,
			PutTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:         "",
			AuditBuffer: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Session.DefaultTimeout > c.Session.MaxTimeout {
		return fmt.Errorf("session.default_timeout (%s) must be <= max_timeout (%s)",
			c.Session.DefaultTimeout, c.Session.MaxTimeout)
	}
	if c.Session.InstallTimeout > c.Session.MaxInstallTimeout {
		return fmt.Errorf("session.install_timeout (%s) must be <= max_install_timeout (%s)",
			c.Session.InstallTimeout, c.Session.MaxInstallTimeout)
	}
	if c.Session.MaxSessions < 1 {
		return fmt.Errorf("session.max_sessions must be >= 1")
	}
	if !filepath.IsAbs(c.Session.ScratchRoot) {
		return fmt.Errorf("session.scratch_root: %q must be an absolute path", c.Session.ScratchRoot)
	}
	if c.Blob.Bucket == "" {
		log.Warn().Msg("blob.bucket not set — oversized outputs degrade to inline truncation")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
