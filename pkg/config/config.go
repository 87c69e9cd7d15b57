// Package config loads the notary configuration: defaults, then an optional
// YAML file, then FEDMCP_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fedmcp/fedmcp/pkg/kms"
	"github.com/fedmcp/fedmcp/pkg/observability"
	"github.com/fedmcp/fedmcp/pkg/policy"
	"github.com/fedmcp/fedmcp/pkg/store"
)

// Signer modes.
const (
	SignerLocal   = "local"
	SignerAWSKMS  = "aws-kms"
	SignerFileKMS = "file-kms"
)

// Audit sink kinds.
const (
	SinkStdout   = "stdout"
	SinkFile     = "file"
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
	SinkNATS     = "nats"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is the full notary configuration.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Log       LogConfig            `yaml:"log"`
	Signer    SignerConfig         `yaml:"signer"`
	Verifier  VerifierConfig       `yaml:"verifier"`
	Store     StoreConfig          `yaml:"store"`
	Audit     AuditConfig          `yaml:"audit"`
	Telemetry observability.Config `yaml:"telemetry"`
	Policy    PolicyConfig         `yaml:"policy"`
	Schema    SchemaConfig         `yaml:"schema"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// RateLimit is requests per second per client IP; zero disables it.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

// SignerConfig selects the key holder.
type SignerConfig struct {
	Mode         string      `yaml:"mode"`
	KeyFile      string      `yaml:"key_file"`      // local: PEM private key
	KeyRef       string      `yaml:"key_ref"`       // aws-kms, file-kms
	KeystorePath string      `yaml:"keystore_path"` // file-kms
	AWSRegion    string      `yaml:"aws_region"`
	AWSEndpoint  string      `yaml:"aws_endpoint"`
	Guard        GuardConfig `yaml:"guard"`
}

// GuardConfig bounds calls to a managed backend.
type GuardConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	MaxAttempts   int     `yaml:"max_attempts"`
	BaseMs        int64   `yaml:"base_ms"`
	MaxMs         int64   `yaml:"max_ms"`
	MaxJitterMs   int64   `yaml:"max_jitter_ms"`
}

// VerifierConfig lists keys trusted besides the configured signer.
type VerifierConfig struct {
	// JWKFiles are paths to a JWK or a JWK set.
	JWKFiles    []string     `yaml:"jwk_files"`
	ManagedKeys []ManagedKey `yaml:"managed_keys"`
}

// ManagedKey is a key trusted by reference into the signer's backend.
type ManagedKey struct {
	KeyID  string `yaml:"kid"`
	KeyRef string `yaml:"key_ref"`
}

type StoreConfig struct {
	Type          string        `yaml:"type"` // fs | s3 | gcs | redis | memory | none
	Dir           string        `yaml:"dir"`
	Bucket        string        `yaml:"bucket"`
	Region        string        `yaml:"region"`
	Endpoint      string        `yaml:"endpoint"`
	Prefix        string        `yaml:"prefix"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

type AuditConfig struct {
	Sink    string `yaml:"sink"`
	Path    string `yaml:"path"` // file
	DSN     string `yaml:"dsn"`  // sqlite, postgres
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"` // nats subject prefix
}

type PolicyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Rules   []policy.Rule `yaml:"rules"`
}

type SchemaConfig struct {
	Builtin bool `yaml:"builtin"`
	// Files maps an artifact type to a JSON Schema file.
	Files map[string]string `yaml:"files"`
}

// Default returns a configuration that runs locally with no external services.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Signer: SignerConfig{
			Mode:         SignerLocal,
			KeyFile:      "fedmcp-signing-key.pem",
			KeystorePath: "data/keystore.json",
			Guard: GuardConfig{
				RatePerSecond: 50,
				Burst:         10,
				MaxAttempts:   3,
				BaseMs:        100,
				MaxMs:         5000,
				MaxJitterMs:   50,
			},
		},
		Store:     StoreConfig{Type: string(store.TypeFS), Dir: "data/artifacts"},
		Audit:     AuditConfig{Sink: SinkStdout, Subject: "fedmcp.audit"},
		Telemetry: *observability.DefaultConfig(),
		Policy:    PolicyConfig{Enabled: true},
		Schema:    SchemaConfig{Builtin: true},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Addr, "FEDMCP_ADDR")
	setString(&c.Log.Level, "LOG_LEVEL", "FEDMCP_LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT", "FEDMCP_LOG_FORMAT")

	setString(&c.Signer.Mode, "FEDMCP_SIGNER_MODE")
	setString(&c.Signer.KeyFile, "FEDMCP_SIGNER_KEY_FILE")
	setString(&c.Signer.KeyRef, "FEDMCP_KMS_KEY_REF")
	setString(&c.Signer.KeystorePath, "FEDMCP_KMS_KEYSTORE")
	setString(&c.Signer.AWSRegion, "AWS_REGION", "FEDMCP_AWS_REGION")
	setString(&c.Signer.AWSEndpoint, "FEDMCP_AWS_ENDPOINT")

	setString(&c.Store.Type, "FEDMCP_STORE_TYPE")
	setString(&c.Store.Dir, "FEDMCP_STORE_DIR")
	setString(&c.Store.Bucket, "FEDMCP_STORE_BUCKET")
	setString(&c.Store.Region, "FEDMCP_STORE_REGION")
	setString(&c.Store.Endpoint, "FEDMCP_STORE_ENDPOINT")
	setString(&c.Store.RedisAddr, "FEDMCP_REDIS_ADDR")
	setString(&c.Store.RedisPassword, "FEDMCP_REDIS_PASSWORD")

	setString(&c.Audit.Sink, "FEDMCP_AUDIT_SINK")
	setString(&c.Audit.Path, "FEDMCP_AUDIT_PATH")
	setString(&c.Audit.DSN, "FEDMCP_AUDIT_DSN")
	setString(&c.Audit.NATSURL, "FEDMCP_NATS_URL")

	setString(&c.Telemetry.OTLPEndpoint, "FEDMCP_OTLP_ENDPOINT")
	if v := os.Getenv("FEDMCP_TELEMETRY_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: FEDMCP_TELEMETRY_ENABLED=%q", ErrInvalid, v)
		}
		c.Telemetry.Enabled = b
	}
	if v := os.Getenv("FEDMCP_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: FEDMCP_RATE_LIMIT=%q", ErrInvalid, v)
		}
		c.Server.RateLimit = f
	}
	return nil
}

// setString overwrites dst with the first non-empty variable; later names win.
func setString(dst *string, names ...string) {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
}

// Validate checks that the selected modes have what they need.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...))
	}

	if _, err := observability.ParseLevel(c.Log.Level); err != nil {
		bad("log.level: %v", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		bad("log.format %q", c.Log.Format)
	}

	switch c.Signer.Mode {
	case SignerLocal:
	case SignerAWSKMS:
		if c.Signer.KeyRef == "" {
			bad("signer.key_ref is required for %s", SignerAWSKMS)
		}
	case SignerFileKMS:
		if c.Signer.KeyRef == "" || c.Signer.KeystorePath == "" {
			bad("signer.key_ref and signer.keystore_path are required for %s", SignerFileKMS)
		}
	default:
		bad("signer.mode %q", c.Signer.Mode)
	}

	switch store.Type(c.Store.Type) {
	case store.TypeFS, store.TypeMemory, "", "none":
	case store.TypeS3, store.TypeGCS:
		if c.Store.Bucket == "" {
			bad("store.bucket is required for %s", c.Store.Type)
		}
	case store.TypeRedis:
		if c.Store.RedisAddr == "" {
			bad("store.redis_addr is required for redis")
		}
	default:
		bad("store.type %q", c.Store.Type)
	}

	switch c.Audit.Sink {
	case SinkStdout:
	case SinkFile:
		if c.Audit.Path == "" {
			bad("audit.path is required for the file sink")
		}
	case SinkSQLite, SinkPostgres:
		if c.Audit.DSN == "" {
			bad("audit.dsn is required for the %s sink", c.Audit.Sink)
		}
	case SinkNATS:
		if c.Audit.NATSURL == "" {
			bad("audit.nats_url is required for the nats sink")
		}
	default:
		bad("audit.sink %q", c.Audit.Sink)
	}

	for i, mk := range c.Verifier.ManagedKeys {
		if mk.KeyRef == "" {
			bad("verifier.managed_keys[%d].key_ref is empty", i)
		}
	}
	return errors.Join(errs...)
}

// StoreEnabled reports whether signed records are persisted.
func (c StoreConfig) StoreEnabled() bool { return c.Type != "none" }

// ToStore converts to the store factory configuration.
func (c StoreConfig) ToStore() store.Config {
	return store.Config{
		Type: store.Type(c.Type),
		Dir:  c.Dir,
		S3: store.S3StoreConfig{
			Bucket:   c.Bucket,
			Region:   c.Region,
			Endpoint: c.Endpoint,
			Prefix:   c.Prefix,
		},
		GCS: store.GCSStoreConfig{Bucket: c.Bucket, Prefix: c.Prefix},
		Redis: store.RedisStoreConfig{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
			Prefix:   c.Prefix,
			TTL:      c.TTL,
		},
	}
}

// ToGuard converts to the backend guard configuration.
func (c GuardConfig) ToGuard() kms.GuardConfig {
	return kms.GuardConfig{
		RatePerSecond: c.RatePerSecond,
		Burst:         c.Burst,
		Backoff: kms.BackoffPolicy{
			BaseMs:      c.BaseMs,
			MaxMs:       c.MaxMs,
			MaxJitterMs: c.MaxJitterMs,
			MaxAttempts: c.MaxAttempts,
		},
	}
}
